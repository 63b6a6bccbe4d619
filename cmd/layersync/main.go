package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/gorilla/websocket"

	"github.com/layersync/backend/internal/engine"
	"github.com/layersync/backend/internal/manifest"
)

const LayerSyncCtlVersion = "0.1.0"

const defaultAgentURL = "http://127.0.0.1:8089"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := fmt.Sprintf(`Layer sync control.

Talks to a running layer sync agent. The default agent url is %s.

Usage:
    layersync layers [--agent_url=<agent_url>] [--token=<token>] [--refresh]
    layersync import [--agent_url=<agent_url>] [--token=<token>] <manifest>
    layersync load [--agent_url=<agent_url>] [--token=<token>] <layer>
    layersync unload [--agent_url=<agent_url>] [--token=<token>] <layer>
    layersync rename [--agent_url=<agent_url>] [--token=<token>] <layer> <name>
    layersync drop [--agent_url=<agent_url>] [--token=<token>] <layer>
    layersync merge [--agent_url=<agent_url>] [--token=<token>] <layer>
    layersync watch [--agent_url=<agent_url>] [--token=<token>]
        [--event_count=<event_count>]

Options:
    -h --help                       Show this screen.
    --version                       Show version.
    --agent_url=<agent_url>
    --token=<token>                 Agent API token when authentication is required.
    --refresh                       Fetch the catalog from the backend first.
    --event_count=<event_count>     Print this many events then exit.`, defaultAgentURL)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], LayerSyncCtlVersion)
	if err != nil {
		panic(err)
	}

	client := newAgentClient(opts)

	if layers_, _ := opts.Bool("layers"); layers_ {
		err = listLayers(client, opts)
	} else if import_, _ := opts.Bool("import"); import_ {
		err = importManifest(client, opts)
	} else if load_, _ := opts.Bool("load"); load_ {
		err = layerAction(client, opts, "load")
	} else if unload_, _ := opts.Bool("unload"); unload_ {
		err = layerAction(client, opts, "unload")
	} else if rename_, _ := opts.Bool("rename"); rename_ {
		err = renameLayer(client, opts)
	} else if drop_, _ := opts.Bool("drop"); drop_ {
		err = dropLayer(client, opts)
	} else if merge_, _ := opts.Bool("merge"); merge_ {
		err = layerAction(client, opts, "merge")
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		err = watch(client, opts)
	}
	if err != nil {
		Err.Printf("%s", err)
		os.Exit(1)
	}
}

type agentClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAgentClient(opts docopt.Opts) *agentClient {
	baseURL, _ := opts.String("--agent_url")
	if baseURL == "" {
		baseURL = defaultAgentURL
	}
	token, _ := opts.String("--token")
	return &agentClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *agentClient) do(method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Details string `json:"details"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
			if apiErr.Details != "" {
				return fmt.Errorf("%s %s: (%d) %s: %s", method, path, resp.StatusCode, apiErr.Message, apiErr.Details)
			}
			return fmt.Errorf("%s %s: (%d) %s", method, path, resp.StatusCode, apiErr.Message)
		}
		return fmt.Errorf("%s %s: (%d) %s", method, path, resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func (c *agentClient) doJSON(method, path string, in any, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}
	return c.do(method, path, contentType, body, out)
}

func listLayers(c *agentClient, opts docopt.Opts) error {
	var resp struct {
		Layers []engine.LayerInfo `json:"layers"`
	}
	var err error
	if refresh, _ := opts.Bool("--refresh"); refresh {
		err = c.doJSON(http.MethodPost, "/api/layers/refresh", nil, &resp)
	} else {
		err = c.doJSON(http.MethodGet, "/api/layers", nil, &resp)
	}
	if err != nil {
		return err
	}
	for _, l := range resp.Layers {
		printLayer(l, 0)
	}
	return nil
}

func printLayer(l engine.LayerInfo, depth int) {
	flags := ""
	if l.Temporary {
		flags = " temporary"
	}
	Out.Printf("%s%s  %-30s %s srid=%d features=%d %s%s",
		strings.Repeat("  ", depth), l.ID, l.Name, l.GeometryType, l.SRID, l.FeatureCount, l.State, flags)
	for _, sub := range l.SubLayers {
		printLayer(sub, depth+1)
	}
}

// importManifest uploads every layer of a manifest as GeoJSON.
func importManifest(c *agentClient, opts docopt.Opts) error {
	path, _ := opts.String("<manifest>")
	m, err := manifest.Parse(path)
	if err != nil {
		return err
	}
	for _, spec := range m.Layers {
		layer, err := m.Build(spec)
		if err != nil {
			return fmt.Errorf("layer %s: %w", spec.Name, err)
		}
		fc, err := manifest.WriteGeoJSON(layer)
		layer.Close()
		if err != nil {
			return fmt.Errorf("layer %s: %w", spec.Name, err)
		}
		data, err := fc.MarshalJSON()
		if err != nil {
			return err
		}

		body := new(bytes.Buffer)
		writer := multipart.NewWriter(body)
		part, err := writer.CreateFormFile("file", spec.Name+".geojson")
		if err != nil {
			return err
		}
		part.Write(data)
		writer.WriteField("name", spec.Name)
		writer.WriteField("srid", strconv.Itoa(spec.SRID))
		writer.WriteField("temporary", strconv.FormatBool(spec.Temporary))
		if err := writer.Close(); err != nil {
			return err
		}

		var created engine.LayerInfo
		if err := c.do(http.MethodPost, "/api/layers/import", writer.FormDataContentType(), body, &created); err != nil {
			return fmt.Errorf("importing %s: %w", spec.Name, err)
		}
		Out.Printf("imported %s as %s (%d features)", spec.Name, created.ID, len(fc.Features))
	}
	return nil
}

func layerAction(c *agentClient, opts docopt.Opts, action string) error {
	id, _ := opts.String("<layer>")
	var info engine.LayerInfo
	if err := c.doJSON(http.MethodPost, "/api/layers/"+url.PathEscape(id)+"/"+action, nil, &info); err != nil {
		return err
	}
	if info.ID != "" {
		printLayer(info, 0)
	} else {
		Out.Printf("%s: %s done", id, action)
	}
	return nil
}

func renameLayer(c *agentClient, opts docopt.Opts) error {
	id, _ := opts.String("<layer>")
	name, _ := opts.String("<name>")
	var info engine.LayerInfo
	if err := c.doJSON(http.MethodPut, "/api/layers/"+url.PathEscape(id), map[string]string{"name": name}, &info); err != nil {
		return err
	}
	printLayer(info, 0)
	return nil
}

func dropLayer(c *agentClient, opts docopt.Opts) error {
	id, _ := opts.String("<layer>")
	if err := c.doJSON(http.MethodDelete, "/api/layers/"+url.PathEscape(id), nil, nil); err != nil {
		return err
	}
	Out.Printf("%s: dropped", id)
	return nil
}

// watch prints the agent's event stream.
func watch(c *agentClient, opts docopt.Opts) error {
	eventCount := -1
	if eventCountStr, err := opts.String("--event_count"); err == nil && eventCountStr != "" {
		eventCount, err = strconv.Atoi(eventCountStr)
		if err != nil {
			return fmt.Errorf("bad event count: %w", err)
		}
	}

	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/api/ws/events"
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		return err
	}
	defer conn.Close()

	for i := 0; eventCount < 0 || i < eventCount; {
		var msg struct {
			Type      string          `json:"type"`
			ID        string          `json:"id"`
			Payload   json.RawMessage `json:"payload"`
			Timestamp int64           `json:"timestamp"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		if msg.Type == "connected" {
			continue
		}
		ts := time.UnixMilli(msg.Timestamp).Format(time.RFC3339)
		Out.Printf("%s %s %s", ts, msg.Type, string(msg.Payload))
		i++
	}
	return nil
}
