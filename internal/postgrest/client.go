package postgrest

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/golang/glog"

	"github.com/layersync/backend/internal/models"
)

const (
	layersTable = "layers"
	mergeRPC    = "merge_sub_layer"
)

// TokenSource supplies the bearer token sent with every request.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Options tunes request timeouts. Bulk timeouts apply to feature listing and
// multi-row inserts.
type Options struct {
	RequestTimeout     time.Duration
	BulkRequestTimeout time.Duration
	HTTPClient         *http.Client
}

// DefaultOptions returns 5s for single-row calls and 30s for bulk calls.
func DefaultOptions() Options {
	return Options{
		RequestTimeout:     5 * time.Second,
		BulkRequestTimeout: 30 * time.Second,
	}
}

// Client talks to a PostgREST data API. It implements engine.Store.
// Calls are never retried.
type Client struct {
	baseURL string
	apiKey  string
	tokens  TokenSource
	opts    Options
	http    *http.Client
}

// NewClient creates a client for the API rooted at baseURL.
func NewClient(baseURL, apiKey string, tokens TokenSource, opts Options) *Client {
	defaults := DefaultOptions()
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaults.RequestTimeout
	}
	if opts.BulkRequestTimeout <= 0 {
		opts.BulkRequestTimeout = defaults.BulkRequestTimeout
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		tokens:  tokens,
		opts:    opts,
		http:    httpClient,
	}
}

// ListLayers returns the layer catalog sorted by name.
func (c *Client) ListLayers(ctx context.Context) ([]models.LayerRecord, error) {
	var layers []models.LayerRecord
	if err := c.do(ctx, request{method: http.MethodGet, table: layersTable}, &layers); err != nil {
		return nil, fmt.Errorf("list layers: %w", err)
	}
	slices.SortStableFunc(layers, func(a, b models.LayerRecord) int {
		return cmp.Compare(a.Name, b.Name)
	})
	return layers, nil
}

// CreateLayer inserts a catalog row.
func (c *Client) CreateLayer(ctx context.Context, layer models.LayerRecord) error {
	if layer.Attributes == nil {
		layer.Attributes = []models.Attribute{}
	}
	if err := c.do(ctx, request{method: http.MethodPost, table: layersTable, body: layer}, nil); err != nil {
		return fmt.Errorf("create layer %s: %w", layer.ID, err)
	}
	return nil
}

// RenameLayer changes a layer's name.
func (c *Client) RenameLayer(ctx context.Context, id, name string) error {
	req := request{
		method: http.MethodPatch,
		table:  layersTable,
		query:  idFilter(id),
		body:   map[string]string{"name": name},
	}
	if err := c.do(ctx, req, nil); err != nil {
		return fmt.Errorf("rename layer %s: %w", id, err)
	}
	return nil
}

// DropLayer deletes a catalog row. The backend cascades to its features.
func (c *Client) DropLayer(ctx context.Context, id string) error {
	req := request{method: http.MethodDelete, table: layersTable, query: idFilter(id)}
	if err := c.do(ctx, req, nil); err != nil {
		return fmt.Errorf("drop layer %s: %w", id, err)
	}
	return nil
}

// MergeSubLayer calls the server-side merge procedure that moves a sub-layer's
// features into its parent and deletes the sub-layer.
func (c *Client) MergeSubLayer(ctx context.Context, id string) error {
	req := request{method: http.MethodPost, rpc: mergeRPC, body: map[string]string{"sub_layer_id": id}}
	if err := c.do(ctx, req, nil); err != nil {
		return fmt.Errorf("merge sub-layer %s: %w", id, err)
	}
	return nil
}

// UpdateAttributeSchema replaces the layer's attribute list.
func (c *Client) UpdateAttributeSchema(ctx context.Context, layerID string, attrs []models.Attribute) error {
	if attrs == nil {
		attrs = []models.Attribute{}
	}
	req := request{
		method: http.MethodPatch,
		table:  layersTable,
		query:  idFilter(layerID),
		body:   map[string]any{"attributes": attrs},
	}
	if err := c.do(ctx, req, nil); err != nil {
		return fmt.Errorf("update attributes of %s: %w", layerID, err)
	}
	return nil
}

// ListFeatures returns every feature of a layer.
func (c *Client) ListFeatures(ctx context.Context, kind models.GeometryKind, layerID string) ([]models.FeatureRecord, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", models.ErrUnsupportedGeometry, kind)
	}
	query := url.Values{}
	query.Set("layer_id", "eq."+layerID)
	var records []models.FeatureRecord
	req := request{method: http.MethodGet, table: kind.Table(), query: query, bulk: true}
	if err := c.do(ctx, req, &records); err != nil {
		return nil, fmt.Errorf("list features of %s: %w", layerID, err)
	}
	return records, nil
}

// InsertFeature creates one feature row.
func (c *Client) InsertFeature(ctx context.Context, rec models.FeatureRecord) error {
	kind, err := rec.GeometryKind()
	if err != nil {
		return err
	}
	if err := c.do(ctx, request{method: http.MethodPost, table: kind.Table(), body: rec}, nil); err != nil {
		return fmt.Errorf("insert feature %s: %w", rec.ID, err)
	}
	return nil
}

// InsertFeatures creates many rows in one request. All records must share a
// geometry kind.
func (c *Client) InsertFeatures(ctx context.Context, recs []models.FeatureRecord) error {
	if len(recs) == 0 {
		return nil
	}
	kind, err := recs[0].GeometryKind()
	if err != nil {
		return err
	}
	for _, rec := range recs[1:] {
		k, err := rec.GeometryKind()
		if err != nil {
			return err
		}
		if k != kind {
			return models.NewValidationError("geometry", rec.Geom.Type, models.ErrGeometryMismatch)
		}
	}
	req := request{method: http.MethodPost, table: kind.Table(), body: recs, bulk: true}
	if err := c.do(ctx, req, nil); err != nil {
		return fmt.Errorf("insert %d features: %w", len(recs), err)
	}
	return nil
}

// UpdateFeature replaces a feature row by id.
func (c *Client) UpdateFeature(ctx context.Context, rec models.FeatureRecord) error {
	if rec.ID == "" {
		return models.NewValidationError("id", rec.ID, nil)
	}
	kind, err := rec.GeometryKind()
	if err != nil {
		return err
	}
	req := request{method: http.MethodPatch, table: kind.Table(), query: idFilter(rec.ID), body: rec}
	if err := c.do(ctx, req, nil); err != nil {
		return fmt.Errorf("update feature %s: %w", rec.ID, err)
	}
	return nil
}

// DeleteFeature removes a feature row by id.
func (c *Client) DeleteFeature(ctx context.Context, kind models.GeometryKind, id string) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", models.ErrUnsupportedGeometry, kind)
	}
	req := request{method: http.MethodDelete, table: kind.Table(), query: idFilter(id)}
	if err := c.do(ctx, req, nil); err != nil {
		return fmt.Errorf("delete feature %s: %w", id, err)
	}
	return nil
}

type request struct {
	method string
	table  string
	rpc    string
	query  url.Values
	body   any
	bulk   bool
}

func (r request) path() string {
	if r.rpc != "" {
		return "/rpc/" + r.rpc
	}
	return "/" + r.table
}

func (c *Client) do(ctx context.Context, r request, out any) error {
	timeout := c.opts.RequestTimeout
	if r.bulk {
		timeout = c.opts.BulkRequestTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return fmt.Errorf("access token: %w", err)
	}

	target := c.baseURL + r.path()
	if len(r.query) > 0 {
		target += "?" + r.query.Encode()
	}

	var body io.Reader
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			return fmt.Errorf("encode body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, target, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	glog.V(1).Infof("[Postgrest] %s %s", r.method, r.path())
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newHTTPError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func idFilter(id string) url.Values {
	q := url.Values{}
	q.Set("id", "eq."+id)
	return q
}
