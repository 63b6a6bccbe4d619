package postgrest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layersync/backend/internal/models"
)

type staticToken string

func (s staticToken) AccessToken(context.Context) (string, error) { return string(s), nil }

type recorded struct {
	Method string
	Path   string
	Query  string
	Auth   string
	APIKey string
	Body   string
}

type apiServer struct {
	*httptest.Server
	mu       sync.Mutex
	requests []recorded
	status   int
	respond  string
	jsonErr  bool
}

func newAPIServer(t *testing.T) *apiServer {
	s := &apiServer{status: http.StatusOK}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.requests = append(s.requests, recorded{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Auth:   r.Header.Get("Authorization"),
			APIKey: r.Header.Get("apikey"),
			Body:   string(body),
		})
		status, respond, jsonErr := s.status, s.respond, s.jsonErr
		s.mu.Unlock()

		if jsonErr {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
		}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, respond)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *apiServer) last(t *testing.T) recorded {
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.requests)
	return s.requests[len(s.requests)-1]
}

func newTestClient(s *apiServer) *Client {
	return NewClient(s.URL+"/", "anon", staticToken("tok"), Options{})
}

func TestListLayersSortsByName(t *testing.T) {
	s := newAPIServer(t)
	s.respond = `[
		{"id":"b","name":"signs","geometry_type":"point","srid":2949,"attributes":null,"parent_id":null,"temporary":false},
		{"id":"a","name":"poles","geometry_type":"point","srid":4326,"attributes":[{"name":"h","type":"float"}],"parent_id":"b","temporary":true}
	]`

	layers, err := newTestClient(s).ListLayers(context.Background())
	require.NoError(t, err)
	require.Len(t, layers, 2)
	assert.Equal(t, "poles", layers[0].Name)
	assert.Equal(t, "b", layers[0].ParentID)
	assert.True(t, layers[0].Temporary)
	assert.Equal(t, []models.Attribute{{Name: "h", Type: models.AttrFloat}}, layers[0].Attributes)
	assert.Empty(t, layers[1].ParentID)

	req := s.last(t)
	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, "/layers", req.Path)
	assert.Equal(t, "Bearer tok", req.Auth)
	assert.Equal(t, "anon", req.APIKey)
}

func TestListFeaturesFiltersByLayer(t *testing.T) {
	s := newAPIServer(t)
	s.respond = `[{"id":"f1","layer_id":"l1","attributes":{"name":"a"},"geom":{"type":"Point","coordinates":[1,2,3]}}]`

	records, err := newTestClient(s).ListFeatures(context.Background(), models.GeometryPoint, "l1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	x, y, z, err := records[0].Geom.Point()
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3}, []float64{x, y, z})

	req := s.last(t)
	assert.Equal(t, "/points", req.Path)
	assert.Equal(t, "layer_id=eq.l1", req.Query)
}

func TestListFeaturesRejectsUnknownKind(t *testing.T) {
	s := newAPIServer(t)
	_, err := newTestClient(s).ListFeatures(context.Background(), "curve", "l1")
	assert.True(t, errors.Is(err, models.ErrUnsupportedGeometry))
	assert.Empty(t, s.requests)
}

func TestFeatureWrites(t *testing.T) {
	s := newAPIServer(t)
	c := newTestClient(s)
	ctx := context.Background()
	rec := models.FeatureRecord{
		ID:         "f1",
		LayerID:    "l1",
		Attributes: map[string]any{"name": "a"},
		Geom:       models.NewPoint(1, 2, 0),
	}

	require.NoError(t, c.InsertFeature(ctx, rec))
	req := s.last(t)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/points", req.Path)
	assert.JSONEq(t, `{"id":"f1","layer_id":"l1","attributes":{"name":"a"},"geom":{"type":"Point","coordinates":[1,2,0]}}`, req.Body)

	require.NoError(t, c.UpdateFeature(ctx, rec))
	req = s.last(t)
	assert.Equal(t, http.MethodPatch, req.Method)
	assert.Equal(t, "id=eq.f1", req.Query)

	require.NoError(t, c.DeleteFeature(ctx, models.GeometryPoint, "f1"))
	req = s.last(t)
	assert.Equal(t, http.MethodDelete, req.Method)
	assert.Equal(t, "/points", req.Path)
	assert.Equal(t, "id=eq.f1", req.Query)
	assert.Empty(t, req.Body)
}

func TestInsertFeaturesSendsOneArray(t *testing.T) {
	s := newAPIServer(t)
	c := newTestClient(s)

	recs := []models.FeatureRecord{
		{ID: "f1", LayerID: "l1", Attributes: map[string]any{}, Geom: models.NewPoint(1, 1, 0)},
		{ID: "f2", LayerID: "l1", Attributes: map[string]any{}, Geom: models.NewPoint(2, 2, 0)},
	}
	require.NoError(t, c.InsertFeatures(context.Background(), recs))

	var body []map[string]any
	require.NoError(t, json.Unmarshal([]byte(s.last(t).Body), &body))
	assert.Len(t, body, 2)

	require.NoError(t, c.InsertFeatures(context.Background(), nil))
	assert.Len(t, s.requests, 1)
}

func TestInsertFeaturesRejectsMixedKinds(t *testing.T) {
	s := newAPIServer(t)
	recs := []models.FeatureRecord{
		{ID: "f1", Geom: models.NewPoint(1, 1, 0)},
		{ID: "f2", Geom: models.Geometry{Type: "LineString", Coordinates: [][]float64{{0, 0}, {1, 1}}}},
	}
	err := newTestClient(s).InsertFeatures(context.Background(), recs)
	assert.True(t, errors.Is(err, models.ErrValidation))
	assert.Empty(t, s.requests)
}

func TestUpdateFeatureRequiresID(t *testing.T) {
	s := newAPIServer(t)
	err := newTestClient(s).UpdateFeature(context.Background(), models.FeatureRecord{Geom: models.NewPoint(0, 0, 0)})
	assert.True(t, errors.Is(err, models.ErrValidation))
	assert.Empty(t, s.requests)
}

func TestLayerWrites(t *testing.T) {
	s := newAPIServer(t)
	c := newTestClient(s)
	ctx := context.Background()

	require.NoError(t, c.CreateLayer(ctx, models.LayerRecord{ID: "l1", Name: "signs", GeometryType: models.GeometryPoint, SRID: 2949}))
	req := s.last(t)
	assert.Equal(t, "/layers", req.Path)
	assert.JSONEq(t, `{"id":"l1","name":"signs","geometry_type":"point","srid":2949,"attributes":[],"temporary":false}`, req.Body)

	require.NoError(t, c.RenameLayer(ctx, "l1", "poles"))
	req = s.last(t)
	assert.Equal(t, http.MethodPatch, req.Method)
	assert.Equal(t, "id=eq.l1", req.Query)
	assert.JSONEq(t, `{"name":"poles"}`, req.Body)

	attrs := []models.Attribute{{Name: "name", Type: models.AttrString}}
	require.NoError(t, c.UpdateAttributeSchema(ctx, "l1", attrs))
	assert.JSONEq(t, `{"attributes":[{"name":"name","type":"str"}]}`, s.last(t).Body)

	require.NoError(t, c.MergeSubLayer(ctx, "sub"))
	req = s.last(t)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/rpc/merge_sub_layer", req.Path)
	assert.JSONEq(t, `{"sub_layer_id":"sub"}`, req.Body)

	require.NoError(t, c.DropLayer(ctx, "l1"))
	req = s.last(t)
	assert.Equal(t, http.MethodDelete, req.Method)
	assert.Equal(t, "/layers", req.Path)
}

func TestHTTPErrorUsesJSONMessage(t *testing.T) {
	s := newAPIServer(t)
	s.status = http.StatusConflict
	s.jsonErr = true
	s.respond = `{"code":"23505","message":"duplicate key value"}`

	err := newTestClient(s).InsertFeature(context.Background(), models.FeatureRecord{ID: "f1", Geom: models.NewPoint(0, 0, 0)})
	var httpErr *HTTPError
	if assert.True(t, errors.As(err, &httpErr)) {
		assert.Equal(t, http.StatusConflict, httpErr.Status)
		assert.Equal(t, "duplicate key value", httpErr.Message)
		assert.Equal(t, "(409) duplicate key value", httpErr.Error())
	}
}

func TestHTTPErrorFallsBackToBody(t *testing.T) {
	s := newAPIServer(t)
	s.status = http.StatusBadGateway
	s.respond = "upstream down"

	_, err := newTestClient(s).ListLayers(context.Background())
	var httpErr *HTTPError
	if assert.True(t, errors.As(err, &httpErr)) {
		assert.Equal(t, "upstream down", httpErr.Message)
	}
}

type failingToken struct{}

func (failingToken) AccessToken(context.Context) (string, error) { return "", errors.New("expired") }

func TestTokenFailureSkipsRequest(t *testing.T) {
	s := newAPIServer(t)
	c := NewClient(s.URL, "anon", failingToken{}, Options{})
	err := c.DropLayer(context.Background(), "l1")
	assert.ErrorContains(t, err, "expired")
	assert.Empty(t, s.requests)
}
