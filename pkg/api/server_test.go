package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldbridge/fieldbridge/pkg/bridge"
	"github.com/fieldbridge/fieldbridge/pkg/types"
)

// fakeController scripts bridge behavior for handler tests
type fakeController struct {
	sources  map[string]bridge.SourceStatus
	added    []*types.Source
	authErr  error
	probeErr error
}

func newFakeController() *fakeController {
	return &fakeController{sources: map[string]bridge.SourceStatus{
		"line1": {
			Source: &types.Source{Name: "line1", Protocol: types.ProtocolMQTT, Endpoint: "mqtt://b:1883", Enabled: true},
			Stats:  types.ClientStats{Source: "line1", State: types.ClientStateRunning, RecordsEmitted: 42},
		},
	}}
}

func (f *fakeController) Status() bridge.Status {
	return bridge.Status{Connector: "fieldbridge-test", BreakerState: "closed", Sources: f.ListSources()}
}

func (f *fakeController) ListSources() []bridge.SourceStatus {
	var out []bridge.SourceStatus
	for _, s := range f.sources {
		out = append(out, s)
	}
	return out
}

func (f *fakeController) GetSource(name string) (bridge.SourceStatus, bool) {
	s, ok := f.sources[name]
	return s, ok
}

func (f *fakeController) AddSource(_ context.Context, src *types.Source) error {
	if _, exists := f.sources[src.Name]; exists {
		return types.Classifyf(types.ErrConfig, "source %s already exists", src.Name)
	}
	f.added = append(f.added, src)
	f.sources[src.Name] = bridge.SourceStatus{Source: src}
	return nil
}

func (f *fakeController) AddSourceFromTD(_ context.Context, name, tdURL string) (*types.Source, error) {
	src := &types.Source{Name: name, Protocol: types.ProtocolOPCUA, ThingDescription: tdURL, Enabled: true}
	f.sources[name] = bridge.SourceStatus{Source: src}
	return src, nil
}

func (f *fakeController) StartSource(_ context.Context, name string) error {
	if _, ok := f.sources[name]; !ok {
		return types.Classify(types.ErrConfig, fmt.Errorf("%w: %s", bridge.ErrNotFound, name))
	}
	return nil
}

func (f *fakeController) StopSource(name string) error {
	if _, ok := f.sources[name]; !ok {
		return types.Classify(types.ErrConfig, fmt.Errorf("%w: %s", bridge.ErrNotFound, name))
	}
	return nil
}

func (f *fakeController) RemoveSource(name string) error {
	if _, ok := f.sources[name]; !ok {
		return types.Classify(types.ErrConfig, fmt.Errorf("%w: %s", bridge.ErrNotFound, name))
	}
	delete(f.sources, name)
	return nil
}

func (f *fakeController) InspectTD(_ context.Context, tdURL string) (*types.ThingConfig, error) {
	if strings.Contains(tdURL, "bad") {
		return nil, types.Classifyf(types.ErrConfig, "invalid thing description")
	}
	return &types.ThingConfig{ThingID: "urn:dev:x", Title: "X", Protocol: types.ProtocolOPCUA}, nil
}

func (f *fakeController) TestAuth(context.Context) error   { return f.authErr }
func (f *fakeController) TestIngest(context.Context) error { return f.probeErr }

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echoHeaderContentType, "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	return rec
}

const echoHeaderContentType = "Content-Type"

func TestStatusEndpoint(t *testing.T) {
	srv := New(":0", newFakeController())
	rec := do(t, srv, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var st bridge.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "fieldbridge-test", st.Connector)
	assert.Equal(t, "closed", st.BreakerState)
	require.Len(t, st.Sources, 1)
	assert.Equal(t, types.ClientStateRunning, st.Sources[0].Stats.State)
}

func TestGetSource(t *testing.T) {
	srv := New(":0", newFakeController())

	rec := do(t, srv, http.MethodGet, "/api/sources/line1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, srv, http.MethodGet, "/api/sources/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAddSource(t *testing.T) {
	ctrl := newFakeController()
	srv := New(":0", ctrl)

	body := `{"name":"plc9","protocol":"modbus","endpoint":"modbus+tcp://plc9:502","enabled":true,
	          "modbus":{"unit_id":1,"registers":[{"name":"t","type":"holding","address":1,"length":1}]}}`
	rec := do(t, srv, http.MethodPost, "/api/sources", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Len(t, ctrl.added, 1)
	assert.Equal(t, "plc9", ctrl.added[0].Name)

	// Duplicate names are a client error
	rec = do(t, srv, http.MethodPost, "/api/sources", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAddSourceFromTD(t *testing.T) {
	srv := New(":0", newFakeController())

	rec := do(t, srv, http.MethodPost, "/api/sources/from-td",
		`{"name":"pump1","url":"https://things.local/pump1.td.json"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var src types.Source
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &src))
	assert.Equal(t, "pump1", src.Name)
	assert.Equal(t, "https://things.local/pump1.td.json", src.ThingDescription)

	// thing_description is accepted as an alias for url
	rec = do(t, srv, http.MethodPost, "/api/sources/from-td",
		`{"name":"pump2","thing_description":"https://things.local/pump2.td.json"}`)
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, srv, http.MethodPost, "/api/sources/from-td", `{"name":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSourceLifecycleEndpoints(t *testing.T) {
	srv := New(":0", newFakeController())

	assert.Equal(t, http.StatusNoContent, do(t, srv, http.MethodPost, "/api/sources/line1/stop", "").Code)
	assert.Equal(t, http.StatusNoContent, do(t, srv, http.MethodPost, "/api/sources/line1/start", "").Code)
	assert.Equal(t, http.StatusNoContent, do(t, srv, http.MethodDelete, "/api/sources/line1", "").Code)

	// Gone now
	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodPost, "/api/sources/line1/start", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodDelete, "/api/sources/line1", "").Code)
}

func TestInspectTD(t *testing.T) {
	srv := New(":0", newFakeController())

	rec := do(t, srv, http.MethodPost, "/api/td/inspect", `{"url":"https://things.local/x.td.json"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var tc types.ThingConfig
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tc))
	assert.Equal(t, "urn:dev:x", tc.ThingID)

	rec = do(t, srv, http.MethodPost, "/api/td/inspect", `{"url":"https://things.local/bad.td.json"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSinkProbes(t *testing.T) {
	ctrl := newFakeController()
	srv := New(":0", ctrl)

	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/api/sink/test_auth", "").Code)
	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/api/sink/test_ingest", "").Code)

	ctrl.authErr = errors.New("invalid_client")
	ctrl.probeErr = errors.New("unavailable")
	assert.Equal(t, http.StatusBadGateway, do(t, srv, http.MethodPost, "/api/sink/test_auth", "").Code)
	assert.Equal(t, http.StatusBadGateway, do(t, srv, http.MethodPost, "/api/sink/test_ingest", "").Code)
}

func TestHealthAndMetrics(t *testing.T) {
	srv := New(":0", newFakeController())

	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/healthz", "").Code)

	rec := do(t, srv, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "fieldbridge_")
}
