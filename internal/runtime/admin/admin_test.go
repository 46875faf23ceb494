package admin

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/pipeflow/internal/runtime/adapter"
	errpkg "github.com/drblury/pipeflow/internal/runtime/errors"
	"github.com/drblury/pipeflow/internal/runtime/flow"
	"github.com/drblury/pipeflow/internal/runtime/message"
	"github.com/drblury/pipeflow/internal/runtime/pipeline"
	"github.com/drblury/pipeflow/internal/runtime/runstate"
	"github.com/drblury/pipeflow/internal/runtime/steps"
	"github.com/drblury/pipeflow/transport"
)

func newAdapter(t *testing.T, name string) *adapter.Adapter {
	t.Helper()
	p := pipeline.New(name)
	require.NoError(t, p.RegisterExit(flow.Exit{Path: "done", State: flow.StateSuccess}))
	require.NoError(t, p.AddStep(steps.Echo("echo")))
	a := adapter.New(name, p)
	require.NoError(t, a.Configure(context.Background()))
	return a
}

func newServer(t *testing.T, cfg Config, adapters ...*adapter.Adapter) *Server {
	t.Helper()
	reg := transport.NewRegistry()
	reg.Register("channel", nil, transport.ChannelCapabilities)
	s := New(cfg, WithGatherer(prometheus.NewRegistry()), WithTransports(reg))
	for _, a := range adapters {
		require.NoError(t, s.Register(a))
	}
	return s
}

func do(t *testing.T, s *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	req.Header.Set("Origin", "http://console.local")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestListAdaptersReturnsJSON(t *testing.T) {
	s := newServer(t, Config{CORSAllowedOrigins: []string{"*"}}, newAdapter(t, "orders"), newAdapter(t, "invoices"))

	rec := do(t, s, http.MethodGet, "/api/adapters")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected application/json content type, got %s", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected Access-Control-Allow-Origin header to be '*', got %s", got)
	}

	var payload []adapter.Status
	require.NoError(t, sonic.Unmarshal(rec.Body.Bytes(), &payload))
	require.Len(t, payload, 2)
	assert.Equal(t, "orders", payload[0].Name)
	assert.Equal(t, runstate.Stopped, payload[0].State)
	assert.True(t, payload[0].Configured)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	a := newAdapter(t, "orders")
	s := newServer(t, Config{}, a)
	assert.ErrorIs(t, s.Register(a), errpkg.ErrDuplicateAdapter)
	assert.ErrorIs(t, s.Register(nil), errpkg.ErrNilAdapter)
}

func TestUnknownAdapterIs404(t *testing.T) {
	s := newServer(t, Config{})
	rec := do(t, s, http.MethodGet, "/api/adapters/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "missing")
}

func TestStartStopAndStatistics(t *testing.T) {
	a := newAdapter(t, "orders")
	s := newServer(t, Config{}, a)

	rec := do(t, s, http.MethodPost, "/api/adapters/orders/start")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.True(t, a.WaitForRunState(context.Background(), runstate.Started, 2*time.Second))

	res := a.ProcessMessage(context.Background(), "m-1", message.FromString("hi"), nil)
	require.Equal(t, flow.StateSuccess, res.State)

	rec = do(t, s, http.MethodGet, "/api/adapters/orders/statistics?action=full")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"statistics"`)
	assert.Contains(t, rec.Body.String(), pipeline.GroupPipeStats)

	rec = do(t, s, http.MethodGet, "/api/adapters/orders/statistics?action=bogus")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/adapters/orders/messages")
	require.Equal(t, http.StatusOK, rec.Code)
	var events []adapter.Event
	require.NoError(t, sonic.Unmarshal(rec.Body.Bytes(), &events))
	assert.NotEmpty(t, events)

	rec = do(t, s, http.MethodPost, "/api/adapters/orders/stop")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.True(t, a.WaitForRunState(context.Background(), runstate.Stopped, 2*time.Second))

	rec = do(t, s, http.MethodGet, "/api/adapters/orders")
	require.Equal(t, http.StatusOK, rec.Code)
	var st adapter.Status
	require.NoError(t, sonic.Unmarshal(rec.Body.Bytes(), &st))
	assert.EqualValues(t, 1, st.MessagesProcessed)
}

func TestGraphIsDOT(t *testing.T) {
	s := newServer(t, Config{}, newAdapter(t, "orders"))
	rec := do(t, s, http.MethodGet, "/api/adapters/orders/graph")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/vnd.graphviz", rec.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(strings.TrimSpace(rec.Body.String()), "strict digraph") ||
		strings.HasPrefix(strings.TrimSpace(rec.Body.String()), "digraph"), rec.Body.String())
	assert.Contains(t, rec.Body.String(), "echo")

	unconfigured := adapter.New("raw", pipeline.New("raw"))
	s = newServer(t, Config{}, unconfigured)
	rec = do(t, s, http.MethodGet, "/api/adapters/raw/graph")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRuntimeTransportsAndMetrics(t *testing.T) {
	s := newServer(t, Config{})

	rec := do(t, s, http.MethodGet, "/api/runtime")
	require.Equal(t, http.StatusOK, rec.Code)
	var usage ResourceUsage
	require.NoError(t, sonic.Unmarshal(rec.Body.Bytes(), &usage))
	assert.NotZero(t, usage.Goroutines)
	assert.NotEmpty(t, usage.GoVersion)

	rec = do(t, s, http.MethodGet, "/api/transports")
	require.Equal(t, http.StatusOK, rec.Code)
	var caps []transport.Capabilities
	require.NoError(t, sonic.Unmarshal(rec.Body.Bytes(), &caps))
	require.Len(t, caps, 1)
	assert.Equal(t, "channel", caps[0].Name)

	rec = do(t, s, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORS(t *testing.T) {
	s := newServer(t, Config{CORSAllowedOrigins: []string{"HTTP://CONSOLE.LOCAL"}})
	rec := do(t, s, http.MethodOptions, "/api/adapters")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://console.local", rec.Header().Get("Access-Control-Allow-Origin"))

	s = newServer(t, Config{CORSAllowedOrigins: []string{"http://other.local"}})
	rec = do(t, s, http.MethodGet, "/api/adapters")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServeAndStop(t *testing.T) {
	s := newServer(t, Config{}, newAdapter(t, "orders"))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, s.Serve(ln))

	resp, err := http.Get("http://" + ln.Addr().String() + "/api/adapters/orders")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.NoError(t, s.Stop(ctx))
}

func TestResourceTrackerSnapshot(t *testing.T) {
	tracker := newResourceTracker()
	first := tracker.Snapshot()
	if first.CPUPercent != 0 {
		t.Errorf("expected 0 CPU percent on first snapshot, got %f", first.CPUPercent)
	}
	if first.MemoryBytes == 0 || first.Goroutines == 0 {
		t.Errorf("expected memory and goroutines, got %+v", first)
	}
	time.Sleep(10 * time.Millisecond)
	if second := tracker.Snapshot(); second.CPUPercent < 0 {
		t.Errorf("expected non-negative CPU percent, got %f", second.CPUPercent)
	}

	var none *resourceTracker
	if snap := none.Snapshot(); snap != (ResourceUsage{}) {
		t.Errorf("expected zero usage for nil tracker, got %+v", snap)
	}
}
