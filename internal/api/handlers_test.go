package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/offload/internal/builtin"
	"github.com/mattjoyce/offload/internal/capability"
	"github.com/mattjoyce/offload/internal/events"
	"github.com/mattjoyce/offload/internal/log"
	"github.com/mattjoyce/offload/internal/pool"
	"github.com/mattjoyce/offload/internal/scheduler"
	"github.com/mattjoyce/offload/internal/worker"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR") // Suppress logs in tests
	os.Exit(m.Run())
}

type testStack struct {
	server *Server
	pool   *pool.Pool
	hub    *events.Hub
	table  *capability.Table
}

func newTestStack(t *testing.T, cfg Config, opts ...pool.Option) *testStack {
	t.Helper()
	table := builtin.Table()
	hub := events.NewHub(64)
	opts = append(opts, pool.WithEvents(hub))
	p, err := pool.New(context.Background(), 2, worker.IsolatedFactory(table), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(context.Background()) })

	logger := log.WithComponent("api")
	sched := scheduler.New(p, hub, logger)
	cfg.Isolation = "goroutine"
	return &testStack{
		server: New(cfg, p, sched, table, hub, logger),
		pool:   p,
		hub:    hub,
		table:  table,
	}
}

func (ts *testStack) do(t *testing.T, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	ts := newTestStack(t, Config{APIKey: "secret"})

	rec := ts.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code, "healthz needs no token")

	var resp HealthzResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 2, resp.Workers)
	assert.Equal(t, 2, resp.Healthy)

	require.NoError(t, ts.pool.Close(context.Background()))
	rec = ts.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAuth(t *testing.T) {
	ts := newTestStack(t, Config{APIKey: "secret"})

	assert.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodGet, "/pool", "").Code)
	assert.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodGet, "/pool", "", "Authorization", "Bearer wrong").Code)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/pool", "", "Authorization", "Bearer secret").Code)
}

func TestCapabilities(t *testing.T) {
	ts := newTestStack(t, Config{})

	rec := ts.do(t, http.MethodGet, "/capabilities", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp CapabilitiesResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, ts.table.Names(), resp.Capabilities)
	assert.Equal(t, ts.table.Fingerprint(), resp.Fingerprint)
}

func TestDispatch(t *testing.T) {
	ts := newTestStack(t, Config{})

	rec := ts.do(t, http.MethodPost, "/dispatch/increment", `41`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var first DispatchResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&first))
	assert.Equal(t, "increment", first.Capability)
	assert.JSONEq(t, `42`, string(first.Result))

	rec = ts.do(t, http.MethodPost, "/dispatch/increment", `1`)
	require.Equal(t, http.StatusOK, rec.Code)
	var second DispatchResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&second))
	assert.Equal(t, first.JobID, second.JobID, "a capability is registered once")
	assert.Equal(t, 1, ts.pool.Stats().Jobs)

	rec = ts.do(t, http.MethodPost, "/dispatch/wordcount", `"a b c"`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"words":3`)
}

func TestDispatchErrors(t *testing.T) {
	ts := newTestStack(t, Config{MaxBodyBytes: 64})

	tests := []struct {
		name   string
		path   string
		body   string
		status int
		kind   string
	}{
		{name: "unknown capability", path: "/dispatch/nope", body: `1`, status: http.StatusNotFound},
		{name: "invalid json", path: "/dispatch/increment", body: `{`, status: http.StatusBadRequest},
		{name: "bad timeout", path: "/dispatch/increment?timeout=soon", body: `1`, status: http.StatusBadRequest},
		{name: "body too large", path: "/dispatch/wordcount", body: `"` + strings.Repeat("x", 100) + `"`, status: http.StatusRequestEntityTooLarge},
		{name: "callable error", path: "/dispatch/fail", body: `{"message":"nope"}`, status: http.StatusUnprocessableEntity, kind: "execution"},
		{name: "bad argument", path: "/dispatch/increment", body: `"x"`, status: http.StatusUnprocessableEntity, kind: "execution"},
		{name: "deadline", path: "/dispatch/sleep?timeout=20ms", body: `500`, status: http.StatusGatewayTimeout, kind: "timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, tt.path, tt.body)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			var resp ErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.NotEmpty(t, resp.Error)
			assert.Equal(t, tt.kind, resp.Kind)
		})
	}
}

func TestDispatchUnreadableBody(t *testing.T) {
	ts := newTestStack(t, Config{MaxBodyBytes: 64})

	req := httptest.NewRequest(http.MethodPost, "/dispatch/increment", iotest.ErrReader(errors.New("connection reset")))
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "failed to read request body", resp.Error)
	assert.Zero(t, ts.pool.Stats().Jobs, "nothing is dispatched")
}

func TestDispatchAcquireTimeout(t *testing.T) {
	ts := newTestStack(t, Config{}, pool.WithAcquireTimeout(20*time.Millisecond))

	var leases []*pool.Lease
	for range 2 {
		l, err := ts.pool.Acquire(context.Background())
		require.NoError(t, err)
		leases = append(leases, l)
	}
	defer func() {
		for _, l := range leases {
			l.Release()
		}
	}()

	// Registration reaches leased workers, so only the dispatch waits.
	rec := ts.do(t, http.MethodPost, "/dispatch/double", `2`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "unavailable")
}

func TestPool(t *testing.T) {
	ts := newTestStack(t, Config{})
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/dispatch/double", `4`).Code)

	rec := ts.do(t, http.MethodGet, "/pool", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp PoolResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "goroutine", resp.Isolation)
	assert.Equal(t, 2, resp.Stats.Size)
	assert.Equal(t, 2, resp.Stats.Idle)
	assert.Equal(t, int64(1), resp.Dispatch.Dispatched)
	require.Len(t, resp.Workers, 2)
	for _, w := range resp.Workers {
		assert.True(t, w.Healthy)
		require.NotNil(t, w.Jobs)
		assert.Equal(t, 1, *w.Jobs)
	}
}

func TestEventsStream(t *testing.T) {
	ts := newTestStack(t, Config{})
	srv := httptest.NewServer(ts.server.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Two worker.started events were buffered; Last-Event-ID skips the first.
	reader := bufio.NewReader(resp.Body)
	frame := readFrame(t, reader)
	assert.Contains(t, frame, "id: 2\n")
	assert.Contains(t, frame, "event: "+events.WorkerStarted)

	ts.hub.Publish(events.DispatchCompleted, map[string]any{"job_id": 7})
	frame = readFrame(t, reader)
	assert.Contains(t, frame, "event: "+events.DispatchCompleted)
	assert.Contains(t, frame, `data: {"job_id":7}`)
}

func readFrame(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	var b strings.Builder
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if line == "\n" {
			return b.String()
		}
		b.WriteString(line)
	}
}

func TestParseLastEventID(t *testing.T) {
	assert.Equal(t, int64(0), parseLastEventID(""))
	assert.Equal(t, int64(0), parseLastEventID("abc"))
	assert.Equal(t, int64(0), parseLastEventID("-3"))
	assert.Equal(t, int64(42), parseLastEventID("42"))
}
