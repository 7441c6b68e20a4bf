package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "chatrelay/pkg/logx"
)

func get(t *testing.T, h http.Handler, target string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthReport(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	circuitOpen := false
	s := New(Config{}, Info{Service: "chatrelay", Version: "1.2.3"}, logx.Nop(),
		WithClock(func() time.Time { return now }),
		WithProbe("inference", func() (any, bool) {
			return map[string]bool{"circuit_open": circuitOpen}, !circuitOpen
		}),
	)
	now = now.Add(90 * time.Second)
	h := s.Handler()

	rec := get(t, h, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var rep Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
	assert.Equal(t, StatusOK, rep.Status)
	assert.Equal(t, "chatrelay", rep.Service)
	assert.Equal(t, "1m30s", rep.Uptime)
	assert.Contains(t, rep.Components, "inference")

	circuitOpen = true
	rec = get(t, h, "/", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
	assert.Equal(t, StatusDegraded, rep.Status)
}

func TestInfo(t *testing.T) {
	t.Parallel()

	info := Info{Service: "chatrelay", Version: "dev", BotName: "Mira", Owner: "Sam", Features: []string{"broadcast"}}
	rec := get(t, New(Config{}, info, logx.Nop()).Handler(), "/info", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got Info
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, info, got)
}

func TestTokenAuth(t *testing.T) {
	t.Parallel()

	h := New(Config{Token: "s3cret"}, Info{}, logx.Nop()).Handler()

	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/health", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/health?token=nope", nil).Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/health?token=s3cret", nil).Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/info", map[string]string{"Authorization": "Bearer s3cret"}).Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/info", map[string]string{"Authorization": "Basic s3cret"}).Code)
}

func TestPprofOnlyWhenEnabled(t *testing.T) {
	t.Parallel()

	off := New(Config{}, Info{}, logx.Nop()).Handler()
	assert.Equal(t, http.StatusNotFound, get(t, off, "/debug/pprof/", nil).Code)

	on := New(Config{Pprof: true}, Info{}, logx.Nop()).Handler()
	assert.Equal(t, http.StatusOK, get(t, on, "/debug/pprof/", nil).Code)
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()

	assert.True(t, isLoopbackAddr("127.0.0.1:8080"))
	assert.True(t, isLoopbackAddr("localhost:1"))
	assert.True(t, isLoopbackAddr("[::1]:80"))
	assert.False(t, isLoopbackAddr(":8080"))
	assert.False(t, isLoopbackAddr("0.0.0.0:8080"))
	assert.False(t, isLoopbackAddr("nonsense"))
}

func TestStartStop(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Info{Service: "chatrelay"}, logx.Nop())
	ctx := context.Background()
	s.Start(ctx)
	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + s.Addr() + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	s.Stop(stopCtx)
	assert.Nil(t, s.Supervisor())
	assert.Empty(t, s.Addr())
}

func TestInsecureBindRefused(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, Info{}, logx.Nop())
	err := s.serveOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure bind")
}
