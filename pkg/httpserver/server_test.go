package httpserver_test

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingsync/pkg/httpserver"
)

func TestServer_RunAndShutdown(t *testing.T) {
	t.Parallel()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := httpserver.New(httpserver.Config{ShutdownTimeout: time.Second},
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("ok")) }),
		httpserver.WithListener(l))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Get("http://" + l.Addr().String())
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, l.Addr().String(), srv.Addr().String())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.ErrorIs(t, srv.Run(context.Background()), httpserver.ErrRunning)
}

func TestServer_StartFailure(t *testing.T) {
	t.Parallel()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	srv := httpserver.New(httpserver.Config{Addr: l.Addr().String()}, http.NotFoundHandler())
	assert.ErrorIs(t, srv.Run(context.Background()), httpserver.ErrStart)
}

func TestNew_RequiresHandler(t *testing.T) {
	t.Parallel()
	assert.Panics(t, func() { httpserver.New(httpserver.Config{}, nil) })
}

func TestHealthHandlers(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	httpserver.LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ALIVE", rec.Body.String())

	ok := httpserver.Check{Name: "store", Fn: func(context.Context) error { return nil }}
	rec = httptest.NewRecorder()
	httpserver.ReadinessHandler(nil, time.Second, ok)(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "READY", rec.Body.String())

	var sawDeadline bool
	down := httpserver.Check{Name: "redis", Fn: func(ctx context.Context) error {
		_, sawDeadline = ctx.Deadline()
		return errors.New("connection refused")
	}}
	rec = httptest.NewRecorder()
	httpserver.ReadinessHandler(nil, time.Second, ok, down)(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "NOT_READY", rec.Body.String())
	assert.True(t, sawDeadline)
}
