package admin

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

func get(t *testing.T, s *Server, path string) *fasthttp.RequestCtx {
	t.Helper()
	var ctx fasthttp.RequestCtx
	ctx.Request.Header.SetMethod(fasthttp.MethodGet)
	ctx.Request.SetRequestURI(path)
	s.Handler()(&ctx)
	return &ctx
}

func TestHealth_AllOK(t *testing.T) {
	s := New(Options{
		Checks: map[string]Check{
			"pool": func() (bool, string) { return true, "" },
			"feed": func() (bool, string) { return true, "connected" },
		},
		Logger: zerolog.Nop(),
	})

	ctx := get(t, s, "/health")
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Equal(t, "application/json", string(ctx.Response.Header.ContentType()))

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Len(t, resp.Checks, 2)
	assert.Equal(t, "connected", resp.Checks["feed"].Detail)
}

func TestHealth_UnhealthyCheckReturns503(t *testing.T) {
	s := New(Options{
		Checks: map[string]Check{
			"pool": func() (bool, string) { return false, "5 consecutive batch failures" },
			"feed": func() (bool, string) { return true, "" },
		},
		Logger: zerolog.Nop(),
	})

	ctx := get(t, s, "/health")
	assert.Equal(t, fasthttp.StatusServiceUnavailable, ctx.Response.StatusCode())

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &resp))
	assert.Equal(t, "unhealthy", resp.Status)
	assert.False(t, resp.Checks["pool"].OK)
	assert.True(t, resp.Checks["feed"].OK)
}

func TestHealth_NoChecks(t *testing.T) {
	s := New(Options{Logger: zerolog.Nop()})
	ctx := get(t, s, "/health")
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
}

func TestMetrics(t *testing.T) {
	s := New(Options{Logger: zerolog.Nop()})
	ctx := get(t, s, "/metrics")
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Contains(t, string(ctx.Response.Body()), "go_goroutines")
}

func TestUnknownRoute(t *testing.T) {
	s := New(Options{Logger: zerolog.Nop()})
	ctx := get(t, s, "/nope")
	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	ln := fasthttputil.NewInmemoryListener()
	s := New(Options{
		Checks: map[string]Check{"pool": func() (bool, string) { return true, "" }},
		Logger: zerolog.Nop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	client := &fasthttp.HostClient{
		Addr: "admin",
		Dial: func(string) (net.Conn, error) { return ln.Dial() },
	}
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)
	req.SetRequestURI("http://admin/health")

	require.NoError(t, client.Do(req, resp))
	assert.Equal(t, fasthttp.StatusOK, resp.StatusCode())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
