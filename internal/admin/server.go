// Package admin serves the health and metrics endpoints.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sort"
	"time"

	"github.com/fasthttp/router"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"pumpfeed/internal/observability"
)

const shutdownTimeout = 5 * time.Second

// Check reports whether one component is healthy, with a short detail.
type Check func() (ok bool, detail string)

// Options contains configuration for creating a Server.
type Options struct {
	Addr   string // Default: ":8080"
	Checks map[string]Check
	Logger zerolog.Logger
}

// Server exposes GET /health and GET /metrics.
type Server struct {
	addr   string
	checks map[string]Check
	router *router.Router
	srv    *fasthttp.Server
	log    zerolog.Logger
}

// CheckResult is one entry of the health response.
type CheckResult struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// New creates a Server and registers its routes.
func New(opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}
	s := &Server{
		addr:   opts.Addr,
		checks: opts.Checks,
		router: router.New(),
		log:    opts.Logger.With().Str("component", "admin").Logger(),
	}
	s.router.GET("/health", s.health)
	s.router.GET("/metrics", fasthttpadaptor.NewFastHTTPHandler(observability.Handler()))
	s.srv = &fasthttp.Server{
		Handler:               s.router.Handler,
		Name:                  "pumpfeed",
		NoDefaultServerHeader: true,
	}
	return s
}

// Handler returns the routed request handler.
func (s *Server) Handler() fasthttp.RequestHandler {
	return s.router.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(ln)
	}()
	s.log.Info().Str("addr", ln.Addr().String()).Msg("admin server listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := s.srv.ShutdownWithContext(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func (s *Server) health(ctx *fasthttp.RequestCtx) {
	resp := HealthResponse{Status: "ok", Checks: make(map[string]CheckResult, len(s.checks))}

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ok, detail := s.checks[name]()
		resp.Checks[name] = CheckResult{OK: ok, Detail: detail}
		if !ok {
			resp.Status = "unhealthy"
		}
	}

	body, err := json.Marshal(resp)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetContentType("application/json")
	if resp.Status != "ok" {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	} else {
		ctx.SetStatusCode(fasthttp.StatusOK)
	}
	ctx.SetBody(body)
}
