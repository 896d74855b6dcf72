// Package api serves the camfeed HTTP API with huma v2 on the standard library mux.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"

	"github.com/smazurov/camfeed/internal/api/models"
	"github.com/smazurov/camfeed/internal/config"
	"github.com/smazurov/camfeed/internal/events"
	"github.com/smazurov/camfeed/internal/logging"
	"github.com/smazurov/camfeed/internal/stream"
	"github.com/smazurov/camfeed/internal/version"
)

// DefaultLiveBuffer is the number of messages queued per live subscriber
// before new ones are dropped.
const DefaultLiveBuffer = 64

// StreamController is the orchestrator surface the API drives.
type StreamController interface {
	Subscribe(key stream.Key, sink stream.Sink) bool
	Detach(key stream.Key, sink stream.Sink) bool
	Create(key stream.Key)
	Kill(key stream.Key)
	OnConfigChanged(controller int, quality stream.Quality) int
	Streams() []stream.StreamInfo
}

// Options configures the API server.
type Options struct {
	AuthUsername string
	AuthPassword string
	CORSOrigin   string // default "*"

	Streams  StreamController // required
	Resolver stream.Resolver  // optional, enables the command endpoint
	Catalog  *config.CatalogStore
	EventBus *events.Bus

	// LiveBuffer defaults to DefaultLiveBuffer.
	LiveBuffer int

	// RateLimit caps requests per client IP per minute. 0 disables it.
	RateLimit int

	PrometheusHandler http.Handler // Optional Prometheus metrics handler
}

// Server is the HTTP API.
type Server struct {
	api        huma.API
	mux        *http.ServeMux
	handler    http.Handler
	httpServer *http.Server
	streams    StreamController
	resolver   stream.Resolver
	catalog    *config.CatalogStore
	eventBus   *events.Bus
	liveBuffer int
	logger     *slog.Logger

	// cancelled on Stop so open SSE handlers return
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// basicAuthMiddleware creates middleware for HTTP basic authentication
func (s *Server) basicAuthMiddleware(username, password string) func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		// Skip auth for operations without security requirements
		op := ctx.Operation()
		if op != nil && len(op.Security) == 0 {
			next(ctx)
			return
		}

		encoded, ok := strings.CutPrefix(ctx.Header("Authorization"), "Basic ")
		if !ok {
			if ctx.Header("Authorization") != "" {
				s.unauthorized(ctx, "Invalid authentication type")
				return
			}
			// EventSource cannot set headers, so SSE clients may pass ?auth=
			encoded = ctx.Query("auth")
		}
		if encoded == "" {
			s.unauthorized(ctx, "Authentication required")
			return
		}

		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			s.unauthorized(ctx, "Invalid credentials format", err)
			return
		}
		user, pass, found := strings.Cut(string(decoded), ":")
		if !found {
			s.unauthorized(ctx, "Invalid credentials format")
			return
		}

		userOK := subtle.ConstantTimeCompare([]byte(user), []byte(username)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(password)) == 1
		if !userOK || !passOK {
			s.unauthorized(ctx, "Invalid credentials")
			return
		}

		next(ctx)
	}
}

func (s *Server) unauthorized(ctx huma.Context, msg string, errs ...error) {
	ctx.SetHeader("WWW-Authenticate", `Basic realm="camfeed"`)
	huma.WriteErr(s.api, ctx, http.StatusUnauthorized, msg, errs...)
}

// NewServer creates a new API server with Huma v2 using Go 1.22+ native routing
func NewServer(opts *Options) *Server {
	mux := http.NewServeMux()

	corsConfig := DefaultCORSConfig()
	if opts.CORSOrigin != "" {
		corsConfig.AllowOrigin = opts.CORSOrigin
	}
	AddCORSHandler(mux, corsConfig)

	config := huma.DefaultConfig("camfeed API", version.Version)
	config.Info.Description = "Live camera renditions pushed to one subscriber per stream"
	// Empty servers list will make OpenAPI use relative paths, working with any host
	config.Servers = []*huma.Server{}
	config.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"basicAuth": {
			Type:   "http",
			Scheme: "basic",
		},
	}

	api := humago.New(mux, config)

	liveBuffer := opts.LiveBuffer
	if liveBuffer <= 0 {
		liveBuffer = DefaultLiveBuffer
	}
	baseCtx, cancel := context.WithCancel(context.Background())

	server := &Server{
		api:        api,
		mux:        mux,
		handler:    mux,
		streams:    opts.Streams,
		resolver:   opts.Resolver,
		catalog:    opts.Catalog,
		eventBus:   opts.EventBus,
		liveBuffer: liveBuffer,
		logger:     logging.GetLogger("api"),
		baseCtx:    baseCtx,
		cancelBase: cancel,
	}

	api.UseMiddleware(NewRequestIDMiddleware())
	api.UseMiddleware(NewCORSMiddleware(corsConfig))
	api.UseMiddleware(NewHTTPLoggingMiddleware(logging.GetLogger("http")))
	if opts.AuthUsername != "" && opts.AuthPassword != "" {
		api.UseMiddleware(server.basicAuthMiddleware(opts.AuthUsername, opts.AuthPassword))
	}

	// Registered on the mux directly, no auth
	if opts.PrometheusHandler != nil {
		mux.Handle("GET /metrics", opts.PrometheusHandler)
	}

	if opts.RateLimit > 0 {
		server.handler = RateLimit(opts.RateLimit, time.Minute)(mux)
	}

	server.registerRoutes()
	return server
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// GetAPI returns the Huma API instance
func (s *Server) GetAPI() huma.API {
	return s.api
}

// Start serves on addr until Stop is called.
func (s *Server) Start(addr string) error {
	s.logger.Info("Starting camfeed API server", "addr", addr)
	s.logger.Info("OpenAPI documentation available", "url", "http://"+addr+"/docs")

	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.handler,
		BaseContext: func(net.Listener) context.Context { return s.baseCtx },
	}

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop ends live subscriptions and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server")
	s.cancelBase()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// registerRoutes sets up all API endpoints
func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "health-check",
		Method:      http.MethodGet,
		Path:        "/api/health",
		Summary:     "Health",
		Description: "Check API health status",
		Tags:        []string{"health"},
		Security:    []map[string][]string{}, // Empty security = no auth required
	}, func(_ context.Context, _ *struct{}) (*models.HealthResponse, error) {
		return &models.HealthResponse{
			Body: models.HealthData{
				Status:  "ok",
				Message: "API is healthy",
				Streams: len(s.streams.Streams()),
			},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-version",
		Method:      http.MethodGet,
		Path:        "/api/version",
		Summary:     "Version",
		Description: "Get application version information",
		Tags:        []string{"system"},
		Security:    []map[string][]string{},
	}, func(_ context.Context, _ *struct{}) (*models.VersionResponse, error) {
		info := version.Get()
		return &models.VersionResponse{
			Body: models.VersionData{
				Version:   info.Version,
				GitCommit: info.GitCommit,
				BuildDate: info.BuildDate,
				GoVersion: info.GoVersion,
				Platform:  info.Platform,
			},
		}, nil
	})

	s.registerControllerRoutes()
	s.registerStreamRoutes()
	s.registerLiveRoutes()
	s.registerEventRoutes()
}

// withAuth returns security requirement for basic auth
func withAuth() []map[string][]string {
	return []map[string][]string{
		{"basicAuth": {}},
	}
}
