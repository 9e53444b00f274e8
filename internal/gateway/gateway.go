// Package gateway exposes the router over HTTP, websocket and stdio.
package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/taskrelay/internal/audit"
	"github.com/basket/taskrelay/internal/bus"
	"github.com/basket/taskrelay/internal/delegation"
	"github.com/basket/taskrelay/internal/metrics"
	"github.com/basket/taskrelay/internal/otel"
	"github.com/basket/taskrelay/internal/persistence"
	"github.com/basket/taskrelay/internal/registry"
	"github.com/basket/taskrelay/internal/router"
	"github.com/basket/taskrelay/internal/shared"
)

const defaultRequestTimeout = 30 * time.Second

type Config struct {
	Router    *router.Router
	Store     *persistence.Store
	Registry  *registry.Registry
	Delegator *delegation.Delegator
	Bus       *bus.Bus
	Auth      *Authenticator
	Metrics   *metrics.Collector
	Tracer    trace.Tracer
	Logger    *slog.Logger

	// PublicURL is advertised in the agent card.
	PublicURL      string
	Version        string
	RequestTimeout time.Duration
	MaxBodyBytes   int64
}

type Server struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(otel.ScopeName)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.Auth == nil {
		cfg.Auth = NewAuthenticator(AuthConfig{})
	}
	return &Server{cfg: cfg, logger: cfg.Logger.With("component", "gateway"), tracer: cfg.Tracer}
}

func (s *Server) version() string {
	if s.cfg.Version == "" {
		return otel.Version
	}
	return s.cfg.Version
}

// Handler builds the HTTP routes and middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /.well-known/agent.json", s.handleAgentCard)

	mux.Handle("POST /send-message", s.authed(s.handleSendMessage))
	mux.Handle("GET /tasks/{taskId}", s.authed(s.handleGetTask))
	mux.Handle("GET /tools", s.authed(s.handleListTools))
	mux.Handle("POST /tools/{name}", s.authed(s.handleToolCall))
	mux.Handle("GET /metrics", s.authed(s.handleMetrics))
	mux.Handle("GET /ws", s.authed(s.handleWS))

	var h http.Handler = mux
	h = requestSizeLimit(s.cfg.MaxBodyBytes)(h)
	h = corsMiddleware(s.cfg.Router.Origins())(h)
	h = s.observe(h)
	return h
}

// Serve listens on addr until ctx is canceled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusRecorder) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack is needed for the websocket upgrade.
func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("gateway: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// observe assigns request and trace ids, opens a server span and records
// HTTP metrics.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = shared.NewTraceID()
		}
		w.Header().Set("X-Request-ID", reqID)

		ctx := shared.WithRequestID(r.Context(), reqID)
		ctx = shared.WithTraceID(ctx, reqID)
		ctx = shared.WithTransport(ctx, router.TransportHTTP)
		ctx, span := otel.StartServerSpan(ctx, s.tracer, r.Method+" "+r.URL.Path)
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.cfg.Metrics.RecordHTTPRequest(r.Method, route, rec.status, time.Since(start))
	})
}

// authed requires a valid bearer token and bounds the handler's context by
// the request timeout. The websocket route keeps its connection context.
func (s *Server) authed(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := s.cfg.Auth.Authenticate(r)
		if err != nil {
			code := authCode(err)
			audit.Record(r.Context(), audit.Deny, audit.BoundaryAuth, code, r.URL.Path)
			s.cfg.Metrics.RecordBoundaryReject(audit.BoundaryAuth)
			writeFailure(w, http.StatusUnauthorized, code, err.Error(), nil)
			return
		}
		ctx := shared.WithPrincipal(r.Context(), principal)
		if r.URL.Path != "/ws" {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
			defer cancel()
		}
		h(w, r.WithContext(ctx))
	})
}

func (s *Server) httpRequest(r *http.Request, tool string, args json.RawMessage) router.Request {
	return router.Request{Tool: tool, Args: args, Transport: router.TransportHTTP, Origin: r.Header.Get("Origin")}
}

type sendMessageBody struct {
	TaskID   string              `json:"taskId,omitempty"`
	Message  persistence.Message `json:"message"`
	AgentID  string              `json:"agentId,omitempty"`
	Priority int                 `json:"priority,omitempty"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var body sendMessageBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeFailure(w, http.StatusBadRequest, "VALIDATION_ERROR", "request body must be JSON {taskId?, message, agentId?, priority?}", nil)
		return
	}
	args, _ := json.Marshal(body)
	out, err := s.cfg.Router.Dispatch(r.Context(), s.httpRequest(r, router.ToolSendTask, args))
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, out)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	args, _ := json.Marshal(map[string]string{"taskId": r.PathValue("taskId")})
	out, err := s.cfg.Router.Dispatch(r.Context(), s.httpRequest(r, router.ToolGetTask, args))
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, out)
}

func (s *Server) handleListTools(w http.ResponseWriter, _ *http.Request) {
	writeSuccess(w, map[string]any{"tools": s.cfg.Router.Tools()})
}

func (s *Server) handleToolCall(w http.ResponseWriter, r *http.Request) {
	var args json.RawMessage
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
			writeFailure(w, http.StatusBadRequest, "VALIDATION_ERROR", "request body must be a JSON object", nil)
			return
		}
	}
	out, err := s.cfg.Router.Dispatch(r.Context(), s.httpRequest(r, r.PathValue("name"), args))
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, out)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dbOK := s.cfg.Store != nil && s.cfg.Store.Ping(ctx) == nil

	payload := map[string]any{
		"healthy":   dbOK,
		"db_ok":     dbOK,
		"version":   s.version(),
		"deny_rate": audit.DenyCount(),
	}
	if s.cfg.Registry != nil {
		if active, err := s.cfg.Registry.ListActive(ctx); err == nil {
			payload["active_agents"] = len(active)
		}
	}
	if s.cfg.Delegator != nil {
		pending, inProgress := s.cfg.Delegator.Counts()
		payload["pending_delegations"] = pending
		payload["in_progress_delegations"] = inProgress
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Metrics == nil {
		writeError(w, shared.NotConfigured("gateway", "metrics", "metrics collector"))
		return
	}
	s.refreshGauges(r.Context())
	s.cfg.Metrics.Handler().ServeHTTP(w, r)
}

func (s *Server) refreshGauges(ctx context.Context) {
	if s.cfg.Store != nil {
		if counts, err := s.cfg.Store.TaskCounts(ctx); err == nil {
			m := make(map[string]int, len(counts))
			for state, n := range counts {
				m[string(state)] = n
			}
			s.cfg.Metrics.SetTaskCounts(m)
		}
	}
	if s.cfg.Registry != nil {
		if counts, err := s.cfg.Registry.Counts(ctx); err == nil {
			m := make(map[string]int, len(counts))
			for status, n := range counts {
				m[string(status)] = n
			}
			s.cfg.Metrics.SetAgentCounts(m)
		}
	}
	if s.cfg.Delegator != nil {
		s.cfg.Metrics.SetDelegations(s.cfg.Delegator.Counts())
	}
}

func trimSlash(s string) string {
	return strings.TrimRight(s, "/")
}
