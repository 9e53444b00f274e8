// Package router is the single boundary every inbound tool call passes
// through: origin check, name grammar, rate limit, lookup, argument schema
// and finally the handler.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/taskrelay/internal/audit"
	"github.com/basket/taskrelay/internal/delegation"
	"github.com/basket/taskrelay/internal/metrics"
	"github.com/basket/taskrelay/internal/otel"
	"github.com/basket/taskrelay/internal/persistence"
	"github.com/basket/taskrelay/internal/ratelimit"
	"github.com/basket/taskrelay/internal/registry"
	"github.com/basket/taskrelay/internal/safety"
	"github.com/basket/taskrelay/internal/shared"
)

const component = "router"

// Transports.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
	TransportWS    = "ws"
)

// Rate limit key and endpoint shared by every dispatch.
const (
	GlobalRateKey = "global"
	ToolsEndpoint = "tools"
)

// TaskQueue is the part of the store the tools use.
type TaskQueue interface {
	CreateTask(ctx context.Context, msg persistence.Message) (*persistence.Task, error)
	ContinueTask(ctx context.Context, taskID string, msg persistence.Message) (*persistence.Task, error)
	GetTask(ctx context.Context, taskID string) (*persistence.Task, error)
	ListTasks(ctx context.Context, filter persistence.TaskFilter) ([]persistence.Task, int, error)
	UpdateTaskStatus(ctx context.Context, taskID string, upd persistence.TaskUpdate) (bool, error)
}

// Deps are the business components behind the tools. Any of them may be
// nil; tools that need a missing one fail with NOT_CONFIGURED.
type Deps struct {
	Tasks     TaskQueue
	Delegator *delegation.Delegator
	Registry  *registry.Registry
	// LocalAgentID receives new tasks that name no agent.
	LocalAgentID string
}

type Config struct {
	Deps
	Limiter     ratelimit.Limiter
	Origins     *OriginPolicy
	Logger      *slog.Logger
	Tracer      trace.Tracer
	Instruments *otel.Instruments
	Metrics     *metrics.Collector
}

// Request is one tool call as seen by the boundary.
type Request struct {
	Tool      string
	Args      json.RawMessage
	Transport string
	Origin    string
}

type handlerFunc func(ctx context.Context, args json.RawMessage) (any, error)

type tool struct {
	name        string
	description string
	schemaJSON  string
	schema      *jsonschema.Schema
	handler     handlerFunc
}

// ToolInfo describes a registered tool.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

type Router struct {
	deps        Deps
	limiter     ratelimit.Limiter
	origins     *OriginPolicy
	logger      *slog.Logger
	tracer      trace.Tracer
	instruments *otel.Instruments
	metrics     *metrics.Collector
	tools       map[string]*tool
}

// New builds the routing table and compiles every argument schema.
func New(cfg Config) (*Router, error) {
	r := &Router{
		deps:        cfg.Deps,
		limiter:     cfg.Limiter,
		origins:     cfg.Origins,
		logger:      cfg.Logger,
		tracer:      cfg.Tracer,
		instruments: cfg.Instruments,
		metrics:     cfg.Metrics,
		tools:       make(map[string]*tool),
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", component)
	if r.tracer == nil {
		r.tracer = nooptrace.NewTracerProvider().Tracer(otel.ScopeName)
	}
	if r.origins == nil {
		r.origins = NewOriginPolicy(nil)
	}
	if r.deps.LocalAgentID == "" {
		r.deps.LocalAgentID = "local"
	}

	compiler := jsonschema.NewCompiler()
	for _, t := range r.catalog() {
		if !safety.ValidToolName(t.name) {
			return nil, fmt.Errorf("router: tool name %q does not match the naming grammar", t.name)
		}
		if _, dup := r.tools[t.name]; dup {
			return nil, fmt.Errorf("router: duplicate tool %q", t.name)
		}
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(t.schemaJSON))
		if err != nil {
			return nil, fmt.Errorf("router: tool %s: unmarshal schema: %w", t.name, err)
		}
		loc := "tool://" + t.name + ".json"
		if err := compiler.AddResource(loc, doc); err != nil {
			return nil, fmt.Errorf("router: tool %s: add schema: %w", t.name, err)
		}
		if t.schema, err = compiler.Compile(loc); err != nil {
			return nil, fmt.Errorf("router: tool %s: compile schema: %w", t.name, err)
		}
		r.tools[t.name] = t
	}
	return r, nil
}

// Origins exposes the live allow-list for reloads.
func (r *Router) Origins() *OriginPolicy {
	return r.origins
}

// Tools lists registered tools sorted by name.
func (r *Router) Tools() []ToolInfo {
	out := make([]ToolInfo, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, ToolInfo{Name: t.name, Description: t.description, InputSchema: json.RawMessage(t.schemaJSON)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Dispatch runs req through every boundary check and then the handler.
func (r *Router) Dispatch(ctx context.Context, req Request) (any, error) {
	if req.Transport == "" {
		req.Transport = TransportStdio
	}
	ctx = shared.WithTransport(ctx, req.Transport)
	ctx, span := otel.StartServerSpan(ctx, r.tracer, "tool.dispatch",
		otel.AttrToolName.String(safety.SanitizeForMessage(req.Tool, safety.MaxToolNameLength)),
		otel.AttrTransport.String(req.Transport),
		otel.AttrTraceID.String(shared.TraceID(ctx)),
	)
	defer span.End()

	start := time.Now()
	result, err := r.dispatch(ctx, req)
	elapsed := time.Since(start)

	outcome := "ok"
	if err != nil {
		outcome = Code(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	toolLabel := req.Tool
	if _, known := r.tools[req.Tool]; !known {
		toolLabel = "unknown"
	}
	r.metrics.RecordToolCall(toolLabel, req.Transport, outcome, elapsed)
	r.instruments.RecordDispatch(ctx, toolLabel, elapsed.Seconds(), err != nil)
	return result, err
}

func (r *Router) dispatch(ctx context.Context, req Request) (any, error) {
	if err := r.origins.Check(req.Transport, req.Origin); err != nil {
		r.reject(ctx, audit.BoundaryOrigin, err, req.Origin)
		return nil, err
	}
	if err := safety.ValidateToolName(req.Tool); err != nil {
		r.reject(ctx, audit.BoundaryToolName, err, safety.SanitizeForMessage(req.Tool, safety.DefaultMessageLimit))
		return nil, err
	}
	if err := r.checkRate(ctx); err != nil {
		return nil, err
	}

	t, ok := r.tools[req.Tool]
	if !ok {
		return nil, shared.NewNotFoundError(component, "Dispatch", "tool", safety.SanitizeForMessage(req.Tool, safety.DefaultMessageLimit))
	}

	args := req.Args
	if len(strings.TrimSpace(string(args))) == 0 || string(args) == "null" {
		args = json.RawMessage(`{}`)
	}
	if err := validateArgs(t, args); err != nil {
		return nil, err
	}
	return t.handler(ctx, args)
}

func (r *Router) checkRate(ctx context.Context) error {
	if r.limiter == nil {
		return nil
	}
	res, err := r.limiter.CheckLimit(ctx, GlobalRateKey, ToolsEndpoint)
	if err != nil {
		return fmt.Errorf("rate limit check: %w", err)
	}
	if res.Allowed {
		return nil
	}
	rlErr := &shared.OperationError{
		Component: component,
		Method:    "Dispatch",
		Code:      shared.CodeRateLimited,
		Message:   "rate limit exceeded",
		Details: map[string]any{
			"limit":        res.Limit,
			"remaining":    res.Remaining,
			"resetAt":      res.ResetAt.UTC().Format(time.RFC3339Nano),
			"retryAfterMs": res.RetryAfter.Milliseconds(),
		},
	}
	r.reject(ctx, audit.BoundaryRateLimit, rlErr, GlobalRateKey)
	return rlErr
}

func (r *Router) reject(ctx context.Context, boundary string, err error, subject string) {
	audit.Record(ctx, audit.Deny, boundary, err.Error(), subject)
	r.metrics.RecordBoundaryReject(boundary)
	r.instruments.RecordReject(ctx, boundary)
	r.logger.Warn("request rejected", "boundary", boundary, "trace_id", shared.TraceID(ctx), "error", err)
}

func validateArgs(t *tool, args json.RawMessage) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(args)))
	if err != nil {
		return shared.NewValidationError(component, t.name, "arguments are not valid JSON", nil)
	}
	if err := t.schema.Validate(doc); err != nil {
		msg := strings.ReplaceAll(strings.TrimSpace(err.Error()), "\n", "; ")
		return shared.NewValidationError(component, t.name, "invalid arguments: "+safety.SanitizeForMessage(msg, 240), nil)
	}
	return nil
}

// decodeArgs unmarshals schema-validated arguments into dst.
func decodeArgs(tool string, args json.RawMessage, dst any) error {
	if err := json.Unmarshal(args, dst); err != nil {
		return shared.NewValidationError(component, tool, "cannot decode arguments", nil)
	}
	return nil
}

// Code maps an error to the stable code clients see.
func Code(err error) string {
	if err == nil {
		return ""
	}
	var opErr *shared.OperationError
	if errors.As(err, &opErr) && opErr.Code != "" {
		return opErr.Code
	}
	var vErr *shared.ValidationError
	if errors.As(err, &vErr) {
		if vErr.Details["boundary"] == "origin" {
			return "ORIGIN_REJECTED"
		}
		return "VALIDATION_ERROR"
	}
	if errors.Is(err, shared.ErrNotFound) {
		return "NOT_FOUND"
	}
	return "INTERNAL"
}
