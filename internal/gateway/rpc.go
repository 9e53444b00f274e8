package gateway

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/basket/taskrelay/internal/router"
	"github.com/basket/taskrelay/internal/shared"
)

const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternal       = -32603

	// Application error codes.
	ErrCodeValidation    = 1000
	ErrCodeNotFound      = 1404
	ErrCodeRateLimited   = 4290
	ErrCodeNotConfigured = 5030
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	Method  string    `json:"method,omitempty"`
	Params  any       `json:"params,omitempty"`
}

type rpcError struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Data    *errorBody `json:"data,omitempty"`
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// rpcSession carries per-connection state into handleRPC.
type rpcSession struct {
	transport string
	origin    string
	// subscribe is nil on transports without server push.
	subscribe func(taskID string) error
}

// handleRPC serves one JSON-RPC request. Notifications (no id) get no
// response. Methods other than the built-ins are treated as tool names.
func (s *Server) handleRPC(ctx context.Context, sess rpcSession, req rpcRequest) *rpcResponse {
	id, hasID := decodeID(req.ID)
	if req.JSONRPC != "2.0" || req.Method == "" {
		if !hasID {
			return nil
		}
		return &rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: ErrCodeInvalidRequest, Message: "invalid JSON-RPC request"}}
	}
	ctx = shared.WithRequestID(ctx, string(req.ID))

	var (
		result any
		err    error
	)
	switch req.Method {
	case "system.hello":
		result = map[string]any{"protocol": "taskrelay", "version": s.version(), "transport": sess.transport}
	case "tools.list":
		result = map[string]any{"tools": s.cfg.Router.Tools()}
	case "tools.call":
		var p toolCallParams
		if uerr := json.Unmarshal(req.Params, &p); uerr != nil || p.Name == "" {
			return rpcFailure(id, hasID, &rpcError{Code: ErrCodeInvalidParams, Message: "tools.call requires {name, arguments}"})
		}
		result, err = s.dispatch(ctx, sess, p.Name, p.Arguments)
	case "tasks.subscribe":
		if sess.subscribe == nil {
			return rpcFailure(id, hasID, &rpcError{Code: ErrCodeMethodNotFound, Message: "tasks.subscribe is not available on this transport"})
		}
		var p struct {
			TaskID string `json:"taskId"`
		}
		if len(req.Params) > 0 {
			if uerr := json.Unmarshal(req.Params, &p); uerr != nil {
				return rpcFailure(id, hasID, &rpcError{Code: ErrCodeInvalidParams, Message: "tasks.subscribe params must be {taskId?}"})
			}
		}
		if err = sess.subscribe(p.TaskID); err == nil {
			result = map[string]any{"subscribed": true, "taskId": p.TaskID}
		}
	default:
		result, err = s.dispatch(ctx, sess, req.Method, req.Params)
	}

	if err != nil {
		return rpcFailure(id, hasID, toRPCError(err))
	}
	if !hasID {
		return nil
	}
	return &rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func (s *Server) dispatch(ctx context.Context, sess rpcSession, tool string, args json.RawMessage) (any, error) {
	return s.cfg.Router.Dispatch(ctx, router.Request{
		Tool:      tool,
		Args:      args,
		Transport: sess.transport,
		Origin:    sess.origin,
	})
}

func rpcFailure(id any, hasID bool, e *rpcError) *rpcResponse {
	if !hasID {
		return nil
	}
	return &rpcResponse{JSONRPC: "2.0", ID: id, Error: e}
}

func toRPCError(err error) *rpcError {
	code := router.Code(err)
	body := &errorBody{Code: code, Message: shared.Redact(err.Error()), Details: errorDetails(err)}
	rpcCode := ErrCodeInternal
	switch code {
	case "VALIDATION_ERROR", "ORIGIN_REJECTED", shared.CodeIllegalTransition:
		rpcCode = ErrCodeValidation
	case "NOT_FOUND":
		rpcCode = ErrCodeNotFound
		var nf *shared.NotFoundError
		if errors.As(err, &nf) && nf.Resource == "tool" {
			rpcCode = ErrCodeMethodNotFound
		}
	case shared.CodeRateLimited:
		rpcCode = ErrCodeRateLimited
	case shared.CodeNotConfigured:
		rpcCode = ErrCodeNotConfigured
	default:
		body.Message = "internal error"
	}
	return &rpcError{Code: rpcCode, Message: body.Message, Data: body}
}

func decodeID(raw json.RawMessage) (any, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil || generic == nil {
		return nil, false
	}
	return generic, true
}
