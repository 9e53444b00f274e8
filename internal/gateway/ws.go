package gateway

import (
	"context"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/taskrelay/internal/audit"
	"github.com/basket/taskrelay/internal/bus"
	"github.com/basket/taskrelay/internal/router"
)

// TaskEventMethod is the notification method pushed to subscribed clients.
const TaskEventMethod = "task.event"

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex

	subMu  sync.Mutex
	sub    *bus.Subscription
	all    bool
	taskID map[string]struct{}
}

func (c *wsClient) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if err := s.cfg.Router.Origins().Check(router.TransportWS, origin); err != nil {
		audit.Record(r.Context(), audit.Deny, audit.BoundaryOrigin, "origin not allowed", origin)
		s.cfg.Metrics.RecordBoundaryReject(audit.BoundaryOrigin)
		writeError(w, err)
		return
	}
	// The origin was checked against the allow-list above.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Warn("ws: accept failed", "error", err)
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	c := &wsClient{conn: conn, taskID: make(map[string]struct{})}
	s.logger.Info("ws: client connected")
	defer func() {
		cancel()
		c.unsubscribe(s.cfg.Bus)
		s.logger.Info("ws: client disconnected")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	sess := rpcSession{
		transport: router.TransportWS,
		origin:    origin,
		subscribe: func(taskID string) error { return s.subscribe(ctx, c, taskID) },
	}
	for {
		var req rpcRequest
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				s.logger.Debug("ws: read error, closing", "error", err)
			}
			return
		}
		resp := s.handleRPC(ctx, sess, req)
		if resp == nil {
			continue
		}
		if err := c.write(ctx, resp); err != nil {
			s.logger.Warn("ws: write response failed", "method", req.Method, "error", err)
			return
		}
	}
}

// subscribe forwards task events to the client. An empty taskID selects
// every task; repeated calls widen the filter.
func (s *Server) subscribe(ctx context.Context, c *wsClient, taskID string) error {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if taskID == "" {
		c.all = true
	} else {
		c.taskID[taskID] = struct{}{}
	}
	if c.sub != nil || s.cfg.Bus == nil {
		return nil
	}
	c.sub = s.cfg.Bus.Subscribe("task.")
	go s.forward(ctx, c, c.sub)
	return nil
}

func (s *Server) forward(ctx context.Context, c *wsClient, sub *bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			te, ok := ev.Payload.(bus.TaskEvent)
			if !ok || !c.wants(te.TaskID) {
				continue
			}
			err := c.write(ctx, rpcResponse{JSONRPC: "2.0", Method: TaskEventMethod, Params: te})
			if err != nil {
				return
			}
		}
	}
}

func (c *wsClient) wants(taskID string) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.all {
		return true
	}
	_, ok := c.taskID[taskID]
	return ok
}

func (c *wsClient) unsubscribe(b *bus.Bus) {
	c.subMu.Lock()
	sub := c.sub
	c.sub = nil
	c.subMu.Unlock()
	if sub != nil && b != nil {
		b.Unsubscribe(sub)
	}
}
