package gateway_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/taskrelay/internal/bus"
	"github.com/basket/taskrelay/internal/gateway"
	"github.com/basket/taskrelay/internal/router"
)

type rpcReq struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResp struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcErr         `json:"error,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcErr struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    *struct {
		Code string `json:"code"`
	} `json:"data,omitempty"`
}

func encodeLines(t *testing.T, reqs ...any) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	for _, r := range reqs {
		if s, ok := r.(string); ok {
			buf.WriteString(s + "\n")
			continue
		}
		raw, err := json.Marshal(r)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		buf.Write(append(raw, '\n'))
	}
	return &buf
}

func TestServeStdio_RoundTrip(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	in := encodeLines(t,
		rpcReq{JSONRPC: "2.0", ID: 1, Method: "system.hello"},
		rpcReq{JSONRPC: "2.0", ID: 2, Method: "tools.call", Params: map[string]any{
			"name": router.ToolSendTask, "arguments": map[string]any{"message": textMessage("Calculate 2+2")},
		}},
		"{not json",
		rpcReq{JSONRPC: "2.0", Method: router.ToolListTasks},
		rpcReq{JSONRPC: "2.0", ID: 3, Method: router.ToolGetTask, Params: map[string]any{"taskId": "missing"}},
		rpcReq{JSONRPC: "2.0", ID: 4, Method: "tools.call", Params: map[string]any{"name": "no-such-tool"}},
		rpcReq{JSONRPC: "2.0", ID: 5, Method: "tasks.subscribe"},
	)
	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := env.server.ServeStdio(ctx, in, &out); err != nil {
		t.Fatalf("ServeStdio: %v", err)
	}

	var resps []rpcResp
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		var r rpcResp
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			t.Fatalf("decode %q: %v", sc.Text(), err)
		}
		resps = append(resps, r)
	}
	// The notification produces no response.
	if len(resps) != 6 {
		t.Fatalf("got %d responses, want 6: %s", len(resps), out.String())
	}

	if resps[0].Error != nil || !strings.Contains(string(resps[0].Result), `"transport":"stdio"`) {
		t.Fatalf("hello: %+v %s", resps[0].Error, resps[0].Result)
	}
	var sent router.TaskStatus
	if err := json.Unmarshal(resps[1].Result, &sent); err != nil || sent.TaskID == "" {
		t.Fatalf("send: %v %s", err, resps[1].Result)
	}
	if resps[2].Error == nil || resps[2].Error.Code != gateway.ErrCodeParse {
		t.Fatalf("parse error: %+v", resps[2].Error)
	}
	if resps[3].Error == nil || resps[3].Error.Code != gateway.ErrCodeNotFound {
		t.Fatalf("missing task: %+v", resps[3].Error)
	}
	if resps[4].Error == nil || resps[4].Error.Code != gateway.ErrCodeMethodNotFound {
		t.Fatalf("unknown tool: %+v", resps[4].Error)
	}
	if resps[5].Error == nil || resps[5].Error.Code != gateway.ErrCodeMethodNotFound {
		t.Fatalf("subscribe over stdio: %+v", resps[5].Error)
	}
}

func dialWS(t *testing.T, env *testEnv, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	header := http.Header{"Authorization": []string{"Bearer " + testToken}}
	if origin != "" {
		header.Set("Origin", origin)
	}
	conn, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(env.http.URL, "http")+"/ws", &websocket.DialOptions{HTTPHeader: header})
	if conn != nil {
		t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	}
	return conn, resp, err
}

func TestWebsocket_ToolsCallAndSubscribe(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	conn, _, err := dialWS(t, env, testOrigin)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := wsjson.Write(ctx, conn, rpcReq{JSONRPC: "2.0", ID: 1, Method: "tasks.subscribe"}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	var subResp rpcResp
	if err := wsjson.Read(ctx, conn, &subResp); err != nil {
		t.Fatalf("read subscribe: %v", err)
	}
	if subResp.Error != nil {
		t.Fatalf("subscribe failed: %+v", subResp.Error)
	}

	if err := wsjson.Write(ctx, conn, rpcReq{JSONRPC: "2.0", ID: 2, Method: "tools.call", Params: map[string]any{
		"name": router.ToolSendTask, "arguments": map[string]any{"message": textMessage("hello over ws")},
	}}); err != nil {
		t.Fatalf("write send: %v", err)
	}

	var sent router.TaskStatus
	var event bus.TaskEvent
	for sent.TaskID == "" || event.TaskID == "" {
		var msg rpcResp
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		switch {
		case msg.Method == gateway.TaskEventMethod:
			if err := json.Unmarshal(msg.Params, &event); err != nil {
				t.Fatalf("decode event: %v", err)
			}
		case msg.Error != nil:
			t.Fatalf("send failed: %+v", msg.Error)
		default:
			if err := json.Unmarshal(msg.Result, &sent); err != nil {
				t.Fatalf("decode send: %v", err)
			}
		}
	}
	if event.TaskID != sent.TaskID || event.EventType != bus.TopicTaskCreated {
		t.Fatalf("event %+v does not match task %s", event, sent.TaskID)
	}
}

func TestWebsocket_RejectsForeignOrigin(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	_, resp, err := dialWS(t, env, "https://b")
	if err == nil {
		t.Fatal("expected dial to fail for a foreign origin")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("response = %+v, want 403", resp)
	}
}
