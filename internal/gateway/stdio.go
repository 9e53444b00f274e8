package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/basket/taskrelay/internal/router"
	"github.com/basket/taskrelay/internal/shared"
)

const maxStdioLine = 4 << 20

// ServeStdio serves line-delimited JSON-RPC on in/out until in reaches EOF
// or ctx is canceled. The stdio transport is trusted: it skips auth and
// the origin check.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	ctx = shared.WithTransport(ctx, router.TransportStdio)
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxStdioLine)

	var mu sync.Mutex
	enc := json.NewEncoder(out)
	write := func(resp *rpcResponse) error {
		mu.Lock()
		defer mu.Unlock()
		return enc.Encode(resp)
	}

	sess := rpcSession{transport: router.TransportStdio}
	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	s.logger.Info("stdio transport ready")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					return err
				default:
					return nil
				}
			}
			if len(line) == 0 {
				continue
			}
			resp := s.handleStdioLine(ctx, sess, line)
			if resp == nil {
				continue
			}
			if err := write(resp); err != nil {
				if errors.Is(err, io.ErrClosedPipe) {
					return nil
				}
				return err
			}
		}
	}
}

func (s *Server) handleStdioLine(ctx context.Context, sess rpcSession, line []byte) *rpcResponse {
	var req rpcRequest
	if err := json.Unmarshal(line, &req); err != nil {
		return &rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: ErrCodeParse, Message: "parse error"}}
	}
	reqCtx := shared.WithTraceID(ctx, shared.NewTraceID())
	return s.handleRPC(reqCtx, sess, req)
}
