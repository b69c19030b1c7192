package relay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const methodCancelled = "notifications/cancelled"

// ServeStdio runs the MCP server over newline-delimited JSON-RPC until ctx
// is done or in reaches EOF. Requests are handled concurrently, so a blocked
// wait_for_message does not hold up get_status or send_reply. When the input
// closes every call still in flight is cancelled before ServeStdio returns.
func (t *Tools) ServeStdio(ctx context.Context, version string, in io.Reader, out io.Writer) error {
	conn := &stdioConn{
		srv:      t.NewServer(version),
		out:      out,
		inflight: make(map[string]context.CancelFunc),
	}

	ctx, cancel := context.WithCancel(ctx)
	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		r := bufio.NewReader(in)
		for {
			line, err := r.ReadBytes('\n')
			if len(bytes.TrimSpace(line)) > 0 {
				select {
				case lines <- line:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	var wg sync.WaitGroup
	err := func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case err := <-readErr:
				if errors.Is(err, io.EOF) {
					return nil
				}
				return fmt.Errorf("reading mcp input: %w", err)
			case line := <-lines:
				wg.Add(1)
				go func() {
					defer wg.Done()
					conn.handle(ctx, line)
				}()
			}
		}
	}()
	cancel()
	wg.Wait()
	return err
}

type stdioConn struct {
	srv *server.MCPServer

	writeMu sync.Mutex
	out     io.Writer

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

func (c *stdioConn) handle(ctx context.Context, line []byte) {
	var head struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
		Params struct {
			RequestID json.RawMessage `json:"requestId"`
		} `json:"params"`
	}
	_ = json.Unmarshal(line, &head)

	if head.Method == methodCancelled {
		c.cancel(string(head.Params.RequestID))
		return
	}

	reqCtx := ctx
	if id := string(head.ID); id != "" && head.Method != "" {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithCancel(ctx)
		c.mu.Lock()
		c.inflight[id] = cancel
		c.mu.Unlock()
		defer c.cancel(id)
	}

	resp := c.srv.HandleMessage(reqCtx, json.RawMessage(line))
	// Cancelled requests get no response.
	if resp == nil || reqCtx.Err() != nil {
		return
	}
	c.write(resp)
}

func (c *stdioConn) cancel(id string) {
	c.mu.Lock()
	cancel, ok := c.inflight[id]
	delete(c.inflight, id)
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

func (c *stdioConn) write(msg mcp.JSONRPCMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, _ = c.out.Write(append(data, '\n'))
}
