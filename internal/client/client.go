// Package client issues JSON-RPC requests to an audiobook server over a
// line-delimited stream pair.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"

	"github.com/loqalabs/loqa-audiobook/internal/protocol"
)

// ErrClosed is returned for calls pending when the server stream ends.
var ErrClosed = errors.New("client: connection closed")

type reply struct {
	result json.RawMessage
	err    error
}

type Client struct {
	w   io.Writer
	log *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  int64
	pending map[string]chan reply
	closed  bool
	done    chan struct{}
}

// New starts reading responses from r. Requests are written to w.
func New(r io.Reader, w io.Writer, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := &Client{
		w:       w,
		log:     logger.With(slog.String("component", "rpc-client")),
		pending: make(map[string]chan reply),
		done:    make(chan struct{}),
	}
	go c.readLoop(r)
	return c
}

// Done is closed once the response stream ends.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) readLoop(r io.Reader) {
	defer c.failPending()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
			Result json.RawMessage `json:"result"`
			Error  *protocol.Error `json:"error"`
		}
		if err := json.Unmarshal(line, &msg); err != nil {
			c.log.Warn("failed to parse message from server", slog.String("line", string(line)))
			continue
		}
		if msg.Method != "" {
			c.log.Info("notification", slog.String("method", msg.Method))
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[string(msg.ID)]
		delete(c.pending, string(msg.ID))
		c.mu.Unlock()
		if !ok {
			c.log.Warn("response for unknown request", slog.String("id", string(msg.ID)))
			continue
		}
		if msg.Error != nil {
			ch <- reply{err: msg.Error}
		} else {
			ch <- reply{result: msg.Result}
		}
	}
	if err := scanner.Err(); err != nil {
		c.log.Warn("response stream failed", slog.String("error", err.Error()))
	}
}

func (c *Client) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, ch := range c.pending {
		ch <- reply{err: ErrClosed}
		delete(c.pending, id)
	}
	close(c.done)
}

// Call sends method with params and decodes the result into out when out is
// non-nil. Server errors are returned as *protocol.Error.
func (c *Client) Call(ctx context.Context, method string, params any, out any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.nextID++
	num := c.nextID
	id := strconv.FormatInt(num, 10)
	ch := make(chan reply, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	req := struct {
		JSONRPC string `json:"jsonrpc"`
		ID      int64  `json:"id"`
		Method  string `json:"method"`
		Params  any    `json:"params,omitempty"`
	}{protocol.Version, num, method, params}
	if err := c.send(req); err != nil {
		c.forget(id)
		return err
	}

	select {
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	case rep := <-ch:
		if rep.err != nil {
			return rep.err
		}
		if out == nil || len(rep.result) == 0 {
			return nil
		}
		if err := json.Unmarshal(rep.result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
		return nil
	}
}

// Notify sends a request without an id; the server does not answer it.
func (c *Client) Notify(method string, params any) error {
	return c.send(struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
		Params  any    `json:"params,omitempty"`
	}{protocol.Version, method, params})
}

// CallTool runs tools/call and decodes the first json or text content item
// into out.
func (c *Client) CallTool(ctx context.Context, name string, args any, out any) error {
	if args == nil {
		args = struct{}{}
	}
	var result struct {
		Content []struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
			Text string          `json:"text"`
		} `json:"content"`
	}
	if err := c.Call(ctx, protocol.MethodToolsCall, map[string]any{"name": name, "arguments": args}, &result); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	for _, item := range result.Content {
		switch item.Type {
		case "json":
			if err := json.Unmarshal(item.Data, out); err != nil {
				return fmt.Errorf("decode %s data: %w", name, err)
			}
			return nil
		case "text":
			if s, ok := out.(*string); ok {
				*s = item.Text
				return nil
			}
			return fmt.Errorf("%s returned text content", name)
		}
	}
	return fmt.Errorf("%s returned no content", name)
}

func (c *Client) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	data = append(data, '\n')
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.w.Write(data); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	return nil
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}
