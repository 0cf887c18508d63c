// Package server speaks newline-delimited JSON-RPC 2.0 and routes tools/call
// requests to a tool handler.
package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-audiobook/internal/errs"
	"github.com/loqalabs/loqa-audiobook/internal/protocol"
	"github.com/loqalabs/loqa-audiobook/internal/tools"
)

const maxLineBytes = 16 << 20

// Handler executes tools.
type Handler interface {
	Tools() []protocol.Tool
	Call(ctx context.Context, name string, args json.RawMessage) (any, error)
}

type Server struct {
	handler Handler
	info    protocol.ServerInfo
	log     *slog.Logger

	writeMu sync.Mutex
}

func New(handler Handler, info protocol.ServerInfo, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		handler: handler,
		info:    info,
		log:     logger.With(slog.String("component", "rpc-server")),
	}
}

// Serve reads requests from r and writes responses to w, one per line, until r
// is exhausted, a shutdown request is answered, or ctx is cancelled.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
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

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					if err != nil {
						return fmt.Errorf("read requests: %w", err)
					}
				default:
				}
				s.log.Info("input closed")
				return nil
			}
			resp, stop := s.Handle(ctx, line)
			if resp != nil {
				if err := s.write(w, resp); err != nil {
					return err
				}
			}
			if stop {
				s.log.Info("shutdown requested")
				return nil
			}
		}
	}
}

// Handle processes one raw request. It returns nil for lines that need no
// reply, and stop=true once a shutdown request has been answered.
func (s *Server) Handle(ctx context.Context, line []byte) (*protocol.Response, bool) {
	if len(bytes.TrimSpace(line)) == 0 {
		return nil, false
	}
	var req protocol.Request
	if err := json.Unmarshal(line, &req); err != nil {
		s.log.Warn("dropping unparsable request", slog.String("error", err.Error()))
		return nil, false
	}
	if req.Method == "" {
		if req.IsNotification() {
			return nil, false
		}
		return errorResponse(req.ID, protocol.CodeInvalidRequest, "Invalid request: method missing"), false
	}

	result, rpcErr, stop := s.dispatch(ctx, req)
	if req.IsNotification() {
		return nil, stop
	}
	if rpcErr != nil {
		return &protocol.Response{JSONRPC: protocol.Version, ID: req.ID, Error: rpcErr}, stop
	}
	return &protocol.Response{JSONRPC: protocol.Version, ID: req.ID, Result: result}, stop
}

func (s *Server) dispatch(ctx context.Context, req protocol.Request) (any, *protocol.Error, bool) {
	switch req.Method {
	case protocol.MethodInitialize:
		return protocol.InitializeResult{
			ProtocolVersion: protocol.ProtocolVersion,
			Capabilities:    protocol.Capabilities{Tools: protocol.ToolCapabilities{List: true, Call: true}},
			ServerInfo:      s.info,
		}, nil, false
	case protocol.MethodToolsList:
		return protocol.ToolsListResult{Tools: s.handler.Tools()}, nil, false
	case protocol.MethodToolsCall:
		result, rpcErr := s.callTool(ctx, req.Params)
		return result, rpcErr, false
	case protocol.MethodPing:
		return struct{}{}, nil, false
	case protocol.MethodShutdown:
		return struct{}{}, nil, true
	default:
		return nil, &protocol.Error{Code: protocol.CodeMethodNotFound, Message: "Unknown method: " + req.Method}, false
	}
}

func (s *Server) callTool(ctx context.Context, raw json.RawMessage) (any, *protocol.Error) {
	var params protocol.CallParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, &protocol.Error{Code: protocol.CodeInvalidParams, Message: "tools/call params must be an object"}
		}
	}
	if params.Name == "" {
		return nil, &protocol.Error{Code: protocol.CodeInvalidParams, Message: "tools/call requires a name"}
	}
	data, err := s.handler.Call(ctx, params.Name, params.Arguments)
	if err != nil {
		return nil, toRPCError(params.Name, err)
	}
	return protocol.NewToolResult(data), nil
}

func toRPCError(tool string, err error) *protocol.Error {
	switch {
	case errors.Is(err, tools.ErrUnknownTool):
		return &protocol.Error{Code: protocol.CodeMethodNotFound, Message: "Unknown tool: " + tool}
	case errors.Is(err, errs.ErrInvalidArgument):
		return &protocol.Error{Code: protocol.CodeInvalidParams, Message: err.Error()}
	default:
		return &protocol.Error{Code: protocol.CodeServerError, Message: err.Error()}
	}
}

func errorResponse(id json.RawMessage, code int, message string) *protocol.Response {
	return &protocol.Response{JSONRPC: protocol.Version, ID: id, Error: &protocol.Error{Code: code, Message: message}}
}

func (s *Server) write(w io.Writer, resp *protocol.Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("failed to marshal response", slog.String("error", err.Error()))
		data, _ = json.Marshal(errorResponse(resp.ID, protocol.CodeServerError, "Internal error"))
	}
	data = append(data, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}
