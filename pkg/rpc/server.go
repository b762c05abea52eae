// Package rpc implements JSON-RPC 2.0 over TCP with each message framed by
// a 4-byte little-endian length prefix, so game-engine clients can use their
// native stream peers.
//
// Example server:
//
//	s := rpc.NewServer()
//	s.Register("version", func(ctx context.Context, params json.RawMessage) (any, error) {
//	    return "1.0.0", nil
//	})
//	s.Serve("localhost:6969")
//
// Example client:
//
//	c, _ := rpc.Dial(ctx, "localhost:6969")
//	var v string
//	c.Call(ctx, "version", nil, &v)
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
)

// HandlerFunc processes the params of one call and returns a result to be
// JSON-encoded, or an error. Errors of type *Error keep their code; any
// other error is reported as CodeServerError.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Server is a length-prefixed JSON-RPC server.
type Server struct {
	handlers map[string]HandlerFunc
	listener net.Listener
	logger   *slog.Logger
	maxFrame int
	observe  func(method string, err error)
	mu       sync.RWMutex
	wg       sync.WaitGroup
	conns    map[net.Conn]struct{}
	ctx      context.Context
	cancel   context.CancelFunc
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithMaxFrameSize bounds the size of a single request.
func WithMaxFrameSize(n int) ServerOption {
	return func(s *Server) { s.maxFrame = n }
}

// WithObserver is called after every dispatched call with the method name
// and the handler error, for metrics.
func WithObserver(fn func(method string, err error)) ServerOption {
	return func(s *Server) { s.observe = fn }
}

// NewServer creates a new RPC server.
func NewServer(opts ...ServerOption) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		handlers: make(map[string]HandlerFunc),
		logger:   slog.Default().With("component", "rpc-server"),
		maxFrame: DefaultMaxFrameSize,
		conns:    make(map[net.Conn]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a handler for the given method name.
func (s *Server) Register(method string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = handler
	s.logger.Debug("method registered", "method", method)
}

// MethodCount returns the number of registered methods.
func (s *Server) MethodCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handlers)
}

// Serve listens on addr and serves until Stop is called.
func (s *Server) Serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.ServeListener(ln)
}

// ServeListener serves connections accepted from ln until Stop is called.
func (s *Server) ServeListener(ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	if s.ctx.Err() != nil {
		ln.Close()
		return nil
	}
	s.logger.Info("rpc server listening", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			s.logger.Error("accept error", "error", err)
			continue
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()
	logger := s.logger.With("remote", conn.RemoteAddr().String())
	logger.Info("stream opened")

	for {
		payload, err := ReadFrame(conn, s.maxFrame)
		if err != nil {
			if errors.Is(err, io.EOF) || s.ctx.Err() != nil {
				logger.Info("stream closed")
			} else {
				logger.Warn("stream read failed", "error", err)
			}
			return
		}
		resp := s.dispatch(payload)
		if resp == nil {
			continue
		}
		out, err := json.Marshal(resp)
		if err != nil {
			logger.Error("encoding response", "error", err)
			return
		}
		if err := WriteFrame(conn, out); err != nil {
			logger.Error("write error", "error", err)
			return
		}
	}
}

// dispatch decodes and runs one request. It returns nil for notifications.
func (s *Server) dispatch(payload []byte) *Response {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return errorResponse(nullID, &Error{Code: CodeParseError, Message: "parse error"})
	}
	if req.JSONRPC != Version || req.Method == "" {
		id := req.ID
		if len(id) == 0 {
			id = nullID
		}
		return errorResponse(id, &Error{Code: CodeInvalidRequest, Message: "invalid request"})
	}

	s.mu.RLock()
	handler, exists := s.handlers[req.Method]
	s.mu.RUnlock()

	var (
		result any
		err    error
	)
	if !exists {
		err = &Error{Code: CodeMethodNotFound, Message: "method not found", Data: req.Method}
	} else {
		result, err = s.call(handler, req)
	}
	if s.observe != nil {
		s.observe(req.Method, err)
	}
	if req.IsNotification() {
		return nil
	}
	if err != nil {
		var rpcErr *Error
		if !errors.As(err, &rpcErr) {
			rpcErr = &Error{Code: CodeServerError, Message: err.Error()}
		}
		return errorResponse(req.ID, rpcErr)
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return errorResponse(req.ID, &Error{Code: CodeInternalError, Message: err.Error()})
	}
	return &Response{JSONRPC: Version, Result: raw, ID: req.ID}
}

func (s *Server) call(handler HandlerFunc, req Request) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("handler panic", "method", req.Method, "panic", p)
			err = &Error{Code: CodeInternalError, Message: fmt.Sprint(p)}
		}
	}()
	return handler(s.ctx, req.Params)
}

func errorResponse(id json.RawMessage, e *Error) *Response {
	return &Response{JSONRPC: Version, Error: e, ID: id}
}

// Stop closes the listener and every open stream, then waits for handlers
// to return.
func (s *Server) Stop() {
	s.cancel()
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.logger.Info("rpc server stopped")
}
