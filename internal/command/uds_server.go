package command

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// maxRequestSize bounds one request line; uplink.send carries command payloads.
	maxRequestSize = 1 << 20
	// connIdleTimeout closes control connections that stop sending requests.
	connIdleTimeout = 5 * time.Minute
)

// Dispatcher executes one control command.
type Dispatcher interface {
	Handle(ctx context.Context, cmd Command) Response
}

// UDSServer serves line-delimited JSON-RPC 2.0 over a Unix Domain Socket.
type UDSServer struct {
	socketPath string
	dispatcher Dispatcher
	listener   net.Listener
	nextConn   atomic.Uint64

	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	wg      sync.WaitGroup
	stopped bool
}

// NewUDSServer creates a new UDS server.
func NewUDSServer(socketPath string, dispatcher Dispatcher) *UDSServer {
	return &UDSServer{
		socketPath: socketPath,
		dispatcher: dispatcher,
		conns:      make(map[net.Conn]struct{}),
	}
}

// Start binds the socket and serves until ctx is cancelled.
func (s *UDSServer) Start(ctx context.Context) error {
	// A stale socket from a crashed daemon would make Listen fail.
	if err := os.RemoveAll(s.socketPath); err != nil {
		return fmt.Errorf("failed to remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on socket %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	slog.Info("control socket listening", "socket", s.socketPath)

	go s.acceptLoop(ctx, listener)

	<-ctx.Done()
	slog.Info("control socket closing", "reason", ctx.Err())
	return s.Stop()
}

func (s *UDSServer) acceptLoop(ctx context.Context, listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.isStopped() || errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Error("failed to accept control connection", "error", err)
			continue
		}

		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go s.serveConn(ctx, conn, s.nextConn.Add(1))
	}
}

func (s *UDSServer) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// serveConn answers requests on conn, one response line per request line.
func (s *UDSServer) serveConn(ctx context.Context, conn net.Conn, id uint64) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	logger := slog.With("conn", id)
	logger.Debug("control connection established")

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxRequestSize)
	encoder := json.NewEncoder(conn)

	for {
		conn.SetReadDeadline(time.Now().Add(connIdleTimeout))
		if !scanner.Scan() {
			break
		}

		resp := s.respond(ctx, logger, scanner.Bytes())
		if err := encoder.Encode(resp); err != nil {
			logger.Warn("failed to send control response", "error", err)
			return
		}
	}

	if err := scanner.Err(); err != nil && !s.isStopped() {
		logger.Warn("control connection error", "error", err)
	}
	logger.Debug("control connection closed")
}

// respond decodes one request line and dispatches it.
func (s *UDSServer) respond(ctx context.Context, logger *slog.Logger, line []byte) JSONRPCResponse {
	var req JSONRPCRequest
	if err := json.Unmarshal(line, &req); err != nil {
		logger.Warn("unparseable control request", "error", err)
		return JSONRPCResponse{
			JSONRPC: "2.0",
			Error:   &ErrorInfo{Code: ErrCodeParseError, Message: fmt.Sprintf("parse error: %v", err)},
		}
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		return JSONRPCResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &ErrorInfo{Code: ErrCodeInvalidRequest, Message: `jsonrpc must be "2.0" and method is required`},
		}
	}

	resp := s.dispatch(ctx, logger, Command{
		Method: req.Method,
		Params: req.Params,
		ID:     fmt.Sprintf("%v", req.ID),
	})
	return JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  resp.Result,
		Error:   resp.Error,
	}
}

// dispatch turns a handler panic into an internal error response.
func (s *UDSServer) dispatch(ctx context.Context, logger *slog.Logger, cmd Command) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("control command panicked", "method", cmd.Method, "panic", r)
			resp = errorResponse(cmd.ID, ErrCodeInternalError, "internal error in %s", cmd.Method)
		}
	}()
	logger.Debug("control command", "method", cmd.Method)
	return s.dispatcher.Handle(ctx, cmd)
}

// Stop closes the listener and every open connection, then removes the socket.
func (s *UDSServer) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	listener := s.listener
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	if listener != nil {
		listener.Close()
	}
	s.wg.Wait()

	if listener != nil {
		os.Remove(s.socketPath)
	}
	slog.Info("control socket closed")
	return nil
}

// JSONRPCRequest represents a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
}
