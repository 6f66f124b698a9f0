package command

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"
)

// maxRequestSize bounds one newline framed request.
const maxRequestSize = 1 << 20

// UDSServer implements a JSON-RPC server over Unix Domain Socket.
type UDSServer struct {
	socketPath string
	handler    *CommandHandler
	listener   net.Listener
	ready      chan struct{}

	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	wg      sync.WaitGroup
	stopped bool
}

// NewUDSServer creates a new UDS server.
func NewUDSServer(socketPath string, handler *CommandHandler) *UDSServer {
	return &UDSServer{
		socketPath: socketPath,
		handler:    handler,
		ready:      make(chan struct{}),
		conns:      make(map[net.Conn]struct{}),
	}
}

// Ready is closed once the socket accepts connections.
func (s *UDSServer) Ready() <-chan struct{} { return s.ready }

// Start listens on the socket and serves until ctx is cancelled.
func (s *UDSServer) Start(ctx context.Context) error {
	if err := os.RemoveAll(s.socketPath); err != nil {
		return fmt.Errorf("failed to remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on socket %s: %w", s.socketPath, err)
	}

	// owner only
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		listener.Close()
		return nil
	}
	s.listener = listener
	s.mu.Unlock()

	slog.Info("uds server started", "socket", s.socketPath)
	close(s.ready)

	go s.acceptLoop(ctx)

	<-ctx.Done()
	slog.Info("uds server stopping", "reason", ctx.Err())
	return s.Stop()
}

func (s *UDSServer) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			stopped := s.stopped
			s.mu.Unlock()
			if stopped {
				return
			}
			slog.Error("failed to accept connection", "error", err)
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

		go s.handleConnection(ctx, conn)
	}
}

// handleConnection serves newline framed requests until the peer hangs up.
func (s *UDSServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxRequestSize)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		resp := s.serve(ctx, scanner.Bytes())
		if err := encoder.Encode(resp); err != nil {
			slog.Error("failed to send response", "error", err)
			return
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Error("connection error", "error", err)
	}
}

// serve decodes one request line and runs it.
func (s *UDSServer) serve(ctx context.Context, line []byte) JSONRPCResponse {
	var req JSONRPCRequest
	if err := json.Unmarshal(line, &req); err != nil {
		slog.Warn("failed to parse request", "error", err)
		return JSONRPCResponse{
			JSONRPC: "2.0",
			Error:   &ErrorInfo{Code: ErrCodeParseError, Message: fmt.Sprintf("parse error: %v", err)},
		}
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		return JSONRPCResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &ErrorInfo{Code: ErrCodeInvalidRequest, Message: "invalid request: jsonrpc must be 2.0 and method set"},
		}
	}

	start := time.Now()
	resp := s.handler.Handle(ctx, Command{
		Method: req.Method,
		Params: req.Params,
		ID:     fmt.Sprintf("%v", req.ID),
	})
	slog.Debug("command handled", "method", req.Method, "elapsed", time.Since(start), "failed", resp.Error != nil)

	return JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  resp.Result,
		Error:   resp.Error,
	}
}

// Stop closes the listener and every open connection. It is idempotent.
func (s *UDSServer) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	if s.listener != nil {
		s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	os.RemoveAll(s.socketPath)

	slog.Info("uds server stopped")
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
