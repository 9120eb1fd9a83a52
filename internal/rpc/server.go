package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hpcops/spackq/internal/logging"
	"github.com/hpcops/spackq/internal/model"
)

// HandlerFunc serves one action. Params is the raw params object of the
// request, possibly nil.
type HandlerFunc func(params json.RawMessage) *Response

// Server accepts one request per connection on a unix or TCP socket. Unix
// sockets get world-writable permissions since any local user may talk to
// the queue.
type Server struct {
	network     string
	addr        string
	log         *logging.Logger
	connTimeout time.Duration

	handlers map[string]HandlerFunc
	mu       sync.RWMutex

	listener net.Listener
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewServer builds a server for the configured listen address.
func NewServer(cfg model.ServerConfig, log *logging.Logger) *Server {
	network, addr := "tcp", net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port))
	if cfg.UseUnixSocket {
		network, addr = "unix", cfg.SocketPath
	}
	timeout := model.Seconds(cfg.TimeoutSec)
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		network:     network,
		addr:        addr,
		log:         log,
		connTimeout: timeout,
		handlers:    make(map[string]HandlerFunc),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (s *Server) Handle(action string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[action] = handler
}

// Addr returns the bound listen address, valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

func (s *Server) Start() error {
	if s.network == "unix" {
		// Remove stale socket file
		_ = os.Remove(s.addr)
	}

	listener, err := net.Listen(s.network, s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}

	if s.network == "unix" {
		if err := os.Chmod(s.addr, 0o666); err != nil {
			_ = listener.Close()
			return fmt.Errorf("chmod socket: %w", err)
		}
	}

	s.listener = listener
	s.log.Infof("listening on %s %s", s.network, s.Addr())

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Stop closes the listener and waits for in-flight connections, up to the
// given context's deadline.
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("connections still open: %w", ctx.Err())
	}

	if s.network == "unix" {
		_ = os.Remove(s.addr)
	}
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.log.Errorf("accept error: %v", err)
				continue
			}
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	id := uuid.NewString()[:8]
	defer s.wg.Done()
	defer func() { _ = conn.Close() }()
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("conn %s: panic: %v\n%s", id, r, debug.Stack())
		}
	}()

	_ = conn.SetDeadline(time.Now().Add(s.connTimeout))

	// The client half-closes its write side, so the request ends at EOF.
	raw, err := io.ReadAll(io.LimitReader(conn, maxMessageBytes))
	if err != nil {
		s.log.Errorf("conn %s: read request: %v", id, err)
		return
	}

	resp := s.processRequest(id, raw)

	out, err := json.Marshal(resp)
	if err != nil {
		s.log.Errorf("conn %s: encode response: %v", id, err)
		return
	}
	if _, err := conn.Write(out); err != nil {
		s.log.Errorf("conn %s: write response: %v", id, err)
	}
}

func (s *Server) processRequest(id string, raw []byte) *Response {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		s.log.Errorf("conn %s: malformed request: %v", id, err)
		return Fail("malformed request: %v", err)
	}
	s.log.Debugf("conn %s: action %s", id, req.Action)

	s.mu.RLock()
	handler, ok := s.handlers[req.Action]
	s.mu.RUnlock()

	if !ok {
		return Fail("unknown action: %q", req.Action)
	}
	return handler(req.Params)
}
