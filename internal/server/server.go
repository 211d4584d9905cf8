// Package server is a reference server for the reql wire protocol, backed by
// the SQLite catalog in internal/storage.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/kartikbazzad/reql/internal/logger"
	"github.com/kartikbazzad/reql/internal/metrics"
	"github.com/kartikbazzad/reql/internal/storage"
	"github.com/kartikbazzad/reql/internal/wire"
)

const (
	handshakeTimeout       = 10 * time.Second
	defaultShutdownTimeout = 3 * time.Second
)

type Options struct {
	Addr           string
	Definition     *wire.Definition // nil = wire.V1
	MaxConnections int              // 0 = unlimited
	EvalWorkers    int              // 0 = unbounded pool; when full, queries get RESOURCE_LIMIT
	MaxFrameSize   uint32
	DefaultDB      string

	ShutdownTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Server
}

type Server struct {
	opts     Options
	def      *wire.Definition
	catalog  *storage.Catalog
	eval     *evaluator
	logger   *slog.Logger
	metrics  *metrics.Server
	listener net.Listener

	wg          sync.WaitGroup
	mu          sync.Mutex
	running     bool
	connections map[*clientConn]struct{}
	connMu      sync.Mutex
	connPool    *ants.Pool // bounds concurrent connection handlers (nil = unlimited)
	evalPool    *ants.Pool

	// beforeEval runs ahead of every evaluation; tests use it to hold a
	// query in flight.
	beforeEval func(ctx context.Context)
}

func New(cat *storage.Catalog, opts Options) (*Server, error) {
	def := opts.Definition
	if def == nil {
		def = wire.V1
	}
	if opts.MaxFrameSize == 0 {
		opts.MaxFrameSize = wire.DefaultMaxFrameSize
	}
	if opts.ShutdownTimeout == 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}
	log := logger.OrNop(opts.Logger)

	size := opts.EvalWorkers
	if size <= 0 {
		size = -1
	}
	poolOpts := []ants.Option{ants.WithPanicHandler(func(v any) {
		log.Error("query evaluation panic", "panic", v)
	})}
	if size > 0 {
		// Submit runs on the connection's read loop, which must keep
		// reading STOP frames while the pool is saturated.
		poolOpts = append(poolOpts, ants.WithNonblocking(true))
	}
	evalPool, err := ants.NewPool(size, poolOpts...)
	if err != nil {
		return nil, fmt.Errorf("create eval pool: %w", err)
	}

	return &Server{
		opts:        opts,
		def:         def,
		catalog:     cat,
		eval:        &evaluator{def: def, catalog: cat, defaultDB: opts.DefaultDB},
		logger:      log,
		metrics:     opts.Metrics,
		evalPool:    evalPool,
		connections: make(map[*clientConn]struct{}),
	}, nil
}

// Start creates the default database and begins accepting connections.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	if s.opts.DefaultDB != "" {
		if err := s.catalog.EnsureDB(context.Background(), s.opts.DefaultDB); err != nil {
			return fmt.Errorf("bootstrap database %q: %w", s.opts.DefaultDB, err)
		}
	}

	listener, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.running = true

	if s.opts.MaxConnections > 0 {
		connPool, err := ants.NewPool(s.opts.MaxConnections, ants.WithPanicHandler(func(v any) {
			s.logger.Error("connection handler panic", "panic", v)
		}))
		if err == nil {
			s.connPool = connPool
		}
	}

	s.logger.Info("server listening", "addr", listener.Addr().String(), "protocol", s.def.Name)

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	if s.listener != nil {
		s.listener.Close()
	}
	s.running = false
	s.mu.Unlock()

	// close connections to unblock their readers
	s.connMu.Lock()
	for c := range s.connections {
		c.nc.Close()
	}
	s.connMu.Unlock()

	s.wg.Wait()

	if s.connPool != nil {
		_ = s.connPool.ReleaseTimeout(s.opts.ShutdownTimeout)
		s.connPool = nil
	}
	_ = s.evalPool.ReleaseTimeout(s.opts.ShutdownTimeout)

	s.logger.Info("server stopped")
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		nc, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			if !s.running {
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			s.logger.Error("accept error", "error", err)
			continue
		}

		c := &clientConn{
			id:      uuid.NewString(),
			nc:      nc,
			running: make(map[uint64]context.CancelFunc),
		}
		c.logger = logger.WithConn(s.logger, c.id, nc.RemoteAddr().String())

		s.connMu.Lock()
		s.connections[c] = struct{}{}
		s.connMu.Unlock()

		s.mu.Lock()
		stopping := !s.running
		s.mu.Unlock()
		if stopping {
			nc.Close()
		}

		s.wg.Add(1)
		if s.connPool != nil {
			if err := s.connPool.Submit(func() {
				defer s.wg.Done()
				s.handleConnection(c)
			}); err != nil {
				s.wg.Done()
				nc.Close()
				s.connMu.Lock()
				delete(s.connections, c)
				s.connMu.Unlock()
				s.logger.Error("failed to submit connection handler", "error", err)
			}
		} else {
			go func() {
				defer s.wg.Done()
				s.handleConnection(c)
			}()
		}
	}
}

// clientConn is the server side of one client connection.
type clientConn struct {
	id     string
	nc     net.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	running map[uint64]context.CancelFunc
	evals   sync.WaitGroup
}

func (s *Server) handleConnection(c *clientConn) {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.evals.Wait()
		c.nc.Close()
		s.connMu.Lock()
		delete(s.connections, c)
		s.connMu.Unlock()
		s.metrics.ConnClosed()
		c.logger.Debug("connection closed")
	}()
	s.metrics.ConnOpened()

	br := bufio.NewReader(c.nc)
	if !s.handshake(c, br) {
		return
	}
	c.logger.Debug("client connected")

	for {
		token, payload, err := wire.ReadFrame(br, s.opts.MaxFrameSize)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.logger.Debug("read failed", "error", err)
			}
			return
		}

		q, err := wire.UnmarshalQuery(payload)
		if err != nil {
			s.reply(c, token, wire.NewErrorResponse(wire.ResponseClientError, 0, "Malformed query: "+err.Error()), time.Now())
			continue
		}

		switch q.Type {
		case wire.QueryStart:
			s.start(ctx, c, token, q)
		case wire.QueryStop:
			s.metrics.StopReceived()
			c.mu.Lock()
			stop := c.running[token]
			c.mu.Unlock()
			if stop != nil {
				c.logger.Debug("stopping query", "token", token)
				stop()
			}
		default:
			s.reply(c, token, wire.NewErrorResponse(wire.ResponseClientError, 0,
				fmt.Sprintf("Query type %d is not supported.", q.Type)), time.Now())
		}
	}
}

func (s *Server) handshake(c *clientConn, br *bufio.Reader) bool {
	c.nc.SetDeadline(time.Now().Add(handshakeTimeout))
	defer c.nc.SetDeadline(time.Time{})

	magic, err := wire.ReadHandshake(br)
	if err != nil {
		c.logger.Debug("handshake read failed", "error", err)
		return false
	}
	if magic != s.def.Magic {
		msg := fmt.Sprintf("ERROR: Received an unsupported protocol version 0x%08x. This server speaks %s.", magic, s.def.Name)
		c.logger.Warn("handshake rejected", "magic", magic)
		wire.WriteHandshakeReply(c.nc, msg)
		return false
	}
	if err := wire.WriteHandshakeReply(c.nc, wire.HandshakeSuccess); err != nil {
		c.logger.Debug("handshake write failed", "error", err)
		return false
	}
	return true
}

// start evaluates q on the eval pool so that responses to queries on the same
// connection may leave in any order.
func (s *Server) start(ctx context.Context, c *clientConn, token uint64, q *wire.Query) {
	received := time.Now()

	c.mu.Lock()
	if _, dup := c.running[token]; dup {
		c.mu.Unlock()
		c.logger.Warn("token already in flight", "token", token)
		return
	}
	qctx, cancel := context.WithCancel(ctx)
	c.running[token] = cancel
	c.mu.Unlock()

	c.evals.Add(1)
	task := func() {
		defer c.evals.Done()
		if s.beforeEval != nil {
			s.beforeEval(qctx)
		}
		resp := s.eval.answer(qctx, q)

		c.mu.Lock()
		delete(c.running, token)
		c.mu.Unlock()
		cancel()

		s.reply(c, token, resp, received)
	}
	if err := s.evalPool.Submit(task); err != nil {
		c.evals.Done()
		c.mu.Lock()
		delete(c.running, token)
		c.mu.Unlock()
		cancel()
		s.reply(c, token, wire.NewErrorResponse(wire.ResponseRuntimeError, wire.ErrorResourceLimit,
			"Server is overloaded: "+err.Error()), received)
	}
}

func (s *Server) reply(c *clientConn, token uint64, resp *wire.Response, received time.Time) {
	frame := wire.EncodeFrame(token, resp.Marshal())

	c.writeMu.Lock()
	err := wire.WriteFull(c.nc, frame)
	c.writeMu.Unlock()
	if err != nil {
		c.logger.Debug("write failed", "token", token, "error", err)
		c.nc.Close()
		return
	}
	s.metrics.Answered(responseLabel(resp.Type), time.Since(received))
}

func responseLabel(t wire.ResponseType) string {
	switch t {
	case wire.ResponseSuccessAtom:
		return "success_atom"
	case wire.ResponseSuccessSequence:
		return "success_sequence"
	case wire.ResponseClientError:
		return "client_error"
	case wire.ResponseCompileError:
		return "compile_error"
	case wire.ResponseRuntimeError:
		return "runtime_error"
	}
	return "unknown"
}
