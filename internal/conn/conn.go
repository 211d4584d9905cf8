// Package conn owns one TCP connection to a server: the handshake, framed
// writes, the reader loop and the table of queries awaiting a response.
package conn

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

	"github.com/kartikbazzad/reql/internal/logger"
	"github.com/kartikbazzad/reql/internal/metrics"
	"github.com/kartikbazzad/reql/internal/wire"
	rerrors "github.com/kartikbazzad/reql/pkg/errors"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type Options struct {
	Protocol         *wire.Definition // nil = wire.V1
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	MaxFrameSize     uint32 // 0 = wire.DefaultMaxFrameSize
	Logger           *slog.Logger
	Metrics          *metrics.Driver
}

func (o Options) withDefaults() Options {
	if o.Protocol == nil {
		o.Protocol = wire.V1
	}
	if o.MaxFrameSize == 0 {
		o.MaxFrameSize = wire.DefaultMaxFrameSize
	}
	o.Logger = logger.OrNop(o.Logger)
	return o
}

// Result completes a Pending: a response payload or an error.
type Result struct {
	Payload []byte
	Err     error
}

// Pending is a query awaiting its response. It completes exactly once.
type Pending struct {
	Token   uint64
	Created time.Time

	done chan Result
}

// Done delivers the result. The channel receives one value.
func (p *Pending) Done() <-chan Result { return p.done }

func (p *Pending) complete(r Result) {
	// buffered; the single send never blocks
	p.done <- r
}

type Conn struct {
	id   string
	addr string
	opts Options
	log  *slog.Logger

	nc net.Conn
	br *bufio.Reader

	writeMu sync.Mutex

	mu        sync.Mutex
	state     State
	nextToken uint64
	pending   map[uint64]*Pending
	abandoned map[uint64]struct{}
	err       error

	done       chan struct{}
	readerDone chan struct{}
}

// Dial connects to addr and performs the handshake.
func Dial(ctx context.Context, addr string, opts Options) (*Conn, error) {
	opts = opts.withDefaults()

	d := net.Dialer{Timeout: opts.DialTimeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		kind := rerrors.ConnectRefused
		if isTimeout(err) {
			kind = rerrors.ConnectTimeout
		}
		return nil, &rerrors.ConnectError{Kind: kind, Addr: addr, Err: err}
	}
	return New(ctx, nc, opts)
}

// New performs the client handshake on an established transport and starts
// the reader loop. nc is closed if the handshake fails.
func New(ctx context.Context, nc net.Conn, opts Options) (*Conn, error) {
	opts = opts.withDefaults()
	addr := nc.RemoteAddr().String()
	c := &Conn{
		id:         uuid.NewString(),
		addr:       addr,
		opts:       opts,
		nc:         nc,
		br:         bufio.NewReader(nc),
		state:      StateConnecting,
		pending:    make(map[uint64]*Pending),
		abandoned:  make(map[uint64]struct{}),
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	c.log = logger.WithConn(opts.Logger, c.id, addr)

	if err := c.handshake(ctx); err != nil {
		nc.Close()
		return nil, err
	}

	c.mu.Lock()
	c.state = StateOpen
	c.mu.Unlock()
	opts.Metrics.ConnOpened()
	c.log.Debug("connection open", "protocol", opts.Protocol.Name)

	go c.readLoop()
	return c, nil
}

func (c *Conn) handshake(ctx context.Context) error {
	var deadline time.Time
	if c.opts.HandshakeTimeout > 0 {
		deadline = time.Now().Add(c.opts.HandshakeTimeout)
	}
	if dl, ok := ctx.Deadline(); ok && (deadline.IsZero() || dl.Before(deadline)) {
		deadline = dl
	}
	c.nc.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		c.nc.SetDeadline(time.Now())
	})
	defer stop()

	fail := func(err error) error {
		kind := rerrors.ConnectProtocolMismatch
		if isTimeout(err) || ctx.Err() != nil {
			kind = rerrors.ConnectTimeout
			if ctx.Err() != nil {
				err = fmt.Errorf("%w: %w", ctx.Err(), err)
			}
		}
		return &rerrors.ConnectError{Kind: kind, Addr: c.addr, Err: err}
	}

	if err := wire.WriteHandshake(c.nc, c.opts.Protocol); err != nil {
		return fail(err)
	}
	reply, err := wire.ReadHandshakeReply(c.br)
	if err != nil {
		if err == io.EOF {
			err = errors.New("server closed the connection during handshake")
		}
		return fail(err)
	}
	if reply != wire.HandshakeSuccess {
		return &rerrors.ConnectError{Kind: rerrors.ConnectProtocolMismatch, Addr: c.addr, Err: errors.New(reply)}
	}
	c.nc.SetDeadline(time.Time{})
	return nil
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Addr() string { return c.addr }

func (c *Conn) Protocol() *wire.Definition { return c.opts.Protocol }

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that closed the connection, nil for an explicit
// Close or while open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// PendingCount returns the number of queries awaiting a response.
func (c *Conn) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Send registers a new token and writes payload under it. A failed write
// closes the connection and the returned Pending completes with the error.
func (c *Conn) Send(payload []byte) (*Pending, error) {
	if uint64(wire.TokenSize+len(payload)) > uint64(c.opts.MaxFrameSize) {
		return nil, rerrors.ErrFrameTooLarge
	}

	c.mu.Lock()
	if c.state != StateOpen {
		err := rerrors.Closed(c.err)
		c.mu.Unlock()
		return nil, err
	}
	c.nextToken++
	p := &Pending{
		Token:   c.nextToken,
		Created: time.Now(),
		done:    make(chan Result, 1),
	}
	c.pending[p.Token] = p
	c.mu.Unlock()

	if err := c.write(p.Token, payload); err != nil {
		c.shutdown(fmt.Errorf("write: %w", err))
	}
	return p, nil
}

// Abandon gives up on token. It returns false when the response or a
// connection failure already completed it. An abandoned token's response
// is dropped when it arrives.
func (c *Conn) Abandon(token uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[token]; !ok {
		return false
	}
	delete(c.pending, token)
	if c.abandoned != nil {
		c.abandoned[token] = struct{}{}
	}
	return true
}

// SendStop asks the server to stop evaluating token.
func (c *Conn) SendStop(token uint64) error {
	if c.State() != StateOpen {
		return rerrors.ErrConnectionClosed
	}
	q := &wire.Query{Type: wire.QueryStop}
	if err := c.write(token, q.Marshal()); err != nil {
		c.shutdown(fmt.Errorf("write: %w", err))
		return err
	}
	c.opts.Metrics.StopSent()
	return nil
}

func (c *Conn) write(token uint64, payload []byte) error {
	frame := wire.EncodeFrame(token, payload)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wire.WriteFull(c.nc, frame); err != nil {
		return err
	}
	c.opts.Metrics.Sent(len(frame))
	return nil
}

func (c *Conn) readLoop() {
	defer close(c.readerDone)

	for {
		token, payload, err := wire.ReadFrame(c.br, c.opts.MaxFrameSize)
		if err != nil {
			c.shutdown(fmt.Errorf("read: %w", err))
			return
		}
		c.opts.Metrics.Received(wire.HeaderSize + len(payload))

		c.mu.Lock()
		p, ok := c.pending[token]
		if ok {
			delete(c.pending, token)
			c.mu.Unlock()
			p.complete(Result{Payload: payload})
			continue
		}
		_, late := c.abandoned[token]
		delete(c.abandoned, token)
		c.mu.Unlock()

		if late {
			c.opts.Metrics.LateResponse()
			c.log.Debug("dropped response for abandoned query", "token", token)
			continue
		}
		c.log.Warn("response for unknown token", "token", token)
		c.shutdown(fmt.Errorf("%w %d", rerrors.ErrUnexpectedToken, token))
		return
	}
}

// shutdown moves the connection to Closed and fails every pending query.
// Only the first call has any effect.
func (c *Conn) shutdown(cause error) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	c.err = cause
	pending := c.pending
	c.pending = make(map[uint64]*Pending)
	c.abandoned = nil
	c.mu.Unlock()

	err := c.nc.Close()
	result := Result{Err: rerrors.Closed(cause)}
	for _, p := range pending {
		p.complete(result)
	}
	close(c.done)
	c.opts.Metrics.ConnClosed()

	if cause != nil {
		c.log.Info("connection closed", "error", cause, "failed_queries", len(pending))
	} else {
		c.log.Debug("connection closed", "failed_queries", len(pending))
	}
	return err
}

// Close closes the socket, fails pending queries with ErrConnectionClosed
// and waits for the reader loop to exit.
func (c *Conn) Close() error {
	err := c.shutdown(nil)
	<-c.readerDone
	return err
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
