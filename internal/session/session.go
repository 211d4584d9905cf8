// Package session dispatches queries over a connection: compile, send,
// await the matching response and decode it.
package session

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kartikbazzad/reql/internal/compiler"
	"github.com/kartikbazzad/reql/internal/conn"
	"github.com/kartikbazzad/reql/internal/logger"
	"github.com/kartikbazzad/reql/internal/metrics"
	rerrors "github.com/kartikbazzad/reql/pkg/errors"
	"github.com/kartikbazzad/reql/pkg/term"
)

type Options struct {
	Database string
	// Timeout bounds each query from send to response. 0 waits until the
	// response, the connection closing or the caller's context.
	Timeout time.Duration

	RateLimit float64 // queries per second, 0 = unlimited
	RateBurst int

	Compiler *compiler.Compiler // nil = uncached compiler for the conn's protocol
	Logger   *slog.Logger
	Metrics  *metrics.Driver
}

type Session struct {
	conn     *conn.Conn
	comp     *compiler.Compiler
	opts     Options
	limiter  *rate.Limiter
	log      *slog.Logger
	metrics  *metrics.Driver

	stopMu   sync.Mutex
	closed   bool // no STOPs are started once set
	stopping sync.WaitGroup
}

func New(c *conn.Conn, opts Options) *Session {
	s := &Session{
		conn:    c,
		comp:    opts.Compiler,
		opts:    opts,
		log:     logger.WithConn(opts.Logger, c.ID(), c.Addr()),
		metrics: opts.Metrics,
	}
	if s.comp == nil {
		s.comp = compiler.New(c.Protocol())
	}
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = int(math.Max(1, math.Ceil(opts.RateLimit)))
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return s
}

func (s *Session) Conn() *conn.Conn { return s.conn }

func (s *Session) Database() string { return s.opts.Database }

// Compile returns the bytes Run would send for t.
func (s *Session) Compile(t *term.Term) ([]byte, error) {
	b, err := s.comp.Compile(t, compiler.QueryOptions{DB: s.opts.Database})
	if err != nil {
		return nil, &rerrors.DriverError{Kind: rerrors.KindCompile, Err: err}
	}
	return b, nil
}

// Run compiles t, sends it and waits for its response. Compile errors are
// returned before anything is written. When ctx ends or the timeout fires
// first, the query is abandoned and a STOP is sent in the background.
func (s *Session) Run(ctx context.Context, t *term.Term) (*Response, error) {
	payload, err := s.Compile(t)
	if err != nil {
		s.metrics.CompileFailed()
		return nil, err
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, s.opts.Timeout, rerrors.ErrTimeout)
		defer cancel()
	}

	start := time.Now()
	s.metrics.QueryStarted()

	p, err := s.conn.Send(payload)
	if err != nil {
		s.metrics.QueryFinished(outcome(err), time.Since(start))
		return nil, networkError(0, err)
	}

	select {
	case r := <-p.Done():
		return s.finish(p.Token, r, start)
	case <-ctx.Done():
	}

	if !s.conn.Abandon(p.Token) {
		// the response or a connection failure got there first
		return s.finish(p.Token, <-p.Done(), start)
	}
	s.sendStop(p.Token)

	cause := context.Cause(ctx)
	s.metrics.QueryFinished(outcome(cause), time.Since(start))
	s.log.Debug("query abandoned", "token", p.Token, "reason", cause)
	if errors.Is(cause, rerrors.ErrTimeout) {
		return nil, &rerrors.DriverError{Kind: rerrors.KindNetwork, Token: p.Token, Err: rerrors.ErrTimeout}
	}
	return nil, cause
}

func (s *Session) finish(token uint64, r conn.Result, start time.Time) (*Response, error) {
	if r.Err != nil {
		s.metrics.QueryFinished(metrics.OutcomeNetwork, time.Since(start))
		return nil, networkError(token, r.Err)
	}
	resp, err := decodeResponse(token, r.Payload)
	s.metrics.QueryFinished(outcome(err), time.Since(start))
	return resp, err
}

// sendStop asks the server to stop an abandoned query. Local cleanup has
// already happened; a failed STOP is only logged.
func (s *Session) sendStop(token uint64) {
	s.stopMu.Lock()
	if s.closed {
		s.stopMu.Unlock()
		return
	}
	s.stopping.Add(1)
	s.stopMu.Unlock()
	go func() {
		defer s.stopping.Done()
		if err := s.conn.SendStop(token); err != nil {
			s.log.Debug("stop not sent", "token", token, "error", err)
		}
	}()
}

// WaitStops blocks until background STOP writes have finished.
func (s *Session) WaitStops() {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	s.stopping.Wait()
}

// Close closes the connection. Pending queries fail with
// ErrConnectionClosed.
func (s *Session) Close() error {
	s.stopMu.Lock()
	s.closed = true
	s.stopMu.Unlock()

	err := s.conn.Close()
	s.stopping.Wait()
	return err
}

func networkError(token uint64, err error) error {
	var de *rerrors.DriverError
	if errors.As(err, &de) {
		return &rerrors.DriverError{Kind: rerrors.KindNetwork, Token: token, Err: de.Err}
	}
	return &rerrors.DriverError{Kind: rerrors.KindNetwork, Token: token, Err: err}
}

func outcome(err error) string {
	var de *rerrors.DriverError
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.Is(err, rerrors.ErrTimeout):
		return metrics.OutcomeTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return metrics.OutcomeCancelled
	case errors.As(err, &de) && de.Kind == rerrors.KindServer:
		return metrics.OutcomeServer
	default:
		return metrics.OutcomeNetwork
	}
}
