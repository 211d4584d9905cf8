// Package client is the public reql driver API: connect to a server, run
// terms built with package term and read their results.
//
//	c, err := client.Connect(ctx, "localhost", 28015, "test")
//	if err != nil {
//		return err
//	}
//	defer c.Close()
//
//	resp, err := c.Run(ctx, term.Expr(1).Add(3).Sub(2))
package client

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kartikbazzad/reql/internal/compiler"
	"github.com/kartikbazzad/reql/internal/config"
	"github.com/kartikbazzad/reql/internal/conn"
	"github.com/kartikbazzad/reql/internal/metrics"
	"github.com/kartikbazzad/reql/internal/session"
	"github.com/kartikbazzad/reql/internal/wire"
	"github.com/kartikbazzad/reql/pkg/term"
)

// Response is the decoded answer to one query.
type Response = session.Response

type Options struct {
	Addr     string
	Database string
	Protocol string // "" = V1

	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	QueryTimeout     time.Duration // 0 = bounded only by the caller's context
	MaxFrameSize     uint32

	RateLimit        float64 // queries per second, 0 = unlimited
	RateBurst        int
	CompileCacheSize int // 0 = no cache

	Logger     *slog.Logger          // nil = discard
	Registerer prometheus.Registerer // nil = no metrics
}

// DefaultOptions returns options for addr using the "test" database.
func DefaultOptions(addr string) Options {
	c := config.DefaultConfig().Client
	c.Addr = addr
	return OptionsFromConfig(c)
}

func OptionsFromConfig(c config.ClientConfig) Options {
	return Options{
		Addr:             c.Addr,
		Database:         c.Database,
		Protocol:         c.Protocol,
		DialTimeout:      c.DialTimeout,
		HandshakeTimeout: c.HandshakeTimeout,
		QueryTimeout:     c.QueryTimeout,
		MaxFrameSize:     c.MaxFrameSize,
		RateLimit:        c.RateLimit,
		RateBurst:        c.RateBurst,
		CompileCacheSize: c.CompileCacheSize,
	}
}

// Conn is an open connection. It is safe for concurrent use; queries issued
// from many goroutines share the connection.
type Conn struct {
	sess *session.Session
}

// Connect opens a connection to host:port with database as the default for
// tables referenced without one.
func Connect(ctx context.Context, host string, port int, database string) (*Conn, error) {
	opts := DefaultOptions(net.JoinHostPort(host, strconv.Itoa(port)))
	opts.Database = database
	return ConnectOptions(ctx, opts)
}

func ConnectOptions(ctx context.Context, opts Options) (*Conn, error) {
	def, err := wire.Lookup(opts.Protocol)
	if err != nil {
		return nil, err
	}

	comp := compiler.New(def)
	if opts.CompileCacheSize > 0 {
		if comp, err = compiler.NewWithCache(def, opts.CompileCacheSize); err != nil {
			return nil, err
		}
	}

	var m *metrics.Driver
	if opts.Registerer != nil {
		m = metrics.NewDriver(opts.Registerer)
	}

	c, err := conn.Dial(ctx, opts.Addr, conn.Options{
		Protocol:         def,
		DialTimeout:      opts.DialTimeout,
		HandshakeTimeout: opts.HandshakeTimeout,
		MaxFrameSize:     opts.MaxFrameSize,
		Logger:           opts.Logger,
		Metrics:          m,
	})
	if err != nil {
		return nil, err
	}

	return &Conn{sess: session.New(c, session.Options{
		Database:  opts.Database,
		Timeout:   opts.QueryTimeout,
		RateLimit: opts.RateLimit,
		RateBurst: opts.RateBurst,
		Compiler:  comp,
		Logger:    opts.Logger,
		Metrics:   m,
	})}, nil
}

// Run sends t and waits for its response. Errors are *errors.DriverError
// values from package github.com/kartikbazzad/reql/pkg/errors, or the
// context's error when ctx ends first.
func (c *Conn) Run(ctx context.Context, t *term.Term) (*Response, error) {
	return c.sess.Run(ctx, t)
}

// Compile returns the encoded START query Run would send for t.
func (c *Conn) Compile(t *term.Term) ([]byte, error) {
	return c.sess.Compile(t)
}

// Close closes the connection. In-flight queries fail with
// errors.ErrConnectionClosed.
func (c *Conn) Close() error {
	return c.sess.Close()
}

func (c *Conn) Database() string { return c.sess.Database() }

// ID identifies the connection in logs.
func (c *Conn) ID() string { return c.sess.Conn().ID() }

// Closed reports whether the connection has shut down.
func (c *Conn) Closed() bool {
	return c.sess.Conn().State() == conn.StateClosed
}

func (c *Conn) String() string {
	return fmt.Sprintf("reql.Conn(%s %s db=%s)", c.ID(), c.sess.Conn().Addr(), c.Database())
}
