package conn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kartikbazzad/reql/internal/wire"
	rerrors "github.com/kartikbazzad/reql/pkg/errors"
)

// peer is the server end of a net.Pipe.
type peer struct {
	nc    net.Conn
	br    *bufio.Reader
	magic chan uint32
}

func (p *peer) readFrame(t *testing.T) (uint64, []byte) {
	t.Helper()
	token, payload, err := wire.ReadFrame(p.br, 0)
	if err != nil {
		t.Errorf("peer read: %v", err)
	}
	return token, payload
}

func (p *peer) writeFrame(t *testing.T, token uint64, payload []byte) {
	t.Helper()
	if err := wire.WriteFrame(p.nc, token, payload, 0); err != nil {
		t.Errorf("peer write: %v", err)
	}
}

// echo answers every frame with its own payload until the pipe closes.
func (p *peer) echo() {
	for {
		token, payload, err := wire.ReadFrame(p.br, 0)
		if err != nil {
			return
		}
		if err := wire.WriteFrame(p.nc, token, payload, 0); err != nil {
			return
		}
	}
}

func startPeer(t *testing.T, reply *string) (net.Conn, *peer) {
	t.Helper()
	client, server := net.Pipe()
	p := &peer{nc: server, br: bufio.NewReader(server), magic: make(chan uint32, 1)}
	t.Cleanup(func() { server.Close() })

	go func() {
		magic, err := wire.ReadHandshake(p.br)
		if err != nil {
			return
		}
		p.magic <- magic
		if reply == nil {
			return
		}
		wire.WriteHandshakeReply(server, *reply)
	}()
	return client, p
}

func openPipe(t *testing.T, opts Options) (*Conn, *peer) {
	t.Helper()
	ok := wire.HandshakeSuccess
	client, p := startPeer(t, &ok)
	c, err := New(context.Background(), client, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, p
}

func wait(t *testing.T, p *Pending) Result {
	t.Helper()
	select {
	case r := <-p.Done():
		return r
	case <-time.After(2 * time.Second):
		t.Fatalf("token %d never completed", p.Token)
		return Result{}
	}
}

func send(t *testing.T, c *Conn, payload string) *Pending {
	t.Helper()
	p, err := c.Send([]byte(payload))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	return p
}

func TestHandshakeSendsMagic(t *testing.T) {
	c, p := openPipe(t, Options{})
	if got := <-p.magic; got != wire.V1.Magic {
		t.Errorf("magic = %#x, want %#x", got, wire.V1.Magic)
	}
	if c.State() != StateOpen {
		t.Errorf("state = %s", c.State())
	}
	if c.ID() == "" {
		t.Error("empty connection id")
	}
}

func TestHandshakeFailures(t *testing.T) {
	t.Run("error reply", func(t *testing.T) {
		reply := "ERROR: unsupported protocol version"
		client, _ := startPeer(t, &reply)
		_, err := New(context.Background(), client, Options{})
		var ce *rerrors.ConnectError
		if !errors.As(err, &ce) || ce.Kind != rerrors.ConnectProtocolMismatch {
			t.Fatalf("expected ProtocolMismatch, got %v", err)
		}
		if ce.Err == nil || ce.Err.Error() != reply {
			t.Errorf("server message lost: %v", ce.Err)
		}
	})

	t.Run("peer hangs up", func(t *testing.T) {
		client, server := net.Pipe()
		go func() {
			wire.ReadHandshake(server)
			server.Close()
		}()
		_, err := New(context.Background(), client, Options{})
		var ce *rerrors.ConnectError
		if !errors.As(err, &ce) || ce.Kind != rerrors.ConnectProtocolMismatch {
			t.Fatalf("expected ProtocolMismatch, got %v", err)
		}
	})

	t.Run("oversized reply then silence", func(t *testing.T) {
		client, server := net.Pipe()
		t.Cleanup(func() { server.Close() })
		go func() {
			if _, err := wire.ReadHandshake(server); err != nil {
				return
			}
			server.Write([]byte(strings.Repeat("x", wire.MaxHandshakeReply+500)))
		}()
		start := time.Now()
		_, err := New(context.Background(), client, Options{HandshakeTimeout: 5 * time.Second})
		var ce *rerrors.ConnectError
		if !errors.As(err, &ce) || ce.Kind != rerrors.ConnectProtocolMismatch {
			t.Fatalf("expected ProtocolMismatch, got %v", err)
		}
		if elapsed := time.Since(start); elapsed > 2*time.Second {
			t.Errorf("oversized reply took %v to reject", elapsed)
		}
	})

	t.Run("silent peer", func(t *testing.T) {
		client, _ := startPeer(t, nil)
		_, err := New(context.Background(), client, Options{HandshakeTimeout: 50 * time.Millisecond})
		var ce *rerrors.ConnectError
		if !errors.As(err, &ce) || ce.Kind != rerrors.ConnectTimeout {
			t.Fatalf("expected ConnectTimeout, got %v", err)
		}
	})

	t.Run("context deadline", func(t *testing.T) {
		client, _ := startPeer(t, nil)
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := New(ctx, client, Options{})
		var ce *rerrors.ConnectError
		if !errors.As(err, &ce) || ce.Kind != rerrors.ConnectTimeout {
			t.Fatalf("expected ConnectTimeout, got %v", err)
		}
	})
}

func TestDialRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	_, err = Dial(context.Background(), addr, Options{DialTimeout: time.Second})
	var ce *rerrors.ConnectError
	if !errors.As(err, &ce) || ce.Kind != rerrors.ConnectRefused {
		t.Fatalf("expected ConnectRefused, got %v", err)
	}
	if ce.Addr != addr {
		t.Errorf("addr = %q, want %q", ce.Addr, addr)
	}
}

func TestOutOfOrderResponses(t *testing.T) {
	c, p := openPipe(t, Options{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		var tokens []uint64
		for i := 0; i < 3; i++ {
			token, _ := p.readFrame(t)
			tokens = append(tokens, token)
		}
		for i := len(tokens) - 1; i >= 0; i-- {
			p.writeFrame(t, tokens[i], []byte("reply-"+strconv.FormatUint(tokens[i], 10)))
		}
	}()

	q1 := send(t, c, "a")
	q2 := send(t, c, "b")
	q3 := send(t, c, "c")
	<-done

	for _, q := range []*Pending{q3, q1, q2} {
		r := wait(t, q)
		if r.Err != nil {
			t.Fatalf("token %d: %v", q.Token, r.Err)
		}
		if want := "reply-" + strconv.FormatUint(q.Token, 10); string(r.Payload) != want {
			t.Errorf("token %d got %q, want %q", q.Token, r.Payload, want)
		}
	}
	if n := c.PendingCount(); n != 0 {
		t.Errorf("pending = %d after all responses", n)
	}
}

func TestConcurrentSendsUniqueTokens(t *testing.T) {
	c, p := openPipe(t, Options{})
	go p.echo()

	const n = 64
	tokens := make([]uint64, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			payload := fmt.Sprintf("query-%d", i)
			q, err := c.Send([]byte(payload))
			if err != nil {
				return err
			}
			select {
			case r := <-q.Done():
				if r.Err != nil {
					return r.Err
				}
				if string(r.Payload) != payload {
					return fmt.Errorf("token %d got %q, want %q", q.Token, r.Payload, payload)
				}
			case <-time.After(2 * time.Second):
				return fmt.Errorf("token %d timed out", q.Token)
			}
			tokens[i] = q.Token
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	seen := make(map[uint64]bool, n)
	for _, tok := range tokens {
		if seen[tok] {
			t.Fatalf("token %d issued twice", tok)
		}
		seen[tok] = true
	}
}

// oneByteConn forwards one byte per Write.
type oneByteConn struct {
	net.Conn
}

func (c oneByteConn) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return c.Conn.Write(p[:1])
}

func TestPartialWritesDeliverWholeFrame(t *testing.T) {
	ok := wire.HandshakeSuccess
	client, p := startPeer(t, &ok)
	c, err := New(context.Background(), oneByteConn{client}, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()
	go p.echo()

	payload := "a payload longer than a single byte"
	r := wait(t, send(t, c, payload))
	if r.Err != nil || string(r.Payload) != payload {
		t.Fatalf("got %q, %v", r.Payload, r.Err)
	}
}

func TestUnknownTokenClosesConnection(t *testing.T) {
	c, p := openPipe(t, Options{})
	go func() {
		p.readFrame(t)
		p.writeFrame(t, 999, []byte("stray"))
	}()

	r := wait(t, send(t, c, "q"))
	if !errors.Is(r.Err, rerrors.ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", r.Err)
	}
	if !errors.Is(r.Err, rerrors.ErrUnexpectedToken) {
		t.Errorf("cause should be ErrUnexpectedToken, got %v", r.Err)
	}
	<-c.Done()
	if c.State() != StateClosed {
		t.Errorf("state = %s", c.State())
	}
	if _, err := c.Send([]byte("again")); !errors.Is(err, rerrors.ErrConnectionClosed) {
		t.Errorf("send after violation: %v", err)
	}
}

func TestAbandonDropsLateResponse(t *testing.T) {
	c, p := openPipe(t, Options{})

	frames := make(chan uint64, 1)
	go func() {
		token, _ := p.readFrame(t)
		frames <- token
	}()
	q := send(t, c, "slow")
	token := <-frames
	if !c.Abandon(q.Token) {
		t.Fatal("Abandon should win before the response")
	}
	if c.PendingCount() != 0 {
		t.Fatal("abandoned token still pending")
	}

	// late response is dropped, not treated as a violation
	p.writeFrame(t, token, []byte("late"))

	go p.echo()
	r := wait(t, send(t, c, "next"))
	if r.Err != nil || string(r.Payload) != "next" {
		t.Fatalf("connection unusable after late response: %q, %v", r.Payload, r.Err)
	}
	select {
	case r := <-q.Done():
		t.Fatalf("abandoned query completed: %+v", r)
	default:
	}
	if c.State() != StateOpen {
		t.Errorf("state = %s", c.State())
	}
}

func TestAbandonAfterResponse(t *testing.T) {
	c, p := openPipe(t, Options{})
	go p.echo()

	q := send(t, c, "fast")
	wait(t, q)
	if c.Abandon(q.Token) {
		t.Error("Abandon must lose once the response was delivered")
	}
}

func TestSendStop(t *testing.T) {
	c, p := openPipe(t, Options{})
	read := make(chan struct{})
	go func() {
		p.readFrame(t)
		close(read)
	}()
	q := send(t, c, "start")
	<-read
	c.Abandon(q.Token)

	errc := make(chan error, 1)
	go func() { errc <- c.SendStop(q.Token) }()

	token, payload := p.readFrame(t)
	if token != q.Token {
		t.Errorf("stop token = %d, want %d", token, q.Token)
	}
	stop, err := wire.UnmarshalQuery(payload)
	if err != nil || stop.Type != wire.QueryStop {
		t.Errorf("stop query = %+v, %v", stop, err)
	}
	if err := <-errc; err != nil {
		t.Errorf("SendStop: %v", err)
	}
}

func TestCloseFailsPending(t *testing.T) {
	c, p := openPipe(t, Options{})
	go func() {
		for {
			if _, _, err := wire.ReadFrame(p.br, 0); err != nil {
				return
			}
		}
	}()

	q1 := send(t, c, "one")
	q2 := send(t, c, "two")
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	for _, q := range []*Pending{q1, q2} {
		r := wait(t, q)
		if !errors.Is(r.Err, rerrors.ErrConnectionClosed) {
			t.Errorf("token %d: expected ErrConnectionClosed, got %v", q.Token, r.Err)
		}
	}
	if _, err := c.Send([]byte("late")); !errors.Is(err, rerrors.ErrConnectionClosed) {
		t.Errorf("Send after Close: %v", err)
	}
	if c.Err() != nil {
		t.Errorf("explicit close recorded cause %v", c.Err())
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestPeerDisconnectFailsPending(t *testing.T) {
	c, p := openPipe(t, Options{})
	go func() {
		p.readFrame(t)
		p.nc.Close()
	}()

	r := wait(t, send(t, c, "q"))
	var de *rerrors.DriverError
	if !errors.As(r.Err, &de) || de.Kind != rerrors.KindNetwork {
		t.Fatalf("expected network DriverError, got %v", r.Err)
	}
	if !errors.Is(r.Err, rerrors.ErrConnectionClosed) {
		t.Errorf("expected ErrConnectionClosed in chain, got %v", r.Err)
	}
	<-c.Done()
	if c.Err() == nil {
		t.Error("disconnect cause not recorded")
	}
}

func TestSendFrameTooLarge(t *testing.T) {
	c, _ := openPipe(t, Options{MaxFrameSize: 64})
	if _, err := c.Send(make([]byte, 100)); !errors.Is(err, rerrors.ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	if c.State() != StateOpen {
		t.Error("oversized query must not close the connection")
	}
}
