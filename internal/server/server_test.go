package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kartikbazzad/reql/internal/compiler"
	"github.com/kartikbazzad/reql/internal/conn"
	"github.com/kartikbazzad/reql/internal/session"
	"github.com/kartikbazzad/reql/internal/storage"
	"github.com/kartikbazzad/reql/internal/wire"
	rerrors "github.com/kartikbazzad/reql/pkg/errors"
	"github.com/kartikbazzad/reql/pkg/term"
)

func startServer(t *testing.T, opts Options) *Server {
	t.Helper()
	cat, err := storage.Open(storage.MemoryPath, nil)
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	opts.Addr = "127.0.0.1:0"
	if opts.DefaultDB == "" {
		opts.DefaultDB = "test"
	}
	s, err := New(cat, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		s.Stop()
		cat.Close()
	})
	return s
}

func dialSession(t *testing.T, s *Server) *session.Session {
	t.Helper()
	c, err := conn.Dial(context.Background(), s.Addr().String(), conn.Options{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	sess := session.New(c, session.Options{Database: "test"})
	t.Cleanup(func() { sess.Close() })
	return sess
}

// rawConn performs the handshake and hands back the bare transport.
func rawConn(t *testing.T, s *Server) (net.Conn, *bufio.Reader) {
	t.Helper()
	nc, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("net.Dial: %v", err)
	}
	t.Cleanup(func() { nc.Close() })
	nc.SetDeadline(time.Now().Add(5 * time.Second))

	br := bufio.NewReader(nc)
	if err := wire.WriteHandshake(nc, wire.V1); err != nil {
		t.Fatalf("WriteHandshake: %v", err)
	}
	reply, err := wire.ReadHandshakeReply(br)
	if err != nil || reply != wire.HandshakeSuccess {
		t.Fatalf("handshake reply %q, %v", reply, err)
	}
	return nc, br
}

func sendQuery(t *testing.T, nc net.Conn, token uint64, tm *term.Term) {
	t.Helper()
	b, err := compiler.New(nil).Compile(tm, compiler.QueryOptions{DB: "test"})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if err := wire.WriteFrame(nc, token, b, 0); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
}

func sendStop(t *testing.T, nc net.Conn, token uint64) {
	t.Helper()
	q := &wire.Query{Type: wire.QueryStop}
	if err := wire.WriteFrame(nc, token, q.Marshal(), 0); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
}

func readResponse(t *testing.T, br *bufio.Reader) (uint64, *wire.Response) {
	t.Helper()
	token, payload, err := wire.ReadFrame(br, 0)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	resp, err := wire.UnmarshalResponse(payload)
	if err != nil {
		t.Fatalf("UnmarshalResponse: %v", err)
	}
	return token, resp
}

func TestServerArithmetic(t *testing.T) {
	s := startServer(t, Options{})
	sess := dialSession(t, s)

	resp, err := sess.Run(context.Background(), term.Expr(1).Add(3).Sub(2))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	v, err := resp.Atom()
	if err != nil {
		t.Fatalf("Atom: %v", err)
	}
	if v != int64(2) {
		t.Errorf("result = %#v, want 2", v)
	}
}

func TestServerMissingTable(t *testing.T) {
	s := startServer(t, Options{})
	sess := dialSession(t, s)

	_, err := sess.Run(context.Background(), term.DB("test").Table("users"))
	var se *rerrors.ServerError
	if !errors.As(err, &se) {
		t.Fatalf("expected ServerError, got %v", err)
	}
	if se.Kind != rerrors.ServerRuntimeError || se.Type != "NON_EXISTENCE" {
		t.Errorf("got %s/%s", se.Kind, se.Type)
	}
	if !strings.Contains(se.Message, "users") {
		t.Errorf("message %q does not mention users", se.Message)
	}
}

func TestServerDocuments(t *testing.T) {
	s := startServer(t, Options{})
	sess := dialSession(t, s)
	ctx := context.Background()

	if _, err := sess.Run(ctx, term.Table("users").Create()); err != nil {
		t.Fatalf("table_create: %v", err)
	}
	users := term.Table("users")
	if _, err := sess.Run(ctx, users.Insert([]any{
		map[string]any{"id": 1, "name": "ada"},
		map[string]any{"id": 2, "name": "bob"},
	})); err != nil {
		t.Fatalf("insert: %v", err)
	}

	resp, err := sess.Run(ctx, users.Get(2))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var doc struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	}
	if err := resp.Decode(&doc); err != nil || doc.Name != "bob" {
		t.Errorf("get = %+v, %v", doc, err)
	}

	resp, err = sess.Run(ctx, users.Between(1, 10))
	if err != nil {
		t.Fatalf("between: %v", err)
	}
	seq, err := resp.Sequence()
	if err != nil || len(seq) != 2 {
		t.Errorf("between = %v, %v", seq, err)
	}
}

func TestServerConcurrentQueries(t *testing.T) {
	s := startServer(t, Options{EvalWorkers: 4})
	sess := dialSession(t, s)

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 64; i++ {
		g.Go(func() error {
			resp, err := sess.Run(ctx, term.Expr(i).Mul(2))
			if err != nil {
				return err
			}
			v, err := resp.Atom()
			if err != nil {
				return err
			}
			if v != int64(i*2) {
				return fmt.Errorf("query %d got %v", i, v)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestServerOutOfOrderResponses(t *testing.T) {
	s := startServer(t, Options{})
	release := make(chan struct{})
	releaseOnce := sync.OnceFunc(func() { close(release) })
	t.Cleanup(releaseOnce)
	held := make(chan struct{}, 1)
	var started atomic.Bool
	s.beforeEval = func(ctx context.Context) {
		// only the first query waits
		if started.CompareAndSwap(false, true) {
			held <- struct{}{}
			<-release
		}
	}
	nc, br := rawConn(t, s)

	sendQuery(t, nc, 1, term.Expr("slow"))
	<-held
	sendQuery(t, nc, 2, term.Expr("fast"))

	token, _ := readResponse(t, br)
	if token != 2 {
		t.Fatalf("first response for token %d, want 2", token)
	}
	releaseOnce()
	if token, _ := readResponse(t, br); token != 1 {
		t.Fatalf("second response for token %d, want 1", token)
	}
}

func TestServerStop(t *testing.T) {
	s := startServer(t, Options{})
	release := make(chan struct{})
	s.beforeEval = func(ctx context.Context) {
		select {
		case <-ctx.Done():
		case <-release:
		}
	}
	nc, br := rawConn(t, s)

	sendQuery(t, nc, 1, term.Expr(1))
	sendStop(t, nc, 1)

	token, resp := readResponse(t, br)
	if token != 1 {
		t.Fatalf("response for token %d", token)
	}
	if resp.Type != wire.ResponseRuntimeError || resp.ErrorType != wire.ErrorOpIndeterminate {
		t.Fatalf("got %d/%s: %s", resp.Type, resp.ErrorType, resp.ErrorMessage())
	}
	if resp.ErrorMessage() != interruptedMessage {
		t.Errorf("message = %q", resp.ErrorMessage())
	}

	// a STOP for a finished or unknown token is ignored
	close(release)
	sendStop(t, nc, 1)
	sendStop(t, nc, 99)
	sendQuery(t, nc, 2, term.Expr("after"))
	if token, resp := readResponse(t, br); token != 2 || resp.Type != wire.ResponseSuccessAtom {
		t.Errorf("got token %d type %d", token, resp.Type)
	}
}

func TestServerEvalPoolFull(t *testing.T) {
	s := startServer(t, Options{EvalWorkers: 1})
	s.beforeEval = func(ctx context.Context) { <-ctx.Done() }
	nc, br := rawConn(t, s)

	sendQuery(t, nc, 1, term.Expr(1))
	sendQuery(t, nc, 2, term.Expr(2))

	token, resp := readResponse(t, br)
	if token != 2 {
		t.Fatalf("response for token %d, want 2", token)
	}
	if resp.Type != wire.ResponseRuntimeError || resp.ErrorType != wire.ErrorResourceLimit {
		t.Fatalf("got %d/%s: %s", resp.Type, resp.ErrorType, resp.ErrorMessage())
	}

	// the read loop is still serving STOP while the pool is busy
	sendStop(t, nc, 1)
	token, resp = readResponse(t, br)
	if token != 1 {
		t.Fatalf("response for token %d, want 1", token)
	}
	if resp.Type != wire.ResponseRuntimeError || resp.ErrorType != wire.ErrorOpIndeterminate {
		t.Fatalf("got %d/%s: %s", resp.Type, resp.ErrorType, resp.ErrorMessage())
	}
}

func TestServerMalformedQuery(t *testing.T) {
	s := startServer(t, Options{})
	nc, br := rawConn(t, s)

	if err := wire.WriteFrame(nc, 7, []byte{0xff, 0xff}, 0); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	token, resp := readResponse(t, br)
	if token != 7 || resp.Type != wire.ResponseClientError {
		t.Fatalf("got token %d type %d", token, resp.Type)
	}

	// the connection survives
	sendQuery(t, nc, 8, term.Expr(true))
	if token, resp := readResponse(t, br); token != 8 || resp.Type != wire.ResponseSuccessAtom {
		t.Errorf("got token %d type %d", token, resp.Type)
	}
}

func TestServerRejectsUnknownMagic(t *testing.T) {
	s := startServer(t, Options{})
	nc, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("net.Dial: %v", err)
	}
	defer nc.Close()
	nc.SetDeadline(time.Now().Add(5 * time.Second))

	bogus, _ := wire.NewDefinition("bogus", 0x12345678, map[string]wire.TermType{wire.NameDatum: 1})
	if err := wire.WriteHandshake(nc, bogus); err != nil {
		t.Fatalf("WriteHandshake: %v", err)
	}
	reply, err := wire.ReadHandshakeReply(bufio.NewReader(nc))
	if err != nil {
		t.Fatalf("ReadHandshakeReply: %v", err)
	}
	if !strings.HasPrefix(reply, "ERROR") {
		t.Errorf("reply = %q", reply)
	}

	_, err = conn.New(context.Background(), mustDial(t, s), conn.Options{Protocol: bogus})
	var ce *rerrors.ConnectError
	if !errors.As(err, &ce) || ce.Kind != rerrors.ConnectProtocolMismatch {
		t.Errorf("expected ProtocolMismatch, got %v", err)
	}
}

func mustDial(t *testing.T, s *Server) net.Conn {
	t.Helper()
	nc, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("net.Dial: %v", err)
	}
	return nc
}

func TestServerStopClosesClients(t *testing.T) {
	s := startServer(t, Options{MaxConnections: 4})
	sess := dialSession(t, s)
	if _, err := sess.Run(context.Background(), term.Expr(1)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-sess.Conn().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client connection still open after Stop")
	}
}
