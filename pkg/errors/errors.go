// Package errors defines the error taxonomy of the reql driver.
//
// Every failure surfaced by the driver is one of:
//
//   - *ConnectError: the connection could not be established
//     (Refused, Timeout, ProtocolMismatch).
//   - *CompileError: a query tree cannot be compiled
//     (UnsupportedNode, InvalidLiteral). Never reaches the network.
//   - ErrConnectionClosed: the connection was closed while the query was
//     outstanding, or before it was sent.
//   - *DriverError: the umbrella returned by Run, with Kind Compile,
//     Network or Server. It wraps one of the errors above or a
//     *ServerError.
//
// Use errors.Is and errors.As from the standard library to inspect them.
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionClosed is returned for queries that were pending, or
	// issued, after the connection was closed.
	ErrConnectionClosed = errors.New("reql: connection closed")

	// ErrTimeout is returned when a query outlives its configured timeout.
	ErrTimeout = errors.New("reql: query timed out")

	// ErrUnexpectedToken is the protocol violation raised when the server
	// answers a token that was never issued on the connection.
	ErrUnexpectedToken = errors.New("reql: response for unknown token")

	// ErrFrameTooLarge is returned when a frame exceeds the configured limit.
	ErrFrameTooLarge = errors.New("reql: frame exceeds maximum size")

	// ErrInvalidFrame is returned when a frame or message cannot be decoded.
	ErrInvalidFrame = errors.New("reql: invalid frame format")
)

type ConnectErrorKind int

const (
	ConnectRefused ConnectErrorKind = iota + 1
	ConnectTimeout
	ConnectProtocolMismatch
)

func (k ConnectErrorKind) String() string {
	switch k {
	case ConnectRefused:
		return "refused"
	case ConnectTimeout:
		return "timeout"
	case ConnectProtocolMismatch:
		return "protocol mismatch"
	default:
		return "unknown"
	}
}

// ConnectError is returned by Connect when the dial or the handshake fails.
type ConnectError struct {
	Kind ConnectErrorKind
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("reql: connect %s: %s: %v", e.Addr, e.Kind, e.Err)
	}
	return fmt.Sprintf("reql: connect %s: %s", e.Addr, e.Kind)
}

func (e *ConnectError) Unwrap() error { return e.Err }

type CompileErrorKind int

const (
	UnsupportedNode CompileErrorKind = iota + 1
	InvalidLiteral
)

func (k CompileErrorKind) String() string {
	switch k {
	case UnsupportedNode:
		return "unsupported node"
	case InvalidLiteral:
		return "invalid literal"
	default:
		return "unknown"
	}
}

// CompileError reports a query tree that has no wire representation.
type CompileError struct {
	Kind   CompileErrorKind
	Node   string // rendered node, e.g. r.expr(1).create()
	Detail string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("reql: compile: %s: %s in %s", e.Kind, e.Detail, e.Node)
}

type ServerErrorKind int

const (
	ServerClientError ServerErrorKind = iota + 1
	ServerCompileError
	ServerRuntimeError
)

func (k ServerErrorKind) String() string {
	switch k {
	case ServerClientError:
		return "client error"
	case ServerCompileError:
		return "compile error"
	case ServerRuntimeError:
		return "runtime error"
	default:
		return "unknown"
	}
}

// ServerError is an error payload returned by the server.
type ServerError struct {
	Kind ServerErrorKind
	// Type is the runtime error type, e.g. NON_EXISTENCE. Empty for client
	// and compile errors.
	Type    string
	Message string
}

func (e *ServerError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("reql: server %s (%s): %s", e.Kind, e.Type, e.Message)
	}
	return fmt.Sprintf("reql: server %s: %s", e.Kind, e.Message)
}

type DriverErrorKind int

const (
	KindCompile DriverErrorKind = iota + 1
	KindNetwork
	KindServer
)

func (k DriverErrorKind) String() string {
	switch k {
	case KindCompile:
		return "compile"
	case KindNetwork:
		return "network"
	case KindServer:
		return "server"
	default:
		return "unknown"
	}
}

// DriverError is the error returned by Run.
type DriverError struct {
	Kind  DriverErrorKind
	Token uint64
	Err   error
}

func (e *DriverError) Error() string {
	if e.Token != 0 {
		return fmt.Sprintf("reql: %s error (token %d): %v", e.Kind, e.Token, e.Err)
	}
	return fmt.Sprintf("reql: %s error: %v", e.Kind, e.Err)
}

func (e *DriverError) Unwrap() error { return e.Err }

// Closed builds the network error delivered to pending queries when the
// connection is torn down because of cause.
func Closed(cause error) error {
	if cause == nil {
		return ErrConnectionClosed
	}
	return &DriverError{Kind: KindNetwork, Err: fmt.Errorf("%w: %w", ErrConnectionClosed, cause)}
}

// IsServerKind reports whether err carries a server error of the given kind.
func IsServerKind(err error, kind ServerErrorKind) bool {
	var se *ServerError
	return errors.As(err, &se) && se.Kind == kind
}
