package errors

import (
	"context"
	"errors"
	"net"
	"syscall"
)

// ErrorCategory represents the category of an error for caller retry logic.
type ErrorCategory int

const (
	ErrorTransient  ErrorCategory = iota // Temporary errors - retry with backoff
	ErrorPermanent                       // Permanent errors - no retry
	ErrorValidation                      // Bad query - no retry
	ErrorNetwork                         // Network-related - reconnect, then retry
)

func (c ErrorCategory) String() string {
	switch c {
	case ErrorTransient:
		return "transient"
	case ErrorPermanent:
		return "permanent"
	case ErrorValidation:
		return "validation"
	case ErrorNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// Classifier categorizes driver errors so callers can decide whether to
// retry. The driver itself never retries.
type Classifier struct{}

// NewClassifier creates a new error classifier.
func NewClassifier() *Classifier {
	return &Classifier{}
}

// Classify determines the category of an error.
func (c *Classifier) Classify(err error) ErrorCategory {
	if err == nil {
		return ErrorPermanent
	}

	var compileErr *CompileError
	if errors.As(err, &compileErr) {
		return ErrorValidation
	}

	var serverErr *ServerError
	if errors.As(err, &serverErr) {
		switch serverErr.Kind {
		case ServerClientError, ServerCompileError:
			return ErrorValidation
		}
		switch serverErr.Type {
		case "OP_INDETERMINATE", "RESOURCE_LIMIT", "INTERNAL":
			return ErrorTransient
		}
		return ErrorPermanent
	}

	var connectErr *ConnectError
	if errors.As(err, &connectErr) {
		if connectErr.Kind == ConnectProtocolMismatch {
			return ErrorPermanent
		}
		return ErrorNetwork
	}

	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorTransient
	}
	if errors.Is(err, context.Canceled) {
		return ErrorPermanent
	}
	if errors.Is(err, ErrConnectionClosed) {
		return ErrorNetwork
	}

	var sysErr syscall.Errno
	if errors.As(err, &sysErr) {
		switch sysErr {
		case syscall.EAGAIN, syscall.ETIMEDOUT:
			return ErrorTransient
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE:
			return ErrorNetwork
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorNetwork
	}

	var driverErr *DriverError
	if errors.As(err, &driverErr) && driverErr.Kind == KindNetwork {
		return ErrorNetwork
	}

	return ErrorPermanent
}

// ShouldRetry returns true if the error category indicates retry is appropriate.
func (c *Classifier) ShouldRetry(category ErrorCategory) bool {
	return category == ErrorTransient || category == ErrorNetwork
}
