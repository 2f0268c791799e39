package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/bridgectl/internal/protocol/envelope"
	"github.com/danmuck/bridgectl/internal/transport"
)

// Kind is the failure class of a call.
type Kind int

const (
	KindConnectionFailed Kind = iota + 1
	KindTimeout
	KindSerialization
	KindServer
	KindNetwork
)

func (k Kind) String() string {
	switch k {
	case KindConnectionFailed:
		return "connection_failed"
	case KindTimeout:
		return "timeout"
	case KindSerialization:
		return "serialization_error"
	case KindServer:
		return "server_error"
	case KindNetwork:
		return "network_error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Sentinels match any *Error of the same Kind through errors.Is.
var (
	ErrConnectionFailed = errors.New("bridge: connection failed")
	ErrTimeout          = errors.New("bridge: timeout")
	ErrSerialization    = errors.New("bridge: serialization error")
	ErrServer           = errors.New("bridge: server error")
	ErrNetwork          = errors.New("bridge: network error")
)

func (k Kind) sentinel() error {
	switch k {
	case KindConnectionFailed:
		return ErrConnectionFailed
	case KindTimeout:
		return ErrTimeout
	case KindSerialization:
		return ErrSerialization
	case KindServer:
		return ErrServer
	case KindNetwork:
		return ErrNetwork
	default:
		return nil
	}
}

const (
	OpRequest         = "request"
	OpParanoidRequest = "paranoid_request"
)

// Error is the single failure type returned by the client.
type Error struct {
	Kind      Kind
	Endpoint  string
	Operation string
	TimeoutMS int64
	Status    string
	Message   string
	Reason    string
	Err       error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindConnectionFailed:
		return fmt.Sprintf("bridge: connection failed: %s: %s", e.Endpoint, e.Reason)
	case KindTimeout:
		return fmt.Sprintf("bridge: timeout: %s after %dms", e.Operation, e.TimeoutMS)
	case KindSerialization:
		return fmt.Sprintf("bridge: serialization error: %s", e.Reason)
	case KindServer:
		return fmt.Sprintf("bridge: server error: %s: %s", e.Status, e.Message)
	case KindNetwork:
		return fmt.Sprintf("bridge: network error: %s", e.Reason)
	default:
		return "bridge: unclassified error"
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// Retryable reports whether the fault is absorbed by the retry loop.
func (e *Error) Retryable() bool {
	return e.Kind == KindConnectionFailed || e.Kind == KindNetwork
}

func ConnectionFailed(endpoint, reason string, err error) *Error {
	return &Error{Kind: KindConnectionFailed, Endpoint: endpoint, Reason: reason, Err: err}
}

func Timeout(operation string, timeout time.Duration, err error) *Error {
	return &Error{Kind: KindTimeout, Operation: operation, TimeoutMS: timeout.Milliseconds(), Err: err}
}

func Serialization(reason string, err error) *Error {
	return &Error{Kind: KindSerialization, Reason: reason, Err: err}
}

func ServerError(status, message string) *Error {
	return &Error{Kind: KindServer, Status: status, Message: message}
}

func Network(reason string, err error) *Error {
	return &Error{Kind: KindNetwork, Reason: reason, Err: err}
}

// IsRetryable reports whether err is a retryable *Error.
func IsRetryable(err error) bool {
	var be *Error
	return errors.As(err, &be) && be.Retryable()
}

// ClassifyTransport maps a socket failure to ConnectionFailed or NetworkError.
// Receive timeouts are not classified here; the attempt loop handles them.
func ClassifyTransport(err error, endpoint string) *Error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return be
	}
	var op *transport.OpError
	if errors.As(err, &op) {
		if op.Op == transport.OpConnect {
			return ConnectionFailed(endpoint, op.Err.Error(), err)
		}
		return Network(op.Op+": "+op.Err.Error(), err)
	}
	return Network(err.Error(), err)
}

// ClassifyReply decodes a reply and maps it to a response or an application
// fault. A success reply without the result its request type needs is a
// serialization error, never a silent success.
func ClassifyReply(codec *envelope.Codec, reqType envelope.RequestType, data []byte) (envelope.Response, *Error) {
	resp, err := codec.DecodeResponse(data)
	if err != nil {
		return envelope.Response{}, Serialization(err.Error(), err)
	}
	if resp.Status == envelope.StatusError {
		return resp, ServerError(string(resp.Status), resp.Message)
	}
	switch reqType {
	case envelope.TypeHealth:
		if resp.Health == nil {
			return resp, Serialization("health reply without health body", envelope.ErrMissingResult)
		}
	case envelope.TypeMetrics:
		if resp.Metrics == "" {
			return resp, Serialization("metrics reply without metrics body", envelope.ErrMissingResult)
		}
	default:
		if resp.MatrixSum == nil {
			return resp, Serialization("success reply without matrix_sum", envelope.ErrMissingResult)
		}
	}
	return resp, nil
}

// cancelled converts caller cancellation into the terminal Timeout while
// keeping the context error reachable through errors.Is.
func cancelled(ctx context.Context, operation string, timeout time.Duration) *Error {
	err := ctx.Err()
	if err == nil {
		err = context.Canceled
	}
	return Timeout(operation, timeout, err)
}
