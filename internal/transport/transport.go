package transport

import (
	"errors"
	"fmt"
	"net"
	"time"
)

var (
	ErrTimeout            = errors.New("transport: receive timeout")
	ErrClosed             = errors.New("transport: socket closed")
	ErrNotConnected       = errors.New("transport: socket not connected")
	ErrInvalidState       = errors.New("transport: invalid send/receive order")
	ErrInvalidKind        = errors.New("transport: operation not valid for socket kind")
	ErrInvalidEndpoint    = errors.New("transport: invalid endpoint")
	ErrUnknownDriver      = errors.New("transport: unknown driver")
	ErrContextClosed      = errors.New("transport: context closed")
	ErrAlreadyInitialized = errors.New("transport: context already initialized")
)

// Kind selects socket semantics.
type Kind int

const (
	// KindReq strictly alternates Send and Receive.
	KindReq Kind = iota
	// KindDealer allows any Send/Receive order.
	KindDealer
	// KindRep is a bound socket answering one request at a time.
	KindRep
)

func (k Kind) String() string {
	switch k {
	case KindReq:
		return "req"
	case KindDealer:
		return "dealer"
	case KindRep:
		return "rep"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Socket is the capability surface of one transport socket.
type Socket interface {
	Connect(endpoint string) error
	Bind(endpoint string) error
	// SetReceiveTimeout bounds every following Receive. Zero restores the driver default.
	SetReceiveTimeout(d time.Duration) error
	Send(payload []byte) error
	// Receive returns ErrTimeout when nothing arrives within the receive timeout.
	Receive() ([]byte, error)
	Close() error
	Addr() net.Addr
}

// Driver opens sockets.
type Driver interface {
	Open(kind Kind) (Socket, error)
}

// OpError records which socket operation failed against which endpoint.
type OpError struct {
	Op       string
	Endpoint string
	Err      error
}

func (e *OpError) Error() string {
	if e.Endpoint == "" {
		return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport: %s %s: %v", e.Op, e.Endpoint, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the failure was a deadline rather than a fault.
func (e *OpError) Timeout() bool {
	if errors.Is(e.Err, ErrTimeout) {
		return true
	}
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

const (
	OpOpen    = "open"
	OpConnect = "connect"
	OpBind    = "bind"
	OpSend    = "send"
	OpReceive = "receive"
	OpClose   = "close"
)

func opError(op, endpoint string, err error) error {
	if err == nil {
		return nil
	}
	var existing *OpError
	if errors.As(err, &existing) {
		return err
	}
	return &OpError{Op: op, Endpoint: endpoint, Err: err}
}
