package bridge

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/danmuck/bridgectl/internal/protocol/envelope"
	"github.com/danmuck/bridgectl/internal/transport"
)

type fakeClock struct {
	mu     sync.Mutex
	t      time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.t = c.t.Add(d)
	c.mu.Unlock()
	return ctx.Err()
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

// fakeNet is an in-memory peer. respond decides the replies to request n
// (1-based); returning nil means the peer stays silent.
type fakeNet struct {
	clock *fakeClock

	mu         sync.Mutex
	opened     int
	closed     int
	connects   int
	requests   int
	probes     int
	connectErr error
	ackProbes  bool
	respond    func(n int, req envelope.Request) [][]byte
	kinds      []transport.Kind
}

func (f *fakeNet) Open(kind transport.Kind) (transport.Socket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened++
	f.kinds = append(f.kinds, kind)
	return &fakeSocket{net: f, timeout: time.Second}, nil
}

func (f *fakeNet) counts() (opened, closed, connects, requests, probes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened, f.closed, f.connects, f.requests, f.probes
}

type fakeSocket struct {
	net *fakeNet

	mu      sync.Mutex
	timeout time.Duration
	queue   [][]byte
	closed  bool
}

func (s *fakeSocket) Connect(endpoint string) error {
	s.net.mu.Lock()
	s.net.connects++
	err := s.net.connectErr
	s.net.mu.Unlock()
	if err != nil {
		return &transport.OpError{Op: transport.OpConnect, Endpoint: endpoint, Err: err}
	}
	return nil
}

func (s *fakeSocket) Bind(endpoint string) error {
	return &transport.OpError{Op: transport.OpBind, Endpoint: endpoint, Err: transport.ErrInvalidKind}
}

func (s *fakeSocket) SetReceiveTimeout(d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeout = d
	return nil
}

func (s *fakeSocket) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &transport.OpError{Op: transport.OpSend, Err: transport.ErrClosed}
	}

	s.net.mu.Lock()
	defer s.net.mu.Unlock()
	if envelope.IsHeartbeat(payload) {
		s.net.probes++
		if s.net.ackProbes {
			s.queue = append(s.queue, envelope.EncodeHeartbeatAck())
		}
		return nil
	}
	s.net.requests++
	req, _, err := envelope.Default().DecodeRequest(payload)
	if err != nil {
		return err
	}
	if s.net.respond != nil {
		s.queue = append(s.queue, s.net.respond(s.net.requests, req)...)
	}
	return nil
}

// Receive pops a queued reply or burns the whole receive timeout on the clock.
func (s *fakeSocket) Receive() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, &transport.OpError{Op: transport.OpReceive, Err: transport.ErrClosed}
	}
	if len(s.queue) > 0 {
		msg := s.queue[0]
		s.queue = s.queue[1:]
		return msg, nil
	}
	s.net.clock.Advance(s.timeout)
	return nil, &transport.OpError{Op: transport.OpReceive, Err: transport.ErrTimeout}
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.net.mu.Lock()
	s.net.closed++
	s.net.mu.Unlock()
	return nil
}

func (s *fakeSocket) Addr() net.Addr {
	return nil
}

var errRefused = errors.New("connection refused")

func successReply(sum float64) []byte {
	data, err := envelope.Default().EncodeResponse(envelope.Success(sum), envelope.FormatJSON)
	if err != nil {
		panic(err)
	}
	return data
}
