package transport

import (
	"context"
	"fmt"
	stdlog "log"
	"net"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/rs/zerolog/log"
)

// zmqDriver speaks ZMTP through go-zeromq. Dealer sockets prepend the empty
// delimiter frame so they interoperate with REP peers.
type zmqDriver struct {
	cfg Config
}

func (d *zmqDriver) Open(kind Kind) (Socket, error) {
	if d.cfg.TLS.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrTLSUnsupported, DriverZMQ)
	}
	ctx, cancel := context.WithCancel(context.Background())
	opts := []zmq4.Option{
		zmq4.WithDialerTimeout(d.cfg.ConnectTimeout),
		zmq4.WithDialerMaxRetries(0),
		zmq4.WithTimeout(d.cfg.SendTimeout),
		zmq4.WithLogger(stdlog.New(log.With().Str("component", "zmq4").Logger(), "", 0)),
	}

	var sock zmq4.Socket
	switch kind {
	case KindReq:
		sock = zmq4.NewReq(ctx, opts...)
	case KindDealer:
		sock = zmq4.NewDealer(ctx, opts...)
	case KindRep:
		sock = zmq4.NewRep(ctx, opts...)
	default:
		cancel()
		return nil, fmt.Errorf("%w: %s", ErrInvalidKind, kind)
	}
	return &zmqSocket{
		kind:    kind,
		cfg:     d.cfg,
		sock:    sock,
		cancel:  cancel,
		box:     newInbox(),
		turn:    make(chan struct{}, 1),
		timeout: d.cfg.DefaultReceiveTimeout,
	}, nil
}

type zmqSocket struct {
	kind   Kind
	cfg    Config
	sock   zmq4.Socket
	cancel context.CancelFunc
	box    *inbox
	// turn gates the rep reader so the next request is pulled only after
	// the previous one was answered.
	turn chan struct{}

	mu       sync.Mutex
	endpoint string
	timeout  time.Duration
	ready    bool
	awaiting bool
	closed   bool
}

func (s *zmqSocket) Connect(endpoint string) error {
	if s.kind == KindRep {
		return opError(OpConnect, endpoint, ErrInvalidKind)
	}
	ep, err := s.prepare(endpoint)
	if err != nil {
		return opError(OpConnect, endpoint, err)
	}
	if err := s.sock.Dial(ep.ZMQ()); err != nil {
		return opError(OpConnect, endpoint, err)
	}
	s.markReady(endpoint)
	if s.kind == KindDealer {
		go s.readLoop(false)
	}
	log.Debug().Str("kind", s.kind.String()).Str("endpoint", endpoint).Msg("transport.zmqSocket.Connect")
	return nil
}

func (s *zmqSocket) Bind(endpoint string) error {
	if s.kind != KindRep {
		return opError(OpBind, endpoint, ErrInvalidKind)
	}
	ep, err := s.prepare(endpoint)
	if err != nil {
		return opError(OpBind, endpoint, err)
	}
	if err := s.sock.Listen(ep.ZMQ()); err != nil {
		return opError(OpBind, endpoint, err)
	}
	s.markReady(endpoint)
	go s.readLoop(true)
	log.Debug().Str("endpoint", endpoint).Msg("transport.zmqSocket.Bind")
	return nil
}

func (s *zmqSocket) prepare(endpoint string) (Endpoint, error) {
	ep, err := ParseEndpoint(endpoint)
	if err != nil {
		return Endpoint{}, err
	}
	if ep.Scheme == SchemeTLS {
		return Endpoint{}, ErrTLSUnsupported
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Endpoint{}, ErrClosed
	}
	if s.ready {
		return Endpoint{}, ErrInvalidState
	}
	return ep, nil
}

func (s *zmqSocket) markReady(endpoint string) {
	s.mu.Lock()
	s.ready = true
	s.endpoint = endpoint
	s.mu.Unlock()
}

// recvOne pulls one message into the inbox. It reports false when reading
// must stop.
func (s *zmqSocket) recvOne() bool {
	msg, err := s.sock.Recv()
	if err != nil {
		if s.isClosed() {
			s.box.fail(ErrClosed)
		} else {
			s.box.fail(err)
		}
		return false
	}
	var payload []byte
	if n := len(msg.Frames); n > 0 {
		payload = msg.Frames[n-1]
	}
	return s.box.push(inbound{payload: payload})
}

func (s *zmqSocket) readLoop(gated bool) {
	for s.recvOne() {
		if !gated {
			continue
		}
		select {
		case <-s.turn:
		case <-s.box.done:
			return
		}
	}
}

func (s *zmqSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *zmqSocket) SetReceiveTimeout(d time.Duration) error {
	if d <= 0 {
		d = s.cfg.DefaultReceiveTimeout
	}
	s.mu.Lock()
	s.timeout = d
	s.mu.Unlock()
	return nil
}

func (s *zmqSocket) Send(payload []byte) error {
	s.mu.Lock()
	endpoint := s.endpoint
	switch {
	case s.closed:
		s.mu.Unlock()
		return opError(OpSend, endpoint, ErrClosed)
	case !s.ready:
		s.mu.Unlock()
		return opError(OpSend, endpoint, ErrNotConnected)
	case s.kind != KindDealer && s.awaiting == (s.kind == KindReq):
		s.mu.Unlock()
		return opError(OpSend, endpoint, ErrInvalidState)
	}
	s.mu.Unlock()

	var err error
	switch s.kind {
	case KindDealer:
		err = s.sock.SendMulti(zmq4.NewMsgFrom([]byte{}, payload))
	default:
		err = s.sock.Send(zmq4.NewMsg(payload))
	}

	switch {
	case s.kind == KindRep:
		// The request is spent whether or not the peer is still there.
		s.mu.Lock()
		s.awaiting = false
		s.mu.Unlock()
		select {
		case s.turn <- struct{}{}:
		default:
		}
	case err == nil && s.kind == KindReq:
		s.mu.Lock()
		s.awaiting = true
		s.mu.Unlock()
		go s.recvOne()
	}
	if err != nil {
		return opError(OpSend, endpoint, err)
	}
	return nil
}

// Receive honors the same ordering rules as Send: req must have sent, rep
// must have answered the previous request.
func (s *zmqSocket) Receive() ([]byte, error) {
	s.mu.Lock()
	endpoint, timeout := s.endpoint, s.timeout
	switch {
	case s.closed:
		s.mu.Unlock()
		return nil, opError(OpReceive, endpoint, ErrClosed)
	case !s.ready:
		s.mu.Unlock()
		return nil, opError(OpReceive, endpoint, ErrNotConnected)
	case s.kind == KindReq && !s.awaiting, s.kind == KindRep && s.awaiting:
		s.mu.Unlock()
		return nil, opError(OpReceive, endpoint, ErrInvalidState)
	}
	s.mu.Unlock()

	in, err := s.box.wait(timeout)
	if err != nil {
		return nil, opError(OpReceive, endpoint, err)
	}
	s.mu.Lock()
	s.awaiting = s.kind == KindRep
	s.mu.Unlock()
	return in.payload, nil
}

func (s *zmqSocket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.box.close()
	err := s.sock.Close()
	s.cancel()
	return err
}

func (s *zmqSocket) Addr() net.Addr {
	return s.sock.Addr()
}
