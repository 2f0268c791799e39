package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/danmuck/bridgectl/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

var ErrPeerClosed = errors.New("transport: peer closed connection")

// frameDriver carries length-prefixed frames over TCP, optionally under TLS.
type frameDriver struct {
	cfg Config
}

func (d *frameDriver) Open(kind Kind) (Socket, error) {
	switch kind {
	case KindReq, KindDealer:
		return &frameConn{kind: kind, cfg: d.cfg, timeout: d.cfg.DefaultReceiveTimeout}, nil
	case KindRep:
		return &frameRep{cfg: d.cfg, timeout: d.cfg.DefaultReceiveTimeout, conns: make(map[*peer]struct{})}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidKind, kind)
	}
}

type peer struct {
	conn    net.Conn
	writeMu sync.Mutex
}

func (p *peer) write(payload []byte, cfg Config) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := p.conn.SetWriteDeadline(time.Now().Add(cfg.SendTimeout)); err != nil {
		return err
	}
	return frame.WriteFrame(p.conn, payload, cfg.Limits)
}

// readFrames pumps frames from p into box until the connection fails.
func readFrames(p *peer, box *inbox, limits frame.Limits, onErr func(error)) {
	r := bufio.NewReader(p.conn)
	for {
		payload, err := frame.ReadFrame(r, limits)
		if err != nil {
			onErr(readError(err))
			return
		}
		if !box.push(inbound{payload: payload, reply: p}) {
			return
		}
	}
}

func readError(err error) error {
	switch {
	case errors.Is(err, io.EOF):
		return ErrPeerClosed
	case errors.Is(err, net.ErrClosed):
		return ErrClosed
	default:
		return err
	}
}

func checkScheme(ep Endpoint, cfg Config) error {
	if ep.Scheme == SchemeTLS && !cfg.TLS.Enabled {
		return fmt.Errorf("%w: endpoint %s", ErrTLSRequired, ep)
	}
	return nil
}

// frameConn is a connecting req or dealer socket.
type frameConn struct {
	kind Kind
	cfg  Config

	mu       sync.Mutex
	peer     *peer
	box      *inbox
	endpoint string
	timeout  time.Duration
	awaiting bool
	closed   bool
}

func (s *frameConn) Connect(endpoint string) error {
	if err := s.cfg.ValidateClient(); err != nil {
		return opError(OpConnect, endpoint, err)
	}
	ep, err := ParseEndpoint(endpoint)
	if err != nil {
		return opError(OpConnect, endpoint, err)
	}
	if err := checkScheme(ep, s.cfg); err != nil {
		return opError(OpConnect, endpoint, err)
	}

	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return opError(OpConnect, endpoint, ErrClosed)
	case s.peer != nil:
		s.mu.Unlock()
		return opError(OpConnect, endpoint, ErrInvalidState)
	}
	s.mu.Unlock()

	conn, err := s.dial(ep)
	if err != nil {
		return opError(OpConnect, endpoint, err)
	}
	p := &peer{conn: conn}
	box := newInbox()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return opError(OpConnect, endpoint, ErrClosed)
	}
	s.peer, s.box, s.endpoint = p, box, endpoint
	s.mu.Unlock()

	go readFrames(p, box, s.cfg.Limits, box.fail)
	log.Debug().Str("kind", s.kind.String()).Str("endpoint", endpoint).Msg("transport.frameConn.Connect")
	return nil
}

func (s *frameConn) dial(ep Endpoint) (net.Conn, error) {
	dialer := net.Dialer{Timeout: s.cfg.ConnectTimeout}
	raw, err := dialer.Dial("tcp", ep.Address())
	if err != nil {
		return nil, err
	}
	if !s.cfg.TLS.Enabled {
		return raw, nil
	}

	host := ep.Host
	if host == "*" {
		host = "localhost"
	}
	tlsCfg, err := s.cfg.clientTLSConfig(host)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	conn := tls.Client(raw, tlsCfg)
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return conn, nil
}

func (s *frameConn) Bind(endpoint string) error {
	return opError(OpBind, endpoint, ErrInvalidKind)
}

func (s *frameConn) SetReceiveTimeout(d time.Duration) error {
	if d <= 0 {
		d = s.cfg.DefaultReceiveTimeout
	}
	s.mu.Lock()
	s.timeout = d
	s.mu.Unlock()
	return nil
}

func (s *frameConn) Send(payload []byte) error {
	s.mu.Lock()
	p, endpoint := s.peer, s.endpoint
	switch {
	case s.closed:
		s.mu.Unlock()
		return opError(OpSend, endpoint, ErrClosed)
	case p == nil:
		s.mu.Unlock()
		return opError(OpSend, endpoint, ErrNotConnected)
	case s.kind == KindReq && s.awaiting:
		s.mu.Unlock()
		return opError(OpSend, endpoint, ErrInvalidState)
	}
	s.mu.Unlock()

	if err := p.write(payload, s.cfg); err != nil {
		return opError(OpSend, endpoint, err)
	}
	if s.kind == KindReq {
		s.mu.Lock()
		s.awaiting = true
		s.mu.Unlock()
	}
	return nil
}

func (s *frameConn) Receive() ([]byte, error) {
	s.mu.Lock()
	box, endpoint, timeout := s.box, s.endpoint, s.timeout
	switch {
	case s.closed:
		s.mu.Unlock()
		return nil, opError(OpReceive, endpoint, ErrClosed)
	case box == nil:
		s.mu.Unlock()
		return nil, opError(OpReceive, endpoint, ErrNotConnected)
	case s.kind == KindReq && !s.awaiting:
		s.mu.Unlock()
		return nil, opError(OpReceive, endpoint, ErrInvalidState)
	}
	s.mu.Unlock()

	in, err := box.wait(timeout)
	if err != nil {
		return nil, opError(OpReceive, endpoint, err)
	}
	if s.kind == KindReq {
		s.mu.Lock()
		s.awaiting = false
		s.mu.Unlock()
	}
	return in.payload, nil
}

func (s *frameConn) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	p, box := s.peer, s.box
	s.mu.Unlock()

	if box != nil {
		box.close()
	}
	if p != nil {
		return p.conn.Close()
	}
	return nil
}

func (s *frameConn) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peer == nil {
		return nil
	}
	return s.peer.conn.RemoteAddr()
}

// frameRep is a bound socket. Each Receive remembers the sending connection
// and the following Send replies on it.
type frameRep struct {
	cfg Config

	mu       sync.Mutex
	ln       net.Listener
	box      *inbox
	endpoint string
	timeout  time.Duration
	replyTo  *peer
	conns    map[*peer]struct{}
	closed   bool
	wg       sync.WaitGroup
}

func (s *frameRep) Connect(endpoint string) error {
	return opError(OpConnect, endpoint, ErrInvalidKind)
}

func (s *frameRep) Bind(endpoint string) error {
	if err := s.cfg.ValidateServer(); err != nil {
		return opError(OpBind, endpoint, err)
	}
	ep, err := ParseEndpoint(endpoint)
	if err != nil {
		return opError(OpBind, endpoint, err)
	}
	if err := checkScheme(ep, s.cfg); err != nil {
		return opError(OpBind, endpoint, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return opError(OpBind, endpoint, ErrClosed)
	}
	if s.ln != nil {
		return opError(OpBind, endpoint, ErrInvalidState)
	}

	ln, err := net.Listen("tcp", ep.Address())
	if err != nil {
		return opError(OpBind, endpoint, err)
	}
	if s.cfg.TLS.Enabled {
		tlsCfg, err := s.cfg.serverTLSConfig()
		if err != nil {
			_ = ln.Close()
			return opError(OpBind, endpoint, err)
		}
		ln = tls.NewListener(ln, tlsCfg)
	}
	s.ln, s.box, s.endpoint = ln, newInbox(), endpoint
	s.wg.Add(1)
	go s.acceptLoop(ln, s.box)
	log.Debug().Str("endpoint", endpoint).Str("addr", ln.Addr().String()).Msg("transport.frameRep.Bind")
	return nil
}

func (s *frameRep) acceptLoop(ln net.Listener, box *inbox) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warn().Err(err).Msg("transport.frameRep.acceptLoop")
			time.Sleep(50 * time.Millisecond)
			continue
		}
		p := &peer{conn: conn}
		if !s.trackPeer(p) {
			_ = conn.Close()
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			readFrames(p, box, s.cfg.Limits, func(err error) {
				if !errors.Is(err, ErrPeerClosed) && !errors.Is(err, ErrClosed) {
					log.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("transport.frameRep.read")
				}
				s.untrackPeer(p)
				_ = conn.Close()
			})
		}()
	}
}

func (s *frameRep) trackPeer(p *peer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[p] = struct{}{}
	return true
}

func (s *frameRep) untrackPeer(p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, p)
}

func (s *frameRep) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *frameRep) SetReceiveTimeout(d time.Duration) error {
	if d <= 0 {
		d = s.cfg.DefaultReceiveTimeout
	}
	s.mu.Lock()
	s.timeout = d
	s.mu.Unlock()
	return nil
}

func (s *frameRep) Receive() ([]byte, error) {
	s.mu.Lock()
	box, endpoint, timeout := s.box, s.endpoint, s.timeout
	switch {
	case s.closed:
		s.mu.Unlock()
		return nil, opError(OpReceive, endpoint, ErrClosed)
	case box == nil:
		s.mu.Unlock()
		return nil, opError(OpReceive, endpoint, ErrNotConnected)
	case s.replyTo != nil:
		s.mu.Unlock()
		return nil, opError(OpReceive, endpoint, ErrInvalidState)
	}
	s.mu.Unlock()

	in, err := box.wait(timeout)
	if err != nil {
		return nil, opError(OpReceive, endpoint, err)
	}
	s.mu.Lock()
	s.replyTo = in.reply
	s.mu.Unlock()
	return in.payload, nil
}

func (s *frameRep) Send(payload []byte) error {
	s.mu.Lock()
	p, endpoint := s.replyTo, s.endpoint
	switch {
	case s.closed:
		s.mu.Unlock()
		return opError(OpSend, endpoint, ErrClosed)
	case p == nil:
		s.mu.Unlock()
		return opError(OpSend, endpoint, ErrInvalidState)
	}
	s.replyTo = nil
	s.mu.Unlock()

	if err := p.write(payload, s.cfg); err != nil {
		return opError(OpSend, endpoint, err)
	}
	return nil
}

func (s *frameRep) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln, box := s.ln, s.box
	peers := make([]*peer, 0, len(s.conns))
	for p := range s.conns {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	if box != nil {
		box.close()
	}
	for _, p := range peers {
		_ = p.conn.Close()
	}
	s.wg.Wait()
	return err
}

func (s *frameRep) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}
