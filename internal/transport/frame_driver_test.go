package transport

import (
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/danmuck/bridgectl/internal/testutil/testlog"
	"github.com/danmuck/bridgectl/internal/testutil/tlstest"
)

func newTestContext(t *testing.T, cfg Config) *Context {
	t.Helper()
	ctx, err := NewContext(cfg)
	if err != nil {
		t.Fatalf("new context: %v", err)
	}
	t.Cleanup(func() { _ = ctx.Close() })
	return ctx
}

// bindRep binds a rep socket on an ephemeral loopback port and returns its endpoint.
func bindRep(t *testing.T, ctx *Context) (Socket, string) {
	t.Helper()
	rep, err := ctx.Open(KindRep)
	if err != nil {
		t.Fatalf("open rep: %v", err)
	}
	scheme := SchemeTCP
	if ctx.Config().TLS.Enabled {
		scheme = SchemeTLS
	}
	if err := rep.Bind(scheme + "://127.0.0.1:0"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	port := rep.Addr().(*net.TCPAddr).Port
	return rep, scheme + "://127.0.0.1:" + strconv.Itoa(port)
}

// echo answers n requests on rep, prefixing each reply.
func echo(t *testing.T, rep Socket, n int) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		for i := 0; i < n; i++ {
			msg, err := rep.Receive()
			if err != nil {
				done <- err
				return
			}
			if err := rep.Send(append([]byte("echo:"), msg...)); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()
	return done
}

func TestFrameReqRepRoundTrip(t *testing.T) {
	testlog.Start(t)

	ctx := newTestContext(t, Config{Driver: DriverFrame})
	rep, endpoint := bindRep(t, ctx)
	done := echo(t, rep, 2)

	req, err := ctx.Open(KindReq)
	if err != nil {
		t.Fatalf("open req: %v", err)
	}
	defer req.Close()
	if err := req.Connect(endpoint); err != nil {
		t.Fatalf("connect: %v", err)
	}
	_ = req.SetReceiveTimeout(2 * time.Second)

	for _, body := range []string{"one", "two"} {
		if err := req.Send([]byte(body)); err != nil {
			t.Fatalf("send %s: %v", body, err)
		}
		reply, err := req.Receive()
		if err != nil {
			t.Fatalf("receive %s: %v", body, err)
		}
		if string(reply) != "echo:"+body {
			t.Fatalf("unexpected reply %q", reply)
		}
	}
	if err := <-done; err != nil {
		t.Fatalf("rep loop: %v", err)
	}
}

func TestFrameReqEnforcesAlternation(t *testing.T) {
	testlog.Start(t)

	ctx := newTestContext(t, Config{Driver: DriverFrame})
	_, endpoint := bindRep(t, ctx)

	req, err := ctx.Open(KindReq)
	if err != nil {
		t.Fatalf("open req: %v", err)
	}
	if err := req.Connect(endpoint); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := req.Receive(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("receive before send: expected ErrInvalidState, got %v", err)
	}
	if err := req.Send([]byte("a")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := req.Send([]byte("b")); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second send: expected ErrInvalidState, got %v", err)
	}
}

func TestFrameReceiveTimeoutIsBounded(t *testing.T) {
	testlog.Start(t)

	ctx := newTestContext(t, Config{Driver: DriverFrame})
	_, endpoint := bindRep(t, ctx)

	req, err := ctx.Open(KindReq)
	if err != nil {
		t.Fatalf("open req: %v", err)
	}
	if err := req.Connect(endpoint); err != nil {
		t.Fatalf("connect: %v", err)
	}
	_ = req.SetReceiveTimeout(80 * time.Millisecond)
	if err := req.Send([]byte("unanswered")); err != nil {
		t.Fatalf("send: %v", err)
	}

	start := time.Now()
	_, err = req.Receive()
	elapsed := time.Since(start)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	var opErr *OpError
	if !errors.As(err, &opErr) || !opErr.Timeout() || opErr.Op != OpReceive {
		t.Fatalf("expected receive OpError, got %#v", err)
	}
	if elapsed < 70*time.Millisecond || elapsed > time.Second {
		t.Fatalf("receive returned after %s", elapsed)
	}
}

func TestFrameDealerSendsFreely(t *testing.T) {
	testlog.Start(t)

	ctx := newTestContext(t, Config{Driver: DriverFrame})
	rep, endpoint := bindRep(t, ctx)
	done := echo(t, rep, 3)

	dealer, err := ctx.Open(KindDealer)
	if err != nil {
		t.Fatalf("open dealer: %v", err)
	}
	if err := dealer.Connect(endpoint); err != nil {
		t.Fatalf("connect: %v", err)
	}
	_ = dealer.SetReceiveTimeout(2 * time.Second)
	for _, body := range []string{"a", "b", "c"} {
		if err := dealer.Send([]byte(body)); err != nil {
			t.Fatalf("send %s: %v", body, err)
		}
	}
	for _, body := range []string{"a", "b", "c"} {
		reply, err := dealer.Receive()
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		if string(reply) != "echo:"+body {
			t.Fatalf("out of order reply %q want echo:%s", reply, body)
		}
	}
	if err := <-done; err != nil {
		t.Fatalf("rep loop: %v", err)
	}
}

func TestFrameConnectRefused(t *testing.T) {
	testlog.Start(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	ctx := newTestContext(t, Config{Driver: DriverFrame, ConnectTimeout: 500 * time.Millisecond})
	req, err := ctx.Open(KindReq)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	err = req.Connect("tcp://" + addr)
	var opErr *OpError
	if !errors.As(err, &opErr) || opErr.Op != OpConnect {
		t.Fatalf("expected connect OpError, got %v", err)
	}
}

func TestFramePeerCloseSurfacesOnReceive(t *testing.T) {
	testlog.Start(t)

	ctx := newTestContext(t, Config{Driver: DriverFrame})
	rep, endpoint := bindRep(t, ctx)

	req, err := ctx.Open(KindReq)
	if err != nil {
		t.Fatalf("open req: %v", err)
	}
	if err := req.Connect(endpoint); err != nil {
		t.Fatalf("connect: %v", err)
	}
	_ = req.SetReceiveTimeout(2 * time.Second)
	if err := req.Send([]byte("x")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := rep.Receive(); err != nil {
		t.Fatalf("rep receive: %v", err)
	}
	_ = rep.Close()

	_, err = req.Receive()
	if err == nil || errors.Is(err, ErrTimeout) {
		t.Fatalf("expected peer failure, got %v", err)
	}
}

func TestFrameRepRequiresReplyBeforeNextReceive(t *testing.T) {
	testlog.Start(t)

	ctx := newTestContext(t, Config{Driver: DriverFrame})
	rep, _ := bindRep(t, ctx)
	if err := rep.Send([]byte("unsolicited")); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if err := rep.Connect("tcp://127.0.0.1:1"); !errors.Is(err, ErrInvalidKind) {
		t.Fatalf("expected ErrInvalidKind, got %v", err)
	}
}

func TestFrameMutualTLSRoundTrip(t *testing.T) {
	testlog.Start(t)

	certs := tlstest.NewBundle(t)
	serverCtx := newTestContext(t, Config{Driver: DriverFrame, TLS: TLSConfig{
		Enabled: true, Mutual: true, CertFile: certs.ServerCert, KeyFile: certs.ServerKey, CAFile: certs.CAFile,
	}})
	rep, endpoint := bindRep(t, serverCtx)
	done := echo(t, rep, 1)

	clientCtx := newTestContext(t, Config{Driver: DriverFrame, TLS: TLSConfig{
		Enabled: true, Mutual: true, CertFile: certs.ClientCert, KeyFile: certs.ClientKey, CAFile: certs.CAFile,
	}})
	req, err := clientCtx.Open(KindReq)
	if err != nil {
		t.Fatalf("open req: %v", err)
	}
	if err := req.Connect(endpoint); err != nil {
		t.Fatalf("tls connect: %v", err)
	}
	_ = req.SetReceiveTimeout(2 * time.Second)
	if err := req.Send([]byte("secure")); err != nil {
		t.Fatalf("send: %v", err)
	}
	reply, err := req.Receive()
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if string(reply) != "echo:secure" {
		t.Fatalf("unexpected reply %q", reply)
	}
	if err := <-done; err != nil {
		t.Fatalf("rep loop: %v", err)
	}
}

func TestTLSSchemeRequiresTLSConfig(t *testing.T) {
	testlog.Start(t)

	ctx := newTestContext(t, Config{Driver: DriverFrame})
	req, err := ctx.Open(KindReq)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := req.Connect("tls://127.0.0.1:5555"); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}
}
