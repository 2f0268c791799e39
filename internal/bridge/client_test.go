package bridge

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/danmuck/bridgectl/internal/protocol/envelope"
	"github.com/danmuck/bridgectl/internal/testutil/testlog"
	"github.com/danmuck/bridgectl/internal/transport"
)

func newFakeClient(t *testing.T, cfg Config, fn *fakeNet) *Client {
	t.Helper()
	c, err := New(cfg, WithDriver(fn), WithClock(fn.clock.Now, fn.clock.Sleep))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func scenarioRequest() envelope.Request {
	return envelope.Request{
		SchemaVersion: envelope.SchemaV1,
		Matrix:        [][]int64{{1, 2}, {3, 4}},
		Model:         envelope.Model{Name: "TestModel", Version: "0.1"},
	}
}

func sumMatrix(req envelope.Request) float64 {
	var total int64
	for _, row := range req.Matrix {
		for _, v := range row {
			total += v
		}
	}
	return float64(total)
}

func summingPeer(_ int, req envelope.Request) [][]byte {
	resp := envelope.Success(sumMatrix(req))
	resp.CorrelationID = req.CorrelationID
	data, err := envelope.Default().EncodeResponse(resp, envelope.FormatJSON)
	if err != nil {
		panic(err)
	}
	return [][]byte{data}
}

func assertHygiene(t *testing.T, fn *fakeNet) {
	t.Helper()
	opened, closed, _, _, _ := fn.counts()
	if opened != closed {
		t.Fatalf("socket leak: opened=%d closed=%d", opened, closed)
	}
}

func asBridgeError(t *testing.T, err error) *Error {
	t.Helper()
	var be *Error
	if !errors.As(err, &be) {
		t.Fatalf("expected *bridge.Error, got %T %v", err, err)
	}
	return be
}

type callFunc func(*Client, context.Context, envelope.Request) (envelope.Response, error)

var tiers = []struct {
	name string
	call callFunc
	op   string
}{
	{"request", (*Client).Request, OpRequest},
	{"paranoid", (*Client).ParanoidRequest, OpParanoidRequest},
}

func TestScenarioBSuccess(t *testing.T) {
	testlog.Start(t)

	for _, tier := range tiers {
		fn := &fakeNet{clock: newFakeClock(), respond: summingPeer}
		c := newFakeClient(t, Config{MaxRetries: 3, Timeout: 100 * time.Millisecond}, fn)
		resp, err := tier.call(c, context.Background(), scenarioRequest())
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tier.name, err)
		}
		sum, err := resp.Sum()
		if err != nil || sum != 10 {
			t.Fatalf("%s: expected sum 10, got %v (%v)", tier.name, sum, err)
		}
		assertHygiene(t, fn)
		if opened, _, _, _, _ := fn.counts(); opened != 1 {
			t.Fatalf("%s: expected one socket, got %d", tier.name, opened)
		}
	}
}

func TestScenarioCServerErrorIsNotRetried(t *testing.T) {
	testlog.Start(t)

	for _, tier := range tiers {
		fn := &fakeNet{clock: newFakeClock(), respond: func(int, envelope.Request) [][]byte {
			return [][]byte{[]byte(`{"status":"error","message":"bad schema"}`)}
		}}
		c := newFakeClient(t, Config{MaxRetries: 5, Timeout: 100 * time.Millisecond}, fn)
		_, err := tier.call(c, context.Background(), scenarioRequest())
		be := asBridgeError(t, err)
		if be.Kind != KindServer || be.Status != "error" || be.Message != "bad schema" {
			t.Fatalf("%s: unexpected error %+v", tier.name, be)
		}
		if !errors.Is(err, ErrServer) || IsRetryable(err) {
			t.Fatalf("%s: server error misclassified: %v", tier.name, err)
		}
		if _, _, _, requests, _ := fn.counts(); requests != 1 {
			t.Fatalf("%s: expected exactly one attempt, got %d", tier.name, requests)
		}
		if len(fn.clock.Sleeps()) != 0 {
			t.Fatalf("%s: unexpected backoff after application error", tier.name)
		}
		assertHygiene(t, fn)
	}
}

func TestMalformedReplyIsNotRetried(t *testing.T) {
	testlog.Start(t)

	replies := []string{
		"definitely not an envelope",
		`{"matrix_sum":10}`,
		`{"status":"success"}`,
		`{"message":"\"status\":\"success\""}`,
	}
	for _, tier := range tiers {
		for _, raw := range replies {
			raw := raw
			fn := &fakeNet{clock: newFakeClock(), respond: func(int, envelope.Request) [][]byte {
				return [][]byte{[]byte(raw)}
			}}
			c := newFakeClient(t, Config{MaxRetries: 4, Timeout: 100 * time.Millisecond}, fn)
			_, err := tier.call(c, context.Background(), scenarioRequest())
			be := asBridgeError(t, err)
			if be.Kind != KindSerialization {
				t.Fatalf("%s %q: expected serialization error, got %v", tier.name, raw, err)
			}
			if _, _, _, requests, _ := fn.counts(); requests != 1 {
				t.Fatalf("%s %q: expected one attempt, got %d", tier.name, raw, requests)
			}
			assertHygiene(t, fn)
		}
	}
}

func TestScenarioAUnreachableEndpoint(t *testing.T) {
	testlog.Start(t)

	fn := &fakeNet{clock: newFakeClock(), connectErr: errRefused}
	c := newFakeClient(t, Config{MaxRetries: 3, Timeout: 100 * time.Millisecond}, fn)
	start := fn.clock.Now()
	_, err := c.Request(context.Background(), scenarioRequest())
	elapsed := fn.clock.Now().Sub(start)

	be := asBridgeError(t, err)
	if be.Kind != KindTimeout || be.Operation != OpRequest || be.TimeoutMS != 100 {
		t.Fatalf("expected Timeout(request, 100), got %+v", be)
	}
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("errors.Is(ErrTimeout) failed for %v", err)
	}
	var cause *Error
	if !errors.As(be.Err, &cause) || cause.Kind != KindConnectionFailed {
		t.Fatalf("expected connection failure as cause, got %v", be.Err)
	}
	if _, _, connects, _, _ := fn.counts(); connects != 3 {
		t.Fatalf("expected exactly 3 connection attempts, got %d", connects)
	}
	if elapsed < 300*time.Millisecond {
		t.Fatalf("expected >= 300ms elapsed, got %s", elapsed)
	}
	for _, d := range fn.clock.Sleeps() {
		if d != 100*time.Millisecond {
			t.Fatalf("request backoff not constant: %v", fn.clock.Sleeps())
		}
	}
	assertHygiene(t, fn)
}

func TestRetryBoundSilentPeer(t *testing.T) {
	testlog.Start(t)

	for _, tier := range tiers {
		for _, n := range []int{1, 2, 5} {
			fn := &fakeNet{clock: newFakeClock()}
			c := newFakeClient(t, Config{MaxRetries: n, Timeout: 50 * time.Millisecond}, fn)
			_, err := tier.call(c, context.Background(), scenarioRequest())
			be := asBridgeError(t, err)
			if be.Kind != KindTimeout || be.Operation != tier.op {
				t.Fatalf("%s n=%d: expected Timeout(%s), got %+v", tier.name, n, tier.op, be)
			}
			if _, _, connects, requests, _ := fn.counts(); connects != n || requests != n {
				t.Fatalf("%s n=%d: connects=%d requests=%d", tier.name, n, connects, requests)
			}
			assertHygiene(t, fn)
		}
	}
}

func TestRequestRecoversAfterTimeouts(t *testing.T) {
	testlog.Start(t)

	fn := &fakeNet{clock: newFakeClock(), respond: func(n int, req envelope.Request) [][]byte {
		if n < 3 {
			return nil
		}
		return summingPeer(n, req)
	}}
	c := newFakeClient(t, Config{MaxRetries: 3, Timeout: 100 * time.Millisecond}, fn)
	resp, err := c.Request(context.Background(), scenarioRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum, _ := resp.Sum(); sum != 10 {
		t.Fatalf("unexpected sum %v", sum)
	}
	if got := fn.clock.Sleeps(); len(got) != 2 || got[0] != 100*time.Millisecond || got[1] != 100*time.Millisecond {
		t.Fatalf("unexpected backoff %v", got)
	}
	assertHygiene(t, fn)
}

func TestParanoidBackoffIsExponential(t *testing.T) {
	testlog.Start(t)

	fn := &fakeNet{clock: newFakeClock()}
	base := 50 * time.Millisecond
	c := newFakeClient(t, Config{
		MaxRetries: 4,
		Timeout:    time.Second,
		Heartbeat:  HeartbeatConfig{Interval: 100 * time.Millisecond, Liveness: 3},
		Backoff:    BackoffConfig{InitialDelay: base, Multiplier: 2},
	}, fn)
	if _, err := c.ParanoidRequest(context.Background(), scenarioRequest()); err == nil {
		t.Fatalf("expected failure against silent peer")
	}
	got := fn.clock.Sleeps()
	want := []time.Duration{base, 2 * base, 4 * base}
	if len(got) != len(want) {
		t.Fatalf("unexpected backoff count: got=%v want=%v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("backoff[%d]=%s want %s", i, got[i], want[i])
		}
		if i > 0 && got[i] <= got[i-1] {
			t.Fatalf("backoff not strictly increasing: %v", got)
		}
	}
	assertHygiene(t, fn)
}

func TestHeartbeatEarlyExit(t *testing.T) {
	testlog.Start(t)

	fn := &fakeNet{clock: newFakeClock()}
	c := newFakeClient(t, Config{
		MaxRetries: 1,
		Timeout:    10 * time.Second,
		Heartbeat:  HeartbeatConfig{Interval: 100 * time.Millisecond, Liveness: 3},
	}, fn)
	start := fn.clock.Now()
	_, err := c.ParanoidRequest(context.Background(), scenarioRequest())
	elapsed := fn.clock.Now().Sub(start)

	be := asBridgeError(t, err)
	if be.Kind != KindTimeout || be.Operation != OpParanoidRequest || be.TimeoutMS != 10000 {
		t.Fatalf("expected Timeout(paranoid_request, 10000), got %+v", be)
	}
	if _, _, _, _, probes := fn.counts(); probes != 3 {
		t.Fatalf("expected exactly 3 probes, got %d", probes)
	}
	if elapsed >= 10*time.Second {
		t.Fatalf("attempt was not abandoned early: %s", elapsed)
	}
	if elapsed != 400*time.Millisecond {
		t.Fatalf("expected abandon at the 4th probe boundary, got %s", elapsed)
	}
	assertHygiene(t, fn)
}

func TestHeartbeatAckKeepsPeerAlive(t *testing.T) {
	testlog.Start(t)

	fn := &fakeNet{clock: newFakeClock(), ackProbes: true}
	c := newFakeClient(t, Config{
		MaxRetries: 1,
		Timeout:    time.Second,
		Heartbeat:  HeartbeatConfig{Interval: 100 * time.Millisecond, Liveness: 3},
	}, fn)
	start := fn.clock.Now()
	_, err := c.ParanoidRequest(context.Background(), scenarioRequest())
	if be := asBridgeError(t, err); be.Kind != KindTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
	if elapsed := fn.clock.Now().Sub(start); elapsed < time.Second {
		t.Fatalf("acked peer abandoned early after %s", elapsed)
	}
	if _, _, _, _, probes := fn.counts(); probes <= 3 {
		t.Fatalf("expected probing past the liveness limit, got %d probes", probes)
	}
	assertHygiene(t, fn)
}

func TestParanoidCorrelationRejectsStaleReplies(t *testing.T) {
	testlog.Start(t)

	var seen []string
	fn := &fakeNet{clock: newFakeClock(), respond: func(n int, req envelope.Request) [][]byte {
		seen = append(seen, req.CorrelationID)
		stale := envelope.Success(999)
		stale.CorrelationID = "pfx_0_1"
		staleData, err := envelope.Default().EncodeResponse(stale, envelope.FormatJSON)
		if err != nil {
			panic(err)
		}
		return append([][]byte{staleData}, summingPeer(n, req)...)
	}}
	c := newFakeClient(t, Config{MaxRetries: 2, Timeout: time.Second, CorrelationPrefix: "pfx"}, fn)
	resp, err := c.ParanoidRequest(context.Background(), scenarioRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum, _ := resp.Sum(); sum != 10 {
		t.Fatalf("stale reply accepted: sum=%v", sum)
	}
	if len(seen) != 1 || !regexp.MustCompile(`^pfx_1_\d+$`).MatchString(seen[0]) {
		t.Fatalf("unexpected correlation ids %v", seen)
	}
	if resp.CorrelationID != seen[0] {
		t.Fatalf("reply correlation %q does not match request %q", resp.CorrelationID, seen[0])
	}
	assertHygiene(t, fn)
}

func TestRequestOmitsCorrelationID(t *testing.T) {
	testlog.Start(t)

	var got []string
	fn := &fakeNet{clock: newFakeClock(), respond: func(n int, req envelope.Request) [][]byte {
		got = append(got, req.CorrelationID)
		return summingPeer(n, req)
	}}
	c := newFakeClient(t, Config{MaxRetries: 1, Timeout: time.Second}, fn)
	if _, err := c.Request(context.Background(), scenarioRequest()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	req := scenarioRequest()
	req.CorrelationID = "caller-set"
	if _, err := c.Request(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0] != "" || got[1] != "" {
		t.Fatalf("plain request carried a correlation id: %q", got)
	}
}

func TestRoundTripZeroAndNegative(t *testing.T) {
	testlog.Start(t)

	for _, tier := range tiers {
		fn := &fakeNet{clock: newFakeClock(), respond: summingPeer}
		c := newFakeClient(t, Config{MaxRetries: 1, Timeout: time.Second}, fn)
		req := scenarioRequest()
		req.Matrix = [][]int64{{0, -1, 0}, {-5, 0, 2}}
		resp, err := tier.call(c, context.Background(), req)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tier.name, err)
		}
		if sum, _ := resp.Sum(); sum != -4 {
			t.Fatalf("%s: expected -4, got %v", tier.name, sum)
		}
	}
}

func TestCancellationDuringBackoffClosesSockets(t *testing.T) {
	testlog.Start(t)

	for _, tier := range tiers {
		fn := &fakeNet{clock: newFakeClock()}
		ctx, cancel := context.WithCancel(context.Background())
		sleep := func(ctx context.Context, d time.Duration) error {
			cancel()
			return ctx.Err()
		}
		c, err := New(Config{MaxRetries: 5, Timeout: 100 * time.Millisecond}, WithDriver(fn), WithClock(fn.clock.Now, sleep))
		if err != nil {
			t.Fatalf("new client: %v", err)
		}
		_, err = tier.call(c, ctx, scenarioRequest())
		be := asBridgeError(t, err)
		if be.Kind != KindTimeout || !errors.Is(err, context.Canceled) {
			t.Fatalf("%s: expected cancellation as timeout, got %v", tier.name, err)
		}
		if _, _, _, requests, _ := fn.counts(); requests != 1 {
			t.Fatalf("%s: expected one attempt before cancellation, got %d", tier.name, requests)
		}
		assertHygiene(t, fn)
	}
}

func TestCancelledBeforeStartOpensNothing(t *testing.T) {
	testlog.Start(t)

	fn := &fakeNet{clock: newFakeClock(), respond: summingPeer}
	c := newFakeClient(t, Config{}, fn)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Request(ctx, scenarioRequest())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if opened, _, _, _, _ := fn.counts(); opened != 0 {
		t.Fatalf("opened %d sockets after cancellation", opened)
	}
}

func TestDoPicksTierFromConfig(t *testing.T) {
	testlog.Start(t)

	for _, hb := range []bool{false, true} {
		fn := &fakeNet{clock: newFakeClock(), respond: summingPeer}
		c := newFakeClient(t, Config{MaxRetries: 1, HeartbeatEnabled: hb}, fn)
		if _, err := c.Do(context.Background(), scenarioRequest()); err != nil {
			t.Fatalf("heartbeat=%v: %v", hb, err)
		}
		want := transport.KindReq
		if hb {
			want = transport.KindDealer
		}
		if len(fn.kinds) != 1 || fn.kinds[0] != want {
			t.Fatalf("heartbeat=%v: opened %v, want %s", hb, fn.kinds, want)
		}
	}
}

func TestPendingTracksInFlightCall(t *testing.T) {
	testlog.Start(t)

	var c *Client
	var during []PendingCall
	fn := &fakeNet{clock: newFakeClock(), respond: func(n int, req envelope.Request) [][]byte {
		during = c.Pending()
		return summingPeer(n, req)
	}}
	c = newFakeClient(t, Config{MaxRetries: 1, Timeout: time.Second}, fn)
	if _, err := c.ParanoidRequest(context.Background(), scenarioRequest()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(during) != 1 || during[0].Operation != OpParanoidRequest || during[0].Attempts != 1 || during[0].CorrelationID == "" {
		t.Fatalf("unexpected pending snapshot %+v", during)
	}
	if left := c.Pending(); len(left) != 0 {
		t.Fatalf("pending table not drained: %+v", left)
	}
}

func TestConfigValidation(t *testing.T) {
	testlog.Start(t)

	bad := []Config{
		{MaxRetries: -1},
		{Timeout: -time.Second},
		{Heartbeat: HeartbeatConfig{Liveness: -2}},
		{Heartbeat: HeartbeatConfig{Interval: -time.Millisecond}},
		{Endpoint: "udp://nowhere"},
		{CorrelationPrefix: "has space"},
	}
	for _, cfg := range bad {
		if _, err := New(cfg, WithDriver(&fakeNet{clock: newFakeClock()})); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("config %+v: expected ErrInvalidConfig, got %v", cfg, err)
		}
	}

	cfg := Config{Heartbeat: HeartbeatConfig{Interval: 200 * time.Millisecond, Liveness: 4}}.WithDefaults()
	if cfg.Heartbeat.Expiry != time.Second {
		t.Fatalf("expected derived expiry 1s, got %s", cfg.Heartbeat.Expiry)
	}
	if cfg.MaxRetries != 3 || cfg.Endpoint != DefaultEndpoint || cfg.CorrelationPrefix == "" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}
