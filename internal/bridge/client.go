package bridge

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/bridgectl/internal/observability"
	"github.com/danmuck/bridgectl/internal/protocol/envelope"
	"github.com/danmuck/bridgectl/internal/transport"
	"github.com/rs/zerolog/log"
)

const (
	tierRequest  = "request"
	tierParanoid = "paranoid"
)

// Client issues reliable requests against one endpoint. It is safe for
// concurrent use; every call owns its own sockets.
type Client struct {
	cfg    Config
	driver transport.Driver
	codec  *envelope.Codec

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
	epoch time.Time

	rngMu sync.Mutex
	rng   *rand.Rand

	pending *pendingTable
	seq     atomic.Uint64
}

type Option func(*Client)

// WithDriver sets the socket source. The process-wide transport context is
// used otherwise.
func WithDriver(d transport.Driver) Option {
	return func(c *Client) { c.driver = d }
}

func WithCodec(codec *envelope.Codec) Option {
	return func(c *Client) { c.codec = codec }
}

// WithClock replaces the time source and the backoff sleeper.
func WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

func WithRand(rng *rand.Rand) Option {
	return func(c *Client) { c.rng = rng }
}

func New(cfg Config, opts ...Option) (*Client, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Client{
		cfg:     cfg,
		codec:   envelope.Default(),
		now:     time.Now,
		sleep:   sleepContext,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		pending: newPendingTable(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.driver == nil {
		c.driver = transport.Default()
	}
	c.epoch = c.now()
	return c, nil
}

func (c *Client) Config() Config {
	return c.cfg
}

// Pending returns a snapshot of calls in flight, oldest first.
func (c *Client) Pending() []PendingCall {
	return c.pending.List()
}

// Do dispatches to ParanoidRequest when heartbeats are enabled, Request otherwise.
func (c *Client) Do(ctx context.Context, req envelope.Request) (envelope.Response, error) {
	if c.cfg.HeartbeatEnabled {
		return c.ParanoidRequest(ctx, req)
	}
	return c.Request(ctx, req)
}

// Request is the plain call: bounded receive per attempt, a linear pause of
// one timeout after each non-responsive attempt, no retry on application or
// decode failures. Correlation ids never go out on this path.
func (c *Client) Request(ctx context.Context, req envelope.Request) (envelope.Response, error) {
	start := c.now()
	req.CorrelationID = ""
	payload, err := c.codec.EncodeRequest(req)
	if err != nil {
		return envelope.Response{}, Serialization("encode request: "+err.Error(), err)
	}
	callID := c.track(OpRequest)
	defer c.pending.Remove(callID)

	m := c.begin(NewMachine(OpRequest, c.cfg.Timeout, c.cfg.MaxRetries, true))
	var resp envelope.Response
	for !m.Done() {
		switch m.Phase {
		case PhaseAttempting:
			if ctx.Err() != nil {
				m = c.apply(m, Event{Kind: EventCancelled, Err: cancelled(ctx, OpRequest, c.cfg.Timeout)})
				continue
			}
			c.pending.MarkAttempt(callID, "", c.now())
			m, resp = c.attemptReq(ctx, m, payload, req.Type)
			if m.Last != nil {
				c.pending.MarkError(callID, m.Last)
			}
		case PhaseBackoff:
			m = c.backoff(ctx, m, LinearBackoff(c.cfg.Timeout))
		}
	}
	return c.finish(tierRequest, m, resp, start)
}

func (c *Client) attemptReq(ctx context.Context, m Machine, payload []byte, reqType envelope.RequestType) (Machine, envelope.Response) {
	endpoint := c.cfg.Endpoint
	sock, err := c.driver.Open(transport.KindReq)
	if err != nil {
		return c.fault(m, tierRequest, ClassifyTransport(err, endpoint)), envelope.Response{}
	}
	defer closeSocket(sock)
	stop := context.AfterFunc(ctx, func() { _ = sock.Close() })
	defer stop()

	if err := sock.Connect(endpoint); err != nil {
		return c.transportFault(ctx, m, tierRequest, err), envelope.Response{}
	}
	if err := sock.SetReceiveTimeout(c.cfg.Timeout); err != nil {
		return c.transportFault(ctx, m, tierRequest, err), envelope.Response{}
	}
	if err := sock.Send(payload); err != nil {
		return c.transportFault(ctx, m, tierRequest, err), envelope.Response{}
	}
	m = c.apply(m, Event{Kind: EventSent})

	data, err := sock.Receive()
	if err != nil {
		if ctx.Err() != nil {
			return c.apply(m, Event{Kind: EventCancelled, Err: cancelled(ctx, OpRequest, c.cfg.Timeout)}), envelope.Response{}
		}
		if errors.Is(err, transport.ErrTimeout) {
			observability.RecordAttempt(tierRequest, "timeout")
			log.Debug().Int("attempt", m.Attempt).Str("endpoint", endpoint).Msg("bridge.Client.Request receive timeout")
			return c.apply(m, Event{Kind: EventTimeout, Err: Timeout(transport.OpReceive, c.cfg.Timeout, err)}), envelope.Response{}
		}
		return c.transportFault(ctx, m, tierRequest, err), envelope.Response{}
	}
	return c.reply(m, tierRequest, reqType, data)
}

// ParanoidRequest is the heartbeat call: a correlation id per attempt, heartbeat
// probes while waiting, early abandon of a silent peer, and exponential
// backoff between cycles.
func (c *Client) ParanoidRequest(ctx context.Context, req envelope.Request) (envelope.Response, error) {
	start := c.now()
	callID := c.track(OpParanoidRequest)
	defer c.pending.Remove(callID)

	m := c.begin(NewMachine(OpParanoidRequest, c.cfg.Timeout, c.cfg.MaxRetries, false))
	var resp envelope.Response
	for !m.Done() {
		switch m.Phase {
		case PhaseAttempting:
			if ctx.Err() != nil {
				m = c.apply(m, Event{Kind: EventCancelled, Err: cancelled(ctx, OpParanoidRequest, c.cfg.Timeout)})
				continue
			}
			attemptReq := req
			attemptReq.CorrelationID = c.correlationID(m.Attempt)
			c.pending.MarkAttempt(callID, attemptReq.CorrelationID, c.now())
			m, resp = c.attemptParanoid(ctx, m, attemptReq, callID)
			if m.Last != nil {
				c.pending.MarkError(callID, m.Last)
			}
		case PhaseBackoff:
			m = c.backoff(ctx, m, c.nextBackoff(m.Attempt))
		}
	}
	return c.finish(tierParanoid, m, resp, start)
}

func (c *Client) attemptParanoid(ctx context.Context, m Machine, req envelope.Request, callID string) (Machine, envelope.Response) {
	endpoint := c.cfg.Endpoint
	payload, err := c.codec.EncodeRequest(req)
	if err != nil {
		return c.apply(m, Event{Kind: EventAppFault, Err: Serialization("encode request: "+err.Error(), err)}), envelope.Response{}
	}

	sock, err := c.driver.Open(transport.KindDealer)
	if err != nil {
		return c.fault(m, tierParanoid, ClassifyTransport(err, endpoint)), envelope.Response{}
	}
	defer closeSocket(sock)
	stop := context.AfterFunc(ctx, func() { _ = sock.Close() })
	defer stop()

	if err := sock.Connect(endpoint); err != nil {
		return c.transportFault(ctx, m, tierParanoid, err), envelope.Response{}
	}
	if err := sock.Send(payload); err != nil {
		return c.transportFault(ctx, m, tierParanoid, err), envelope.Response{}
	}
	m = c.apply(m, Event{Kind: EventSent})

	now := c.now()
	deadline := now.Add(c.cfg.Timeout)
	live := NewLiveness(c.cfg.Heartbeat, now)
	for {
		now = c.now()
		if !now.Before(deadline) {
			observability.RecordAttempt(tierParanoid, "timeout")
			return c.apply(m, Event{Kind: EventTimeout}), envelope.Response{}
		}
		if live.Dead(now) {
			observability.RecordHeartbeat("dead")
			observability.RecordAttempt(tierParanoid, "peer_dead")
			log.Warn().
				Int("attempt", m.Attempt).
				Int("probes", live.Sent).
				Str("correlation_id", req.CorrelationID).
				Msg("bridge.Client.ParanoidRequest peer dead")
			return c.apply(m, Event{Kind: EventPeerDead}), envelope.Response{}
		}
		if live.ProbeDue(now) {
			if err := sock.Send(envelope.EncodeHeartbeat()); err != nil {
				return c.transportFault(ctx, m, tierParanoid, err), envelope.Response{}
			}
			live = live.ProbeSent(now)
			c.pending.MarkProbe(callID)
			observability.RecordHeartbeat("probe")
			continue
		}

		if err := sock.SetReceiveTimeout(live.Wait(now, deadline)); err != nil {
			return c.transportFault(ctx, m, tierParanoid, err), envelope.Response{}
		}
		data, err := sock.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return c.apply(m, Event{Kind: EventCancelled, Err: cancelled(ctx, OpParanoidRequest, c.cfg.Timeout)}), envelope.Response{}
			}
			if errors.Is(err, transport.ErrTimeout) {
				continue
			}
			return c.transportFault(ctx, m, tierParanoid, err), envelope.Response{}
		}

		live = live.Signal(c.now())
		if envelope.IsHeartbeatAck(data) {
			observability.RecordHeartbeat("ack")
			continue
		}
		if corr := replyCorrelation(c.codec, data); corr != "" && corr != req.CorrelationID {
			observability.RecordHeartbeat("stale")
			log.Debug().Str("want", req.CorrelationID).Str("got", corr).Msg("bridge.Client.ParanoidRequest stale reply")
			continue
		}
		return c.reply(m, tierParanoid, req.Type, data)
	}
}

func replyCorrelation(codec *envelope.Codec, data []byte) string {
	resp, err := codec.DecodeResponse(data)
	if err != nil {
		return ""
	}
	return resp.CorrelationID
}

func (c *Client) reply(m Machine, tier string, reqType envelope.RequestType, data []byte) (Machine, envelope.Response) {
	resp, be := ClassifyReply(c.codec, reqType, data)
	if be != nil {
		observability.RecordAttempt(tier, be.Kind.String())
		return c.apply(m, Event{Kind: EventAppFault, Err: be}), resp
	}
	observability.RecordAttempt(tier, "ok")
	return c.apply(m, Event{Kind: EventReply}), resp
}

func (c *Client) transportFault(ctx context.Context, m Machine, tier string, err error) Machine {
	if ctx.Err() != nil {
		return c.apply(m, Event{Kind: EventCancelled, Err: cancelled(ctx, m.Operation, c.cfg.Timeout)})
	}
	return c.fault(m, tier, ClassifyTransport(err, c.cfg.Endpoint))
}

func (c *Client) fault(m Machine, tier string, be *Error) Machine {
	observability.RecordAttempt(tier, be.Kind.String())
	log.Debug().
		Int("attempt", m.Attempt).
		Str("kind", be.Kind.String()).
		Err(be).
		Msg("bridge.Client attempt fault")
	return c.apply(m, Event{Kind: EventTransportFault, Err: be})
}

func (c *Client) backoff(ctx context.Context, m Machine, delay time.Duration) Machine {
	if err := c.sleep(ctx, delay); err != nil {
		return c.apply(m, Event{Kind: EventCancelled, Err: cancelled(ctx, m.Operation, c.cfg.Timeout)})
	}
	return c.apply(m, Event{Kind: EventBackoffElapsed})
}

func (c *Client) nextBackoff(attempt int) time.Duration {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return NextBackoffDelay(c.cfg.Backoff, attempt, c.rng)
}

func (c *Client) begin(m Machine) Machine {
	return c.apply(m, Event{Kind: EventStart})
}

// apply advances the machine. An invalid transition is a programming error
// in the attempt loop and ends the call as a network fault instead of
// spinning.
func (c *Client) apply(m Machine, ev Event) Machine {
	next, err := transition(m, ev)
	if err != nil {
		log.Error().Err(err).Msg("bridge.Client.apply")
		return fail(m, Network(err.Error(), err))
	}
	return next
}

func (c *Client) finish(tier string, m Machine, resp envelope.Response, start time.Time) (envelope.Response, error) {
	took := c.now().Sub(start)
	if m.Phase == PhaseSuccess {
		observability.RecordCall(tier, "success", took)
		return resp, nil
	}
	be := m.Err
	if be == nil {
		be = Timeout(m.Operation, c.cfg.Timeout, nil)
	}
	observability.RecordCall(tier, be.Kind.String(), took)
	log.Info().
		Str("tier", tier).
		Str("endpoint", c.cfg.Endpoint).
		Int("attempts", m.Attempt).
		Dur("took", took).
		Err(be).
		Msg("bridge.Client call failed")
	return resp, be
}

func (c *Client) track(op string) string {
	id := c.cfg.CorrelationPrefix + "-" + strconv.FormatUint(c.seq.Add(1), 10)
	c.pending.Upsert(PendingCall{
		CallID:    id,
		Operation: op,
		Endpoint:  c.cfg.Endpoint,
		StartedAt: c.now(),
	})
	return id
}

// correlationID is prefix_attempt_monotonicNanos.
func (c *Client) correlationID(attempt int) string {
	return fmt.Sprintf("%s_%d_%d", c.cfg.CorrelationPrefix, attempt, c.now().Sub(c.epoch).Nanoseconds())
}

func closeSocket(sock transport.Socket) {
	if err := sock.Close(); err != nil && !errors.Is(err, transport.ErrClosed) {
		log.Debug().Err(err).Msg("bridge.closeSocket")
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
