package server

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/danmuck/bridgectl/internal/observability"
	"github.com/danmuck/bridgectl/internal/protocol/envelope"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

const (
	kindHeartbeat = "heartbeat"
	kindInvalid   = "invalid"
)

// Handler turns one raw request into exactly one reply.
type Handler struct {
	registry   *Registry
	codec      *envelope.Codec
	instanceID string
	startedAt  time.Time
	now        func() time.Time
	requests   atomic.Uint64
}

// NewHandler builds a handler. Nil arguments select the default registry and
// the default codec.
func NewHandler(registry *Registry, codec *envelope.Codec) *Handler {
	if registry == nil {
		registry = NewRegistry()
	}
	if codec == nil {
		codec = envelope.Default()
	}
	return &Handler{
		registry:   registry,
		codec:      codec,
		instanceID: uuid.NewString(),
		startedAt:  time.Now(),
		now:        time.Now,
	}
}

// Codec is the codec requests are decoded with and replies encoded by.
func (h *Handler) Codec() *envelope.Codec {
	return h.codec
}

func (h *Handler) InstanceID() string {
	return h.instanceID
}

func (h *Handler) Requests() uint64 {
	return h.requests.Load()
}

// Handle never fails: malformed input, validation failures and computation
// errors all become status:"error" replies.
func (h *Handler) Handle(ctx context.Context, raw []byte) []byte {
	start := h.now()
	h.requests.Add(1)

	if envelope.IsHeartbeat(raw) {
		observability.RecordServerRequest(kindHeartbeat, string(envelope.StatusSuccess), h.now().Sub(start))
		return envelope.EncodeHeartbeatAck()
	}

	kind, resp, format := h.dispatch(ctx, raw)
	observability.RecordServerRequest(kind, string(resp.Status), h.now().Sub(start))

	out, err := h.codec.EncodeResponse(resp, format)
	if err != nil {
		log.Error().Err(err).Str("kind", kind).Msg("server.Handler.Handle encode")
		out, _ = envelope.Default().EncodeResponse(envelope.Failure("encode reply: "+err.Error()), envelope.FormatJSON)
	}
	return out
}

func (h *Handler) dispatch(ctx context.Context, raw []byte) (string, envelope.Response, envelope.Format) {
	body, format, err := h.codec.Body(raw)
	if err != nil {
		log.Debug().Err(err).Msg("server.Handler.dispatch unreadable payload")
		return kindInvalid, envelope.Failure(err.Error()), envelope.FormatJSON
	}

	var (
		req   envelope.Request
		rtype envelope.RequestType
	)
	if format == envelope.FormatJSON {
		correlation := gjson.GetBytes(body, "correlation_id").String()
		if rtype, err = requestType(body); err != nil {
			return kindInvalid, withCorrelation(envelope.Failure(err.Error()), correlation), format
		}
		if rtype == envelope.TypeCompute {
			if err := ValidateJSON(body); err != nil {
				log.Debug().Err(err).Msg("server.Handler.dispatch validation")
				return kindInvalid, withCorrelation(envelope.Failure(err.Error()), correlation), format
			}
		}
		if req, _, err = h.codec.DecodeRequest(raw); err != nil {
			return kindInvalid, withCorrelation(envelope.Failure(err.Error()), correlation), format
		}
	} else {
		if req, _, err = h.codec.DecodeRequest(raw); err != nil {
			return kindInvalid, envelope.Failure(err.Error()), format
		}
		if rtype, err = checkType(req.Type); err != nil {
			return kindInvalid, withCorrelation(envelope.Failure(err.Error()), req.CorrelationID), format
		}
		if rtype == envelope.TypeCompute {
			if err := ValidateRequest(req); err != nil {
				return kindInvalid, withCorrelation(envelope.Failure(err.Error()), req.CorrelationID), format
			}
		}
	}

	switch rtype {
	case envelope.TypeHealth:
		return string(envelope.TypeHealth), withCorrelation(h.health(), req.CorrelationID), format
	case envelope.TypeMetrics:
		return string(envelope.TypeMetrics), withCorrelation(h.metrics(), req.CorrelationID), format
	}
	return "compute", withCorrelation(h.compute(ctx, req), req.CorrelationID), format
}

func (h *Handler) compute(ctx context.Context, req envelope.Request) envelope.Response {
	sum, err := run(ctx, h.registry.Resolve(req.Model.Name), req)
	if err != nil {
		if errors.Is(err, ErrComputationPanic) {
			log.Error().Err(err).Str("model", req.Model.Name).Msg("server.Handler.compute")
		}
		return envelope.Failure(err.Error())
	}
	resp := envelope.Success(sum)
	resp.ModelChecked = req.Model.Name
	resp.SchemaVersionUsed = req.SchemaVersion
	return resp
}

func (h *Handler) health() envelope.Response {
	return envelope.Response{
		Status: envelope.StatusSuccess,
		Health: &envelope.Health{
			Status:     "ok",
			InstanceID: h.instanceID,
			UptimeMS:   h.now().Sub(h.startedAt).Milliseconds(),
			Requests:   h.requests.Load(),
		},
	}
}

func (h *Handler) metrics() envelope.Response {
	var buf bytes.Buffer
	if err := observability.WriteText(&buf); err != nil {
		return envelope.Failure("metrics: " + err.Error())
	}
	return envelope.Response{Status: envelope.StatusSuccess, Metrics: buf.String()}
}

func withCorrelation(resp envelope.Response, id string) envelope.Response {
	resp.CorrelationID = id
	return resp
}
