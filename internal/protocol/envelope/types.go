package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

const (
	SchemaV1 = 1
	SchemaV2 = 2

	// CurrentSchema is the version stamped on requests built by this module.
	CurrentSchema = SchemaV1
)

var (
	ErrEmptyPayload    = errors.New("envelope: empty payload")
	ErrUnknownFormat   = errors.New("envelope: unknown wire format")
	ErrMalformed       = errors.New("envelope: malformed payload")
	ErrMissingStatus   = errors.New("envelope: missing status discriminator")
	ErrUnknownStatus   = errors.New("envelope: unknown status")
	ErrMissingResult   = errors.New("envelope: success response missing matrix_sum")
	ErrDecodedTooLarge = errors.New("envelope: decoded payload too large")
)

// Status is the response discriminator.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// RequestType selects the server-side handler for a request.
type RequestType string

const (
	TypeCompute RequestType = ""
	TypeHealth  RequestType = "health"
	TypeMetrics RequestType = "metrics"
)

// Model identifies the computation model the payload is checked against.
type Model struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Author  string `json:"author,omitempty"`
}

// Request is the client->server envelope.
type Request struct {
	SchemaVersion int         `json:"schema_version"`
	CorrelationID string      `json:"correlation_id,omitempty"`
	Type          RequestType `json:"type,omitempty"`
	Matrix        [][]int64   `json:"matrix"`
	Model         Model       `json:"model"`
}

// UnmarshalJSON accepts an integral schema_version written as a float
// (1.0, 2e0); fractional or out-of-range values are rejected.
func (r *Request) UnmarshalJSON(data []byte) error {
	type plain Request
	aux := struct {
		*plain
		SchemaVersion *json.Number `json:"schema_version"`
	}{plain: (*plain)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.SchemaVersion == nil {
		return nil
	}
	v, err := aux.SchemaVersion.Float64()
	if err != nil || v != math.Trunc(v) || v < math.MinInt32 || v > math.MaxInt32 {
		return fmt.Errorf("schema_version %s is not an integer", aux.SchemaVersion.String())
	}
	r.SchemaVersion = int(v)
	return nil
}

// Elements returns the number of matrix cells carried by the request.
func (r Request) Elements() int {
	n := 0
	for _, row := range r.Matrix {
		n += len(row)
	}
	return n
}

// Health is the side-channel liveness report.
type Health struct {
	Status     string `json:"status"`
	InstanceID string `json:"instance_id"`
	UptimeMS   int64  `json:"uptime_ms"`
	Requests   uint64 `json:"requests"`
}

// Response is the server->client envelope. Exactly one of the result fields
// or Message is meaningful depending on Status.
type Response struct {
	Status            Status  `json:"status"`
	MatrixSum         *Number `json:"matrix_sum,omitempty"`
	ModelChecked      string  `json:"model_checked,omitempty"`
	SchemaVersionUsed int     `json:"schema_version_used,omitempty"`
	CorrelationID     string  `json:"correlation_id,omitempty"`
	Message           string  `json:"message,omitempty"`
	Health            *Health `json:"health,omitempty"`
	Metrics           string  `json:"metrics,omitempty"`
}

// Sum returns the typed computation result.
func (r Response) Sum() (float64, error) {
	if r.Status != StatusSuccess || r.MatrixSum == nil {
		return 0, ErrMissingResult
	}
	return float64(*r.MatrixSum), nil
}

func Success(sum float64) Response {
	n := Number(sum)
	return Response{Status: StatusSuccess, MatrixSum: &n}
}

func Failure(message string) Response {
	return Response{Status: StatusError, Message: message}
}

// Number is a float64 whose JSON form tolerates NaN and infinities.
type Number float64

func (n Number) MarshalJSON() ([]byte, error) {
	f := float64(n)
	switch {
	case math.IsNaN(f):
		return []byte(`"NaN"`), nil
	case math.IsInf(f, 1):
		return []byte(`"Infinity"`), nil
	case math.IsInf(f, -1):
		return []byte(`"-Infinity"`), nil
	}
	return json.Marshal(f)
}

func (n *Number) UnmarshalJSON(data []byte) error {
	switch strings.TrimSpace(string(data)) {
	case `"NaN"`:
		*n = Number(math.NaN())
		return nil
	case `"Infinity"`, `"+Infinity"`:
		*n = Number(math.Inf(1))
		return nil
	case `"-Infinity"`:
		*n = Number(math.Inf(-1))
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("envelope: invalid number %s: %w", data, err)
	}
	*n = Number(f)
	return nil
}
