package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/danmuck/bridgectl/internal/observability"
	cbor "github.com/fxamacker/cbor/v2"
	"github.com/golang/snappy"
	"github.com/tidwall/gjson"
)

// Format identifies a wire encoding. The numeric values double as tag bytes.
type Format uint8

const (
	FormatAuto Format = 0
	FormatJSON Format = 1
	FormatCBOR Format = 2

	tagCompressed byte = 0x80
)

func (f Format) String() string {
	switch f {
	case FormatAuto:
		return "auto"
	case FormatJSON:
		return "json"
	case FormatCBOR:
		return "cbor"
	default:
		return fmt.Sprintf("format(%d)", uint8(f))
	}
}

// ParseFormat maps a config name to a Format.
func ParseFormat(raw string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "json":
		return FormatJSON, nil
	case "cbor":
		return FormatCBOR, nil
	case "auto":
		return FormatAuto, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownFormat, raw)
	}
}

// Options configures a Codec.
type Options struct {
	Format   Format
	Compress bool
	// JSONThreshold is the matrix element count below which FormatAuto picks JSON.
	JSONThreshold   int
	MaxDecodedBytes int
}

func DefaultOptions() Options {
	return Options{
		Format:          FormatJSON,
		JSONThreshold:   1000,
		MaxDecodedBytes: 8 * 1024 * 1024,
	}
}

// Codec encodes and decodes envelopes. It is safe for concurrent use.
type Codec struct {
	opts Options
	enc  cbor.EncMode
	dec  cbor.DecMode
}

func NewCodec(opts Options) (*Codec, error) {
	def := DefaultOptions()
	if opts.JSONThreshold <= 0 {
		opts.JSONThreshold = def.JSONThreshold
	}
	if opts.MaxDecodedBytes <= 0 {
		opts.MaxDecodedBytes = def.MaxDecodedBytes
	}
	switch opts.Format {
	case FormatAuto, FormatJSON, FormatCBOR:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, opts.Format)
	}
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, err
	}
	return &Codec{opts: opts, enc: em, dec: dm}, nil
}

var defaultCodec = mustCodec(DefaultOptions())

func mustCodec(opts Options) *Codec {
	c, err := NewCodec(opts)
	if err != nil {
		panic(err)
	}
	return c
}

// Default returns the plain-JSON codec.
func Default() *Codec {
	return defaultCodec
}

func (c *Codec) Options() Options {
	return c.opts
}

// EncodeRequest serializes req in the codec's format. correlation_id is omitted when empty.
func (c *Codec) EncodeRequest(req Request) ([]byte, error) {
	if req.SchemaVersion == 0 {
		req.SchemaVersion = CurrentSchema
	}
	format := c.opts.Format
	if format == FormatAuto {
		format = FormatJSON
		if req.Elements() >= c.opts.JSONThreshold {
			format = FormatCBOR
		}
	}
	return c.encode(req, format)
}

// DecodeRequest parses a request and reports the format it arrived in.
func (c *Codec) DecodeRequest(data []byte) (Request, Format, error) {
	body, format, err := c.unwrap(data)
	if err != nil {
		return Request{}, 0, err
	}
	var req Request
	if err := c.unmarshal(body, format, &req); err != nil {
		return Request{}, format, fmt.Errorf("%w: request: %v", ErrMalformed, err)
	}
	observability.RecordCodec(format.String(), "decode")
	return req, format, nil
}

// EncodeResponse serializes resp in format, typically the format the request used.
func (c *Codec) EncodeResponse(resp Response, format Format) ([]byte, error) {
	if format == FormatAuto {
		format = FormatJSON
	}
	return c.encode(resp, format)
}

// DecodeResponse parses a reply. The status discriminator is resolved before
// any other field is inspected; a reply without a recognizable status fails.
func (c *Codec) DecodeResponse(data []byte) (Response, error) {
	body, format, err := c.unwrap(data)
	if err != nil {
		return Response{}, err
	}

	status, err := c.peekStatus(body, format)
	if err != nil {
		return Response{}, err
	}
	switch status {
	case StatusSuccess, StatusError:
	default:
		return Response{}, fmt.Errorf("%w: %q", ErrUnknownStatus, status)
	}

	var resp Response
	if err := c.unmarshal(body, format, &resp); err != nil {
		return Response{}, fmt.Errorf("%w: response: %v", ErrMalformed, err)
	}
	resp.Status = status
	observability.RecordCodec(format.String(), "decode")
	return resp, nil
}

func (c *Codec) peekStatus(body []byte, format Format) (Status, error) {
	if format == FormatJSON {
		if !gjson.ValidBytes(body) {
			return "", fmt.Errorf("%w: invalid json", ErrMalformed)
		}
		st := gjson.GetBytes(body, "status")
		if !st.Exists() || st.Type != gjson.String {
			return "", ErrMissingStatus
		}
		return Status(st.String()), nil
	}
	var head struct {
		Status *string `json:"status"`
	}
	if err := c.dec.Unmarshal(body, &head); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if head.Status == nil {
		return "", ErrMissingStatus
	}
	return Status(*head.Status), nil
}

func (c *Codec) encode(v any, format Format) ([]byte, error) {
	var (
		body []byte
		err  error
	)
	switch format {
	case FormatJSON:
		body, err = json.Marshal(v)
	case FormatCBOR:
		body, err = c.enc.Marshal(v)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, format)
	}
	if err != nil {
		return nil, err
	}
	observability.RecordCodec(format.String(), "encode")

	if !c.opts.Compress {
		if format == FormatJSON {
			return body, nil
		}
		return append([]byte{byte(format)}, body...), nil
	}
	compressed := snappy.Encode(nil, body)
	return append([]byte{byte(format) | tagCompressed}, compressed...), nil
}

// Body returns the untagged, decompressed payload and the format it was
// written in.
func (c *Codec) Body(data []byte) ([]byte, Format, error) {
	return c.unwrap(data)
}

// unwrap strips the format tag and decompresses when needed.
func (c *Codec) unwrap(data []byte) ([]byte, Format, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, 0, ErrEmptyPayload
	}
	if trimmed[0] == '{' {
		return trimmed, FormatJSON, nil
	}

	tag := trimmed[0]
	format := Format(tag &^ tagCompressed)
	if format != FormatJSON && format != FormatCBOR {
		return nil, 0, fmt.Errorf("%w: tag=0x%02x", ErrUnknownFormat, tag)
	}
	body := trimmed[1:]
	if tag&tagCompressed == 0 {
		return body, format, nil
	}

	n, err := snappy.DecodedLen(body)
	if err != nil {
		return nil, format, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if n > c.opts.MaxDecodedBytes {
		return nil, format, fmt.Errorf("%w: %d > %d", ErrDecodedTooLarge, n, c.opts.MaxDecodedBytes)
	}
	out, err := snappy.Decode(nil, body)
	if err != nil {
		return nil, format, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return out, format, nil
}

func (c *Codec) unmarshal(body []byte, format Format, out any) error {
	if format == FormatJSON {
		return json.Unmarshal(body, out)
	}
	return c.dec.Unmarshal(body, out)
}

// EncodeRequest encodes with the default plain-JSON codec.
func EncodeRequest(req Request) ([]byte, error) {
	return defaultCodec.EncodeRequest(req)
}

// DecodeResponse decodes with the default codec. Every format is accepted.
func DecodeResponse(data []byte) (Response, error) {
	return defaultCodec.DecodeResponse(data)
}
