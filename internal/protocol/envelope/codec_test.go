package envelope

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/danmuck/bridgectl/internal/testutil/testlog"
)

func sampleRequest() Request {
	return Request{
		SchemaVersion: SchemaV1,
		Matrix:        [][]int64{{1, 2}, {3, 4}},
		Model:         Model{Name: "TestModel", Version: "0.1"},
	}
}

func TestEncodeRequestOmitsCorrelationWhenAbsent(t *testing.T) {
	testlog.Start(t)

	data, err := EncodeRequest(sampleRequest())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := `{"schema_version":1,"matrix":[[1,2],[3,4]],"model":{"name":"TestModel","version":"0.1"}}`
	if string(data) != want {
		t.Fatalf("unexpected wire json:\n got=%s\nwant=%s", data, want)
	}

	req := sampleRequest()
	req.CorrelationID = "bridge_1_42"
	data, err = EncodeRequest(req)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.Contains(string(data), `"correlation_id":"bridge_1_42"`) {
		t.Fatalf("expected correlation id on wire: %s", data)
	}
}

func TestEncodeRequestIsDeterministic(t *testing.T) {
	testlog.Start(t)

	a, err := EncodeRequest(sampleRequest())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	b, err := EncodeRequest(sampleRequest())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(a) != string(b) {
		t.Fatalf("non-deterministic encoding: %s vs %s", a, b)
	}
}

func TestRequestRoundTripAllFormats(t *testing.T) {
	testlog.Start(t)

	in := Request{
		SchemaVersion: SchemaV2,
		CorrelationID: "bridge_2_99",
		Matrix:        [][]int64{{0, -1, 7}, {-42, 0, 0}, {}},
		Model:         Model{Name: "AnotherModel", Version: "1.2", Author: "Jane Doe"},
	}
	for _, opts := range []Options{
		{Format: FormatJSON},
		{Format: FormatJSON, Compress: true},
		{Format: FormatCBOR},
		{Format: FormatCBOR, Compress: true},
	} {
		codec, err := NewCodec(opts)
		if err != nil {
			t.Fatalf("new codec: %v", err)
		}
		data, err := codec.EncodeRequest(in)
		if err != nil {
			t.Fatalf("encode %+v: %v", opts, err)
		}
		out, format, err := codec.DecodeRequest(data)
		if err != nil {
			t.Fatalf("decode %+v: %v", opts, err)
		}
		if format != opts.Format {
			t.Fatalf("format mismatch: got=%s want=%s", format, opts.Format)
		}
		if out.SchemaVersion != in.SchemaVersion || out.CorrelationID != in.CorrelationID || out.Model != in.Model {
			t.Fatalf("request mismatch %+v: in=%+v out=%+v", opts, in, out)
		}
		if len(out.Matrix) != len(in.Matrix) {
			t.Fatalf("matrix rows mismatch: %+v", out.Matrix)
		}
		for i := range in.Matrix {
			if len(out.Matrix[i]) != len(in.Matrix[i]) {
				t.Fatalf("row %d mismatch: %+v", i, out.Matrix[i])
			}
			for j := range in.Matrix[i] {
				if out.Matrix[i][j] != in.Matrix[i][j] {
					t.Fatalf("cell [%d][%d] mismatch: %d", i, j, out.Matrix[i][j])
				}
			}
		}
	}
}

func TestDecodeRequestIntegralSchemaVersion(t *testing.T) {
	testlog.Start(t)

	req, _, err := Default().DecodeRequest([]byte(`{"schema_version":1.0,"matrix":[[1]],"model":{"name":"m","version":"1"}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if req.SchemaVersion != SchemaV1 || req.Model.Name != "m" || len(req.Matrix) != 1 {
		t.Fatalf("unexpected request %+v", req)
	}
	if _, _, err := Default().DecodeRequest([]byte(`{"schema_version":1.5,"matrix":[[1]],"model":{"name":"m","version":"1"}}`)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestAutoFormatSelectsByElementCount(t *testing.T) {
	testlog.Start(t)

	codec, err := NewCodec(Options{Format: FormatAuto, JSONThreshold: 4})
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	small := Request{Matrix: [][]int64{{1, 2, 3}}}
	data, err := codec.EncodeRequest(small)
	if err != nil {
		t.Fatalf("encode small: %v", err)
	}
	if data[0] != '{' {
		t.Fatalf("expected plain json for small payload, tag=0x%02x", data[0])
	}

	large := Request{Matrix: [][]int64{{1, 2}, {3, 4}}}
	data, err = codec.EncodeRequest(large)
	if err != nil {
		t.Fatalf("encode large: %v", err)
	}
	if Format(data[0]) != FormatCBOR {
		t.Fatalf("expected cbor tag for large payload, tag=0x%02x", data[0])
	}
}

func TestDecodeResponseStatusFirst(t *testing.T) {
	testlog.Start(t)

	resp, err := DecodeResponse([]byte(`{"status":"success","matrix_sum":10.0,"model_checked":"TestModel","schema_version_used":1}`))
	if err != nil {
		t.Fatalf("decode success: %v", err)
	}
	sum, err := resp.Sum()
	if err != nil || sum != 10 {
		t.Fatalf("unexpected sum=%v err=%v", sum, err)
	}
	if resp.ModelChecked != "TestModel" || resp.SchemaVersionUsed != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}

	resp, err = DecodeResponse([]byte(`{"status":"error","message":"bad schema"}`))
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp.Status != StatusError || resp.Message != "bad schema" {
		t.Fatalf("unexpected error response: %+v", resp)
	}
}

func TestDecodeResponseMessageContainingStatusText(t *testing.T) {
	testlog.Start(t)

	raw := `{"status":"error","message":"upstream said \"status\":\"success\""}`
	resp, err := DecodeResponse([]byte(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != StatusError {
		t.Fatalf("message text leaked into status: %+v", resp)
	}

	raw = `{"message":"\"status\":\"success\""}`
	if _, err := DecodeResponse([]byte(raw)); !errors.Is(err, ErrMissingStatus) {
		t.Fatalf("expected ErrMissingStatus, got %v", err)
	}
}

func TestDecodeResponseRejectsMalformed(t *testing.T) {
	testlog.Start(t)

	cases := []struct {
		name string
		raw  string
		want error
	}{
		{"empty", "", ErrEmptyPayload},
		{"not json", "garbage", ErrUnknownFormat},
		{"truncated", `{"status":"succ`, ErrMalformed},
		{"no status", `{"matrix_sum":10}`, ErrMissingStatus},
		{"numeric status", `{"status":1}`, ErrMissingStatus},
		{"unknown status", `{"status":"maybe"}`, ErrUnknownStatus},
		{"bad sum", `{"status":"success","matrix_sum":"ten"}`, ErrMalformed},
	}
	for _, tc := range cases {
		if _, err := DecodeResponse([]byte(tc.raw)); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestNumberNonFiniteRoundTrip(t *testing.T) {
	testlog.Start(t)

	for _, opts := range []Options{{Format: FormatJSON}, {Format: FormatCBOR}} {
		codec, err := NewCodec(opts)
		if err != nil {
			t.Fatalf("new codec: %v", err)
		}
		for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1), 0, -3.5} {
			data, err := codec.EncodeResponse(Success(v), opts.Format)
			if err != nil {
				t.Fatalf("encode %v (%s): %v", v, opts.Format, err)
			}
			resp, err := codec.DecodeResponse(data)
			if err != nil {
				t.Fatalf("decode %v (%s): %v", v, opts.Format, err)
			}
			got, err := resp.Sum()
			if err != nil {
				t.Fatalf("sum %v: %v", v, err)
			}
			switch {
			case math.IsNaN(v):
				if !math.IsNaN(got) {
					t.Fatalf("expected NaN, got %v", got)
				}
			case got != v:
				t.Fatalf("expected %v, got %v", v, got)
			}
		}
	}
}

func TestCompressedPayloadLimit(t *testing.T) {
	testlog.Start(t)

	big, err := NewCodec(Options{Format: FormatJSON, Compress: true})
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	resp := Failure(strings.Repeat("x", 4096))
	data, err := big.EncodeResponse(resp, FormatJSON)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	small, err := NewCodec(Options{Format: FormatJSON, MaxDecodedBytes: 1024})
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	if _, err := small.DecodeResponse(data); !errors.Is(err, ErrDecodedTooLarge) {
		t.Fatalf("expected ErrDecodedTooLarge, got %v", err)
	}
}

func TestHeartbeatMarkers(t *testing.T) {
	testlog.Start(t)

	if !IsHeartbeat(EncodeHeartbeat()) {
		t.Fatalf("probe not recognized")
	}
	if IsHeartbeat([]byte(`{"status":"success"}`)) {
		t.Fatalf("envelope misread as probe")
	}
	if !IsHeartbeatAck(EncodeHeartbeatAck()) {
		t.Fatalf("ack not recognized")
	}
	if IsHeartbeatAck([]byte(`{"status":"error","message":"heartbeat_ack"}`)) {
		t.Fatalf("message text misread as ack")
	}
}

func TestParseFormat(t *testing.T) {
	testlog.Start(t)

	for raw, want := range map[string]Format{"": FormatJSON, "JSON": FormatJSON, "cbor": FormatCBOR, " auto ": FormatAuto} {
		got, err := ParseFormat(raw)
		if err != nil || got != want {
			t.Fatalf("ParseFormat(%q)=(%s,%v) want %s", raw, got, err, want)
		}
	}
	if _, err := ParseFormat("msgpack"); !errors.Is(err, ErrUnknownFormat) {
		t.Fatalf("expected ErrUnknownFormat, got %v", err)
	}
}
