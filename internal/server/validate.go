package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/bridgectl/internal/protocol/envelope"
	"github.com/tidwall/gjson"
)

var (
	ErrInvalidRequest     = errors.New("server: invalid request")
	ErrUnsupportedSchema  = errors.New("server: unsupported schema version")
	ErrUnsupportedRequest = errors.New("server: unsupported request type")
)

// ValidateJSON checks a JSON request body against the matrix/model schema
// selected by its schema_version. A missing version selects v1, which then
// fails because v1 requires the field.
func ValidateJSON(body []byte) error {
	if !gjson.ValidBytes(body) {
		return fmt.Errorf("%w: invalid json", ErrInvalidRequest)
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return fmt.Errorf("%w: payload must be an object", ErrInvalidRequest)
	}

	version := envelope.SchemaV1
	sv := root.Get("schema_version")
	if sv.Exists() {
		// 1.0 names the same version as 1.
		if sv.Type != gjson.Number {
			return fmt.Errorf("%w: %s", ErrUnsupportedSchema, sv.Raw)
		}
		switch sv.Num {
		case envelope.SchemaV1, envelope.SchemaV2:
			version = int(sv.Num)
		default:
			return fmt.Errorf("%w: %s", ErrUnsupportedSchema, sv.Raw)
		}
	}

	for _, field := range []string{"schema_version", "matrix", "model"} {
		if !root.Get(field).Exists() {
			return fmt.Errorf("%w: %q is a required property", ErrInvalidRequest, field)
		}
	}

	matrix := root.Get("matrix")
	if !matrix.IsArray() {
		return fmt.Errorf("%w: matrix must be an array", ErrInvalidRequest)
	}
	for i, row := range matrix.Array() {
		if !row.IsArray() {
			return fmt.Errorf("%w: matrix[%d] must be an array", ErrInvalidRequest, i)
		}
		for j, cell := range row.Array() {
			if !isInteger(cell) {
				return fmt.Errorf("%w: matrix[%d][%d] is not an integer: %s", ErrInvalidRequest, i, j, cell.Raw)
			}
		}
	}

	model := root.Get("model")
	if !model.IsObject() {
		return fmt.Errorf("%w: model must be an object", ErrInvalidRequest)
	}
	for _, field := range []string{"name", "version"} {
		v := model.Get(field)
		if !v.Exists() {
			return fmt.Errorf("%w: model %q is a required property", ErrInvalidRequest, field)
		}
		if v.Type != gjson.String {
			return fmt.Errorf("%w: model.%s must be a string", ErrInvalidRequest, field)
		}
	}
	if version == envelope.SchemaV2 {
		if author := model.Get("author"); author.Exists() && author.Type != gjson.String {
			return fmt.Errorf("%w: model.author must be a string", ErrInvalidRequest)
		}
	}
	return nil
}

// ValidateRequest applies the same rules to an already decoded request.
// Binary formats carry no presence information, so empty model fields count
// as missing.
func ValidateRequest(req envelope.Request) error {
	switch req.SchemaVersion {
	case envelope.SchemaV1, envelope.SchemaV2:
	default:
		return fmt.Errorf("%w: %d", ErrUnsupportedSchema, req.SchemaVersion)
	}
	if req.Matrix == nil {
		return fmt.Errorf("%w: %q is a required property", ErrInvalidRequest, "matrix")
	}
	if strings.TrimSpace(req.Model.Name) == "" {
		return fmt.Errorf("%w: model %q is a required property", ErrInvalidRequest, "name")
	}
	if strings.TrimSpace(req.Model.Version) == "" {
		return fmt.Errorf("%w: model %q is a required property", ErrInvalidRequest, "version")
	}
	return nil
}

// isInteger accepts integer literals only; 1.0 and 1e3 would not decode
// into the request's integer matrix.
func isInteger(v gjson.Result) bool {
	if v.Type != gjson.Number {
		return false
	}
	return !strings.ContainsAny(v.Raw, ".eE")
}

// requestType reads the side-channel discriminator from a JSON body.
func requestType(body []byte) (envelope.RequestType, error) {
	t := gjson.GetBytes(body, "type")
	if !t.Exists() {
		return envelope.TypeCompute, nil
	}
	if t.Type != gjson.String {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedRequest, t.Raw)
	}
	return checkType(envelope.RequestType(t.String()))
}

func checkType(t envelope.RequestType) (envelope.RequestType, error) {
	switch t {
	case envelope.TypeCompute, envelope.TypeHealth, envelope.TypeMetrics:
		return t, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedRequest, string(t))
	}
}
