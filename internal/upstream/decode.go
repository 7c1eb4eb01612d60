package upstream

import (
	"encoding/json"
	"fmt"
	"reconciler/internal/apperrors"

	"github.com/mitchellh/mapstructure"
)

type validator interface {
	validate() error
}

// decodeStrict decodes a response body into out and fails on any schema drift:
// invalid JSON, a non-object body, a missing field or a field of the wrong type.
// Unknown extra fields are ignored. out is left untouched by the caller on error.
func decodeStrict(op string, body []byte, out validator) error {
	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return apperrors.UpstreamProtocol(op, fmt.Errorf("invalid JSON body: %w", err))
	}
	if _, ok := raw.(map[string]any); !ok {
		return apperrors.UpstreamProtocol(op, fmt.Errorf("expected a JSON object, got %T", raw))
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnset: true,
		Result:     out,
	})
	if err != nil {
		return apperrors.Internal(op, err)
	}
	if err := decoder.Decode(raw); err != nil {
		return apperrors.UpstreamProtocol(op, fmt.Errorf("unexpected response shape: %w", err))
	}
	if err := out.validate(); err != nil {
		return apperrors.UpstreamProtocol(op, fmt.Errorf("unexpected response shape: %w", err))
	}
	return nil
}
