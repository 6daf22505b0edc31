package transfer

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/scrypster/mailvault/internal/codec"
)

// DecodeFunc validates one stored value and returns its canonical JSON form.
// Errors wrap codec.ErrDecode.
type DecodeFunc func(key string, raw []byte) (json.RawMessage, error)

// DecodeAny accepts any well-formed JSON value.
func DecodeAny(key string, raw []byte) (json.RawMessage, error) {
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: %s: value is not valid JSON", codec.ErrDecode, key)
	}
	return compact(raw)
}

// DecodeObject accepts only JSON objects. User and message records are always
// stored as objects; anything else is a corrupt record.
func DecodeObject(key string, raw []byte) (json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", codec.ErrDecode, key, err)
	}
	if obj == nil {
		return nil, fmt.Errorf("%w: %s: expected a JSON object, got null", codec.ErrDecode, key)
	}
	return compact(raw)
}

// DecodeObjectOrArray accepts a JSON object or array. Mailbox entries are
// either settings objects or indexes holding a list of message IDs.
func DecodeObjectOrArray(key string, raw []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return nil, fmt.Errorf("%w: %s: expected a JSON object or array", codec.ErrDecode, key)
	}
	return DecodeAny(key, trimmed)
}

func compact(raw []byte) (json.RawMessage, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, fmt.Errorf("%w: %w", codec.ErrDecode, err)
	}
	return json.RawMessage(buf.Bytes()), nil
}
