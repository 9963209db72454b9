package codec

import (
	"bytes"
	"encoding/json"
)

var null = []byte("null")

// JSONCodec uses encoding/json for params and results.
type JSONCodec struct{}

// Encode marshals v. nil and JSON null encode to nil so the field is omitted from the line.
func (c *JSONCodec) Encode(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		if bytes.Equal(raw, null) {
			return nil, nil
		}
		return raw, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if bytes.Equal(data, null) {
		return nil, nil
	}
	return data, nil
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
