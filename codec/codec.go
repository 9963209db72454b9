// Package codec turns messages into NDJSON lines and back.
//
// Every message is exactly one line: the JSON encoding of the envelope followed by '\n'.
// encoding/json escapes control characters inside strings, so a record can never carry
// a raw newline and the line boundary is the only framing the stream needs.
package codec

type CodecType byte

const (
	CodecTypeJSON CodecType = 0
)

// Codec serializes params and results carried inside the envelope.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType
}

// GetCodec returns the codec for codecType. JSON is the only payload format.
func GetCodec(codecType CodecType) Codec {
	return &JSONCodec{}
}
