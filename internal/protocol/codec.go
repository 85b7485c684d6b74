package protocol

import (
	"encoding/json"
	"fmt"
	"io"
)

// Encoder writes values to a stream.
type Encoder interface {
	Encode(v any) error
}

// Decoder reads values from a stream.
type Decoder interface {
	Decode(v any) error
}

// Codec frames protocol envelopes on a byte stream.
type Codec interface {
	NewEncoder(w io.Writer) Encoder
	NewDecoder(r io.Reader) Decoder
	// Name returns the codec identifier used in configuration.
	Name() string
}

const (
	CodecNameJSON    = "json"
	CodecNameMsgpack = "msgpack"
)

// GetCodec returns a codec by name. An empty name selects JSON.
func GetCodec(name string) (Codec, error) {
	switch name {
	case CodecNameJSON, "":
		return JSONCodec{}, nil
	case CodecNameMsgpack:
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q (want %q or %q)", name, CodecNameJSON, CodecNameMsgpack)
	}
}

// JSONCodec writes one JSON document per line and decodes strictly.
type JSONCodec struct{}

func (JSONCodec) NewEncoder(w io.Writer) Encoder {
	return json.NewEncoder(w)
}

func (JSONCodec) NewDecoder(r io.Reader) Decoder {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields() // Strict parsing
	return dec
}

func (JSONCodec) Name() string { return CodecNameJSON }
