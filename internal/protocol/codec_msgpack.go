package protocol

import (
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// MsgpackCodec streams MessagePack values; msgpack is self-delimiting so no framing is added.
type MsgpackCodec struct{}

func (MsgpackCodec) NewEncoder(w io.Writer) Encoder {
	enc := msgpack.NewEncoder(w)
	return enc
}

func (MsgpackCodec) NewDecoder(r io.Reader) Decoder {
	dec := msgpack.NewDecoder(r)
	dec.DisallowUnknownFields(true)
	return dec
}

func (MsgpackCodec) Name() string { return CodecNameMsgpack }
