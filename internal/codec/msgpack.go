package codec

import (
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// MsgpackCodec handles MessagePack documents. It is the compact format used
// when repositories are not meant to be inspected by hand.
type MsgpackCodec struct{}

// NewMsgpackCodec creates a new MessagePack codec
func NewMsgpackCodec() *MsgpackCodec {
	return &MsgpackCodec{}
}

// Format returns the codec format identifier
func (c *MsgpackCodec) Format() Format {
	return FormatMsgpack
}

// Encode writes doc as a MessagePack map
func (c *MsgpackCodec) Encode(w io.Writer, doc *Document) error {
	encoder := msgpack.NewEncoder(w)
	encoder.SetSortMapKeys(true)

	if err := encoder.Encode(ToMap(doc)); err != nil {
		return fmt.Errorf("failed to encode msgpack: %w", err)
	}

	return nil
}

// Decode reads one MessagePack document
func (c *MsgpackCodec) Decode(r io.Reader) (*Document, error) {
	decoder := msgpack.NewDecoder(r)
	decoder.UseLooseInterfaceDecoding(true)

	raw, err := decoder.DecodeInterface()
	if err != nil {
		return nil, fmt.Errorf("failed to parse msgpack: %w", err)
	}

	m, err := asStringMap(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse msgpack: %w", err)
	}

	return FromMap(m)
}
