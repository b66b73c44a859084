package visualiser

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content subtype of the visualiser messages.
const CodecName = "cbor"

// maxDecodedArray bounds array lengths accepted from the wire.
const maxDecodedArray = 1 << 20

// cborCodec implements encoding.Codec for the visualiser messages.
type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORCodec() (*cborCodec, error) {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor enc mode: %w", err)
	}
	dec, err := cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxArrayElements: maxDecodedArray,
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("cbor dec mode: %w", err)
	}
	return &cborCodec{enc: enc, dec: dec}, nil
}

func (c *cborCodec) Marshal(v any) ([]byte, error) { return c.enc.Marshal(v) }

func (c *cborCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }

func (c *cborCodec) Name() string { return CodecName }

// Codec is the shared codec instance, registered with gRPC at init.
var Codec encoding.Codec

func init() {
	c, err := newCBORCodec()
	if err != nil {
		panic(err)
	}
	Codec = c
	encoding.RegisterCodec(c)
}
