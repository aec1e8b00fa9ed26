// Package codec provides a gob based gRPC codec, so transport
// envelopes can be plain Go structs instead of generated protobuf
// messages.
package codec

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// Name of the codec, used as the gRPC content subtype.
const Name = "gob"

func init() {
	encoding.RegisterCodec(GobCodec{})
}

// GobCodec is a generic gob based codec that'll work for any go type.
type GobCodec struct{}

// Marshal returns v as bytes.
func (GobCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("codec: gob marshal %T: %w", v, err)
	}
	return buf.Bytes(), nil
}

// Unmarshal parses data into instance v.
func (GobCodec) Unmarshal(data []byte, v interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("codec: gob unmarshal %T: %w", v, err)
	}
	return nil
}

// Name of the codec.
func (GobCodec) Name() string {
	return Name
}
