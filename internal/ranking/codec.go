package ranking

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ErrUnknownCodec is returned by CodecByName for unsupported names.
var ErrUnknownCodec = errors.New("unknown weights codec")

// Codec encodes model weights for a byte-oriented store.
type Codec interface {
	Name() string
	Marshal(w ModelWeights) ([]byte, error)
	Unmarshal(data []byte) (ModelWeights, error)
}

// JSONCodec stores weights as JSON.
type JSONCodec struct{}

// Name implements Codec.
func (JSONCodec) Name() string { return "json" }

// Marshal implements Codec.
func (JSONCodec) Marshal(w ModelWeights) ([]byte, error) {
	return json.Marshal(w)
}

// Unmarshal implements Codec.
func (JSONCodec) Unmarshal(data []byte) (ModelWeights, error) {
	var w ModelWeights
	if err := json.Unmarshal(data, &w); err != nil {
		return ModelWeights{}, fmt.Errorf("failed to decode weights json: %w", err)
	}
	return w, nil
}

// CBORCodec stores weights as canonical CBOR.
type CBORCodec struct {
	enc cbor.EncMode
}

// NewCBORCodec creates a CBOR codec using canonical encoding so that equal
// weights always produce identical bytes.
func NewCBORCodec() (*CBORCodec, error) {
	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("failed to create cbor encoder: %w", err)
	}
	return &CBORCodec{enc: enc}, nil
}

// Name implements Codec.
func (*CBORCodec) Name() string { return "cbor" }

// Marshal implements Codec.
func (c *CBORCodec) Marshal(w ModelWeights) ([]byte, error) {
	return c.enc.Marshal(w)
}

// Unmarshal implements Codec.
func (c *CBORCodec) Unmarshal(data []byte) (ModelWeights, error) {
	var w ModelWeights
	if err := cbor.Unmarshal(data, &w); err != nil {
		return ModelWeights{}, fmt.Errorf("failed to decode weights cbor: %w", err)
	}
	return w, nil
}

// CodecByName returns the codec registered under name ("json" or "cbor").
// An empty name selects JSON.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "cbor":
		return NewCBORCodec()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}
