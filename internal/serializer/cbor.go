package serializer

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var mapStringAnyType = reflect.TypeOf(map[string]any(nil))

// cborDecMode decodes untyped maps as map[string]any so results look like the
// JSON codec's output to callers that decode into interface values.
var cborDecMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{
		DefaultMapType: mapStringAnyType,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("cbor decode mode: %v", err))
	}
	return dm
}()

var cborEncMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor encode mode: %v", err))
	}
	return em
}()

// CBOR is a denser binary codec that also round-trips byte strings, integers
// and timestamps without loss.
type CBOR struct{}

func (CBOR) Name() string { return "cbor" }

func (CBOR) Encode(v any) ([]byte, error) {
	data, err := cborEncMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cbor encode: %w", err)
	}
	return data, nil
}

func (CBOR) Decode(data []byte, v any) error {
	if len(data) == 0 {
		// An empty payload is a nil result. CBOR null leaves non-nil interface
		// targets untouched, so zero the target the way the JSON codec does.
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Pointer || rv.IsNil() {
			return fmt.Errorf("cbor decode: non-nil pointer required, got %T", v)
		}
		rv.Elem().SetZero()
		return nil
	}
	if err := cborDecMode.Unmarshal(data, v); err != nil {
		return fmt.Errorf("cbor decode: %w", err)
	}
	return nil
}
