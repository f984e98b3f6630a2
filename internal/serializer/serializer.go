// Package serializer defines the codec used to move call arguments and results
// across the process boundary.
package serializer

import (
	"fmt"
	"sort"
	"strings"
)

// Serializer encodes values into a wire format and back.
// Both sides of a farm must agree on the implementation, selected by Name.
type Serializer interface {
	Name() string
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

var registry = map[string]Serializer{
	"json": JSON{},
	"cbor": CBOR{},
}

// Default is the serializer used when none is configured.
const Default = "json"

// Lookup returns the serializer registered under name (case-insensitive).
// An empty name selects Default.
func Lookup(name string) (Serializer, error) {
	if name == "" {
		name = Default
	}
	s, ok := registry[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown serializer %q (known: %s)", name, strings.Join(Names(), ", "))
	}
	return s, nil
}

// Names lists registered serializer names in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
