package codec

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"

	"main/internal/schema"
)

var ErrUnsupportedVersion = errors.New("codec: unsupported schema version")

// Encode serializes an event payload.
func Encode(payload any) ([]byte, error) {
	return sonic.ConfigFastest.Marshal(payload)
}

// Decode parses an event payload after checking the event schema version.
// Unknown versions are rejected explicitly, never guessed.
func Decode(ev schema.Event, out any) error {
	if ev.Version == 0 || ev.Version > schema.SchemaVersion {
		return fmt.Errorf("%w: %d (event %s seq %d)", ErrUnsupportedVersion, ev.Version, ev.Kind, ev.StoreSeq)
	}
	return sonic.ConfigFastest.Unmarshal(ev.Payload, out)
}

// MustEncode serializes a payload built from internal types.
// Payload structs contain no unmarshalable fields, so failure is a bug.
func MustEncode(payload any) []byte {
	buf, err := Encode(payload)
	if err != nil {
		panic(err)
	}
	return buf
}
