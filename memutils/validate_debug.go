//go:build debug_zecore

package memutils

import "encoding/binary"

const (
	// OverfetchMarkerSize is the number of bytes of marker data written into the reserved tail of
	// command buffers
	OverfetchMarkerSize int = 16
	// corruptionDetectionMagicValue is a 4-byte pattern repeated across the marker region
	corruptionDetectionMagicValue uint32 = 0x7F84E666
)

// Validatable is used by DebugValidate to act upon all types with a Validate method
type Validatable interface {
	Validate() error
}

// WriteMagicValue writes an easy-to-identify marker across OverfetchMarkerSize bytes at offset.
// This method no-ops unless the debug_zecore build tag is present.
func WriteMagicValue(data []byte, offset int) {
	for i := 0; i < OverfetchMarkerSize; i += 4 {
		binary.LittleEndian.PutUint32(data[offset+i:], corruptionDetectionMagicValue)
	}
}

// ValidateMagicValue verifies that the marker written by WriteMagicValue is still present.
// This method always returns true unless the debug_zecore build tag is present.
func ValidateMagicValue(data []byte, offset int) bool {
	for i := 0; i < OverfetchMarkerSize; i += 4 {
		if binary.LittleEndian.Uint32(data[offset+i:]) != corruptionDetectionMagicValue {
			return false
		}
	}

	return true
}

// DebugValidate calls Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_zecore build tag is present
func DebugValidate(validatable Validatable) {
	err := validatable.Validate()
	if err != nil {
		panic(err)
	}
}

// DebugCheckPow2 panics if value is not a power of two. This method no-ops unless the debug_zecore
// build tag is present.
func DebugCheckPow2[T Number](value T, name string) {
	err := CheckPow2[T](value, name)
	if err != nil {
		panic(err)
	}
}
