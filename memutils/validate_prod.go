//go:build !debug_zecore

package memutils

const (
	// OverfetchMarkerSize is the number of bytes of marker data written into the reserved tail of
	// command buffers
	OverfetchMarkerSize int = 0
)

// Validatable is used by DebugValidate to act upon all types with a Validate method
type Validatable interface {
	Validate() error
}

// WriteMagicValue writes an easy-to-identify marker across OverfetchMarkerSize bytes at offset.
// This method no-ops unless the debug_zecore build tag is present.
func WriteMagicValue(data []byte, offset int) {}

// ValidateMagicValue verifies that the marker written by WriteMagicValue is still present.
// This method always returns true unless the debug_zecore build tag is present.
func ValidateMagicValue(data []byte, offset int) bool {
	return true
}

// DebugValidate calls Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_zecore build tag is present
func DebugValidate(validatable Validatable) {}

// DebugCheckPow2 panics if value is not a power of two. This method no-ops unless the debug_zecore
// build tag is present.
func DebugCheckPow2[T Number](value T, name string) {}
