package memutils

import (
	cerrors "github.com/cockroachdb/errors"
)

// Number is the set of integer types the alignment helpers accept
type Number interface {
	~int | ~uint | ~uint32 | ~uint64 | ~int64
}

// CheckPow2 returns ErrNotPowerOfTwo wrapped with name when number is zero or not a power of two
func CheckPow2[T Number](number T, name string) error {
	if number == 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(ErrNotPowerOfTwo, "%s is %d", name, number)
	}
	return nil
}

// AlignUp rounds value up to the next multiple of alignment, which must be a power of two
func AlignUp[T Number](value T, alignment T) T {
	if alignment <= 1 {
		return value
	}
	return (value + alignment - 1) &^ (alignment - 1)
}

// AlignDown rounds value down to a multiple of alignment, which must be a power of two
func AlignDown[T Number](value T, alignment T) T {
	if alignment <= 1 {
		return value
	}
	return value &^ (alignment - 1)
}

// IsAligned reports whether value is a multiple of alignment
func IsAligned[T Number](value T, alignment T) bool {
	if alignment <= 1 {
		return true
	}
	return value&(alignment-1) == 0
}

const (
	KB = 1024
	MB = 1024 * KB
	GB = 1024 * MB

	// PageSize is the granularity of every graphics allocation
	PageSize = 4 * KB
	// PageSize64K is the granularity of heaps that live in local memory
	PageSize64K = 64 * KB
)
