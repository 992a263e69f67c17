package memutils

import "github.com/pkg/errors"

// ErrNotPowerOfTwo marks an alignment or heap granularity that the GPU address math cannot use
var ErrNotPowerOfTwo = errors.New("alignment is not a nonzero power of two")
