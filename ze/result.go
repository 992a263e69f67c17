package ze

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Result is the closed set of result codes every API-level operation reports. Zero is success; every
// other value is a distinct failure kind.
type Result uint32

const (
	Success  Result = 0
	NotReady Result = 1

	ErrorDeviceLost         Result = 0x70000001
	ErrorOutOfHostMemory    Result = 0x70000002
	ErrorOutOfDeviceMemory  Result = 0x70000003
	ErrorUninitialized      Result = 0x78000001
	ErrorUnsupportedVersion Result = 0x78000002
	ErrorUnsupportedFeature Result = 0x78000003
	ErrorInvalidArgument    Result = 0x78000004
	ErrorInvalidNullHandle  Result = 0x78000005
	ErrorInvalidSize        Result = 0x78000008
	ErrorUnsupportedSize    Result = 0x78000009
	ErrorInvalidEnumeration Result = 0x7800000c
	ErrorInvalidGroupSize   Result = 0x78000017
	ErrorUnknown            Result = 0x7ffffffe
)

var resultMapping = map[Result]string{
	Success:                 "Success",
	NotReady:                "NotReady",
	ErrorDeviceLost:         "ErrorDeviceLost",
	ErrorOutOfHostMemory:    "ErrorOutOfHostMemory",
	ErrorOutOfDeviceMemory:  "ErrorOutOfDeviceMemory",
	ErrorUninitialized:      "ErrorUninitialized",
	ErrorUnsupportedVersion: "ErrorUnsupportedVersion",
	ErrorUnsupportedFeature: "ErrorUnsupportedFeature",
	ErrorInvalidArgument:    "ErrorInvalidArgument",
	ErrorInvalidNullHandle:  "ErrorInvalidNullHandle",
	ErrorInvalidSize:        "ErrorInvalidSize",
	ErrorUnsupportedSize:    "ErrorUnsupportedSize",
	ErrorInvalidEnumeration: "ErrorInvalidEnumeration",
	ErrorInvalidGroupSize:   "ErrorInvalidGroupSize",
	ErrorUnknown:            "ErrorUnknown",
}

func (r Result) String() string {
	str, ok := resultMapping[r]
	if !ok {
		return fmt.Sprintf("Result(0x%x)", uint32(r))
	}
	return str
}

// IsError reports whether r is a failure code. NotReady is a status, not a failure.
func (r Result) IsError() bool {
	return r != Success && r != NotReady
}

// ResultError is the error type produced by Result.ToError
type ResultError struct {
	Result Result
}

func (e *ResultError) Error() string {
	return e.Result.String()
}

// ToError returns nil for Success and an error wrapping r for every other value
func (r Result) ToError() error {
	if r == Success {
		return nil
	}
	return &ResultError{Result: r}
}

// Errorf creates an error carrying r, with a formatted message for context
func Errorf(r Result, format string, args ...any) error {
	return errors.Wrapf(r.ToError(), format, args...)
}

// ResultFromError recovers the Result carried somewhere in err's chain. A nil error is Success and
// an error with no Result is ErrorUnknown.
func ResultFromError(err error) Result {
	if err == nil {
		return Success
	}

	var resultErr *ResultError
	if errors.As(err, &resultErr) {
		return resultErr.Result
	}
	return ErrorUnknown
}

// Fail is a shorthand for returning a failing (Result, error) pair from err
func Fail(err error) (Result, error) {
	return ResultFromError(err), err
}
