package codegen

import "fmt"

// WrapperError reports a failed precondition for a requested wrapper
// style: unsupported platform, disabled backend, or unsupported input
// dtype. Raised before any codegen work begins.
type WrapperError struct {
	Reason string
}

func (e *WrapperError) Error() string {
	return fmt.Sprintf("wrapper codegen: %s", e.Reason)
}

// Errorf builds a WrapperError.
func Errorf(format string, args ...any) *WrapperError {
	return &WrapperError{Reason: fmt.Sprintf(format, args...)}
}
