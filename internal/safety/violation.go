package safety

import (
	"errors"
	"fmt"
)

// Code names the limit a Violation tripped.
type Code string

// Violation codes
const (
	CodeRateLimit   Code = "RATE_LIMIT"
	CodeTimeout     Code = "TIMEOUT"
	CodeMemoryLimit Code = "MEMORY_LIMIT"
	CodeUnsafeURL   Code = "UNSAFE_URL"
)

// Violation is the terminal error returned when a guarded execution breaks
// one of the safety limits.
type Violation struct {
	Code    Code
	Message string
}

// NewViolation creates a Violation with a formatted message.
func NewViolation(code Code, format string, args ...any) *Violation {
	return &Violation{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (v *Violation) Error() string {
	return fmt.Sprintf("safety violation %s: %s", v.Code, v.Message)
}

// Terminal marks violations as never retryable.
func (v *Violation) Terminal() bool { return true }

// AsViolation extracts a *Violation from err.
func AsViolation(err error) (*Violation, bool) {
	var v *Violation
	if errors.As(err, &v) {
		return v, true
	}
	return nil, false
}

// IsCode reports whether err is a Violation with the given code.
func IsCode(err error, code Code) bool {
	v, ok := AsViolation(err)
	return ok && v.Code == code
}
