package deadletter

import (
	"context"
	"errors"

	"github.com/phrazzld/scanrelay/internal/domain"
	"github.com/phrazzld/scanrelay/internal/queue"
	"github.com/phrazzld/scanrelay/internal/safety"
)

// Error kind for failures caused by a deadline outside the safety guard
const ErrorKindTimeout = "timeout"

// Classify returns the ErrorKind recorded for a terminal failure.
func Classify(err error) string {
	if v, ok := safety.AsViolation(err); ok {
		return domain.ErrorKindSafetyViolation + ":" + string(v.Code)
	}
	switch {
	case queue.IsPermanent(err):
		return domain.ErrorKindPermanent
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, queue.ErrLeaseExpired):
		return ErrorKindTimeout
	default:
		return domain.ErrorKindTransient
	}
}
