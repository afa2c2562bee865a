package worker

import (
	"context"
	"errors"
	"unicode/utf8"
)

// Failure reasons, also used as the metrics label.
const (
	reasonInvalid     = "invalid"
	reasonSource      = "source"
	reasonArtifact    = "artifact"
	reasonLimit       = "limit"
	reasonChanged     = "changed"
	reasonInterrupted = "interrupted"
	reasonInternal    = "internal"
)

const (
	msgSource      = "voter records are temporarily unavailable; please retry later"
	msgArtifact    = "the export file could not be stored; please retry later"
	msgChanged     = "voter records changed while the export was running; please resubmit"
	msgInterrupted = "export was interrupted; please resubmit"
	msgInternal    = "export failed due to an internal error"
)

// errCancelled stops a job whose record was deleted while it ran.
var errCancelled = errors.New("export cancelled")

// PublicError pairs an internal error with the message the operator sees.
// The wrapped error is logged, never persisted.
type PublicError struct {
	Reason string
	Msg    string
	Err    error
}

func (e *PublicError) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	return e.Msg + ": " + e.Err.Error()
}

func (e *PublicError) Unwrap() error { return e.Err }

func public(reason, msg string, err error) error {
	return &PublicError{Reason: reason, Msg: msg, Err: err}
}

type userMessager interface {
	UserMessage() string
}

// describe maps err to the reason label and user-safe message stored on the job.
func describe(err error) (reason, msg string) {
	var pe *PublicError
	var um userMessager
	switch {
	case errors.As(err, &um):
		// Only serializer limits carry their own safe text today.
		return reasonLimit, um.UserMessage()
	case errors.As(err, &pe):
		return pe.Reason, pe.Msg
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return reasonInterrupted, msgInterrupted
	default:
		return reasonInternal, msgInternal
	}
}

// truncate caps s at max runes.
func truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}
