package core

import (
	"errors"
	"fmt"

	"github.com/dkeye/VoiceClient/internal/domain"
)

var (
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrMalformedFrame    = errors.New("malformed frame")
	ErrAuthFailed        = errors.New("authentication failed")
	ErrConnectionLost    = errors.New("connection lost")
	ErrRetriesExhausted  = errors.New("retries exhausted")
	ErrLeaveTimeout      = errors.New("leave timed out")
	ErrShuttingDown      = errors.New("shutting down")
)

// VoiceError classifies a transport failure for the retry/escalation decision.
type VoiceError struct {
	Op        string
	Status    domain.Status
	Retryable bool
	Err       error
}

func (e *VoiceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Status, e.Err)
}

func (e *VoiceError) Unwrap() error { return e.Err }

func Retryable(op string, status domain.Status, err error) *VoiceError {
	return &VoiceError{Op: op, Status: status, Retryable: true, Err: err}
}

func Fatal(op string, status domain.Status, err error) *VoiceError {
	return &VoiceError{Op: op, Status: status, Err: err}
}

func IsRetryable(err error) bool {
	var ve *VoiceError
	if errors.As(err, &ve) {
		return ve.Retryable
	}
	return false
}

// StatusOf extracts the observer status for err, ErrorUnknown otherwise.
func StatusOf(err error) domain.Status {
	var ve *VoiceError
	if errors.As(err, &ve) && ve.Status.IsError() {
		return ve.Status
	}
	return domain.ErrorUnknown
}
