package server

import (
	"net/http"

	"github.com/MrGodgames/Space-Point/internal/auth"
	"github.com/MrGodgames/Space-Point/internal/protocol"
	"github.com/pkg/errors"
)

// Caller errors are reported to the originating request and never
// broadcast. ErrPersistenceFailure aborts an operation before any event
// is published.
var (
	ErrAccessDenied       = errors.New("access denied")
	ErrEmptyMessage       = errors.New("message has no content and no attachments")
	ErrForbidden          = errors.New("only the author may change a message")
	ErrPersistenceFailure = errors.New("persistence failure")
	ErrInvalidIdentity    = auth.ErrInvalidIdentity
	ErrNotFound           = errors.New("not found")
	ErrInvalidReply       = errors.New("reply target is not in this chat")
	ErrBadRequest         = errors.New("bad request")
)

// persistErr marks err as a store failure while keeping the cause.
func persistErr(err error, op string) error {
	return &persistenceError{cause: errors.Wrap(err, op)}
}

type persistenceError struct {
	cause error
}

func (e *persistenceError) Error() string { return ErrPersistenceFailure.Error() + ": " + e.cause.Error() }

func (e *persistenceError) Is(target error) bool { return target == ErrPersistenceFailure }

func (e *persistenceError) Unwrap() error { return e.cause }

func (e *persistenceError) Cause() error { return e.cause }

// errorCode maps an error to a wire code and HTTP status.
func errorCode(err error) (string, int) {
	switch {
	case errors.Is(err, ErrAccessDenied):
		return protocol.ErrCodeAccessDenied, http.StatusForbidden
	case errors.Is(err, ErrForbidden):
		return protocol.ErrCodeForbidden, http.StatusForbidden
	case errors.Is(err, ErrEmptyMessage):
		return protocol.ErrCodeEmpty, http.StatusBadRequest
	case errors.Is(err, ErrInvalidReply), errors.Is(err, ErrBadRequest):
		return protocol.ErrCodeInvalidMsg, http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return protocol.ErrCodeNotFound, http.StatusNotFound
	case errors.Is(err, ErrInvalidIdentity):
		return protocol.ErrCodeUnauthorized, http.StatusUnauthorized
	default:
		return protocol.ErrCodeInternal, http.StatusInternalServerError
	}
}
