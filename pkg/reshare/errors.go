package reshare

import "github.com/chris-alexander-pop/context-reshare/pkg/errors"

// Error codes for re-sharing operations.
const (
	CodeNotShared      = "RESHARE_NOT_SHARED"
	CodeInvalidRequest = "RESHARE_INVALID_REQUEST"
	CodeClosed         = "RESHARE_CLOSED"
)

// ErrNotShared creates an error for lookups on a pair with no active share.
func ErrNotShared(context, recipient string) *errors.AppError {
	return errors.New(CodeNotShared, "context "+context+" is not shared with "+recipient, nil)
}

// ErrInvalidRequest creates an error for malformed share requests.
func ErrInvalidRequest(msg string) *errors.AppError {
	return errors.New(CodeInvalidRequest, "invalid request: "+msg, nil)
}

// ErrClosed creates an error for operations on a closed engine.
func ErrClosed() *errors.AppError {
	return errors.New(CodeClosed, "engine is closed", nil)
}

// IsNotShared reports whether err means "no active share for this pair".
func IsNotShared(err error) bool {
	return errors.HasCode(err, CodeNotShared)
}
