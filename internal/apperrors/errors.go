package apperrors

import (
	"errors"
	"fmt"
)

var (
	ErrUserAlreadyExists = errors.New("user already exists")
	ErrUserNotFound      = errors.New("user not found")

	ErrRefreshTokenNotFound = errors.New("refresh token not found")
	ErrRefreshTokenIsUsed   = errors.New("refresh token is used")
	ErrRefreshTokenExpired  = errors.New("refresh token is expired")

	ErrWalletNotFound = errors.New("wallet not found")

	ErrJobNotFound        = errors.New("job not found")
	ErrStaleTransition    = errors.New("job status changed concurrently")
	ErrJobNotDiscardable  = errors.New("job can not be discarded in its current state")
	ErrJobNotReady        = errors.New("job has not produced its artifact yet")
	ErrJobAlreadyRefunded = errors.New("job is already refunded")

	ErrProjectNotFound       = errors.New("figurine project not found")
	ErrInvalidGateTransition = errors.New("project is not in the expected stage")
	ErrIncompleteAngles      = errors.New("project is missing one or more angle images")
	ErrAlreadyLicensed       = errors.New("license tier already purchased")
	ErrNoLicense             = errors.New("no license purchased for this project")

	ErrInferenceUnavailable   = errors.New("inference provider unavailable")
	ErrStorageFailure         = errors.New("durable storage operation failed")
	ErrUnsupportedJobKind     = errors.New("unsupported job kind")
	ErrUnsupportedLicenseTier = errors.New("unsupported license tier")
)

// InsufficientFundsError rejects a charge without side effects.
// It carries both amounts so handlers can echo them to the client.
type InsufficientFundsError struct {
	Required  int64
	Available int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: required %d, available %d", e.Required, e.Available)
}

// AsInsufficientFunds returns the typed rejection if err is one.
func AsInsufficientFunds(err error) (*InsufficientFundsError, bool) {
	var e *InsufficientFundsError
	ok := errors.As(err, &e)
	return e, ok
}
