package gateway

import "errors"

// Sentinel errors for the gateway domain. Kinds, not names: server.errorStatus
// maps them to HTTP statuses, several kinds sharing one status;
// ErrQuotaExceeded, ErrProviderError and ErrInternal are not listed there
// and map to 500.
var (
	ErrUnauthorized         = errors.New("unauthorized")
	ErrForbidden            = errors.New("forbidden")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrRateLimited          = errors.New("rate limited")
	ErrQuotaExceeded        = errors.New("quota exceeded")
	ErrModelNotAllowed      = errors.New("model not allowed")
	ErrInvalidModel         = errors.New("invalid model")
	ErrInvalidParams        = errors.New("invalid params")
	ErrProviderError        = errors.New("provider error")
	ErrBadRequest           = errors.New("bad request")
	ErrKeyExpired           = errors.New("api key expired")
	ErrKeyBlocked           = errors.New("api key blocked")
	ErrInsufficientCredits  = errors.New("insufficient credits")
	ErrNoLimitConfigured    = errors.New("no spend limit configured")
	ErrServiceOverloaded    = errors.New("service overloaded")
	ErrTimeout              = errors.New("timeout")
	ErrInternal             = errors.New("internal error")
	ErrSessionNotFound      = errors.New("session not found")
	ErrResponseTerminal     = errors.New("response already in a terminal state")
)
