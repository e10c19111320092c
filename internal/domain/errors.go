package domain

import "errors"

// Fetch capability errors. Implementations wrap these so callers can
// classify with errors.Is.
var (
	ErrAuth        = errors.New("authentication rejected")
	ErrRateLimited = errors.New("rate limited upstream")
	ErrNetwork     = errors.New("network error")
	ErrNotFound    = errors.New("entity not found")
)

var (
	ErrNoAccountsAvailable = errors.New("no accounts available")
	ErrCorruptState        = errors.New("corrupt state")
	ErrNoEntitiesResolved  = errors.New("no tracked entity could be resolved")
)

// Retryable reports whether a fetch error may succeed with another account.
func Retryable(err error) bool {
	return err != nil && !errors.Is(err, ErrNotFound)
}
