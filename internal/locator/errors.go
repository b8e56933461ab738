package locator

import (
	"errors"
	"fmt"
)

// ErrNoResults is returned by provider lookups that found nothing.
var ErrNoResults = errors.New("locator: no results")

// OfflineError is returned when the offline layer answered instead of the
// backend.
type OfflineError struct {
	Message string
}

func (e *OfflineError) Error() string { return "locator: offline: " + e.Message }

// APIError is any other non-2xx answer.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("locator: api status %d", e.Status)
	}
	return fmt.Sprintf("locator: api status %d: %s", e.Status, e.Message)
}

// IsOffline reports whether err carries an *OfflineError.
func IsOffline(err error) bool {
	var oe *OfflineError
	return errors.As(err, &oe)
}
