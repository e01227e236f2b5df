package planfix

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound reports that the remote entity no longer exists
// (Planfix API error code 1000).
var ErrNotFound = errors.New("planfix: not found")

// ErrNotConfigured reports that an operation needs configuration that
// is absent (missing status id, missing process id).
var ErrNotConfigured = errors.New("planfix: not configured")

// QuotaExceededError is returned without dispatching a request once the
// daily quota is exhausted. It carries the moment the quota resets.
type QuotaExceededError struct {
	ResetAt time.Time
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("planfix: daily request quota exhausted, resets in %s", HumanDuration(time.Until(e.ResetAt)))
}

// ThrottledError is returned when the provider kept throttling for the
// whole retry budget. RetryAfter is the cooldown still in effect.
type ThrottledError struct {
	RetryAfter time.Duration
	Attempts   int
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("planfix: throttled after %d attempts, retry in %s", e.Attempts, HumanDuration(e.RetryAfter))
}

// APIError is a non-throttle error response from the Planfix API.
type APIError struct {
	HTTPStatus int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("planfix: api error %d (http %d): %s", e.Code, e.HTTPStatus, e.Message)
}

// HumanDuration renders a duration the way a chat user expects:
// "about 2 minutes", "about 30 seconds", "about an hour".
func HumanDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		secs := int(d.Round(5 * time.Second).Seconds())
		if secs <= 5 {
			return "a few seconds"
		}
		return fmt.Sprintf("about %d seconds", secs)
	case d < 2*time.Minute:
		return "about a minute"
	case d < time.Hour:
		return fmt.Sprintf("about %d minutes", int(d.Round(time.Minute).Minutes()))
	case d < 2*time.Hour:
		return "about an hour"
	default:
		return fmt.Sprintf("about %d hours", int(d.Round(time.Hour).Hours()))
	}
}
