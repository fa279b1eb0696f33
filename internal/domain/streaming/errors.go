package streaming

import (
	"errors"
	"fmt"
	"net/http"
)

// UpstreamError is a non-2xx response from the completion service.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("completion service returned status %d: %s", e.StatusCode, e.Body)
}

const (
	msgBadRequest  = "I couldn't process that message. Please try a different message."
	msgAuth        = "The tutor service is having an authentication issue. Please let your teacher know."
	msgNotFound    = "The tutor service endpoint isn't available right now. Please let your teacher know."
	msgRateLimited = "The tutor is in high demand right now. Please try again shortly."
	msgOutage      = "The tutor service is having a temporary outage. Please try again in a moment."
	msgInterrupted = "The response was interrupted. Please try again."
)

// UserSafeMessage maps a completion failure to a message safe to show a student.
// Raw upstream detail is never included.
func UserSafeMessage(err error) string {
	var upstream *UpstreamError
	if !errors.As(err, &upstream) {
		return msgInterrupted
	}
	switch {
	case upstream.StatusCode == http.StatusBadRequest:
		return msgBadRequest
	case upstream.StatusCode == http.StatusUnauthorized, upstream.StatusCode == http.StatusForbidden:
		return msgAuth
	case upstream.StatusCode == http.StatusNotFound:
		return msgNotFound
	case upstream.StatusCode == http.StatusTooManyRequests:
		return msgRateLimited
	case upstream.StatusCode >= 500:
		return msgOutage
	default:
		return msgInterrupted
	}
}

// failureReason is the metrics label for err.
func failureReason(err error) string {
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		return fmt.Sprintf("status_%d", upstream.StatusCode)
	}
	return "broken_stream"
}
