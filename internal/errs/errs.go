package errs

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrValidation indicates caller input was rejected before any backend call.
	ErrValidation = errors.New("validation failed")
	// ErrNetwork indicates a backend call failed or returned a non-success status.
	ErrNetwork = errors.New("backend request failed")
	// ErrStream indicates the progress stream transport failed.
	ErrStream = errors.New("progress stream failed")
	// ErrNotFound indicates the backend no longer knows the chat or request.
	ErrNotFound = errors.New("resource not found")
	// ErrMalformedPayload indicates a stream event could not be decoded.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrInFlight indicates the same operation is already running for the target.
	ErrInFlight = errors.New("operation already in flight")
	// ErrInvalidTransition indicates the requested lifecycle transition is not allowed.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrAlreadyOpen indicates a progress subscription already exists for the request.
	ErrAlreadyOpen = errors.New("progress stream already open")
	// ErrUnknownChat indicates the chat is not present in local state.
	ErrUnknownChat = errors.New("unknown chat")
)

// HTTPError describes a non-success response from the backend.
type HTTPError struct {
	Op      string
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: status %d", e.Op, e.Status)
}

// Is maps 404/410 to ErrNotFound and every other status to ErrNetwork.
func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Status == http.StatusNotFound || e.Status == http.StatusGone
	case ErrNetwork:
		return e.Status != http.StatusNotFound && e.Status != http.StatusGone
	default:
		return false
	}
}

// Validationf builds an ErrValidation with a formatted reason.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// UserMessage returns the text shown to the user for a failed operation.
// The server provided message wins when there is one.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.Message != "" {
		return httpErr.Message
	}
	switch {
	case errors.Is(err, ErrValidation):
		return err.Error()
	case errors.Is(err, ErrNotFound):
		return "This conversation is no longer available."
	case errors.Is(err, ErrStream):
		return "Lost connection to upload progress."
	case errors.Is(err, ErrInFlight):
		return "Already working on it."
	case errors.Is(err, ErrInvalidTransition):
		return "That action is not available right now."
	default:
		return "Something went wrong. Please try again."
	}
}
