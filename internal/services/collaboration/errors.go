package collaboration

import "fmt"

// IntentError is a stable, machine-readable reason an inbound intent
// was dropped. None of these reach the client; they are logged and
// counted.
type IntentError struct {
	Code    string
	Message string
}

func (e *IntentError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *IntentError) Is(target error) bool {
	t, ok := target.(*IntentError)
	return ok && e.Code == t.Code
}

// WithMessage returns a new IntentError with the same Code but a specific message.
func (e *IntentError) WithMessage(msg string) *IntentError {
	return &IntentError{Code: e.Code, Message: msg}
}

// WithMessagef returns a new IntentError with a formatted message.
func (e *IntentError) WithMessagef(format string, args ...any) *IntentError {
	return &IntentError{Code: e.Code, Message: fmt.Sprintf(format, args...)}
}

var (
	ErrMalformedIntent = &IntentError{Code: "E_MALFORMED_INTENT"}
	ErrUnknownEvent    = &IntentError{Code: "E_UNKNOWN_EVENT"}
	ErrNotJoined       = &IntentError{Code: "E_NOT_JOINED"}
)
