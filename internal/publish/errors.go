package publish

import (
	"errors"
	"net/http"
)

type Kind int

const (
	KindValidation Kind = iota + 1
	// KindAccount: no active connected account for the selected platform id.
	KindAccount
	KindNotFound
	KindConflict
	KindUpstream
	KindInternal
)

// Error is what the Publish-Now path returns to its callers; handlers map it to a response.
type Error struct {
	Kind       Kind
	Message    string
	Suggestion string
	Unaudited  bool
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation, KindAccount:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUpstream:
		if e.Unaudited {
			return http.StatusForbidden
		}
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

// Body is the JSON error body: {error, suggestion?, unaudited?}.
func (e *Error) Body() map[string]any {
	body := map[string]any{"error": e.Error()}
	if e.Suggestion != "" {
		body["suggestion"] = e.Suggestion
	}
	if e.Unaudited {
		body["unaudited"] = true
	}
	return body
}

// AsError converts any error into an *Error, treating unknown errors as internal.
func AsError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Kind: KindInternal, Message: err.Error(), Err: err}
}
