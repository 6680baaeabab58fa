package smartherapi

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// Outcome classifies an API failure into the action the caller should take.
type Outcome int

const (
	// OutcomeRetryable covers 408, 5xx and network-class failures.
	OutcomeRetryable Outcome = iota
	// OutcomeReauthenticate means the access token was rejected.
	OutcomeReauthenticate
	// OutcomeEntityNotFound means the thermostat is offline or gone; the
	// account as a whole is fine.
	OutcomeEntityNotFound
	// OutcomeUserAction means no retry can succeed until the user acts in
	// the official Thermostat app.
	OutcomeUserAction
	// OutcomePermanent covers malformed requests; a client-side bug signal.
	OutcomePermanent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRetryable:
		return "retryable"
	case OutcomeReauthenticate:
		return "reauthenticate"
	case OutcomeEntityNotFound:
		return "entity-not-found"
	case OutcomeUserAction:
		return "user-action-required"
	case OutcomePermanent:
		return "permanent"
	}

	return fmt.Sprintf("unknown (outcome: %d)", o)
}

// Unavailability reasons surfaced to the platform alongside a false
// availability flag.
const (
	ReasonOffline            = "offline"
	ReasonAppPasswordExpired = "app password expired"
	ReasonTermsExpired       = "terms expired"
	ReasonNeedsReauth        = "needs reauthentication"
	ReasonRetriesExhausted   = "retries exhausted"
	ReasonBadRequest         = "malformed request"
)

// APIError is a classified Smarther API failure.
type APIError struct {
	StatusCode int
	Outcome    Outcome
	Reason     string
	Message    string
	cause      error
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("smarther api: HTTP %d (%s): %s", e.StatusCode, e.Outcome, e.Message)
	}

	return fmt.Sprintf("smarther api: %s: %s", e.Outcome, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.cause
}

// Retryable reports whether the caller's backoff loop may try again.
func (e *APIError) Retryable() bool {
	return e.Outcome == OutcomeRetryable
}

// AsAPIError digs a classified error out of a (possibly wrapped) error chain.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}

	return nil, false
}

// Exhausted wraps a retryable error once the retry budget for a cycle is
// spent, so the module result carries a distinct reason.
func Exhausted(err *APIError) *APIError {
	return &APIError{
		StatusCode: err.StatusCode,
		Outcome:    err.Outcome,
		Reason:     ReasonRetriesExhausted,
		Message:    err.Message,
		cause:      err,
	}
}

// Default messages per the Legrand API documentation, used when the error
// body carries none.
var statusMessages = map[int]string{
	400: "bad request: something is probably wrong in the request body or headers",
	401: "unauthorized: user is not authorized to access the requested resource",
	404: "resource not found or gateway offline: the thermostat may be disconnected from the network",
	408: "request timeout",
	469: "official application password expired: renew it through the official Thermostat app",
	470: "official application terms and conditions expired: accept them again through the official Thermostat app",
	500: "server internal error",
}

type errorBody struct {
	Message string `json:"message"`
}

// Classify maps a non-2xx response to a classified error. The mapping is the
// one documented by Legrand: 400 permanent, 401 reauthenticate, 404
// per-entity not-found, 408 retryable, 469/470 user action, 5xx retryable.
// Anything else is treated as a retryable network-class failure.
func Classify(status int, body []byte) *APIError {
	message := statusMessages[status]
	if len(body) > 0 {
		var eb errorBody
		if err := json.Unmarshal(body, &eb); err == nil && eb.Message != "" {
			message = eb.Message
		}
	}
	if message == "" {
		message = fmt.Sprintf("HTTP %d", status)
	}

	e := &APIError{
		StatusCode: status,
		Message:    message,
	}

	switch {
	case status == 400:
		e.Outcome = OutcomePermanent
		e.Reason = ReasonBadRequest
	case status == 401:
		e.Outcome = OutcomeReauthenticate
		e.Reason = ReasonNeedsReauth
	case status == 404:
		e.Outcome = OutcomeEntityNotFound
		e.Reason = ReasonOffline
	case status == 469:
		e.Outcome = OutcomeUserAction
		e.Reason = ReasonAppPasswordExpired
	case status == 470:
		e.Outcome = OutcomeUserAction
		e.Reason = ReasonTermsExpired
	default:
		// 408, 5xx and any undocumented status
		e.Outcome = OutcomeRetryable
	}

	return e
}

// classifyTransport wraps a failure that never produced an HTTP status
// (connection refused, timeout, ...). Always retryable.
func classifyTransport(err error) *APIError {
	return &APIError{
		Outcome: OutcomeRetryable,
		Message: err.Error(),
		cause:   err,
	}
}
