// Package errors defines the failure kinds surfaced by the polling core so
// that callers can tell a timeout apart from a provider-reported failure.
package errors

import (
	"fmt"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
)

// ErrNotFound is returned by status fetchers when the resource does not
// exist. Predicates that expect the resource to exist treat it as a hard
// failure, never as "still pending".
var ErrNotFound = pkgerrors.New("resource not found")

// UserFacingError is implemented by errors whose message can be shown to a
// user as is.
type UserFacingError interface {
	UserFacingErrorMessage() string
}

// TimeoutError is returned when polling ran out of time before a terminal
// state was observed. The outcome of the underlying operation is unknown.
type TimeoutError struct {
	Handle  string
	Bound   time.Duration
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("job %s did not complete within %v (waited %v)", e.Handle, e.Bound, e.Elapsed.Round(time.Millisecond))
}

// ProviderError carries the error code and text reported by the provider for
// a job that reached a failed state.
type ProviderError struct {
	Code string
	Text string
}

func (e *ProviderError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("provider reported failure: %s", e.Text)
	}
	return fmt.Sprintf("provider reported failure %s: %s", e.Code, e.Text)
}

func (e *ProviderError) UserFacingErrorMessage() string {
	return e.Text
}

// NewProviderError builds a ProviderError, stripping surrounding quotes that
// some providers leave on both values.
func NewProviderError(code, text string) *ProviderError {
	return &ProviderError{
		Code: strings.Trim(strings.TrimSpace(code), `"`),
		Text: strings.Trim(strings.TrimSpace(text), `"`),
	}
}

// UnrecognizedResultError is returned when a job succeeded but its result
// could not be interpreted as the type the caller asked for. Job holds the
// original, undecoded value.
type UnrecognizedResultError struct {
	Job  interface{}
	Want string
}

func (e *UnrecognizedResultError) Error() string {
	if e.Want == "" {
		return fmt.Sprintf("unrecognized job result shape: %v", e.Job)
	}
	return fmt.Sprintf("unrecognized job result shape, wanted %s: %v", e.Want, e.Job)
}

// TransientError wraps a failure that may go away on its own, such as a
// network error or a 5xx response.
type TransientError struct {
	Err error
}

func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

func (e *TransientError) Error() string {
	return "transient provider error: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

// TerminalStateError is returned by a predicate that observed a state from
// which the target state can no longer be reached.
type TerminalStateError struct {
	Resource string
	ID       string
	State    string
	Detail   string
}

func (e *TerminalStateError) Error() string {
	msg := fmt.Sprintf("%s %s reached terminal state %s", e.Resource, e.ID, e.State)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *TerminalStateError) UserFacingErrorMessage() string {
	return e.Error()
}

func IsTimeout(err error) bool {
	var te *TimeoutError
	return pkgerrors.As(err, &te)
}

func IsProviderFailure(err error) bool {
	var pe *ProviderError
	return pkgerrors.As(err, &pe)
}

func IsTransient(err error) bool {
	var te *TransientError
	return pkgerrors.As(err, &te)
}

func IsUnrecognizedResult(err error) bool {
	var ue *UnrecognizedResultError
	return pkgerrors.As(err, &ue)
}

func IsTerminalState(err error) bool {
	var te *TerminalStateError
	return pkgerrors.As(err, &te)
}

func IsNotFound(err error) bool {
	return pkgerrors.Is(err, ErrNotFound)
}

// accountOwnerMissing is the text CloudStack returns when the account owning
// a resource has already been removed together with the resource.
const accountOwnerMissing = "Unable to find account owner"

// IsAccountOwnerMissing reports whether err carries the CloudStack "account
// owner" text. It is a provider quirk matched on message text and the only
// such rule here; prefer typed errors for anything new.
func IsAccountOwnerMissing(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), accountOwnerMissing)
}
