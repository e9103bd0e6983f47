package errors

import (
	"fmt"
	"testing"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestNewProviderError_StripsQuotes(t *testing.T) {
	err := NewProviderError(`"431"`, ` "foo" `)

	assert.Equal(t, "431", err.Code)
	assert.Equal(t, "foo", err.Text)
	assert.Equal(t, "foo", err.UserFacingErrorMessage())
	assert.Equal(t, "provider reported failure 431: foo", err.Error())
}

func TestKindsAreDistinguishable(t *testing.T) {
	timeout := pkgerrors.Wrap(&TimeoutError{Handle: "7", Bound: 2 * time.Second}, "awaiting")
	failure := pkgerrors.Wrap(NewProviderError("530", "boom"), "awaiting")
	transient := NewTransientError(fmt.Errorf("connection reset"))
	unrecognized := &UnrecognizedResultError{Job: "raw"}
	terminal := &TerminalStateError{Resource: "node", ID: "i-1", State: "ERROR"}
	notFound := pkgerrors.Wrap(ErrNotFound, "vm 12")

	assert.True(t, IsTimeout(timeout))
	assert.False(t, IsProviderFailure(timeout))

	assert.True(t, IsProviderFailure(failure))
	assert.False(t, IsTimeout(failure))

	assert.True(t, IsTransient(transient))
	assert.False(t, IsTransient(failure))

	assert.True(t, IsUnrecognizedResult(unrecognized))
	assert.True(t, IsTerminalState(terminal))
	assert.True(t, IsNotFound(notFound))
	assert.False(t, IsNotFound(terminal))
}

func TestTimeoutError_Message(t *testing.T) {
	err := &TimeoutError{Handle: "7", Bound: 2 * time.Second, Elapsed: 2001 * time.Millisecond}
	assert.Contains(t, err.Error(), "job 7")
	assert.Contains(t, err.Error(), "2s")
}

func TestNewTransientError_Nil(t *testing.T) {
	assert.Nil(t, NewTransientError(nil))
}

func TestIsAccountOwnerMissing(t *testing.T) {
	assert.True(t, IsAccountOwnerMissing(fmt.Errorf("431: Unable to find account owner for ip 10")))
	assert.False(t, IsAccountOwnerMissing(fmt.Errorf("431: something else")))
	assert.False(t, IsAccountOwnerMissing(nil))
}

func TestErrNotFound(t *testing.T) {
	wrapped := pkgerrors.Wrap(ErrNotFound, "image img-1")

	assert.Equal(t, "image img-1: resource not found", wrapped.Error())
	assert.Equal(t, ErrNotFound, pkgerrors.Cause(wrapped))
	assert.Contains(t, fmt.Sprintf("%+v", ErrNotFound), "errors.go")

	transient := NewTransientError(wrapped)
	assert.True(t, IsNotFound(transient))
	assert.True(t, pkgerrors.Is(transient, ErrNotFound))
}
