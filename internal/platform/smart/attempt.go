package smart

import (
	"errors"
	"fmt"
)

// AttemptState is the lifecycle position of one authorization attempt.
type AttemptState string

const (
	AttemptInitiated        AttemptState = "INITIATED"
	AttemptCallbackReceived AttemptState = "CALLBACK_RECEIVED"
	AttemptCodeExchanged    AttemptState = "CODE_EXCHANGED"
	AttemptEstablished      AttemptState = "ESTABLISHED"
	AttemptFailed           AttemptState = "FAILED"
)

// ErrIllegalTransition is returned by Advance for a move the state machine
// does not allow.
var ErrIllegalTransition = errors.New("illegal authorization attempt transition")

var attemptTransitions = map[AttemptState][]AttemptState{
	AttemptInitiated:        {AttemptCallbackReceived},
	AttemptCallbackReceived: {AttemptCodeExchanged, AttemptFailed},
	AttemptCodeExchanged:    {AttemptEstablished, AttemptFailed},
}

// Attempt tracks one authorization attempt. A failed or established attempt
// is final; retrying requires a new LaunchContext.
type Attempt struct {
	State AttemptState
	Err   error
}

// NewAttempt returns an attempt in the INITIATED state.
func NewAttempt() *Attempt {
	return &Attempt{State: AttemptInitiated}
}

// Terminal reports whether the attempt has finished.
func (a *Attempt) Terminal() bool {
	return a.State == AttemptEstablished || a.State == AttemptFailed
}

// Advance moves the attempt to next.
func (a *Attempt) Advance(next AttemptState) error {
	for _, allowed := range attemptTransitions[a.State] {
		if allowed == next {
			a.State = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, a.State, next)
}

// Fail moves the attempt to FAILED and records cause. It returns cause so
// callers can write `return a.Fail(err)`.
func (a *Attempt) Fail(cause error) error {
	if err := a.Advance(AttemptFailed); err != nil {
		return errors.Join(cause, err)
	}
	a.Err = cause
	return cause
}
