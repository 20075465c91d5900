package session

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is matched by every rejected state machine action.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrAnswerNotCompleted is the reason for advancing past an unanswered question.
	ErrAnswerNotCompleted = errors.New("please finish answering the current question")
	// ErrMaxAttemptsReached is the reason for retrying a question with two attempts.
	ErrMaxAttemptsReached = errors.New("maximum attempts reached for this question")
	// ErrNotAcquired is the reason for recording before the device was acquired.
	ErrNotAcquired = errors.New("capture device not acquired")
	// ErrRecordingInProgress is the reason for actions that need the recording stopped first.
	ErrRecordingInProgress = errors.New("recording in progress")
	// ErrNotRecording is the reason for stopping or abandoning with nothing recorded.
	ErrNotRecording = errors.New("no recording in progress")
	// ErrStopInProgress is the reason for abandoning while the recording is being stored.
	ErrStopInProgress = errors.New("recording is being stored")
	// ErrAcquireInProgress is the reason for a second concurrent acquisition.
	ErrAcquireInProgress = errors.New("device acquisition in progress")
	// ErrSessionClosed is the reason for any action after finalization or dispose.
	ErrSessionClosed = errors.New("session closed")
)

// TransitionError is returned when an action is not allowed in the current
// state. It matches ErrInvalidTransition and its Reason with errors.Is.
type TransitionError struct {
	Op     string
	State  AttemptState
	Reason error
}

func (e *TransitionError) Error() string {
	if e.Reason == nil {
		return fmt.Sprintf("cannot %s in state %s", e.Op, e.State)
	}
	return fmt.Sprintf("cannot %s in state %s: %v", e.Op, e.State, e.Reason)
}

func (e *TransitionError) Unwrap() []error {
	if e.Reason == nil {
		return []error{ErrInvalidTransition}
	}
	return []error{ErrInvalidTransition, e.Reason}
}
