// Package feedback is the outbound boundary that receives finalized sessions.
//
// Delivery is fire-and-forget from the session's point of view: a sink's
// result never changes capture state.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/audiolibrelab/answercapture/internal/answer"
)

// Submission is the finalized answer list of one session.
type Submission struct {
	SessionID  string               `json:"session_id"`
	Difficulty answer.Difficulty    `json:"difficulty"`
	Job        string               `json:"job,omitempty"`
	CreatedAt  time.Time            `json:"created_at"`
	Answers    []answer.FinalAnswer `json:"answers"`
}

// Answered returns the number of questions with a recorded answer.
func (s Submission) Answered() int {
	n := 0
	for _, a := range s.Answers {
		if a.Answered() {
			n++
		}
	}
	return n
}

// Sink receives finalized sessions.
type Sink interface {
	Submit(ctx context.Context, s Submission) error
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(ctx context.Context, s Submission) error

// Submit implements [Sink].
func (f SinkFunc) Submit(ctx context.Context, s Submission) error {
	return f(ctx, s)
}

// Discard accepts and drops every submission.
var Discard Sink = SinkFunc(func(context.Context, Submission) error { return nil })

// Multi delivers to every sink concurrently. A failing sink does not cancel
// the others; all failures are joined.
type Multi []Sink

// Submit implements [Sink].
func (m Multi) Submit(ctx context.Context, s Submission) error {
	var g errgroup.Group
	errs := make([]error, len(m))
	for i, sink := range m {
		g.Go(func() error {
			if err := sink.Submit(ctx, s); err != nil {
				errs[i] = fmt.Errorf("feedback sink %d: %w", i, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
