// Package ledger stores the attempts recorded for each question of a session.
package ledger

import (
	"errors"
	"fmt"

	"github.com/audiolibrelab/answercapture/internal/answer"
)

var (
	// ErrSlotFull is returned when a question already holds MaxAttempts attempts.
	ErrSlotFull = errors.New("answer slot full")
	// ErrAttemptOrder is returned when an attempt number is not the next expected one.
	ErrAttemptOrder = errors.New("attempt out of order")
	// ErrNoSuchQuestion is returned for an index outside the session.
	ErrNoSuchQuestion = errors.New("no such question")
)

// AnswerSlot holds the attempts of one question in recording order.
type AnswerSlot struct {
	attempts  []*answer.Attempt
	completed bool
}

// Attempts returns a copy of the stored attempts.
func (s *AnswerSlot) Attempts() []*answer.Attempt {
	return append([]*answer.Attempt(nil), s.attempts...)
}

// Len returns the number of stored attempts.
func (s *AnswerSlot) Len() int {
	return len(s.attempts)
}

// Completed reports whether any attempt was ever stored. It never reverts.
func (s *AnswerSlot) Completed() bool {
	return s.completed
}

// Full reports whether no further attempt is accepted.
func (s *AnswerSlot) Full() bool {
	return len(s.attempts) >= answer.MaxAttempts
}

// Latest returns the authoritative attempt, or nil.
func (s *AnswerSlot) Latest() *answer.Attempt {
	if len(s.attempts) == 0 {
		return nil
	}
	return s.attempts[len(s.attempts)-1]
}

// Ledger is the per-session collection of answer slots, one per question.
// It is not safe for concurrent use; the session controller serializes access.
type Ledger struct {
	questions []answer.Question
	slots     []*AnswerSlot
}

// New creates a ledger with one empty slot per question.
func New(questions []answer.Question) *Ledger {
	l := &Ledger{
		questions: append([]answer.Question(nil), questions...),
		slots:     make([]*AnswerSlot, len(questions)),
	}
	for i := range l.slots {
		l.slots[i] = &AnswerSlot{}
	}
	return l
}

// Len returns the number of questions.
func (l *Ledger) Len() int {
	return len(l.slots)
}

// Question returns the question at index.
func (l *Ledger) Question(index int) (answer.Question, error) {
	if index < 0 || index >= len(l.questions) {
		return answer.Question{}, fmt.Errorf("%w: %d", ErrNoSuchQuestion, index)
	}
	return l.questions[index], nil
}

// Slot returns the slot at index.
func (l *Ledger) Slot(index int) (*AnswerSlot, error) {
	if index < 0 || index >= len(l.slots) {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchQuestion, index)
	}
	return l.slots[index], nil
}

// NextAttempt returns the attempt number the slot at index would accept next.
func (l *Ledger) NextAttempt(index int) (int, error) {
	s, err := l.Slot(index)
	if err != nil {
		return 0, err
	}
	if s.Full() {
		return 0, fmt.Errorf("%w: question %d", ErrSlotFull, index)
	}
	return s.Len() + 1, nil
}

// Store appends a to the slot at index. a.Number must be the next attempt number.
func (l *Ledger) Store(index int, a *answer.Attempt) error {
	next, err := l.NextAttempt(index)
	if err != nil {
		return err
	}
	if a == nil || a.Number != next {
		got := 0
		if a != nil {
			got = a.Number
		}
		return fmt.Errorf("%w: question %d expects attempt %d, got %d", ErrAttemptOrder, index, next, got)
	}

	s := l.slots[index]
	s.attempts = append(s.attempts, a)
	s.completed = true
	return nil
}

// Finalize returns one entry per question with its latest attempt. Questions
// without attempts carry a nil answer.
func (l *Ledger) Finalize() []answer.FinalAnswer {
	out := make([]answer.FinalAnswer, len(l.questions))
	for i, q := range l.questions {
		out[i] = answer.FinalAnswer{Question: q, Attempt: l.slots[i].Latest()}
	}
	return out
}
