package session

import (
	"github.com/audiolibrelab/answercapture/internal/answer"
)

// SlotSummary describes the stored attempts of one question.
type SlotSummary struct {
	Index           int  `json:"index"`
	Completed       bool `json:"completed"`
	Attempts        int  `json:"attempts"`
	LatestDuration  int  `json:"latest_duration_seconds,omitempty"`
	LatestAttemptNo int  `json:"latest_attempt,omitempty"`
}

// Snapshot is a point-in-time view of the session for display.
type Snapshot struct {
	ID           string            `json:"id"`
	Phase        Phase             `json:"phase"`
	Difficulty   answer.Difficulty `json:"difficulty"`
	Job          string            `json:"job,omitempty"`
	LimitSeconds int               `json:"limit_seconds"`
	Index        int               `json:"index"`
	Total        int               `json:"total"`
	Question     answer.Question   `json:"question"`
	State        AttemptState      `json:"state"`
	// Attempt is the attempt being recorded, or the number stored when not recording.
	Attempt int `json:"attempt"`
	// RemainingSeconds is nil while the countdown is not armed.
	RemainingSeconds *int          `json:"remaining_seconds"`
	ElapsedSeconds   float64       `json:"elapsed_seconds"`
	Acquired         bool          `json:"acquired"`
	Video            bool          `json:"video"`
	CanRetry         bool          `json:"can_retry"`
	CanAdvance       bool          `json:"can_advance"`
	Slots            []SlotSummary `json:"slots"`
}

// Snapshot returns the current view.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, _ := c.ledger.Question(c.index)
	s := Snapshot{
		ID:             c.id,
		Phase:          c.phase,
		Difficulty:     c.difficulty,
		Job:            c.job,
		LimitSeconds:   c.limit,
		Index:          c.index,
		Total:          c.ledger.Len(),
		Question:       q,
		State:          c.state,
		Attempt:        c.attempt,
		ElapsedSeconds: c.recorder.Elapsed().Seconds(),
		Acquired:       c.handle != nil,
		Slots:          make([]SlotSummary, c.ledger.Len()),
	}
	if c.handle != nil {
		s.Video = c.handle.HasVideo()
	}
	if remaining, armed := c.clock.Remaining(); armed {
		s.RemainingSeconds = &remaining
	}

	active := c.phase == PhaseActive
	s.CanRetry = active && c.state == StateCompleted
	s.CanAdvance = active && c.state != StateRecording

	for i := range s.Slots {
		slot, _ := c.ledger.Slot(i)
		sum := SlotSummary{Index: i, Completed: slot.Completed(), Attempts: slot.Len()}
		if latest := slot.Latest(); latest != nil {
			sum.LatestDuration = latest.DurationSeconds
			sum.LatestAttemptNo = latest.Number
		}
		s.Slots[i] = sum
	}
	s.CanAdvance = s.CanAdvance && s.Slots[c.index].Completed
	return s
}
