// Package answer holds the value types shared by the capture pipeline:
// questions, recorded attempts and the finalized per-question answers.
package answer

import (
	"fmt"
	"strings"
	"time"
)

// MaxAttempts is the number of recordings a single question accepts.
const MaxAttempts = 2

// Difficulty selects the per-attempt time limit of a session.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// Difficulties lists the tiers from the longest to the shortest countdown.
var Difficulties = []Difficulty{DifficultyEasy, DifficultyMedium, DifficultyHard}

// ParseDifficulty converts user input into a Difficulty.
func ParseDifficulty(s string) (Difficulty, error) {
	d := Difficulty(strings.ToLower(strings.TrimSpace(s)))
	switch d {
	case DifficultyEasy, DifficultyMedium, DifficultyHard:
		return d, nil
	default:
		return "", fmt.Errorf("unknown difficulty %q (valid: easy, medium, hard)", s)
	}
}

// Question is an immutable prompt at a fixed position in the session.
type Question struct {
	Index int    `json:"index" yaml:"index"`
	Text  string `json:"text" yaml:"text"`
}

// Attempt is one finalized recording for one question.
type Attempt struct {
	Type            string    `json:"type"`
	Number          int       `json:"attempt"`
	MediaType       string    `json:"media_type"`
	Data            []byte    `json:"-"`
	DurationSeconds int       `json:"duration_seconds"`
	RecordedAt      time.Time `json:"recorded_at"`
}

// AttemptTypeAudio is the only answer type produced by the recorder.
const AttemptTypeAudio = "audio"

// Size returns the payload length in bytes.
func (a *Attempt) Size() int {
	if a == nil {
		return 0
	}
	return len(a.Data)
}

// FinalAnswer is the authoritative answer handed to the feedback collaborator.
// Attempt is nil for questions that were never answered.
type FinalAnswer struct {
	Question Question `json:"question"`
	Attempt  *Attempt `json:"answer"`
}

// Answered reports whether the question has a recorded answer.
func (f FinalAnswer) Answered() bool {
	return f.Attempt != nil
}
