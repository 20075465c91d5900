package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/answercapture/internal/answer"
)

func questions(n int) []answer.Question {
	qs := make([]answer.Question, n)
	for i := range qs {
		qs[i] = answer.Question{Index: i, Text: "question"}
	}
	return qs
}

func TestLedger_StoreMarksCompleted(t *testing.T) {
	l := New(questions(2))
	s, err := l.Slot(0)
	require.NoError(t, err)
	assert.False(t, s.Completed())

	require.NoError(t, l.Store(0, &answer.Attempt{Number: 1, DurationSeconds: 10}))
	assert.True(t, s.Completed())
	assert.Equal(t, 1, s.Len())
	assert.False(t, s.Full())

	require.NoError(t, l.Store(0, &answer.Attempt{Number: 2, DurationSeconds: 5}))
	assert.True(t, s.Completed())
	assert.True(t, s.Full())
	assert.Equal(t, 5, s.Latest().DurationSeconds)
}

func TestLedger_RejectsThirdAttempt(t *testing.T) {
	l := New(questions(1))
	require.NoError(t, l.Store(0, &answer.Attempt{Number: 1}))
	require.NoError(t, l.Store(0, &answer.Attempt{Number: 2}))

	err := l.Store(0, &answer.Attempt{Number: 3})
	assert.ErrorIs(t, err, ErrSlotFull)

	s, _ := l.Slot(0)
	assert.Equal(t, 2, s.Len())

	_, err = l.NextAttempt(0)
	assert.ErrorIs(t, err, ErrSlotFull)
}

func TestLedger_RejectsOutOfOrderAttempt(t *testing.T) {
	l := New(questions(1))

	assert.ErrorIs(t, l.Store(0, &answer.Attempt{Number: 2}), ErrAttemptOrder)
	assert.ErrorIs(t, l.Store(0, nil), ErrAttemptOrder)

	require.NoError(t, l.Store(0, &answer.Attempt{Number: 1}))
	assert.ErrorIs(t, l.Store(0, &answer.Attempt{Number: 1}), ErrAttemptOrder)

	s, _ := l.Slot(0)
	assert.Equal(t, 1, s.Len())
}

func TestLedger_BadIndex(t *testing.T) {
	l := New(questions(1))
	_, err := l.Slot(3)
	assert.ErrorIs(t, err, ErrNoSuchQuestion)
	_, err = l.Question(-1)
	assert.ErrorIs(t, err, ErrNoSuchQuestion)
	assert.ErrorIs(t, l.Store(1, &answer.Attempt{Number: 1}), ErrNoSuchQuestion)
}

func TestLedger_FinalizeUsesLatestAttempt(t *testing.T) {
	l := New(questions(3))
	require.NoError(t, l.Store(0, &answer.Attempt{Number: 1, DurationSeconds: 10}))
	require.NoError(t, l.Store(0, &answer.Attempt{Number: 2, DurationSeconds: 5}))
	require.NoError(t, l.Store(1, &answer.Attempt{Number: 1, DurationSeconds: 30}))

	final := l.Finalize()
	require.Len(t, final, 3)

	assert.Equal(t, 2, final[0].Attempt.Number)
	assert.Equal(t, 5, final[0].Attempt.DurationSeconds)
	assert.Equal(t, 1, final[1].Attempt.Number)
	assert.False(t, final[2].Answered())
	assert.Equal(t, 2, final[2].Question.Index)
}

func TestAnswerSlot_AttemptsIsACopy(t *testing.T) {
	l := New(questions(1))
	require.NoError(t, l.Store(0, &answer.Attempt{Number: 1}))

	s, _ := l.Slot(0)
	got := s.Attempts()
	got[0] = nil
	assert.NotNil(t, s.Latest())
}
