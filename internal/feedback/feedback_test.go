package feedback

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/answercapture/internal/answer"
)

func sampleSubmission() Submission {
	return Submission{
		SessionID:  "sess-1",
		Difficulty: answer.DifficultyHard,
		Job:        "developer",
		CreatedAt:  time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Answers: []answer.FinalAnswer{
			{
				Question: answer.Question{Index: 0, Text: "Tell me about yourself."},
				Attempt: &answer.Attempt{
					Type: answer.AttemptTypeAudio, Number: 2, MediaType: "audio/wav",
					Data: []byte("RIFFdata"), DurationSeconds: 5,
				},
			},
			{Question: answer.Question{Index: 1, Text: "Why this role?"}},
		},
	}
}

func TestSubmission_Answered(t *testing.T) {
	assert.Equal(t, 1, sampleSubmission().Answered())
}

func TestFileSink_Submit(t *testing.T) {
	dir := t.TempDir()
	sink := NewFileSink(dir)
	sink.now = func() time.Time { return time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC) }

	require.NoError(t, sink.Submit(context.Background(), sampleSubmission()))

	audio, err := os.ReadFile(filepath.Join(dir, "sess-1", "q1_attempt2.wav"))
	require.NoError(t, err)
	assert.Equal(t, "RIFFdata", string(audio))

	f, err := os.Open(filepath.Join(dir, submissionsFile))
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan())

	var rec Record
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
	assert.Equal(t, "sess-1", rec.SessionID)
	assert.Equal(t, "hard", rec.Difficulty)
	require.Len(t, rec.Answers, 2)
	require.NotNil(t, rec.Answers[0].Answer)
	assert.Equal(t, "audio", rec.Answers[0].Answer.Type)
	assert.Equal(t, 2, rec.Answers[0].Answer.Attempt)
	assert.Equal(t, 5, rec.Answers[0].Answer.DurationSeconds)
	assert.Nil(t, rec.Answers[1].Answer)
	assert.False(t, scanner.Scan())

	manifest, err := LoadManifest(dir, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, rec.Answers[0].Answer.File, manifest.Answers[0].Answer.File)
	assert.Equal(t, "Why this role?", manifest.Answers[1].Question)
}

func TestFileSink_AppendsLines(t *testing.T) {
	dir := t.TempDir()
	sink := NewFileSink(dir)

	first := sampleSubmission()
	second := sampleSubmission()
	second.SessionID = "sess-2"
	require.NoError(t, sink.Submit(context.Background(), first))
	require.NoError(t, sink.Submit(context.Background(), second))

	data, err := os.ReadFile(filepath.Join(dir, submissionsFile))
	require.NoError(t, err)
	assert.Equal(t, 2, countLines(data))
}

func TestFileSink_RequiresSessionID(t *testing.T) {
	s := sampleSubmission()
	s.SessionID = ""
	assert.Error(t, NewFileSink(t.TempDir()).Submit(context.Background(), s))
}

func TestMulti_DeliversToAll(t *testing.T) {
	var calls atomic.Int32
	count := SinkFunc(func(context.Context, Submission) error {
		calls.Add(1)
		return nil
	})

	require.NoError(t, Multi{count, count, Discard}.Submit(context.Background(), sampleSubmission()))
	assert.Equal(t, int32(2), calls.Load())
}

func TestMulti_ReturnsError(t *testing.T) {
	boom := errors.New("boom")
	failing := SinkFunc(func(context.Context, Submission) error { return boom })

	err := Multi{Discard, failing}.Submit(context.Background(), sampleSubmission())
	assert.ErrorIs(t, err, boom)
}

func countLines(data []byte) int {
	n := 0
	for _, b := range data {
		if b == '\n' {
			n++
		}
	}
	return n
}

func TestMulti_FailingSinkDoesNotCancelFileSink(t *testing.T) {
	dir := t.TempDir()
	boom := errors.New("connection refused")
	failing := SinkFunc(func(context.Context, Submission) error { return boom })

	err := Multi{failing, NewFileSink(dir)}.Submit(context.Background(), sampleSubmission())
	assert.ErrorIs(t, err, boom)

	manifest, err := LoadManifest(dir, "sess-1")
	require.NoError(t, err)
	require.Len(t, manifest.Answers, 2)

	data, err := os.ReadFile(filepath.Join(dir, submissionsFile))
	require.NoError(t, err)
	assert.Equal(t, 1, countLines(data))
}

func TestMulti_JoinsAllErrors(t *testing.T) {
	first := errors.New("first")
	second := errors.New("second")
	err := Multi{
		SinkFunc(func(context.Context, Submission) error { return first }),
		SinkFunc(func(context.Context, Submission) error { return second }),
	}.Submit(context.Background(), sampleSubmission())
	assert.ErrorIs(t, err, first)
	assert.ErrorIs(t, err, second)
}
