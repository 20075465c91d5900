package questions

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/answercapture/internal/answer"
)

const testBank = `
jobs:
  Developer:
    easy: [e1, e2, e3, e4]
    hard: [h1, h2]
  nurse:
    medium: [m1]
`

func noShuffle(int, func(i, j int)) {}

func parseTest(t *testing.T) *Bank {
	t.Helper()
	b, err := Parse([]byte(testBank))
	require.NoError(t, err)
	b.shuffle = noShuffle
	return b
}

func texts(qs []answer.Question) []string {
	out := make([]string, len(qs))
	for i, q := range qs {
		out[i] = q.Text
	}
	return out
}

func TestDefaultBank(t *testing.T) {
	b := Default()
	assert.Contains(t, b.Jobs(), "developer")
	for _, job := range b.Jobs() {
		for _, d := range answer.Difficulties {
			assert.GreaterOrEqual(t, len(b.All(job, d)), 3, "%s/%s", job, d)
		}
	}
}

func TestSelect_IndexesAndCount(t *testing.T) {
	b := parseTest(t)

	qs, err := b.Select("developer", answer.DifficultyEasy, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2", "e3"}, texts(qs))
	for i, q := range qs {
		assert.Equal(t, i, q.Index)
	}
}

func TestSelect_AvoidsRepeatsThenResets(t *testing.T) {
	b := parseTest(t)

	_, err := b.Select("developer", answer.DifficultyEasy, 3)
	require.NoError(t, err)

	// Only e4 is unseen, so the pool resets to all four.
	qs, err := b.Select("developer", answer.DifficultyEasy, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2"}, texts(qs))

	qs, err = b.Select("developer", answer.DifficultyEasy, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"e3", "e4"}, texts(qs))
}

func TestSelect_UnknownJobFallsBack(t *testing.T) {
	b := parseTest(t)

	qs, err := b.Select("astronaut", answer.DifficultyHard, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"h1", "h2"}, texts(qs))
}

func TestSelect_EmptyTierUsesAllQuestions(t *testing.T) {
	b := parseTest(t)

	qs, err := b.Select("developer", answer.DifficultyMedium, 6)
	require.NoError(t, err)
	assert.Len(t, qs, 6)
}

func TestSelect_NotEnough(t *testing.T) {
	b := parseTest(t)

	_, err := b.Select("nurse", answer.DifficultyMedium, 2)
	assert.ErrorIs(t, err, ErrNotEnoughQuestions)

	_, err = b.Select("nurse", answer.DifficultyMedium, 0)
	assert.Error(t, err)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"no jobs", "jobs: {}\n"},
		{"empty job", "jobs:\n  dev: {}\n"},
		{"invalid yaml", "jobs: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestLoadOrDefault(t *testing.T) {
	b, err := LoadOrDefault("")
	require.NoError(t, err)
	assert.NotEmpty(t, b.Jobs())

	path := filepath.Join(t.TempDir(), "bank.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testBank), 0o644))
	b, err = LoadOrDefault(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"developer", "nurse"}, b.Jobs())

	_, err = LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
