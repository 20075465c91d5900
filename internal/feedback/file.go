package feedback

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/audiolibrelab/answercapture/internal/encode"
)

const (
	submissionsFile = "submissions.jsonl"
	manifestFile    = "manifest.yaml"
)

// Record is one line of the submissions log.
type Record struct {
	Timestamp  time.Time     `json:"timestamp" yaml:"timestamp"`
	SessionID  string        `json:"session_id" yaml:"session_id"`
	Difficulty string        `json:"difficulty" yaml:"difficulty"`
	Job        string        `json:"job,omitempty" yaml:"job,omitempty"`
	Answers    []AnswerEntry `json:"answers" yaml:"answers"`
}

// AnswerEntry describes one question and, when answered, the stored file.
type AnswerEntry struct {
	Question string     `json:"question" yaml:"question"`
	Answer   *AudioFile `json:"answer" yaml:"answer"`
}

// AudioFile is the metadata of an answer written to disk.
type AudioFile struct {
	Type            string `json:"type" yaml:"type"`
	Attempt         int    `json:"attempt" yaml:"attempt"`
	MediaType       string `json:"media_type" yaml:"media_type"`
	DurationSeconds int    `json:"duration" yaml:"duration"`
	File            string `json:"file" yaml:"file"`
	Bytes           int    `json:"bytes" yaml:"bytes"`
}

// FileSink writes each answer to <dir>/<session>/qN_attemptM.<ext>, a YAML
// manifest next to them, and appends a JSON line to <dir>/submissions.jsonl.
// Safe for concurrent use.
type FileSink struct {
	mu  sync.Mutex
	dir string
	now func() time.Time
}

// NewFileSink creates a FileSink rooted at dir.
func NewFileSink(dir string) *FileSink {
	return &FileSink{dir: dir, now: time.Now}
}

// Submit implements [Sink].
func (fs *FileSink) Submit(ctx context.Context, s Submission) error {
	if s.SessionID == "" {
		return fmt.Errorf("feedback: session id is required")
	}

	sessionDir := filepath.Join(fs.dir, s.SessionID)
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return fmt.Errorf("feedback: create session directory: %w", err)
	}

	record := Record{
		Timestamp:  fs.now().UTC(),
		SessionID:  s.SessionID,
		Difficulty: string(s.Difficulty),
		Job:        s.Job,
		Answers:    make([]AnswerEntry, len(s.Answers)),
	}

	for i, fa := range s.Answers {
		if err := ctx.Err(); err != nil {
			return err
		}
		record.Answers[i].Question = fa.Question.Text
		if !fa.Answered() {
			continue
		}

		a := fa.Attempt
		name := fmt.Sprintf("q%d_attempt%d.%s", fa.Question.Index+1, a.Number, encode.Extension(a.MediaType))
		if err := os.WriteFile(filepath.Join(sessionDir, name), a.Data, 0o644); err != nil {
			return fmt.Errorf("feedback: write answer %d: %w", i, err)
		}
		record.Answers[i].Answer = &AudioFile{
			Type:            a.Type,
			Attempt:         a.Number,
			MediaType:       a.MediaType,
			DurationSeconds: a.DurationSeconds,
			File:            filepath.Join(s.SessionID, name),
			Bytes:           a.Size(),
		}
	}

	manifest, err := yaml.Marshal(record)
	if err != nil {
		return fmt.Errorf("feedback: marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(sessionDir, manifestFile), manifest, 0o644); err != nil {
		return fmt.Errorf("feedback: write manifest: %w", err)
	}

	return fs.appendRecord(record)
}

func (fs *FileSink) appendRecord(record Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("feedback: marshal: %w", err)
	}
	data = append(data, '\n')

	fs.mu.Lock()
	defer fs.mu.Unlock()

	f, err := os.OpenFile(filepath.Join(fs.dir, submissionsFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("feedback: open file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("feedback: write: %w", err)
	}
	return nil
}

// LoadManifest reads the manifest written for a session.
func LoadManifest(dir, sessionID string) (*Record, error) {
	data, err := os.ReadFile(filepath.Join(dir, sessionID, manifestFile))
	if err != nil {
		return nil, fmt.Errorf("feedback: read manifest: %w", err)
	}
	var r Record
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("feedback: parse manifest: %w", err)
	}
	return &r, nil
}
