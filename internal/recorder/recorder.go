// Package recorder accumulates captured chunks for one attempt and assembles
// them into an encoded answer when stopped.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/audiolibrelab/answercapture/internal/answer"
	"github.com/audiolibrelab/answercapture/internal/device"
	"github.com/audiolibrelab/answercapture/internal/encode"
)

var (
	// ErrEncoding is returned by Stop when the payload could not be assembled.
	// The chunks are kept so Stop can be retried.
	ErrEncoding = errors.New("encoding failed")
	// ErrAlreadyRecording is returned by Start while a recording is in progress
	// or still waiting to be encoded.
	ErrAlreadyRecording = errors.New("recorder already recording")
)

// State of the recorder.
type State int

const (
	StateIdle State = iota
	StateRecording
	StatePendingEncode
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StatePendingEncode:
		return "pending_encode"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Options configure a Recorder.
type Options struct {
	Registry *encode.Registry
	// Preferences is the ordered list of media types to probe.
	Preferences []string
	// Now is the wall clock used for durations. Defaults to time.Now.
	Now func() time.Time
}

// Recorder captures one attempt at a time from a shared handle.
type Recorder struct {
	registry    *encode.Registry
	preferences []string
	now         func() time.Time

	mu          sync.Mutex
	state       State
	generation  uint64
	// encoding is set while an encode of the current generation is running.
	encoding    bool
	format      device.Format
	mediaType   string
	chunks      [][]byte
	startedAt   time.Time
	elapsed     time.Duration
	sink        func([]byte)
	unsubscribe func()
}

// New creates an idle recorder.
func New(opts Options) *Recorder {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Recorder{
		registry:    opts.Registry,
		preferences: append([]string(nil), opts.Preferences...),
		now:         now,
	}
}

// Start subscribes to h and begins collecting chunks. sink, when non-nil,
// receives every collected chunk and must not block or call back into the
// recorder.
func (r *Recorder) Start(h device.Handle, sink func([]byte)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateIdle {
		return fmt.Errorf("%w: state %s", ErrAlreadyRecording, r.state)
	}
	if h == nil || h.AudioTracks() == 0 {
		return fmt.Errorf("%w: no live audio track", device.ErrDeviceUnavailable)
	}

	r.generation++
	gen := r.generation
	r.format = h.Format()
	r.mediaType = r.registry.Negotiate(r.preferences)
	r.chunks = nil
	r.sink = sink
	r.startedAt = r.now()
	r.elapsed = 0
	r.state = StateRecording
	r.unsubscribe = h.Subscribe(func(chunk []byte) { r.collect(gen, chunk) })

	slog.Debug("Recorder started", "handle", h.ID(), "media_type", r.mediaType)
	return nil
}

func (r *Recorder) collect(gen uint64, chunk []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateRecording || gen != r.generation {
		return
	}
	r.chunks = append(r.chunks, chunk)
	if r.sink != nil {
		r.sink(chunk)
	}
}

// Stop halts collection and encodes everything gathered since Start. It
// returns nil without error when nothing is being recorded. On ErrEncoding the
// recorder stays pending so Stop can be called again, or Discard to give up.
func (r *Recorder) Stop(ctx context.Context) (*answer.Attempt, error) {
	r.mu.Lock()
	switch {
	case r.state == StateIdle, r.encoding:
		r.mu.Unlock()
		return nil, nil
	case r.state == StateRecording:
		r.detach()
		r.elapsed = r.now().Sub(r.startedAt)
		r.state = StatePendingEncode
	}
	r.encoding = true
	gen := r.generation
	format := r.format
	mediaType := r.mediaType
	chunks := r.chunks
	startedAt := r.startedAt
	elapsed := r.elapsed
	r.mu.Unlock()

	data, err := r.encode(ctx, mediaType, format, chunks)

	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.generation || r.state != StatePendingEncode {
		return nil, nil
	}
	r.encoding = false
	if err != nil {
		slog.Warn("Encoding failed, recording kept for retry", "media_type", mediaType, "chunks", len(chunks), "error", err)
		return nil, fmt.Errorf("%w: %s: %v", ErrEncoding, mediaType, err)
	}

	r.state = StateIdle
	r.chunks = nil
	r.sink = nil

	a := &answer.Attempt{
		Type:            answer.AttemptTypeAudio,
		MediaType:       mediaType,
		Data:            data,
		DurationSeconds: int(math.Round(elapsed.Seconds())),
		RecordedAt:      startedAt,
	}
	slog.Debug("Recorder stopped", "media_type", mediaType, "bytes", len(data), "duration", a.DurationSeconds)
	return a, nil
}

func (r *Recorder) encode(ctx context.Context, mediaType string, format device.Format, chunks [][]byte) ([]byte, error) {
	enc, err := r.registry.Lookup(mediaType)
	if err != nil {
		return nil, err
	}
	return enc.Encode(ctx, format, chunks)
}

// Discard drops any recording in progress or pending encode. It reports
// whether anything was dropped.
func (r *Recorder) Discard() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateIdle {
		return false
	}
	r.detach()
	r.generation++
	r.state = StateIdle
	r.encoding = false
	r.chunks = nil
	r.sink = nil
	slog.Debug("Recorder discarded partial recording")
	return true
}

// State returns the current state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Elapsed returns the wall-clock time since Start while recording, or the
// frozen duration once stopped.
func (r *Recorder) Elapsed() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case StateRecording:
		return r.now().Sub(r.startedAt)
	case StatePendingEncode:
		return r.elapsed
	default:
		return 0
	}
}

// MediaType returns the type negotiated for the current recording.
func (r *Recorder) MediaType() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mediaType
}

func (r *Recorder) detach() {
	if r.unsubscribe != nil {
		r.unsubscribe()
		r.unsubscribe = nil
	}
}
