// Package session implements the answer capture state machine.
//
// A Controller owns one rehearsal: the fixed question list, the attempts
// recorded for each question, and the single capture handle shared by the
// recorder and the level monitor. Each question moves through
//
//	IDLE -> RECORDING(1) -> COMPLETED(1) -> RECORDING(2) -> MAX_ATTEMPTS_REACHED
//
// where a recording ends either by the user or by the deadline clock. Only
// the controller decides which of those wins; late stops are no-ops.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/audiolibrelab/answercapture/internal/answer"
	"github.com/audiolibrelab/answercapture/internal/deadline"
	"github.com/audiolibrelab/answercapture/internal/device"
	"github.com/audiolibrelab/answercapture/internal/encode"
	"github.com/audiolibrelab/answercapture/internal/feedback"
	"github.com/audiolibrelab/answercapture/internal/ledger"
	"github.com/audiolibrelab/answercapture/internal/level"
	"github.com/audiolibrelab/answercapture/internal/observe"
	"github.com/audiolibrelab/answercapture/internal/recorder"
)

// AttemptState is the state of the current question.
type AttemptState string

const (
	StateIdle        AttemptState = "IDLE"
	StateRecording   AttemptState = "RECORDING"
	StateCompleted   AttemptState = "COMPLETED"
	StateMaxAttempts AttemptState = "MAX_ATTEMPTS_REACHED"
)

// Phase is the lifecycle of the whole session.
type Phase string

const (
	PhaseActive    Phase = "ACTIVE"
	PhaseFinalized Phase = "FINALIZED"
	PhaseDisposed  Phase = "DISPOSED"
)

const (
	triggerUser     = "user"
	triggerDeadline = "deadline"

	// DefaultMaxQuestions bounds the question count of a session.
	DefaultMaxQuestions = 3
)

// Tiers maps each difficulty to its per-attempt limit in seconds.
type Tiers map[answer.Difficulty]int

// DefaultTiers returns easy=120, medium=90, hard=60.
func DefaultTiers() Tiers {
	return Tiers{
		answer.DifficultyEasy:   120,
		answer.DifficultyMedium: 90,
		answer.DifficultyHard:   60,
	}
}

// Limit returns the countdown for d.
func (t Tiers) Limit(d answer.Difficulty) (int, error) {
	limit, ok := t[d]
	if !ok || limit <= 0 {
		return 0, fmt.Errorf("no time limit configured for difficulty %q", d)
	}
	return limit, nil
}

// Options configure a Controller.
type Options struct {
	// ID defaults to a random UUID.
	ID         string
	Questions  []answer.Question
	Difficulty answer.Difficulty
	Job        string
	// Tiers defaults to DefaultTiers.
	Tiers        Tiers
	MaxQuestions int

	Device      device.Device
	Constraints device.Constraints

	// Registry defaults to WAV only.
	Registry   *encode.Registry
	MediaTypes []string

	// Level defaults to a monitor with default options.
	Level *level.Monitor
	// ClockOptions are passed to the deadline clock, e.g. manual ticks in tests.
	ClockOptions []deadline.Option

	// Sink receives the finalized session. Defaults to feedback.Discard.
	Sink            feedback.Sink
	FeedbackTimeout time.Duration

	// Metrics defaults to observe.DefaultMetrics.
	Metrics *observe.Metrics
	Now     func() time.Time
}

// Controller drives one answer capture session. All methods are safe for
// concurrent use.
type Controller struct {
	id              string
	difficulty      answer.Difficulty
	job             string
	limit           int
	dev             device.Device
	constraints     device.Constraints
	recorder        *recorder.Recorder
	monitor         *level.Monitor
	clock           *deadline.Clock
	levels          *level.Broadcaster
	sink            feedback.Sink
	feedbackTimeout time.Duration
	metrics         *observe.Metrics
	now             func() time.Time
	createdAt       time.Time
	feedbackDone    chan struct{}

	mu            sync.Mutex
	phase         Phase
	ledger        *ledger.Ledger
	index         int
	state         AttemptState
	attempt       int
	handle        device.Handle
	acquiring     bool
	cancelAcquire context.CancelFunc
	epoch         uint64
	stopping      bool
	feed          *level.Feed
}

// New validates opts and creates an active session.
func New(opts Options) (*Controller, error) {
	maxQuestions := opts.MaxQuestions
	if maxQuestions <= 0 {
		maxQuestions = DefaultMaxQuestions
	}
	if len(opts.Questions) == 0 || len(opts.Questions) > maxQuestions {
		return nil, fmt.Errorf("question count must be between 1 and %d, got %d", maxQuestions, len(opts.Questions))
	}
	if opts.Device == nil {
		return nil, errors.New("capture device is required")
	}

	tiers := opts.Tiers
	if tiers == nil {
		tiers = DefaultTiers()
	}
	limit, err := tiers.Limit(opts.Difficulty)
	if err != nil {
		return nil, err
	}

	registry := opts.Registry
	if registry == nil {
		if registry, err = encode.NewRegistry(encode.MediaTypeWAV, encode.WAV{}); err != nil {
			return nil, err
		}
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	monitor := opts.Level
	if monitor == nil {
		monitor = level.NewMonitor(level.Options{})
	}
	sink := opts.Sink
	if sink == nil {
		sink = feedback.Discard
	}
	timeout := opts.FeedbackTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}

	questions := make([]answer.Question, len(opts.Questions))
	for i, q := range opts.Questions {
		questions[i] = answer.Question{Index: i, Text: q.Text}
	}

	c := &Controller{
		id:              id,
		difficulty:      opts.Difficulty,
		job:             opts.Job,
		limit:           limit,
		dev:             opts.Device,
		constraints:     opts.Constraints,
		recorder:        recorder.New(recorder.Options{Registry: registry, Preferences: opts.MediaTypes, Now: now}),
		monitor:         monitor,
		levels:          level.NewBroadcaster(32),
		sink:            sink,
		feedbackTimeout: timeout,
		metrics:         metrics,
		now:             now,
		createdAt:       now(),
		feedbackDone:    make(chan struct{}),
		phase:           PhaseActive,
		ledger:          ledger.New(questions),
		state:           StateIdle,
	}
	c.clock = deadline.New(c.onExpire, opts.ClockOptions...)

	metrics.ActiveSessions.Add(context.Background(), 1)
	slog.Info("Session created", "session", id, "difficulty", opts.Difficulty, "limit", limit, "questions", len(questions))
	return c, nil
}

// ID returns the session identifier.
func (c *Controller) ID() string { return c.id }

// Clock exposes the deadline clock, used to drive manual ticks.
func (c *Controller) Clock() *deadline.Clock { return c.clock }

// FeedbackDone is closed once the finalized session has been handed to the sink.
func (c *Controller) FeedbackDone() <-chan struct{} { return c.feedbackDone }

// AcquireDevice blocks until the capture device is granted or denied. Dispose
// cancels a pending acquisition.
func (c *Controller) AcquireDevice(ctx context.Context) error {
	c.mu.Lock()
	if err := c.checkActiveLocked("acquire"); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.handle != nil {
		c.mu.Unlock()
		return nil
	}
	if c.acquiring {
		c.mu.Unlock()
		return &TransitionError{Op: "acquire", State: c.state, Reason: ErrAcquireInProgress}
	}
	ctx, cancel := context.WithCancel(ctx)
	c.acquiring = true
	c.cancelAcquire = cancel
	c.mu.Unlock()
	defer cancel()

	h, err := c.dev.Acquire(ctx, c.constraints)

	c.mu.Lock()
	c.acquiring = false
	c.cancelAcquire = nil
	if err != nil {
		c.mu.Unlock()
		c.metrics.RecordDeviceFailure(context.Background(), device.Kind(err))
		slog.Warn("Capture device acquisition failed", "session", c.id, "error", err)
		return fmt.Errorf("acquire capture device: %w", err)
	}
	if c.phase != PhaseActive {
		c.mu.Unlock()
		_ = c.dev.Release(h)
		return &TransitionError{Op: "acquire", State: c.state, Reason: ErrSessionClosed}
	}
	c.handle = h
	c.mu.Unlock()

	slog.Info("Capture device acquired", "session", c.id, "handle", h.ID(), "video", h.HasVideo())
	return nil
}

// StartAnswer records the first attempt of the current question.
func (c *Controller) StartAnswer() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkActiveLocked("start"); err != nil {
		return err
	}
	if c.state != StateIdle {
		return c.rejectLocked("start", nil)
	}
	return c.beginAttemptLocked("start")
}

// Retry records the second attempt after the first was completed.
func (c *Controller) Retry() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkActiveLocked("retry"); err != nil {
		return err
	}
	switch c.state {
	case StateCompleted:
		return c.beginAttemptLocked("retry")
	case StateMaxAttempts:
		return c.rejectLocked("retry", ErrMaxAttemptsReached)
	case StateRecording:
		return c.rejectLocked("retry", ErrRecordingInProgress)
	default:
		return c.rejectLocked("retry", ErrAnswerNotCompleted)
	}
}

// beginAttemptLocked starts the recorder before arming the clock, so a failed
// start never leaves a countdown running.
func (c *Controller) beginAttemptLocked(op string) error {
	if c.handle == nil {
		return c.rejectLocked(op, ErrNotAcquired)
	}
	n, err := c.ledger.NextAttempt(c.index)
	if err != nil {
		return c.rejectLocked(op, ErrMaxAttemptsReached)
	}

	if err := c.recorder.Start(c.handle, nil); err != nil {
		if errors.Is(err, device.ErrDeviceUnavailable) {
			c.metrics.RecordDeviceFailure(context.Background(), device.Kind(err))
		}
		slog.Warn("Recorder failed to start", "session", c.id, "question", c.index, "attempt", n, "error", err)
		return fmt.Errorf("%s answer: %w", op, err)
	}

	c.attempt = n
	c.state = StateRecording
	c.epoch = c.clock.Arm(c.limit)
	c.feed = c.monitor.Start(c.handle)
	go c.levels.Forward(c.feed)

	slog.Info("Recording started", "session", c.id, "question", c.index, "attempt", n, "limit", c.limit)
	return nil
}

// StopAnswer ends the current recording and stores it. A stop that loses a
// race with the deadline is a no-op. On an encoding error the question stays
// in RECORDING so the caller can stop again or abandon.
func (c *Controller) StopAnswer(ctx context.Context) error {
	c.mu.Lock()
	if err := c.checkActiveLocked("stop"); err != nil {
		c.mu.Unlock()
		return err
	}
	switch c.state {
	case StateCompleted, StateMaxAttempts:
		c.mu.Unlock()
		return nil
	case StateIdle:
		err := c.rejectLocked("stop", ErrNotRecording)
		c.mu.Unlock()
		return err
	}
	if c.stopping {
		c.mu.Unlock()
		return nil
	}
	return c.finishLocked(ctx, triggerUser)
}

func (c *Controller) onExpire(epoch uint64) {
	c.mu.Lock()
	if c.phase != PhaseActive || c.state != StateRecording || c.stopping || epoch != c.epoch {
		c.mu.Unlock()
		slog.Debug("Ignoring stale deadline expiry", "session", c.id, "epoch", epoch)
		return
	}
	c.metrics.DeadlineExpiries.Add(context.Background(), 1,
		metric.WithAttributes(observe.Attr("tier", string(c.difficulty))))
	slog.Info("Time limit reached, stopping recording", "session", c.id, "question", c.index, "attempt", c.attempt)

	if err := c.finishLocked(context.Background(), triggerDeadline); err != nil {
		slog.Error("Failed to store recording after time limit", "session", c.id, "error", err)
	}
}

// finishLocked is entered with c.mu held and returns with it released. The
// lock is dropped while the recorder encodes.
func (c *Controller) finishLocked(ctx context.Context, trigger string) error {
	c.stopping = true
	c.clock.Disarm()
	c.stopFeedLocked()
	index, n := c.index, c.attempt
	c.mu.Unlock()

	a, err := c.recorder.Stop(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopping = false

	if c.phase != PhaseActive {
		return &TransitionError{Op: "stop", State: c.state, Reason: ErrSessionClosed}
	}
	if err != nil {
		c.metrics.EncodingFailures.Add(context.Background(), 1,
			metric.WithAttributes(observe.Attr("media_type", c.recorder.MediaType())))
		return fmt.Errorf("stop answer: %w", err)
	}
	if a == nil || c.state != StateRecording || c.index != index || c.attempt != n {
		return nil
	}

	a.Number = n
	if err := c.ledger.Store(index, a); err != nil {
		return fmt.Errorf("store attempt: %w", err)
	}
	if n >= answer.MaxAttempts {
		c.state = StateMaxAttempts
	} else {
		c.state = StateCompleted
	}

	c.metrics.RecordAttempt(context.Background(), string(c.difficulty), n, trigger, a.DurationSeconds)
	slog.Info("Answer stored", "session", c.id, "question", index, "attempt", n,
		"trigger", trigger, "duration", a.DurationSeconds, "media_type", a.MediaType, "bytes", a.Size())
	return nil
}

// AbandonAttempt drops the recording in progress. Earlier attempts of the
// question are kept. It is rejected while a stop is storing the recording.
func (c *Controller) AbandonAttempt() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkActiveLocked("abandon"); err != nil {
		return err
	}
	if c.state != StateRecording {
		return c.rejectLocked("abandon", ErrNotRecording)
	}
	if c.stopping {
		return c.rejectLocked("abandon", ErrStopInProgress)
	}

	c.clock.Disarm()
	c.stopFeedLocked()
	c.recorder.Discard()
	c.restoreStateLocked()

	slog.Info("Attempt abandoned", "session", c.id, "question", c.index, "state", c.state)
	return nil
}

// restoreStateLocked derives the question state from its stored attempts.
func (c *Controller) restoreStateLocked() {
	slot, _ := c.ledger.Slot(c.index)
	c.attempt = slot.Len()
	switch {
	case slot.Full():
		c.state = StateMaxAttempts
	case slot.Completed():
		c.state = StateCompleted
	default:
		c.state = StateIdle
	}
}

// Advance moves to the next question once the current one is answered. On the
// last question it finalizes the session and reports true.
func (c *Controller) Advance() (finalized bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkActiveLocked("advance"); err != nil {
		return false, err
	}
	if c.state == StateRecording {
		return false, c.rejectLocked("advance", ErrRecordingInProgress)
	}
	slot, _ := c.ledger.Slot(c.index)
	if !slot.Completed() {
		return false, c.rejectLocked("advance", ErrAnswerNotCompleted)
	}

	if c.index == c.ledger.Len()-1 {
		c.finalizeLocked()
		return true, nil
	}

	c.index++
	c.attempt = 0
	c.state = StateIdle
	slog.Info("Advanced to next question", "session", c.id, "question", c.index)
	return false, nil
}

func (c *Controller) finalizeLocked() {
	c.phase = PhaseFinalized
	c.clock.Disarm()
	h := c.handle
	c.handle = nil
	if h != nil {
		if err := c.dev.Release(h); err != nil {
			slog.Warn("Failed to release capture device", "session", c.id, "error", err)
		}
	}

	sub := feedback.Submission{
		SessionID:  c.id,
		Difficulty: c.difficulty,
		Job:        c.job,
		CreatedAt:  c.createdAt,
		Answers:    c.ledger.Finalize(),
	}

	ctx := context.Background()
	c.metrics.ActiveSessions.Add(ctx, -1)
	c.metrics.SessionsFinalized.Add(ctx, 1, metric.WithAttributes(observe.Attr("tier", string(c.difficulty))))
	slog.Info("Session finalized", "session", c.id, "answered", sub.Answered(), "questions", len(sub.Answers))

	go c.dispatch(sub)
}

func (c *Controller) dispatch(sub feedback.Submission) {
	defer close(c.feedbackDone)

	ctx, cancel := context.WithTimeout(context.Background(), c.feedbackTimeout)
	defer cancel()

	start := time.Now()
	err := c.sink.Submit(ctx, sub)
	status := "ok"
	if err != nil {
		status = "error"
		slog.Error("Feedback delivery failed", "session", sub.SessionID, "error", err)
	}
	c.metrics.FeedbackDuration.Record(context.Background(), time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("status", status)))
}

// Dispose releases the device, drops any partial recording and disarms the
// clock. It is safe to call in any state and more than once.
func (c *Controller) Dispose() {
	c.mu.Lock()
	if c.phase == PhaseDisposed {
		c.mu.Unlock()
		return
	}
	wasActive := c.phase == PhaseActive
	c.phase = PhaseDisposed
	if c.cancelAcquire != nil {
		c.cancelAcquire()
	}
	c.clock.Disarm()
	c.stopFeedLocked()
	discarded := c.recorder.Discard()
	h := c.handle
	c.handle = nil
	c.mu.Unlock()

	if h != nil {
		if err := c.dev.Release(h); err != nil {
			slog.Warn("Failed to release capture device", "session", c.id, "error", err)
		}
	}
	c.levels.Close()
	if wasActive {
		c.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	slog.Info("Session disposed", "session", c.id, "discarded_partial", discarded)
}

// SubscribeLevels streams level samples of every recording in this session.
func (c *Controller) SubscribeLevels() (<-chan level.Sample, func()) {
	return c.levels.Subscribe()
}

// Answers returns the authoritative answer per question so far.
func (c *Controller) Answers() []answer.FinalAnswer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.Finalize()
}

func (c *Controller) stopFeedLocked() {
	if c.feed != nil {
		c.monitor.Stop(c.feed)
		c.feed = nil
	}
}

func (c *Controller) checkActiveLocked(op string) error {
	if c.phase != PhaseActive {
		return &TransitionError{Op: op, State: c.state, Reason: ErrSessionClosed}
	}
	return nil
}

func (c *Controller) rejectLocked(op string, reason error) error {
	c.metrics.RecordRejected(context.Background(), op)
	return &TransitionError{Op: op, State: c.state, Reason: reason}
}
