package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/audiolibrelab/answercapture/internal/answer"
	"github.com/audiolibrelab/answercapture/internal/config"
	"github.com/audiolibrelab/answercapture/internal/deadline"
	"github.com/audiolibrelab/answercapture/internal/device"
	"github.com/audiolibrelab/answercapture/internal/encode"
	"github.com/audiolibrelab/answercapture/internal/feedback"
	"github.com/audiolibrelab/answercapture/internal/feedback/openai"
	"github.com/audiolibrelab/answercapture/internal/level"
	"github.com/audiolibrelab/answercapture/internal/observe"
	"github.com/audiolibrelab/answercapture/internal/questions"
	"github.com/audiolibrelab/answercapture/internal/session"
)

// ErrNoSession is returned by session operations before a session was created.
var ErrNoSession = errors.New("no session")

// Service represents the core answer capture service interface
type Service interface {
	// Session lifecycle
	StartSession(req SessionRequest) (session.Snapshot, error)
	Dispose() error

	// Capture operations
	Acquire(ctx context.Context) error
	StartAnswer() error
	StopAnswer(ctx context.Context) error
	Retry() error
	Abandon() error
	Advance() (finalized bool, err error)
	WaitFeedback(ctx context.Context) error

	// Information operations
	GetStatus() Status
	GetFeedback(sessionID string) []openai.Result
	SubscribeLevels() (<-chan level.Sample, func())
	Jobs() []string
	GetLastError() string

	// Configuration operations
	LoadProfile(profile string) error
	GetConfig() *config.Config

	Close()
}

// SessionRequest describes a new session. Zero fields use the configuration.
type SessionRequest struct {
	Difficulty string `json:"difficulty"`
	Count      int    `json:"count"`
	Job        string `json:"job"`
	// Questions replaces the bank selection when set.
	Questions []string `json:"questions,omitempty"`
}

// Status is the current session view plus the last service error.
type Status struct {
	Session   *session.Snapshot `json:"session"`
	LastError string            `json:"last_error,omitempty"`
}

// Dependencies overrides the collaborators built from the configuration.
type Dependencies struct {
	Device       device.Device
	Bank         *questions.Bank
	Sink         feedback.Sink
	Registry     *encode.Registry
	Metrics      *observe.Metrics
	ClockOptions []deadline.Option
}

// AnswerCaptureService is the main service implementation. It owns at most
// one session at a time; starting a new one disposes the previous one.
type AnswerCaptureService struct {
	cfg        *config.Config
	configFile string
	deps       Dependencies
	levels     *level.Broadcaster

	mu      sync.Mutex
	current *session.Controller

	resultsMu sync.Mutex
	results   map[string][]openai.Result

	// Error tracking
	lastError      string
	lastErrorMutex sync.RWMutex
}

// New creates a service. Collaborators missing from deps are built from cfg.
func New(cfg *config.Config, configFile string, deps Dependencies) (*AnswerCaptureService, error) {
	s := &AnswerCaptureService{
		cfg:        cfg,
		configFile: configFile,
		levels:     level.NewBroadcaster(64),
		results:    make(map[string][]openai.Result),
	}
	if err := s.applyConfig(cfg, deps); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *AnswerCaptureService) applyConfig(cfg *config.Config, deps Dependencies) error {
	var err error
	if deps.Device == nil {
		deps.Device = device.NewPipeWireDevice(cfg.DeviceOptions())
	}
	if deps.Bank == nil {
		if deps.Bank, err = questions.LoadOrDefault(cfg.Questions.BankFile); err != nil {
			return err
		}
	}
	if deps.Registry == nil {
		if deps.Registry, err = encode.DefaultRegistry(cfg.Recorder.DefaultMediaType); err != nil {
			return fmt.Errorf("failed to build encoders: %w", err)
		}
	}
	if deps.Sink == nil {
		if deps.Sink, err = s.buildSink(cfg); err != nil {
			return err
		}
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}

	s.cfg = cfg
	s.deps = deps
	return nil
}

// buildSink writes every session to disk and adds the OpenAI critique when an
// API key is configured.
func (s *AnswerCaptureService) buildSink(cfg *config.Config) (feedback.Sink, error) {
	sinks := feedback.Multi{feedback.NewFileSink(cfg.Feedback.OutputDirectory)}

	oc := cfg.Feedback.OpenAI
	if oc.APIKey == "" {
		slog.Info("No OpenAI API key configured, answers are only written to disk")
		return sinks, nil
	}
	ai, err := openai.New(openai.Config{
		APIKey:             oc.APIKey,
		Model:              oc.Model,
		TranscriptionModel: oc.TranscriptionModel,
		BaseURL:            oc.BaseURL,
		Language:           oc.Language,
		Timeout:            cfg.FeedbackTimeout(),
		OnResult:           s.recordResult,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create OpenAI feedback: %w", err)
	}
	return append(sinks, ai), nil
}

func (s *AnswerCaptureService) recordResult(r openai.Result) {
	if r.Err != nil {
		slog.Error("Answer critique failed", "session", r.SessionID, "question", r.Index, "error", r.Err)
	} else {
		slog.Info("Answer critiqued", "session", r.SessionID, "question", r.Index, "score", r.Score)
	}
	s.resultsMu.Lock()
	defer s.resultsMu.Unlock()
	s.results[r.SessionID] = append(s.results[r.SessionID], r)
}

// StartSession disposes any previous session and creates a new one with
// questions from the bank.
func (s *AnswerCaptureService) StartSession(req SessionRequest) (session.Snapshot, error) {
	slog.Debug("Service.StartSession called", "difficulty", req.Difficulty, "count", req.Count, "job", req.Job)
	s.clearLastError()

	s.mu.Lock()
	defer s.mu.Unlock()

	ctrl, err := s.newController(req)
	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to start session: %v", err))
		return session.Snapshot{}, err
	}

	if s.current != nil {
		s.current.Dispose()
	}
	s.current = ctrl
	samples, cancel := ctrl.SubscribeLevels()
	go s.forwardLevels(samples, cancel)

	return ctrl.Snapshot(), nil
}

func (s *AnswerCaptureService) newController(req SessionRequest) (*session.Controller, error) {
	cfg := s.cfg

	difficulty := cfg.Difficulty()
	if req.Difficulty != "" {
		d, err := answer.ParseDifficulty(req.Difficulty)
		if err != nil {
			return nil, err
		}
		difficulty = d
	}
	job := req.Job
	if job == "" {
		job = cfg.Questions.Job
	}
	count := req.Count
	if count == 0 {
		count = cfg.Session.QuestionCount
	}
	if count < 1 || count > cfg.Session.MaxQuestions {
		return nil, fmt.Errorf("question count must be between 1 and %d, got %d", cfg.Session.MaxQuestions, count)
	}

	var qs []answer.Question
	if len(req.Questions) > 0 {
		for i, text := range req.Questions {
			qs = append(qs, answer.Question{Index: i, Text: text})
		}
	} else {
		var err error
		if qs, err = s.deps.Bank.Select(job, difficulty, count); err != nil {
			return nil, err
		}
	}

	return session.New(session.Options{
		Questions:       qs,
		Difficulty:      difficulty,
		Job:             job,
		Tiers:           cfg.SessionTiers(),
		MaxQuestions:    cfg.Session.MaxQuestions,
		Device:          s.deps.Device,
		Constraints:     device.DefaultConstraints(),
		Registry:        s.deps.Registry,
		MediaTypes:      cfg.Recorder.MediaTypes,
		Level:           level.NewMonitor(cfg.LevelOptions()),
		ClockOptions:    s.deps.ClockOptions,
		Sink:            s.deps.Sink,
		FeedbackTimeout: cfg.FeedbackTimeout(),
		Metrics:         s.deps.Metrics,
	})
}

// forwardLevels republishes the session's samples until it is disposed.
func (s *AnswerCaptureService) forwardLevels(samples <-chan level.Sample, cancel func()) {
	defer cancel()
	for sample := range samples {
		s.levels.Publish(sample)
	}
}

func (s *AnswerCaptureService) currentSession() (*session.Controller, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil, ErrNoSession
	}
	return s.current, nil
}

// run executes op against the current session and tracks its error.
func (s *AnswerCaptureService) run(name string, op func(*session.Controller) error) error {
	ctrl, err := s.currentSession()
	if err != nil {
		return err
	}
	if err := op(ctrl); err != nil {
		slog.Debug("Service operation failed", "op", name, "error", err)
		s.setLastError(fmt.Sprintf("Failed to %s: %v", name, err))
		return err
	}
	s.clearLastError()
	return nil
}

// Acquire requests the capture device for the current session
func (s *AnswerCaptureService) Acquire(ctx context.Context) error {
	return s.run("acquire device", func(c *session.Controller) error { return c.AcquireDevice(ctx) })
}

// StartAnswer records the first attempt of the current question
func (s *AnswerCaptureService) StartAnswer() error {
	return s.run("start answer", (*session.Controller).StartAnswer)
}

// StopAnswer stores the recording in progress
func (s *AnswerCaptureService) StopAnswer(ctx context.Context) error {
	return s.run("stop answer", func(c *session.Controller) error { return c.StopAnswer(ctx) })
}

// Retry records the second attempt
func (s *AnswerCaptureService) Retry() error {
	return s.run("retry", (*session.Controller).Retry)
}

// Abandon drops the recording in progress
func (s *AnswerCaptureService) Abandon() error {
	return s.run("abandon attempt", (*session.Controller).AbandonAttempt)
}

// Advance moves to the next question or finalizes the session
func (s *AnswerCaptureService) Advance() (bool, error) {
	var finalized bool
	err := s.run("advance", func(c *session.Controller) error {
		var err error
		finalized, err = c.Advance()
		return err
	})
	return finalized, err
}

// WaitFeedback blocks until the finalized session was handed to the sinks
func (s *AnswerCaptureService) WaitFeedback(ctx context.Context) error {
	ctrl, err := s.currentSession()
	if err != nil {
		return err
	}
	select {
	case <-ctrl.FeedbackDone():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispose abandons the current session without finalizing it
func (s *AnswerCaptureService) Dispose() error {
	ctrl, err := s.currentSession()
	if err != nil {
		return err
	}
	ctrl.Dispose()
	s.clearLastError()
	return nil
}

// GetStatus returns the current session view
func (s *AnswerCaptureService) GetStatus() Status {
	st := Status{LastError: s.GetLastError()}
	if ctrl, err := s.currentSession(); err == nil {
		snap := ctrl.Snapshot()
		st.Session = &snap
	}
	return st
}

// GetFeedback returns the critiques received for a session so far
func (s *AnswerCaptureService) GetFeedback(sessionID string) []openai.Result {
	s.resultsMu.Lock()
	defer s.resultsMu.Unlock()
	return append([]openai.Result(nil), s.results[sessionID]...)
}

// SubscribeLevels streams level samples across sessions
func (s *AnswerCaptureService) SubscribeLevels() (<-chan level.Sample, func()) {
	return s.levels.Subscribe()
}

// Jobs lists the jobs of the question bank
func (s *AnswerCaptureService) Jobs() []string {
	return s.deps.Bank.Jobs()
}

// LoadProfile loads a new configuration profile. The current session keeps
// running with its original settings.
func (s *AnswerCaptureService) LoadProfile(profile string) error {
	newCfg, err := config.LoadWithProfile(s.configFile, profile)
	if err != nil {
		return fmt.Errorf("failed to load profile '%s': %w", profile, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyConfig(newCfg, Dependencies{Metrics: s.deps.Metrics, ClockOptions: s.deps.ClockOptions})
}

// GetConfig returns the current configuration
func (s *AnswerCaptureService) GetConfig() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Close disposes the current session and ends level subscriptions
func (s *AnswerCaptureService) Close() {
	s.mu.Lock()
	if s.current != nil {
		s.current.Dispose()
	}
	s.mu.Unlock()
	s.levels.Close()
}

// GetLastError returns the last error message (thread-safe)
func (s *AnswerCaptureService) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

// setLastError sets the last error message (thread-safe)
func (s *AnswerCaptureService) setLastError(err string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = err

	slog.Error("Service error occurred", "error_message", err)
}

// clearLastError clears the last error message (thread-safe)
func (s *AnswerCaptureService) clearLastError() {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = ""
}
