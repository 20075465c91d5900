package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/audiolibrelab/answercapture/internal/answer"
	"github.com/audiolibrelab/answercapture/internal/config"
	"github.com/audiolibrelab/answercapture/internal/deadline"
	"github.com/audiolibrelab/answercapture/internal/device"
	"github.com/audiolibrelab/answercapture/internal/device/mock"
	"github.com/audiolibrelab/answercapture/internal/encode"
	"github.com/audiolibrelab/answercapture/internal/feedback"
	"github.com/audiolibrelab/answercapture/internal/feedback/openai"
	"github.com/audiolibrelab/answercapture/internal/observe"
	"github.com/audiolibrelab/answercapture/internal/questions"
	"github.com/audiolibrelab/answercapture/internal/session"
)

const bank = `
jobs:
  developer:
    easy: [e1, e2, e3]
    medium: [m1, m2, m3]
    hard: [h1, h2, h3]
`

type fixture struct {
	svc         *AnswerCaptureService
	dev         *mock.Device
	handle      *mock.Handle
	submissions chan feedback.Submission
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	require.NoError(t, err)

	b, err := questions.Parse([]byte(bank))
	require.NoError(t, err)
	registry, err := encode.NewRegistry(encode.MediaTypeWAV, encode.WAV{})
	require.NoError(t, err)

	f := &fixture{
		handle:      mock.NewHandle(),
		submissions: make(chan feedback.Submission, 4),
	}
	f.dev = &mock.Device{AcquireResult: f.handle}

	cfg := config.Default()
	cfg.Level.IntervalMillis = 1
	cfg.Level.Buckets = 4

	f.svc, err = New(cfg, "", Dependencies{
		Device:   f.dev,
		Bank:     b,
		Registry: registry,
		Metrics:  metrics,
		Sink: feedback.SinkFunc(func(_ context.Context, s feedback.Submission) error {
			f.submissions <- s
			return nil
		}),
		ClockOptions: []deadline.Option{deadline.WithManualTicks()},
	})
	require.NoError(t, err)
	t.Cleanup(f.svc.Close)
	return f
}

func TestService_NoSession(t *testing.T) {
	f := newFixture(t)

	assert.ErrorIs(t, f.svc.StartAnswer(), ErrNoSession)
	assert.ErrorIs(t, f.svc.Dispose(), ErrNoSession)
	_, err := f.svc.Advance()
	assert.ErrorIs(t, err, ErrNoSession)
	assert.Nil(t, f.svc.GetStatus().Session)
}

func TestService_FullSession(t *testing.T) {
	f := newFixture(t)

	snap, err := f.svc.StartSession(SessionRequest{Difficulty: "hard", Count: 1})
	require.NoError(t, err)
	assert.Equal(t, answer.DifficultyHard, snap.Difficulty)
	assert.Equal(t, 60, snap.LimitSeconds)
	assert.Equal(t, 1, snap.Total)

	require.NoError(t, f.svc.Acquire(context.Background()))
	require.NoError(t, f.svc.StartAnswer())
	f.handle.Emit([]byte{1, 0, 2, 0})
	require.NoError(t, f.svc.StopAnswer(context.Background()))

	status := f.svc.GetStatus()
	require.NotNil(t, status.Session)
	assert.Equal(t, session.StateCompleted, status.Session.State)
	assert.True(t, status.Session.CanRetry)

	finalized, err := f.svc.Advance()
	require.NoError(t, err)
	assert.True(t, finalized)

	select {
	case sub := <-f.submissions:
		require.Len(t, sub.Answers, 1)
		assert.True(t, sub.Answers[0].Answered())
		assert.Equal(t, "developer", sub.Job)
	case <-time.After(2 * time.Second):
		t.Fatal("Expected submission after finalization")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.svc.WaitFeedback(ctx))
	assert.Equal(t, session.PhaseFinalized, f.svc.GetStatus().Session.Phase)
}

func TestService_TracksLastError(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.StartSession(SessionRequest{Count: 2})
	require.NoError(t, err)

	_, err = f.svc.Advance()
	require.ErrorIs(t, err, session.ErrAnswerNotCompleted)
	assert.Contains(t, f.svc.GetLastError(), "please finish answering the current question")
	assert.Equal(t, f.svc.GetLastError(), f.svc.GetStatus().LastError)

	require.NoError(t, f.svc.Acquire(context.Background()))
	assert.Empty(t, f.svc.GetLastError())
}

func TestService_DeviceErrorSurfaces(t *testing.T) {
	f := newFixture(t)
	f.dev.AcquireResult = nil
	f.dev.AcquireErr = device.ErrPermissionDenied

	_, err := f.svc.StartSession(SessionRequest{})
	require.NoError(t, err)

	err = f.svc.Acquire(context.Background())
	assert.ErrorIs(t, err, device.ErrPermissionDenied)
	assert.NotEmpty(t, f.svc.GetLastError())
}

func TestService_NewSessionDisposesPrevious(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.StartSession(SessionRequest{})
	require.NoError(t, err)
	require.NoError(t, f.svc.Acquire(context.Background()))
	require.NoError(t, f.svc.StartAnswer())

	_, err = f.svc.StartSession(SessionRequest{Questions: []string{"Custom question"}})
	require.NoError(t, err)

	_, release := f.dev.Calls()
	assert.Equal(t, 1, release)
	assert.True(t, f.handle.Ended())

	status := f.svc.GetStatus()
	assert.Equal(t, session.PhaseActive, status.Session.Phase)
	assert.Equal(t, "Custom question", status.Session.Question.Text)
}

func TestService_RejectsInvalidRequests(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.StartSession(SessionRequest{Difficulty: "brutal"})
	assert.Error(t, err)
	assert.NotEmpty(t, f.svc.GetLastError())

	_, err = f.svc.StartSession(SessionRequest{Count: 4})
	assert.Error(t, err)
	assert.Nil(t, f.svc.GetStatus().Session)
}

func TestService_Dispose(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.StartSession(SessionRequest{})
	require.NoError(t, err)
	require.NoError(t, f.svc.Dispose())

	assert.Equal(t, session.PhaseDisposed, f.svc.GetStatus().Session.Phase)
	assert.ErrorIs(t, f.svc.StartAnswer(), session.ErrSessionClosed)
}

func TestService_FeedbackResults(t *testing.T) {
	f := newFixture(t)

	f.svc.recordResult(openai.Result{SessionID: "s1", Index: 0, Score: 70})
	f.svc.recordResult(openai.Result{SessionID: "s1", Index: 1, Score: 80})

	results := f.svc.GetFeedback("s1")
	require.Len(t, results, 2)
	assert.Equal(t, 80, results[1].Score)
	assert.Empty(t, f.svc.GetFeedback("other"))
}

func TestService_Jobs(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, []string{"developer"}, f.svc.Jobs())
}
