package recorder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/answercapture/internal/answer"
	"github.com/audiolibrelab/answercapture/internal/device"
	"github.com/audiolibrelab/answercapture/internal/device/mock"
	"github.com/audiolibrelab/answercapture/internal/encode"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// flakyEncoder fails until failures reaches zero.
type flakyEncoder struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyEncoder) MediaType() string { return "audio/ogg;codecs=opus" }

func (f *flakyEncoder) Encode(_ context.Context, _ device.Format, chunks [][]byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("codec exploded")
	}
	var out []byte
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out, nil
}

func newRecorder(t *testing.T, clock *fakeClock, prefs []string, extra ...encode.Encoder) *Recorder {
	t.Helper()
	encoders := append([]encode.Encoder{encode.WAV{}}, extra...)
	reg, err := encode.NewRegistry(encode.MediaTypeWAV, encoders...)
	require.NoError(t, err)
	return New(Options{Registry: reg, Preferences: prefs, Now: clock.Now})
}

func TestRecorder_StartStop(t *testing.T) {
	clock := newFakeClock()
	r := newRecorder(t, clock, []string{"audio/webm;codecs=opus", "audio/wav"})
	h := mock.NewHandle()

	var seen int
	require.NoError(t, r.Start(h, func([]byte) { seen++ }))
	assert.Equal(t, StateRecording, r.State())
	assert.Equal(t, encode.MediaTypeWAV, r.MediaType())

	h.Emit([]byte{1, 0})
	h.Emit([]byte{2, 0})
	clock.Advance(10*time.Second + 300*time.Millisecond)

	a, err := r.Stop(context.Background())
	require.NoError(t, err)
	require.NotNil(t, a)

	assert.Equal(t, 2, seen)
	assert.Equal(t, answer.AttemptTypeAudio, a.Type)
	assert.Equal(t, encode.MediaTypeWAV, a.MediaType)
	assert.Equal(t, 10, a.DurationSeconds)
	assert.Equal(t, 44+4, a.Size())
	assert.Equal(t, StateIdle, r.State())
	assert.Equal(t, 0, h.Subscribers())

	h.Emit([]byte{3, 0})
	assert.Equal(t, 2, seen, "sink must not be called after stop")
}

func TestRecorder_DurationIndependentOfChunks(t *testing.T) {
	clock := newFakeClock()
	r := newRecorder(t, clock, nil)
	require.NoError(t, r.Start(mock.NewHandle(), nil))

	clock.Advance(5 * time.Second)
	a, err := r.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, a.DurationSeconds)
	assert.Equal(t, 44, a.Size())
}

func TestRecorder_StopWhenIdleIsNoop(t *testing.T) {
	r := newRecorder(t, newFakeClock(), nil)
	a, err := r.Stop(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, a)
}

func TestRecorder_StartTwiceRejected(t *testing.T) {
	r := newRecorder(t, newFakeClock(), nil)
	h := mock.NewHandle()
	require.NoError(t, r.Start(h, nil))

	err := r.Start(h, nil)
	assert.ErrorIs(t, err, ErrAlreadyRecording)
	assert.Equal(t, 1, h.Subscribers())
}

func TestRecorder_StartWithoutAudioTrack(t *testing.T) {
	r := newRecorder(t, newFakeClock(), nil)
	h := mock.NewHandle()
	h.AudioTracksResult = 0

	err := r.Start(h, nil)
	assert.ErrorIs(t, err, device.ErrDeviceUnavailable)
	assert.Equal(t, StateIdle, r.State())

	assert.ErrorIs(t, r.Start(nil, nil), device.ErrDeviceUnavailable)
}

func TestRecorder_EncodingErrorIsRetryable(t *testing.T) {
	clock := newFakeClock()
	enc := &flakyEncoder{failures: 1}
	r := newRecorder(t, clock, []string{"audio/ogg;codecs=opus"}, enc)
	h := mock.NewHandle()

	require.NoError(t, r.Start(h, nil))
	h.Emit([]byte{9, 9})
	clock.Advance(3 * time.Second)

	a, err := r.Stop(context.Background())
	assert.ErrorIs(t, err, ErrEncoding)
	assert.Nil(t, a)
	assert.Equal(t, StatePendingEncode, r.State())
	assert.Equal(t, 3*time.Second, r.Elapsed())

	// Chunks arriving while pending are not collected.
	h.Emit([]byte{7, 7})
	clock.Advance(time.Minute)

	a, err = r.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 9}, a.Data)
	assert.Equal(t, 3, a.DurationSeconds)
	assert.Equal(t, 2, enc.calls)
}

func TestRecorder_DiscardDropsPending(t *testing.T) {
	enc := &flakyEncoder{failures: 5}
	r := newRecorder(t, newFakeClock(), []string{"audio/ogg;codecs=opus"}, enc)
	h := mock.NewHandle()

	require.NoError(t, r.Start(h, nil))
	_, err := r.Stop(context.Background())
	require.ErrorIs(t, err, ErrEncoding)

	assert.True(t, r.Discard())
	assert.False(t, r.Discard())
	assert.Equal(t, StateIdle, r.State())

	a, err := r.Stop(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, a)

	require.NoError(t, r.Start(h, nil))
}

func TestRecorder_DiscardWhileRecording(t *testing.T) {
	r := newRecorder(t, newFakeClock(), nil)
	h := mock.NewHandle()
	require.NoError(t, r.Start(h, nil))
	h.Emit([]byte{1, 1})

	assert.True(t, r.Discard())
	assert.Equal(t, 0, h.Subscribers())
	assert.Equal(t, time.Duration(0), r.Elapsed())
}

// firstCallGate blocks the first Encode until release is closed.
type firstCallGate struct {
	mu      sync.Mutex
	calls   int
	entered chan struct{}
	release chan struct{}
}

func (g *firstCallGate) MediaType() string { return "audio/ogg;codecs=opus" }

func (g *firstCallGate) Encode(_ context.Context, _ device.Format, chunks [][]byte) ([]byte, error) {
	g.mu.Lock()
	g.calls++
	first := g.calls == 1
	g.mu.Unlock()
	if first {
		close(g.entered)
		<-g.release
	}
	var out []byte
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out, nil
}

func TestRecorder_DiscardedEncodeDoesNotBlockNextRecording(t *testing.T) {
	enc := &firstCallGate{entered: make(chan struct{}), release: make(chan struct{})}
	r := newRecorder(t, newFakeClock(), []string{"audio/ogg;codecs=opus"}, enc)
	h := mock.NewHandle()

	require.NoError(t, r.Start(h, nil))
	h.Emit([]byte{1, 1})

	stale := make(chan *answer.Attempt, 1)
	go func() {
		a, _ := r.Stop(context.Background())
		stale <- a
	}()
	<-enc.entered
	require.True(t, r.Discard())

	require.NoError(t, r.Start(h, nil))
	h.Emit([]byte{2, 2})
	a, err := r.Stop(context.Background())
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, []byte{2, 2}, a.Data)

	close(enc.release)
	assert.Nil(t, <-stale)
	assert.Equal(t, StateIdle, r.State())
}
