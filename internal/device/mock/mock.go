// Package mock provides in-memory implementations of [device.Device] and
// [device.Handle] for unit tests.
//
// Both mocks are safe for concurrent use. Set the exported Result fields to
// control behaviour and inspect the CallCount fields afterwards. Audio is
// injected with [Handle.Emit].
package mock

import (
	"context"
	"sync"

	"github.com/audiolibrelab/answercapture/internal/device"
)

// ─── Handle ──────────────────────────────────────────────────────────────────

// Handle is a mock [device.Handle].
type Handle struct {
	mu sync.Mutex

	// IDResult is returned by ID. Defaults to "mock".
	IDResult string

	// FormatResult is returned by Format. Defaults to 16 kHz mono s16.
	FormatResult device.Format

	// AudioTracksResult is returned by AudioTracks while the handle is live.
	AudioTracksResult int

	// VideoResult is returned by HasVideo.
	VideoResult bool

	// Magnitudes is copied into dst by ByteFrequencyData.
	Magnitudes []byte

	// CallCountSubscribe records how many times Subscribe was called.
	CallCountSubscribe int

	subs    map[int]func([]byte)
	nextSub int
	done    chan struct{}
	ended   bool
}

// NewHandle returns a live handle with one audio track.
func NewHandle() *Handle {
	return &Handle{
		IDResult:          "mock",
		FormatResult:      device.Format{SampleRate: 16000, Channels: 1, BitsPerSample: 16},
		AudioTracksResult: 1,
	}
}

func (h *Handle) init() {
	if h.subs == nil {
		h.subs = make(map[int]func([]byte))
	}
	if h.done == nil {
		h.done = make(chan struct{})
	}
}

// ID implements [device.Handle].
func (h *Handle) ID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.IDResult == "" {
		return "mock"
	}
	return h.IDResult
}

// Format implements [device.Handle].
func (h *Handle) Format() device.Format {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.FormatResult.SampleRate == 0 {
		return device.Format{SampleRate: 16000, Channels: 1, BitsPerSample: 16}
	}
	return h.FormatResult
}

// AudioTracks implements [device.Handle]. Returns 0 once ended.
func (h *Handle) AudioTracks() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ended {
		return 0
	}
	return h.AudioTracksResult
}

// HasVideo implements [device.Handle].
func (h *Handle) HasVideo() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.VideoResult
}

// Subscribe implements [device.Handle].
func (h *Handle) Subscribe(sink func([]byte)) func() {
	h.mu.Lock()
	h.init()
	h.CallCountSubscribe++
	id := h.nextSub
	h.nextSub++
	h.subs[id] = sink
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

// Subscribers returns the number of active subscriptions.
func (h *Handle) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// ByteFrequencyData implements [device.Handle].
func (h *Handle) ByteFrequencyData(dst []byte) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return copy(dst, h.Magnitudes)
}

// SetMagnitudes replaces the spectrum returned by ByteFrequencyData.
func (h *Handle) SetMagnitudes(m []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Magnitudes = append([]byte(nil), m...)
}

// Done implements [device.Handle].
func (h *Handle) Done() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.init()
	return h.done
}

// Emit delivers chunk to every subscriber synchronously.
func (h *Handle) Emit(chunk []byte) {
	h.mu.Lock()
	sinks := make([]func([]byte), 0, len(h.subs))
	for _, s := range h.subs {
		sinks = append(sinks, s)
	}
	h.mu.Unlock()
	for _, sink := range sinks {
		sink(append([]byte(nil), chunk...))
	}
}

// End marks the stream as finished.
func (h *Handle) End() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.init()
	if !h.ended {
		h.ended = true
		close(h.done)
	}
}

// Ended reports whether End was called.
func (h *Handle) Ended() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ended
}

// ─── Device ──────────────────────────────────────────────────────────────────

// Device is a mock [device.Device].
type Device struct {
	mu sync.Mutex

	// AcquireResult is returned by Acquire. A fresh [NewHandle] is used when nil.
	AcquireResult *Handle

	// AcquireErr is returned by Acquire when non-nil.
	AcquireErr error

	// Gate, when non-nil, blocks Acquire until it is closed or ctx is done.
	Gate chan struct{}

	// CallCountAcquire records how many times Acquire was called.
	CallCountAcquire int

	// CallCountRelease records how many times Release was called.
	CallCountRelease int

	// LastConstraints holds the constraints of the most recent Acquire.
	LastConstraints device.Constraints
}

// Acquire implements [device.Device].
func (d *Device) Acquire(ctx context.Context, c device.Constraints) (device.Handle, error) {
	d.mu.Lock()
	d.CallCountAcquire++
	d.LastConstraints = c
	gate := d.Gate
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.AcquireErr != nil {
		return nil, d.AcquireErr
	}
	if d.AcquireResult == nil {
		d.AcquireResult = NewHandle()
	}
	return d.AcquireResult, nil
}

// Release implements [device.Device]. It ends mock handles.
func (d *Device) Release(h device.Handle) error {
	d.mu.Lock()
	d.CallCountRelease++
	d.mu.Unlock()
	if mh, ok := h.(*Handle); ok && mh != nil {
		mh.End()
	}
	return nil
}

// Calls returns the acquire and release counts.
func (d *Device) Calls() (acquire, release int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.CallCountAcquire, d.CallCountRelease
}
