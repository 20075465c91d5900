// Package device owns acquisition and release of the live capture input.
//
// A [Device] hands out a [Handle] for a running audio stream. The handle is
// shared read-only by the recorder and the level monitor; only the owner that
// acquired it may release it through [Device.Release].
package device

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied is returned when the platform refuses access to the microphone.
	ErrPermissionDenied = errors.New("microphone permission denied")
	// ErrDeviceUnavailable is returned when no usable audio input exists.
	ErrDeviceUnavailable = errors.New("audio device unavailable")
	// ErrDeviceBusy is returned when the input is held by another client.
	ErrDeviceBusy = errors.New("audio device busy")
)

// Kind returns a short label for a device error, used as a metric attribute.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrDeviceBusy):
		return "device_busy"
	case errors.Is(err, ErrDeviceUnavailable):
		return "device_unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "unknown"
	}
}

// Format describes the PCM samples delivered to subscribers.
type Format struct {
	SampleRate    int `json:"sample_rate"`
	Channels      int `json:"channels"`
	BitsPerSample int `json:"bits_per_sample"`
}

// BytesPerSecond returns the PCM byte rate.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * f.BitsPerSample / 8
}

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch/s%d", f.SampleRate, f.Channels, f.BitsPerSample)
}

// Constraints are requested when acquiring the input. Echo cancellation and
// noise suppression are honoured when the platform offers them; video is a
// best-effort preview and never fails an acquisition.
type Constraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	Video            bool
}

// DefaultConstraints asks for audio with noise and echo mitigation and a video preview.
func DefaultConstraints() Constraints {
	return Constraints{EchoCancellation: true, NoiseSuppression: true, Video: true}
}

// Handle is a live capture stream.
type Handle interface {
	// ID identifies the stream in logs.
	ID() string

	// Format describes the PCM chunks passed to subscribers.
	Format() Format

	// AudioTracks returns the number of live audio tracks. Zero means the
	// stream cannot be recorded.
	AudioTracks() int

	// HasVideo reports whether the optional video preview was acquired.
	HasVideo() bool

	// Subscribe registers sink for every PCM chunk captured from now on. The
	// sink runs on the capture goroutine and must not block. The returned
	// function removes the registration and is safe to call more than once.
	Subscribe(sink func(chunk []byte)) (unsubscribe func())

	// ByteFrequencyData fills dst with frequency-domain magnitudes scaled to
	// 0..255 and returns the number of buckets written.
	ByteFrequencyData(dst []byte) int

	// Done is closed once the stream has ended.
	Done() <-chan struct{}
}

// Device acquires and releases capture streams.
type Device interface {
	// Acquire blocks until the platform grants or denies the input. Cancelling
	// ctx aborts a pending acquisition.
	Acquire(ctx context.Context, c Constraints) (Handle, error)

	// Release stops the stream. It is safe on nil, foreign or already released handles.
	Release(h Handle) error
}
