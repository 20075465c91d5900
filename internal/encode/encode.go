// Package encode turns captured PCM chunks into a single media payload.
package encode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/audiolibrelab/answercapture/internal/device"
)

// ErrUnsupported is returned when no encoder is registered for a media type.
var ErrUnsupported = errors.New("unsupported media type")

// MediaTypeWAV is always available.
const MediaTypeWAV = "audio/wav"

// Encoder assembles PCM chunks into one payload of its media type.
type Encoder interface {
	MediaType() string
	Encode(ctx context.Context, format device.Format, chunks [][]byte) ([]byte, error)
}

// Registry maps media types to encoders.
type Registry struct {
	encoders map[string]Encoder
	order    []string
	fallback string
}

// NewRegistry creates a registry whose default is fallback. The fallback must
// be among the registered encoders.
func NewRegistry(fallback string, encoders ...Encoder) (*Registry, error) {
	r := &Registry{encoders: make(map[string]Encoder)}
	for _, e := range encoders {
		r.Register(e)
	}
	if !r.Supports(fallback) {
		return nil, fmt.Errorf("%w: default %q is not registered", ErrUnsupported, fallback)
	}
	r.fallback = normalize(fallback)
	return r, nil
}

// DefaultRegistry registers WAV plus the ffmpeg transcoders when ffmpeg is installed.
func DefaultRegistry(fallback string) (*Registry, error) {
	encoders := []Encoder{WAV{}}
	encoders = append(encoders, FFmpegTranscoders()...)
	r, err := NewRegistry(fallback, encoders...)
	if err != nil {
		return nil, err
	}
	slog.Debug("Encoders registered", "media_types", r.MediaTypes(), "default", r.Default())
	return r, nil
}

// Register adds or replaces the encoder for e.MediaType().
func (r *Registry) Register(e Encoder) {
	mt := normalize(e.MediaType())
	if _, ok := r.encoders[mt]; !ok {
		r.order = append(r.order, mt)
	}
	r.encoders[mt] = e
}

// Supports reports whether mediaType has an encoder.
func (r *Registry) Supports(mediaType string) bool {
	_, ok := r.encoders[normalize(mediaType)]
	return ok
}

// Lookup returns the encoder for mediaType.
func (r *Registry) Lookup(mediaType string) (Encoder, error) {
	e, ok := r.encoders[normalize(mediaType)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, mediaType)
	}
	return e, nil
}

// Negotiate returns the first supported type of preferences, or the default.
func (r *Registry) Negotiate(preferences []string) string {
	for _, p := range preferences {
		if r.Supports(p) {
			return normalize(p)
		}
	}
	return r.fallback
}

// Default returns the fallback media type.
func (r *Registry) Default() string {
	return r.fallback
}

// MediaTypes lists registered types in registration order.
func (r *Registry) MediaTypes() []string {
	return append([]string(nil), r.order...)
}

// Extension returns a file extension for mediaType.
func Extension(mediaType string) string {
	mt := normalize(mediaType)
	if i := strings.Index(mt, ";"); i >= 0 {
		mt = mt[:i]
	}
	switch mt {
	case "audio/wav", "audio/x-wav", "audio/wave":
		return "wav"
	case "audio/webm":
		return "webm"
	case "audio/ogg":
		return "ogg"
	default:
		return "bin"
	}
}

func normalize(mediaType string) string {
	return strings.ToLower(strings.ReplaceAll(mediaType, " ", ""))
}

func concat(chunks [][]byte) []byte {
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	out := make([]byte, 0, total)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}
