package encode

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"

	"github.com/audiolibrelab/answercapture/internal/device"
)

// Transcoder pipes PCM through ffmpeg into a compressed container.
type Transcoder struct {
	mediaType string
	container string
	codec     string
	binary    string
}

// NewTranscoder creates an ffmpeg transcoder for mediaType.
func NewTranscoder(mediaType, container, codec string) *Transcoder {
	return &Transcoder{mediaType: mediaType, container: container, codec: codec, binary: "ffmpeg"}
}

// FFmpegTranscoders returns opus-in-webm and opus-in-ogg encoders, or nothing
// when ffmpeg is not installed.
func FFmpegTranscoders() []Encoder {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		slog.Debug("ffmpeg not found, compressed media types disabled", "error", err)
		return nil
	}
	return []Encoder{
		NewTranscoder("audio/webm;codecs=opus", "webm", "libopus"),
		NewTranscoder("audio/ogg;codecs=opus", "ogg", "libopus"),
	}
}

func (t *Transcoder) MediaType() string { return t.mediaType }

func (t *Transcoder) Encode(ctx context.Context, format device.Format, chunks [][]byte) ([]byte, error) {
	if format.BitsPerSample != 16 {
		return nil, fmt.Errorf("ffmpeg transcoder expects s16 PCM, got %d bits", format.BitsPerSample)
	}

	cmd := exec.CommandContext(ctx, t.binary,
		"-hide_banner",
		"-loglevel", "error",
		"-f", "s16le",
		"-ar", strconv.Itoa(format.SampleRate),
		"-ac", strconv.Itoa(format.Channels),
		"-i", "pipe:0",
		"-c:a", t.codec,
		"-f", t.container,
		"pipe:1",
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(concat(chunks))
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	slog.Debug("Running FFmpeg for encoding", "command", strings.Join(cmd.Args, " "))

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("FFmpeg encoding failed: %w\nOutput: %s", err, stderr.String())
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("FFmpeg produced no output for %s", t.mediaType)
	}
	return stdout.Bytes(), nil
}
