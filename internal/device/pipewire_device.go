package device

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Capture defaults used when Options leave a field unset.
const (
	DefaultSampleRate  = 16000
	DefaultChannels    = 1
	DefaultChunkMillis = 100
)

// Options configure the PipeWire capture backend.
type Options struct {
	// Source is a node name or "node:port". Empty uses the default source.
	Source string
	// EchoCancelSource is preferred when echo cancellation or noise
	// suppression is requested and the node is present.
	EchoCancelSource string
	// VideoDevice is probed for the optional preview.
	VideoDevice    string
	SampleRate     int
	Channels       int
	ChunkMillis    int
	FFTSize        int
	StartupTimeout time.Duration
}

// PipeWireDevice captures s16 PCM from pw-record.
type PipeWireDevice struct {
	opts     Options
	pipewire *PipeWire
	binary   string
}

// NewPipeWireDevice creates a capture device with defaults filled in.
func NewPipeWireDevice(opts Options) *PipeWireDevice {
	if opts.SampleRate <= 0 {
		opts.SampleRate = DefaultSampleRate
	}
	if opts.Channels <= 0 {
		opts.Channels = DefaultChannels
	}
	if opts.ChunkMillis <= 0 {
		opts.ChunkMillis = DefaultChunkMillis
	}
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = 5 * time.Second
	}
	return &PipeWireDevice{
		opts:     opts,
		pipewire: NewPipeWire(),
		binary:   "pw-record",
	}
}

// PipeWire exposes the graph helper, used to list sources.
func (d *PipeWireDevice) PipeWire() *PipeWire {
	return d.pipewire
}

// Acquire starts pw-record and waits for the first chunk of audio.
func (d *PipeWireDevice) Acquire(ctx context.Context, c Constraints) (Handle, error) {
	if _, err := exec.LookPath(d.binary); err != nil {
		return nil, fmt.Errorf("%w: %s not found in PATH", ErrDeviceUnavailable, d.binary)
	}

	target, err := d.resolveTarget(c)
	if err != nil {
		return nil, err
	}

	format := Format{SampleRate: d.opts.SampleRate, Channels: d.opts.Channels, BitsPerSample: 16}
	args := []string{
		"--rate", strconv.Itoa(format.SampleRate),
		"--channels", strconv.Itoa(format.Channels),
		"--format", "s16",
	}
	if target != "" {
		args = append(args, "--target", target)
	}
	args = append(args, "-")

	cmd := exec.Command(d.binary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	slog.Info("Starting capture", "command", d.binary+" "+strings.Join(args, " "))
	if err := cmd.Start(); err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return nil, fmt.Errorf("%w: failed to start %s: %v", ErrDeviceUnavailable, d.binary, err)
	}

	h := &pipewireHandle{
		id:       uuid.NewString(),
		format:   format,
		cmd:      cmd,
		analyser: NewAnalyser(d.opts.FFTSize),
		subs:     make(map[int]func([]byte)),
		started:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	chunkBytes := format.BytesPerSecond() * d.opts.ChunkMillis / 1000

	h.stderrWG.Add(1)
	go h.readStderr(stderr)
	go h.capture(stdout, chunkBytes)

	select {
	case <-h.started:
	case <-h.done:
		return nil, classifyCaptureFailure(h.stderrOutput())
	case <-ctx.Done():
		h.stop()
		return nil, ctx.Err()
	case <-time.After(d.opts.StartupTimeout):
		h.stop()
		return nil, fmt.Errorf("%w: no audio within %s", ErrDeviceUnavailable, d.opts.StartupTimeout)
	}

	if c.Video && d.opts.VideoDevice != "" {
		if _, err := os.Stat(d.opts.VideoDevice); err == nil {
			h.video = true
		} else {
			slog.Debug("Video preview unavailable", "device", d.opts.VideoDevice, "error", err)
		}
	}

	slog.Info("Capture acquired", "handle", h.id, "target", target, "format", format.String(), "video", h.video)
	return h, nil
}

// Release stops the capture process.
func (d *PipeWireDevice) Release(h Handle) error {
	ph, ok := h.(*pipewireHandle)
	if !ok || ph == nil {
		return nil
	}
	return ph.stop()
}

func (d *PipeWireDevice) resolveTarget(c Constraints) (string, error) {
	if (c.EchoCancellation || c.NoiseSuppression) && d.opts.EchoCancelSource != "" {
		if d.pipewire.NodeExists(d.opts.EchoCancelSource) {
			return d.opts.EchoCancelSource, nil
		}
		slog.Debug("Echo cancel source not present, using raw input", "node", d.opts.EchoCancelSource)
	}

	source := d.opts.Source
	if source == "" || source == "default" {
		return "", nil
	}
	if strings.Contains(source, ":") {
		if err := d.pipewire.ValidatePort(source); err != nil {
			return "", err
		}
		node, _ := SplitPort(source)
		return node, nil
	}
	if !d.pipewire.NodeExists(source) {
		return "", fmt.Errorf("%w: source not found: %s", ErrDeviceUnavailable, source)
	}
	return source, nil
}

func classifyCaptureFailure(stderr string) error {
	detail := strings.TrimSpace(stderr)
	lower := strings.ToLower(detail)
	switch {
	case strings.Contains(lower, "permission denied"), strings.Contains(lower, "not permitted"), strings.Contains(lower, "access denied"):
		return fmt.Errorf("%w: %s", ErrPermissionDenied, detail)
	case strings.Contains(lower, "busy"):
		return fmt.Errorf("%w: %s", ErrDeviceBusy, detail)
	default:
		return fmt.Errorf("%w: capture exited: %s", ErrDeviceUnavailable, detail)
	}
}

type pipewireHandle struct {
	id       string
	format   Format
	video    bool
	cmd      *exec.Cmd
	analyser *Analyser

	mu      sync.RWMutex
	subs    map[int]func([]byte)
	nextSub int

	stderrMu  sync.Mutex
	stderrBuf strings.Builder
	stderrWG  sync.WaitGroup

	started   chan struct{}
	startOnce sync.Once
	done      chan struct{}
	stopOnce  sync.Once
}

func (h *pipewireHandle) ID() string     { return h.id }
func (h *pipewireHandle) Format() Format { return h.format }
func (h *pipewireHandle) HasVideo() bool { return h.video }

func (h *pipewireHandle) Done() <-chan struct{} { return h.done }

func (h *pipewireHandle) AudioTracks() int {
	select {
	case <-h.done:
		return 0
	default:
		return 1
	}
}

func (h *pipewireHandle) Subscribe(sink func([]byte)) func() {
	h.mu.Lock()
	id := h.nextSub
	h.nextSub++
	h.subs[id] = sink
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

func (h *pipewireHandle) ByteFrequencyData(dst []byte) int {
	return h.analyser.ByteFrequencyData(dst)
}

// capture reads fixed-size chunks until the process closes stdout.
func (h *pipewireHandle) capture(stdout io.Reader, chunkBytes int) {
	defer close(h.done)

	frame := h.format.Channels * h.format.BitsPerSample / 8
	if chunkBytes < frame {
		chunkBytes = frame
	}
	chunkBytes -= chunkBytes % frame

	buf := make([]byte, chunkBytes)
	for {
		n, err := io.ReadFull(stdout, buf)
		if n > 0 {
			h.deliver(buf[:n])
		}
		if err != nil {
			break
		}
	}

	h.stderrWG.Wait()
	if err := h.cmd.Wait(); err != nil {
		slog.Debug("Capture process exited", "handle", h.id, "error", err)
	}
}

func (h *pipewireHandle) deliver(data []byte) {
	h.startOnce.Do(func() { close(h.started) })
	h.analyser.Write(data, h.format.Channels)

	h.mu.RLock()
	sinks := make([]func([]byte), 0, len(h.subs))
	for _, s := range h.subs {
		sinks = append(sinks, s)
	}
	h.mu.RUnlock()

	for _, sink := range sinks {
		chunk := make([]byte, len(data))
		copy(chunk, data)
		sink(chunk)
	}
}

func (h *pipewireHandle) readStderr(pipe io.Reader) {
	defer h.stderrWG.Done()
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		line := scanner.Text()
		h.stderrMu.Lock()
		h.stderrBuf.WriteString(line + "\n")
		h.stderrMu.Unlock()
		slog.Debug("pw-record output", "handle", h.id, "line", line)
	}
}

func (h *pipewireHandle) stderrOutput() string {
	h.stderrMu.Lock()
	defer h.stderrMu.Unlock()
	return h.stderrBuf.String()
}

// stop interrupts the process and waits for the reader to finish, killing it
// after a grace period.
func (h *pipewireHandle) stop() error {
	h.stopOnce.Do(func() {
		if h.cmd.Process != nil {
			if err := h.cmd.Process.Signal(os.Interrupt); err != nil {
				slog.Debug("Failed to interrupt capture, killing", "handle", h.id, "error", err)
				_ = h.cmd.Process.Kill()
			}
		}

		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
			slog.Warn("Capture did not exit within timeout, force killing", "handle", h.id)
			_ = h.cmd.Process.Kill()
			<-h.done
		}
		slog.Debug("Capture released", "handle", h.id)
	})
	return nil
}
