// Package level samples a capture handle's spectrum for live visualization.
//
// The scalar level is cosmetic. Nothing in the capture path depends on it.
package level

import (
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/audiolibrelab/answercapture/internal/device"
)

const (
	rmsWeight      = 0.7
	peakWeight     = 0.3
	smoothingKeep  = 0.6
	smoothingTake  = 0.4
	noiseFloor     = 5.0
	noiseDamping   = 0.5
	defaultBuckets = 32
)

// Frame is one spectrum bucket.
type Frame struct {
	Bucket    int   `json:"bucket"`
	Magnitude uint8 `json:"magnitude"`
}

// Sample is one observation of the spectrum plus the smoothed level in 0..100.
type Sample struct {
	At     time.Time `json:"at"`
	Frames []Frame   `json:"frames"`
	Level  float64   `json:"level"`
}

// Smoother turns bucket magnitudes into a jitter-free 0..100 level.
type Smoother struct {
	value float64
}

// Update folds mags into the moving average and returns the displayed level.
func (s *Smoother) Update(mags []byte) float64 {
	var instant float64
	if len(mags) > 0 {
		var sumSq float64
		var peak byte
		for _, m := range mags {
			sumSq += float64(m) * float64(m)
			if m > peak {
				peak = m
			}
		}
		rms := math.Sqrt(sumSq / float64(len(mags)))
		instant = math.Min(100, (rms*rmsWeight+float64(peak)*peakWeight)/255*100)
	}

	s.value = s.value*smoothingKeep + instant*smoothingTake
	if s.value < noiseFloor {
		return s.value * noiseDamping
	}
	return s.value
}

// Options configure a Monitor.
type Options struct {
	// Interval between samples. Defaults to 33ms.
	Interval time.Duration
	// Buckets per frame. Defaults to 32.
	Buckets int
	// Buffer is the per-feed channel capacity. Defaults to 8.
	Buffer int
	Now    func() time.Time
}

// Monitor starts feeds over capture handles.
type Monitor struct {
	opts Options
}

// NewMonitor creates a monitor with defaults filled in.
func NewMonitor(opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 33 * time.Millisecond
	}
	if opts.Buckets <= 0 {
		opts.Buckets = defaultBuckets
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 8
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Monitor{opts: opts}
}

// Feed is a running sampler. Samples are dropped when the consumer lags.
type Feed struct {
	handle   device.Handle
	samples  chan Sample
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	dropped  atomic.Int64
}

// Start samples h until the feed is stopped or the handle ends. The handle is
// only read.
func (m *Monitor) Start(h device.Handle) *Feed {
	f := &Feed{
		handle:  h,
		samples: make(chan Sample, m.opts.Buffer),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go m.run(f)
	return f
}

// Stop stops f. Safe on nil or already stopped feeds.
func (m *Monitor) Stop(f *Feed) {
	if f != nil {
		f.Stop()
	}
}

func (m *Monitor) run(f *Feed) {
	defer close(f.done)
	defer close(f.samples)

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	var smoother Smoother
	mags := make([]byte, m.opts.Buckets)

	for {
		select {
		case <-f.stop:
			return
		case <-f.handle.Done():
			slog.Debug("Level feed ended with capture", "handle", f.handle.ID())
			return
		case <-ticker.C:
			n := f.handle.ByteFrequencyData(mags)
			frames := make([]Frame, n)
			for i := 0; i < n; i++ {
				frames[i] = Frame{Bucket: i, Magnitude: mags[i]}
			}
			s := Sample{At: m.opts.Now(), Frames: frames, Level: smoother.Update(mags[:n])}

			select {
			case f.samples <- s:
			default:
				f.dropped.Add(1)
			}
		}
	}
}

// Samples returns the sample stream. It is closed when the feed stops.
func (f *Feed) Samples() <-chan Sample {
	return f.samples
}

// Stop ends sampling and waits for the sampler goroutine.
func (f *Feed) Stop() {
	f.stopOnce.Do(func() { close(f.stop) })
	<-f.done
}

// Dropped returns the number of samples discarded for a slow consumer.
func (f *Feed) Dropped() int64 {
	return f.dropped.Load()
}
