package device

import (
	"encoding/binary"
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

const (
	defaultFFTSize = 1024
	minDecibels    = -100.0
	maxDecibels    = -30.0
	timeSmoothing  = 0.8
	int16FullScale = 32768.0
)

// Analyser keeps the most recent window of PCM samples and turns it into
// byte-scaled frequency magnitudes on demand.
type Analyser struct {
	mu     sync.Mutex
	fft    *fourier.FFT
	size   int
	window []float64
	ring   []float64
	pos    int
	prev   []float64
	buf    []float64
	coeff  []complex128
}

// NewAnalyser creates an analyser over fftSize samples. fftSize is rounded up
// to a power of two.
func NewAnalyser(fftSize int) *Analyser {
	if fftSize <= 0 {
		fftSize = defaultFFTSize
	}
	size := 1
	for size < fftSize {
		size <<= 1
	}

	window := make([]float64, size)
	for i := range window {
		window[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(size)))
	}

	return &Analyser{
		fft:    fourier.NewFFT(size),
		size:   size,
		window: window,
		ring:   make([]float64, size),
		prev:   make([]float64, size/2),
		buf:    make([]float64, size),
		coeff:  make([]complex128, size/2+1),
	}
}

// Bins returns the number of frequency bins the analyser produces.
func (a *Analyser) Bins() int {
	return a.size / 2
}

// Write appends s16le PCM, downmixing interleaved channels to mono.
func (a *Analyser) Write(pcm []byte, channels int) {
	if channels < 1 {
		channels = 1
	}
	frame := 2 * channels

	a.mu.Lock()
	defer a.mu.Unlock()

	for off := 0; off+frame <= len(pcm); off += frame {
		var sum float64
		for c := 0; c < channels; c++ {
			s := int16(binary.LittleEndian.Uint16(pcm[off+2*c:]))
			sum += float64(s) / int16FullScale
		}
		a.ring[a.pos] = sum / float64(channels)
		a.pos = (a.pos + 1) % a.size
	}
}

// ByteFrequencyData writes len(dst) buckets of magnitudes in 0..255. When dst
// is shorter than the bin count, adjacent bins are averaged into buckets.
func (a *Analyser) ByteFrequencyData(dst []byte) int {
	if len(dst) == 0 {
		return 0
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for i := 0; i < a.size; i++ {
		a.buf[i] = a.ring[(a.pos+i)%a.size] * a.window[i]
	}
	a.coeff = a.fft.Coefficients(a.coeff, a.buf)

	bins := a.size / 2
	for k := 0; k < bins; k++ {
		mag := cmplx.Abs(a.coeff[k]) / float64(a.size)
		a.prev[k] = timeSmoothing*a.prev[k] + (1-timeSmoothing)*mag
	}

	n := len(dst)
	if n > bins {
		n = bins
	}
	per := bins / n
	for b := 0; b < n; b++ {
		var sum float64
		for k := b * per; k < (b+1)*per; k++ {
			sum += a.prev[k]
		}
		dst[b] = scaleDecibels(sum / float64(per))
	}
	return n
}

func scaleDecibels(mag float64) byte {
	if mag <= 0 {
		return 0
	}
	db := 20 * math.Log10(mag)
	scaled := 255 * (db - minDecibels) / (maxDecibels - minDecibels)
	switch {
	case scaled <= 0:
		return 0
	case scaled >= 255:
		return 255
	default:
		return byte(scaled)
	}
}
