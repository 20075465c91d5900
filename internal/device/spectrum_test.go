package device

import (
	"encoding/binary"
	"math"
	"testing"
)

func sinePCM(freq float64, rate, samples int, amp float64) []byte {
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := amp * math.Sin(2*math.Pi*freq*float64(i)/float64(rate))
		binary.LittleEndian.PutUint16(pcm[2*i:], uint16(int16(v*32767)))
	}
	return pcm
}

func TestAnalyser_SilenceIsZero(t *testing.T) {
	a := NewAnalyser(256)
	a.Write(make([]byte, 512), 1)

	dst := make([]byte, 16)
	if n := a.ByteFrequencyData(dst); n != 16 {
		t.Fatalf("Expected 16 buckets, got %d", n)
	}
	for i, v := range dst {
		if v != 0 {
			t.Errorf("Expected silent bucket %d to be 0, got %d", i, v)
		}
	}
}

func TestAnalyser_ToneRaisesItsBucket(t *testing.T) {
	const rate = 16000
	a := NewAnalyser(512)

	// 2 kHz is bin 64, inside bucket 2 of eight 1 kHz buckets.
	pcm := sinePCM(2000, rate, 512, 0.8)
	dst := make([]byte, 8)
	for i := 0; i < 10; i++ {
		a.Write(pcm, 1)
		a.ByteFrequencyData(dst)
	}

	peak := 0
	for i := range dst {
		if dst[i] > dst[peak] {
			peak = i
		}
	}
	if peak != 2 {
		t.Errorf("Expected peak in bucket 2, got bucket %d (%v)", peak, dst)
	}
	if dst[peak] < 128 {
		t.Errorf("Expected loud tone above 128, got %d", dst[peak])
	}
}

func TestAnalyser_RoundsSizeAndClampsBuckets(t *testing.T) {
	a := NewAnalyser(300)
	if a.Bins() != 256 {
		t.Errorf("Expected 256 bins, got %d", a.Bins())
	}

	dst := make([]byte, 1000)
	if n := a.ByteFrequencyData(dst); n != 256 {
		t.Errorf("Expected output clamped to 256, got %d", n)
	}
	if n := a.ByteFrequencyData(nil); n != 0 {
		t.Errorf("Expected 0 for empty dst, got %d", n)
	}
}

func TestScaleDecibels(t *testing.T) {
	if v := scaleDecibels(0); v != 0 {
		t.Errorf("Expected 0, got %d", v)
	}
	if v := scaleDecibels(1); v != 255 {
		t.Errorf("Expected full scale 255, got %d", v)
	}
	if v := scaleDecibels(1e-6); v != 0 {
		t.Errorf("Expected -120 dB to clamp to 0, got %d", v)
	}
}
