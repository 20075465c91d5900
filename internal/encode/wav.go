package encode

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"github.com/audiolibrelab/answercapture/internal/device"
)

const wavHeaderSize = 44

// WAV wraps PCM in a canonical RIFF/WAVE container.
type WAV struct{}

func (WAV) MediaType() string { return MediaTypeWAV }

func (WAV) Encode(ctx context.Context, format device.Format, chunks [][]byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if format.SampleRate <= 0 || format.Channels <= 0 || format.BitsPerSample <= 0 {
		return nil, fmt.Errorf("invalid PCM format: %s", format)
	}

	pcm := concat(chunks)
	blockAlign := format.Channels * format.BitsPerSample / 8
	if len(pcm)%blockAlign != 0 {
		pcm = pcm[:len(pcm)-len(pcm)%blockAlign]
	}

	var buf bytes.Buffer
	buf.Grow(wavHeaderSize + len(pcm))
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(format.Channels))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(format.SampleRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(format.BytesPerSecond()))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(format.BitsPerSample))
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes(), nil
}
