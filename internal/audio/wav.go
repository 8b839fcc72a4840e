// Package audio decodes chunk audio and provides the clocked outputs the
// playback scheduler renders into.
package audio

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// ErrUnsupportedFormat is returned for chunk audio that is not PCM WAV.
var ErrUnsupportedFormat = errors.New("unsupported audio format")

// Buffer is decoded PCM audio for one chunk.
type Buffer struct {
	Index      int
	SampleRate int
	Channels   int
	Samples    []int
	Duration   float64
}

// Frames reports the number of sample frames in the buffer.
func (b *Buffer) Frames() int {
	if b.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

// Decode parses WAV bytes into a Buffer.
func Decode(data []byte) (*Buffer, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("decode: empty audio: %w", ErrUnsupportedFormat)
	}
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("decode: %w", ErrUnsupportedFormat)
	}
	pcm, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode pcm: %w", err)
	}
	if pcm.Format == nil || pcm.Format.SampleRate <= 0 || pcm.Format.NumChannels <= 0 {
		return nil, fmt.Errorf("decode: missing format: %w", ErrUnsupportedFormat)
	}
	buf := &Buffer{
		SampleRate: pcm.Format.SampleRate,
		Channels:   pcm.Format.NumChannels,
		Samples:    pcm.Data,
	}
	buf.Duration = float64(buf.Frames()) / float64(buf.SampleRate)
	return buf, nil
}

// EncodeWAV renders 16-bit PCM samples as a WAV file. The wav encoder needs a
// seekable sink, so the file is staged on disk.
func EncodeWAV(samples []int, sampleRate, channels int) ([]byte, error) {
	file, err := os.CreateTemp("", "loqa_narration_*.wav")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}
	return os.ReadFile(file.Name())
}
