package synthesis

import (
	"context"
	"math"
	"unicode/utf8"

	"github.com/loqalabs/loqa-narrator/internal/audio"
)

const (
	mockCharsPerSecond = 15.0
	mockMinDuration    = 0.1
)

type mockProvider struct {
	sampleRate int
}

// NewMockProvider returns a provider that renders a quiet tone whose length
// follows the text length and speed.
func NewMockProvider(sampleRate int) Provider {
	if sampleRate <= 0 {
		sampleRate = 22050
	}
	return &mockProvider{sampleRate: sampleRate}
}

func (m *mockProvider) Synthesize(ctx context.Context, req PieceRequest) (PieceAudio, error) {
	if err := ctx.Err(); err != nil {
		return PieceAudio{}, err
	}
	speed := req.Speed
	if speed <= 0 {
		speed = 1
	}
	seconds := float64(utf8.RuneCountInString(req.Text)) / mockCharsPerSecond / speed
	if seconds < mockMinDuration {
		seconds = mockMinDuration
	}
	frames := int(math.Round(seconds * float64(m.sampleRate)))
	samples := make([]int, frames)
	for i := range samples {
		samples[i] = int(1200 * math.Sin(2*math.Pi*220*float64(i)/float64(m.sampleRate)))
	}
	data, err := audio.EncodeWAV(samples, m.sampleRate, 1)
	if err != nil {
		return PieceAudio{}, err
	}
	return PieceAudio{Audio: data, Duration: float64(frames) / float64(m.sampleRate)}, nil
}
