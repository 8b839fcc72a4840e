package synthesis

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/loqalabs/loqa-narrator/internal/config"
)

// costPerMillionChars matches the published per-character price of tts-1.
const costPerMillionChars = 15.0

// Streamer is the producing side of a synthesis stream: it chunks the
// chapter, synthesizes piece by piece and emits named events.
type Streamer struct {
	provider  Provider
	maxChars  int
	validator Validator
	log       *slog.Logger
}

func NewStreamer(provider Provider, maxChunkChars int, validator Validator, log *slog.Logger) *Streamer {
	return &Streamer{
		provider:  provider,
		maxChars:  maxChunkChars,
		validator: validator,
		log:       log.With(slog.String("component", "synthesis-streamer")),
	}
}

// NewProvider builds the provider selected in config.
func NewProvider(cfg config.SynthesisConfig) (Provider, error) {
	switch cfg.Provider {
	case "mock", "":
		return NewMockProvider(cfg.SampleRate), nil
	case "exec":
		return NewExecProvider(cfg.Command, cfg.SampleRate)
	case "http":
		return NewHTTPProvider(HTTPConfig{Endpoint: cfg.Endpoint, APIKey: cfg.APIKey, Model: cfg.Model}), nil
	default:
		return nil, fmt.Errorf("unknown synthesis provider %q", cfg.Provider)
	}
}

func (s *Streamer) Stream(ctx context.Context, req Request) (<-chan Event, <-chan error) {
	events := make(chan Event)
	errs := make(chan error, 1)
	go func() {
		defer close(events)
		defer close(errs)

		if err := s.validator.Validate(req); err != nil {
			errs <- err
			return
		}

		send := func(evt Event) bool {
			select {
			case events <- evt:
				return true
			case <-ctx.Done():
				return false
			}
		}

		pieces := Chunk(req.ChapterText, s.maxChars)
		total := len(pieces)
		if !send(Event{Type: EventProgress, Progress: &Progress{Percent: 0, Message: fmt.Sprintf("synthesizing %d chunks", total)}}) {
			errs <- ctx.Err()
			return
		}

		var totalDuration float64
		for i, piece := range pieces {
			if err := ctx.Err(); err != nil {
				errs <- err
				return
			}
			out, err := s.provider.Synthesize(ctx, PieceRequest{Text: strings.TrimSpace(piece.Text), Voice: req.Voice, Speed: req.Speed})
			if err != nil {
				if ctx.Err() != nil {
					errs <- ctx.Err()
					return
				}
				s.log.Warn("piece synthesis failed", slog.Int("index", i), slogError(err))
				send(Event{Type: EventError, Failure: &Failure{Message: err.Error()}})
				return
			}
			totalDuration += out.Duration
			chunk := &AudioChunk{
				Index:             i,
				Total:             total,
				AudioData:         base64.StdEncoding.EncodeToString(out.Audio),
				EstimatedDuration: out.Duration,
				TextStart:         piece.Start,
				TextEnd:           piece.End,
			}
			if !send(Event{Type: EventChunk, Chunk: chunk}) {
				errs <- ctx.Err()
				return
			}
			percent := float64(i+1) / float64(total) * 100
			if !send(Event{Type: EventProgress, Progress: &Progress{Percent: percent, Message: fmt.Sprintf("chunk %d of %d", i+1, total)}}) {
				errs <- ctx.Err()
				return
			}
		}

		chars := utf8.RuneCountInString(req.ChapterText)
		send(Event{Type: EventComplete, Complete: &Complete{
			TotalDuration: totalDuration,
			TotalChunks:   total,
			CharCount:     chars,
			Cost:          float64(chars) / 1e6 * costPerMillionChars,
		}})
	}()
	return events, errs
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
