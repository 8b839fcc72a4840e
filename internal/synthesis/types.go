package synthesis

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"
)

const (
	MinSpeed = 0.25
	MaxSpeed = 4.0
)

// ErrInvalidRequest marks requests rejected before any work starts.
var ErrInvalidRequest = errors.New("invalid synthesis request")

// Request is the body of one streaming synthesis call.
type Request struct {
	ChapterText string  `json:"chapterText"`
	Voice       string  `json:"voice"`
	Speed       float64 `json:"speed"`
}

// EventType names the events of a synthesis stream.
type EventType string

const (
	EventProgress EventType = "progress"
	EventChunk    EventType = "audio_chunk"
	EventComplete EventType = "generation_complete"
	EventError    EventType = "error"
)

type Progress struct {
	Percent float64 `json:"percent"`
	Message string  `json:"message"`
}

// AudioChunk carries one synthesized piece. AudioData is base64 encoded.
type AudioChunk struct {
	Index             int     `json:"index"`
	Total             int     `json:"total"`
	AudioData         string  `json:"audioData"`
	EstimatedDuration float64 `json:"estimatedDuration"`
	TextStart         int     `json:"textStart"`
	TextEnd           int     `json:"textEnd"`
}

type Complete struct {
	TotalDuration float64 `json:"totalDuration"`
	TotalChunks   int     `json:"totalChunks"`
	CharCount     int     `json:"charCount"`
	Cost          float64 `json:"cost"`
}

type Failure struct {
	Message string `json:"message"`
}

// Event is one named event of a synthesis stream. Exactly one payload is set.
type Event struct {
	Type     EventType
	Progress *Progress
	Chunk    *AudioChunk
	Complete *Complete
	Failure  *Failure
}

// EventSource opens a synthesis stream. The event channel closes when the
// stream ends; the error channel carries transport failures.
type EventSource interface {
	Stream(ctx context.Context, req Request) (<-chan Event, <-chan error)
}

// PieceRequest asks a provider to synthesize one provider-bounded piece.
type PieceRequest struct {
	Text  string
	Voice string
	Speed float64
}

// PieceAudio is the provider's result for one piece.
type PieceAudio struct {
	Audio    []byte
	Duration float64
}

// Provider synthesizes single pieces of text.
type Provider interface {
	Synthesize(ctx context.Context, req PieceRequest) (PieceAudio, error)
}

// Validator checks requests against the configured voices and size limit.
type Validator struct {
	Voices   []string
	MaxChars int
}

func (v Validator) Validate(req Request) error {
	if strings.TrimSpace(req.ChapterText) == "" {
		return fmt.Errorf("%w: chapter text is empty", ErrInvalidRequest)
	}
	if v.MaxChars > 0 && utf8.RuneCountInString(req.ChapterText) > v.MaxChars {
		return fmt.Errorf("%w: chapter text exceeds %d characters", ErrInvalidRequest, v.MaxChars)
	}
	if math.IsNaN(req.Speed) || req.Speed < MinSpeed || req.Speed > MaxSpeed {
		return fmt.Errorf("%w: speed %.2f outside [%.2f, %.2f]", ErrInvalidRequest, req.Speed, MinSpeed, MaxSpeed)
	}
	if len(v.Voices) > 0 {
		known := false
		for _, name := range v.Voices {
			if name == req.Voice {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("%w: unknown voice %q", ErrInvalidRequest, req.Voice)
		}
	}
	return nil
}
