package sentence

import (
	"strings"
	"unicode/utf8"
)

const (
	charsPerSecond  = 13.0
	commaPause      = 0.2
	terminalPause   = 0.4
	timingTolerance = 0.01
)

// Metadata is the persisted timing of one sentence within a job's audio.
type Metadata struct {
	Text             string  `json:"text"`
	StartChar        int     `json:"start_char"`
	EndChar          int     `json:"end_char"`
	CharCount        int     `json:"char_count"`
	StartTimeSeconds float64 `json:"start_time_seconds"`
	EndTimeSeconds   float64 `json:"end_time_seconds"`
}

// Weight is the unscaled spoken-duration estimate of a sentence in seconds.
func Weight(text string) float64 {
	chars := float64(utf8.RuneCountInString(text))
	commas := float64(strings.Count(text, ","))
	terminals := float64(strings.Count(text, ".") + strings.Count(text, "!") + strings.Count(text, "?"))
	return chars/charsPerSecond + commaPause*commas + terminalPause*terminals
}

// Estimate distributes total seconds over spans proportionally to their
// weights. Times are accumulated so each start equals the previous end and
// the last end is exactly total.
func Estimate(spans []Span, total float64) []Metadata {
	if len(spans) == 0 {
		return nil
	}
	out := make([]Metadata, len(spans))
	weights := make([]float64, len(spans))
	var sum float64
	for i, sp := range spans {
		weights[i] = Weight(sp.Text)
		sum += weights[i]
	}
	if total < 0 {
		total = 0
	}

	var cursor float64
	for i, sp := range spans {
		var d float64
		if sum > 0 {
			d = weights[i] * (total / sum)
		} else {
			d = total / float64(len(spans))
		}
		end := cursor + d
		if i == len(spans)-1 {
			end = total
		}
		out[i] = Metadata{
			Text:             sp.Text,
			StartChar:        sp.StartChar,
			EndChar:          sp.EndChar,
			CharCount:        utf8.RuneCountInString(sp.Text),
			StartTimeSeconds: cursor,
			EndTimeSeconds:   end,
		}
		cursor = end
	}
	return out
}

// Covers reports whether list spans [0,total] without gaps or overlaps.
func Covers(list []Metadata, total float64) bool {
	if len(list) == 0 {
		return total == 0
	}
	if abs(list[0].StartTimeSeconds) > timingTolerance {
		return false
	}
	for i := 1; i < len(list); i++ {
		if abs(list[i].StartTimeSeconds-list[i-1].EndTimeSeconds) > timingTolerance {
			return false
		}
	}
	return abs(list[len(list)-1].EndTimeSeconds-total) <= timingTolerance
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
