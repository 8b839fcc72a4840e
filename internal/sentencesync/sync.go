// Package sentencesync maps a playback clock onto the sentence being spoken.
package sentencesync

import (
	"sort"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/sentence"
)

// None is the index reported when no sentence is active.
const None = -1

// MinInterval is the shortest allowed spacing between two lookups.
const MinInterval = 100 * time.Millisecond

// Find returns the index of the sentence whose [start, end) range contains t.
// Times at or past the final end map to the last sentence.
func Find(list []sentence.Metadata, t float64) int {
	if len(list) == 0 {
		return None
	}
	if t >= list[len(list)-1].EndTimeSeconds {
		return len(list) - 1
	}
	return sort.Search(len(list), func(i int) bool {
		return list[i].EndTimeSeconds > t
	})
}

// ChangeFunc receives the new active index and its sentence. On reset the
// index is None and the sentence is the zero value.
type ChangeFunc func(index int, meta sentence.Metadata)

// Synchronizer tracks the active sentence for one playback session. It is
// not safe for concurrent use; the owning session serializes calls.
type Synchronizer struct {
	sentences []sentence.Metadata
	interval  time.Duration
	onChange  ChangeFunc
	current   int
	lastTick  time.Time
}

func New(list []sentence.Metadata, interval time.Duration, onChange ChangeFunc) *Synchronizer {
	if interval < MinInterval {
		interval = MinInterval
	}
	return &Synchronizer{sentences: list, interval: interval, onChange: onChange, current: None}
}

// SetSentences swaps the sentence list and clears the active sentence.
func (s *Synchronizer) SetSentences(list []sentence.Metadata) {
	s.Stop()
	s.sentences = list
}

// Tick samples position at wall time now. Samples closer together than the
// interval are dropped. A session that is not playing resets to None.
func (s *Synchronizer) Tick(now time.Time, position float64, playing bool) {
	if !playing {
		s.Stop()
		return
	}
	if !s.lastTick.IsZero() && now.Sub(s.lastTick) < s.interval {
		return
	}
	s.lastTick = now
	s.set(Find(s.sentences, position))
}

// Stop clears the active sentence.
func (s *Synchronizer) Stop() {
	s.lastTick = time.Time{}
	s.set(None)
}

func (s *Synchronizer) Current() int {
	return s.current
}

func (s *Synchronizer) set(index int) {
	if index == s.current {
		return
	}
	s.current = index
	if s.onChange == nil {
		return
	}
	if index == None {
		s.onChange(None, sentence.Metadata{})
		return
	}
	s.onChange(index, s.sentences[index])
}
