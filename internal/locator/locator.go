// Package locator converts between document positions and chapter audio
// time. The mapping assumes a uniform speaking rate per character, so it
// drifts where markup density varies; callers tolerate that drift.
package locator

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Locator is an opaque position in the rendered document.
type Locator string

type Ordering int

const (
	Before Ordering = -1
	Equal  Ordering = 0
	After  Ordering = 1
)

const fragment = "#narration="

var ErrNoFraction = errors.New("locator carries no narration fraction")

// Comparer orders two locators in document order.
type Comparer interface {
	Compare(a, b Locator) Ordering
}

// Renderer is the document view narration follows.
type Renderer interface {
	Comparer
	Navigate(loc Locator) error
	Current() Locator
}

// WithFraction returns start annotated with a position expressed as a
// fraction of the chapter text.
func WithFraction(start Locator, fraction float64) Locator {
	base, _, _ := strings.Cut(string(start), fragment)
	fraction = math.Max(0, math.Min(1, fraction))
	return Locator(base + fragment + strconv.FormatFloat(fraction, 'f', 6, 64))
}

// Fraction extracts the fraction written by WithFraction.
func Fraction(loc Locator) (float64, error) {
	_, raw, ok := strings.Cut(string(loc), fragment)
	if !ok {
		return 0, ErrNoFraction
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("parse narration fraction %q: %w", raw, err)
	}
	if f < 0 || f > 1 || math.IsNaN(f) {
		return 0, fmt.Errorf("narration fraction %v out of range", f)
	}
	return f, nil
}

// Mapper maps positions for a single chapter.
type Mapper struct {
	Start         Locator
	CharCount     int
	TextLength    int
	AudioDuration float64
	// Order, when set, places locators before Start at time zero.
	Order Comparer
}

func (m Mapper) known() bool {
	return m.CharCount > 0 && m.AudioDuration > 0 && !math.IsNaN(m.AudioDuration)
}

// CharPosition is the character being spoken at timestamp seconds.
func (m Mapper) CharPosition(timestamp float64) (int, bool) {
	if !m.known() {
		return 0, false
	}
	pos := int(math.Floor(timestamp * float64(m.CharCount) / m.AudioDuration))
	return max(0, min(pos, m.CharCount)), true
}

// ToLocator returns the document position for timestamp. The result is
// absent when the chapter's length or duration is unknown.
func (m Mapper) ToLocator(timestamp float64) (Locator, bool) {
	pos, ok := m.CharPosition(timestamp)
	if !ok {
		return "", false
	}
	length := m.TextLength
	if length <= 0 {
		length = m.CharCount
	}
	return WithFraction(m.Start, float64(pos)/float64(length)), true
}

// ToTimestamp returns the audio time for loc, or absent when it cannot be
// derived. Locators outside the chapter map to zero when they precede it and
// to the end when Order places them after it.
func (m Mapper) ToTimestamp(loc Locator) (float64, bool) {
	if !m.known() {
		return 0, false
	}
	if m.Order != nil && m.Order.Compare(loc, m.Start) == Before {
		return 0, true
	}
	base, _, _ := strings.Cut(string(loc), fragment)
	startBase, _, _ := strings.Cut(string(m.Start), fragment)
	if base != startBase {
		// another document section; only a known later one has a time here
		if m.Order != nil && m.Order.Compare(loc, m.Start) == After {
			return m.AudioDuration, true
		}
		return 0, false
	}
	fraction, err := Fraction(loc)
	if errors.Is(err, ErrNoFraction) {
		return 0, true
	}
	if err != nil {
		return 0, false
	}
	length := m.TextLength
	if length <= 0 {
		length = m.CharCount
	}
	pos := fraction * float64(length)
	ts := pos * m.AudioDuration / float64(m.CharCount)
	return math.Min(ts, m.AudioDuration), true
}

// Follow moves r to the position being spoken at timestamp. It is a no-op
// when the position is unknown or r is already there.
func Follow(r Renderer, m Mapper, timestamp float64) error {
	loc, ok := m.ToLocator(timestamp)
	if !ok || r.Current() == loc {
		return nil
	}
	if err := r.Navigate(loc); err != nil {
		return fmt.Errorf("navigate to %s: %w", loc, err)
	}
	return nil
}
