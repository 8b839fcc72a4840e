package synthesis

import (
	"strings"
	"unicode/utf8"
)

// breakWindow is the tail fraction of a piece searched for a natural break.
const breakWindow = 0.3

// Piece is a slice of the chapter text; Text == chapter[Start:End].
type Piece struct {
	Text  string
	Start int
	End   int
}

// Chunk splits text into contiguous pieces of at most maxLen bytes covering
// the whole input. A piece ends at a paragraph or sentence break inside the
// last 30% of its budget when there is one, otherwise at the budget.
func Chunk(text string, maxLen int) []Piece {
	if text == "" {
		return nil
	}
	if maxLen <= 0 {
		return []Piece{{Text: text, Start: 0, End: len(text)}}
	}
	var pieces []Piece
	start := 0
	for start < len(text) {
		if len(text)-start <= maxLen {
			pieces = append(pieces, Piece{Text: text[start:], Start: start, End: len(text)})
			break
		}
		cut := breakPoint(text[start:], maxLen)
		pieces = append(pieces, Piece{Text: text[start : start+cut], Start: start, End: start + cut})
		start += cut
	}
	return pieces
}

// breakPoint picks the end of the next piece of rest, where len(rest) > maxLen.
func breakPoint(rest string, maxLen int) int {
	window := rest[:maxLen]
	floor := int(float64(maxLen) * (1 - breakWindow))
	if i := strings.LastIndex(window, "\n\n"); i >= floor {
		return i + 2
	}
	for j := len(window) - 1; j >= floor; j-- {
		switch window[j] {
		case '.', '!', '?':
			if isBreakFollower(rest[j+1]) {
				return j + 1
			}
		case '\n':
			return j + 1
		}
	}
	cut := maxLen
	for cut > 1 && !utf8.RuneStart(rest[cut]) {
		cut--
	}
	return cut
}

func isBreakFollower(b byte) bool {
	return b == ' ' || b == '\n' || b == '\t' || b == '\r'
}
