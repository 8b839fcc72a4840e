package sentence

import (
	"math"
	"strings"
	"testing"

	"github.com/neurosnap/sentences"
)

type fixedTokenizer []string

func (f fixedTokenizer) Tokenize(string) []*sentences.Sentence {
	out := make([]*sentences.Sentence, 0, len(f))
	for _, s := range f {
		out = append(out, &sentences.Sentence{Text: s})
	}
	return out
}

func TestSplitRoundTrip(t *testing.T) {
	text := "Dr. Watson arrived at 3.45 p.m. on Tuesday. \"Is it you?\" she asked.\n\nHe nodded, slowly. He nodded, slowly. The end came quickly!"
	spans, err := Split(text)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(spans) == 0 {
		t.Fatal("expected sentences")
	}
	prevEnd := 0
	for i, sp := range spans {
		if got := text[sp.StartChar:sp.EndChar]; got != sp.Text {
			t.Fatalf("span %d: substring %q != text %q", i, got, sp.Text)
		}
		if sp.StartChar < prevEnd {
			t.Fatalf("span %d starts before previous end", i)
		}
		prevEnd = sp.EndChar
	}
}

func TestSplitDuplicatesResolveForward(t *testing.T) {
	text := "Hello there. Hello there. Hello there."
	s := &Splitter{tok: fixedTokenizer{"Hello there.", "Hello there.", "Hello there."}}
	spans := s.Split(text)
	if len(spans) != 3 {
		t.Fatalf("expected 3 spans, got %d", len(spans))
	}
	want := []int{0, 13, 26}
	for i, sp := range spans {
		if sp.StartChar != want[i] {
			t.Fatalf("span %d start = %d, want %d", i, sp.StartChar, want[i])
		}
	}
}

func TestSplitDropsFragments(t *testing.T) {
	text := "Mr. Smith went home. Ok. Then he slept."
	s := &Splitter{tok: fixedTokenizer{"Mr.", "Smith went home.", "Ok.", "Then he slept."}}
	spans := s.Split(text)
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %+v", spans)
	}
	if spans[0].Text != "Smith went home." || spans[1].StartChar != strings.Index(text, "Then") {
		t.Fatalf("unexpected spans %+v", spans)
	}
}

func TestSplitEmpty(t *testing.T) {
	spans, err := Split("   \n ")
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(spans) != 0 {
		t.Fatalf("expected no spans, got %d", len(spans))
	}
}

func TestEstimateCumulative(t *testing.T) {
	spans := []Span{
		{Text: "A fairly short sentence."},
		{Text: "Another one, with a comma, or two."},
		{Text: "Is this the last?"},
		{Text: "No! This one is."},
	}
	for _, total := range []float64{0.5, 7.3, 61.1234567, 3600} {
		list := Estimate(spans, total)
		if len(list) != len(spans) {
			t.Fatalf("expected %d entries", len(spans))
		}
		if list[0].StartTimeSeconds != 0 {
			t.Fatalf("first start = %f", list[0].StartTimeSeconds)
		}
		for i := 1; i < len(list); i++ {
			if list[i].StartTimeSeconds != list[i-1].EndTimeSeconds {
				t.Fatalf("entry %d start %f != previous end %f", i, list[i].StartTimeSeconds, list[i-1].EndTimeSeconds)
			}
		}
		if math.Abs(list[len(list)-1].EndTimeSeconds-total) > 1e-9 {
			t.Fatalf("last end %f != total %f", list[len(list)-1].EndTimeSeconds, total)
		}
		if !Covers(list, total) {
			t.Fatalf("list does not cover total %f", total)
		}
	}
}

func TestEstimateProportional(t *testing.T) {
	spans := []Span{{Text: strings.Repeat("a", 26)}, {Text: strings.Repeat("b", 13)}}
	list := Estimate(spans, 3)
	if math.Abs(list[0].EndTimeSeconds-2) > 1e-9 {
		t.Fatalf("expected first sentence to take 2s, got %f", list[0].EndTimeSeconds)
	}
	if list[1].CharCount != 13 {
		t.Fatalf("expected char count 13, got %d", list[1].CharCount)
	}
}

func TestEstimateEdgeCases(t *testing.T) {
	if got := Estimate(nil, 10); got != nil {
		t.Fatalf("expected nil for no sentences")
	}
	one := Estimate([]Span{{Text: "Only one sentence here."}}, 12.5)
	if one[0].StartTimeSeconds != 0 || one[0].EndTimeSeconds != 12.5 {
		t.Fatalf("single sentence should span whole duration, got %+v", one[0])
	}
}

func TestWeight(t *testing.T) {
	got := Weight(strings.Repeat("x", 11) + ",.")
	want := 13.0/13 + 0.2 + 0.4
	if math.Abs(got-want) > 1e-12 {
		t.Fatalf("weight = %f, want %f", got, want)
	}
}
