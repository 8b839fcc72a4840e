package sentencesync

import (
	"testing"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/sentence"
)

func timeline(bounds ...float64) []sentence.Metadata {
	out := make([]sentence.Metadata, 0, len(bounds)-1)
	for i := 1; i < len(bounds); i++ {
		out = append(out, sentence.Metadata{StartTimeSeconds: bounds[i-1], EndTimeSeconds: bounds[i]})
	}
	return out
}

func TestFindContainsTime(t *testing.T) {
	list := timeline(0, 1.5, 4, 4.25, 9)
	for ts := 0.0; ts < 9; ts += 0.05 {
		i := Find(list, ts)
		if i < 0 || list[i].StartTimeSeconds > ts || ts >= list[i].EndTimeSeconds {
			t.Fatalf("t=%f mapped to %d", ts, i)
		}
	}
	if Find(list, 1.5) != 1 {
		t.Fatal("boundary should belong to the later sentence")
	}
}

func TestFindEdges(t *testing.T) {
	if Find(nil, 3) != None {
		t.Fatal("empty list should report none")
	}
	list := timeline(0, 2, 5)
	if Find(list, 5) != 1 || Find(list, 42) != 1 {
		t.Fatal("times past the end should map to the last sentence")
	}
}

func TestTickNotifiesOnChangeOnly(t *testing.T) {
	var got []int
	s := New(timeline(0, 1, 2, 3), 0, func(index int, _ sentence.Metadata) {
		got = append(got, index)
	})
	base := time.Unix(0, 0)
	s.Tick(base, 0.1, true)
	s.Tick(base.Add(200*time.Millisecond), 0.5, true)
	s.Tick(base.Add(400*time.Millisecond), 1.2, true)
	s.Tick(base.Add(600*time.Millisecond), 2.7, true)
	want := []int{0, 1, 2}
	if len(got) != len(want) {
		t.Fatalf("notifications %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("notifications %v, want %v", got, want)
		}
	}
}

func TestTickThrottles(t *testing.T) {
	calls := 0
	s := New(timeline(0, 1, 2), 50*time.Millisecond, func(int, sentence.Metadata) { calls++ })
	base := time.Unix(0, 0)
	s.Tick(base, 0.2, true)
	s.Tick(base.Add(60*time.Millisecond), 1.5, true)
	if calls != 1 || s.Current() != 0 {
		t.Fatalf("tick inside the minimum interval was applied: calls=%d current=%d", calls, s.Current())
	}
	s.Tick(base.Add(100*time.Millisecond), 1.5, true)
	if s.Current() != 1 {
		t.Fatalf("expected sentence 1, got %d", s.Current())
	}
}

func TestStopResets(t *testing.T) {
	var last = 99
	s := New(timeline(0, 1, 2), time.Second, func(index int, _ sentence.Metadata) { last = index })
	s.Tick(time.Unix(0, 0), 1.5, true)
	if last != 1 {
		t.Fatalf("expected sentence 1, got %d", last)
	}
	s.Tick(time.Unix(0, 0), 1.5, false)
	if last != None || s.Current() != None {
		t.Fatalf("pausing should clear the highlight, got %d", last)
	}
}
