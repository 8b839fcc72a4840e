package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/loqalabs/loqa-narrator/internal/chunkstore"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/sentence"
	"github.com/loqalabs/loqa-narrator/internal/synthesis"
)

const chapter = "The first sentence is here. The second one follows it closely. A third closes the chapter."

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T) *chunkstore.Store {
	t.Helper()
	s, err := chunkstore.Open(context.Background(), config.StoreConfig{Mode: "memory"}, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// scriptedSource replays a fixed event list and optionally holds the stream
// open until the context ends.
type scriptedSource struct {
	events []synthesis.Event
	hold   bool
	calls  atomic.Int32
}

func (s *scriptedSource) Stream(ctx context.Context, _ synthesis.Request) (<-chan synthesis.Event, <-chan error) {
	s.calls.Add(1)
	events := make(chan synthesis.Event)
	errs := make(chan error, 1)
	go func() {
		defer close(events)
		defer close(errs)
		for _, evt := range s.events {
			select {
			case events <- evt:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		if s.hold {
			<-ctx.Done()
			errs <- ctx.Err()
		}
	}()
	return events, errs
}

func chunkEvent(index, total int, duration float64) synthesis.Event {
	return synthesis.Event{Type: synthesis.EventChunk, Chunk: &synthesis.AudioChunk{
		Index:             index,
		Total:             total,
		AudioData:         base64.StdEncoding.EncodeToString([]byte{byte(index), 0xAA, 0xBB}),
		EstimatedDuration: duration,
		TextStart:         index * 10,
		TextEnd:           (index + 1) * 10,
	}}
}

func completeEvent(total int, duration float64) synthesis.Event {
	return synthesis.Event{Type: synthesis.EventComplete, Complete: &synthesis.Complete{TotalChunks: total, TotalDuration: duration, CharCount: len(chapter)}}
}

func request() Request {
	return Request{ChapterID: "ch-1", Text: chapter, Voice: "alloy", Speed: 1}
}

func assertEmpty(t *testing.T, s *chunkstore.Store) {
	t.Helper()
	jobs, err := s.CountJobs(context.Background())
	if err != nil {
		t.Fatalf("count jobs: %v", err)
	}
	chunks, err := s.CountChunks(context.Background())
	if err != nil {
		t.Fatalf("count chunks: %v", err)
	}
	if jobs != 0 || chunks != 0 {
		t.Fatalf("expected empty store, found %d jobs and %d chunks", jobs, chunks)
	}
}

func TestGenerateCompletes(t *testing.T) {
	store := openStore(t)
	src := &scriptedSource{events: []synthesis.Event{
		{Type: synthesis.EventProgress, Progress: &synthesis.Progress{Percent: 0}},
		chunkEvent(0, 3, 2.0),
		chunkEvent(1, 3, 3.0),
		chunkEvent(2, 3, 1.5),
		completeEvent(3, 6.5),
	}}
	g := New(store, src, synthesis.Validator{}, newLogger())

	var created, progressed int
	res, err := g.Generate(context.Background(), request(), Hooks{
		OnJobCreated: func(chunkstore.Job) { created++ },
		OnProgress:   func(float64, string) { progressed++ },
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if created != 1 || progressed != 1 {
		t.Fatalf("hooks fired %d/%d times", created, progressed)
	}
	if !res.Job.IsComplete || res.Job.TotalDurationSeconds != 6.5 || res.Job.TotalChunks != 3 {
		t.Fatalf("unexpected job %+v", res.Job)
	}

	job, err := store.GetJob(context.Background(), res.Job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if !job.IsComplete || !job.IsProgressive || job.ChunksComplete != 3 {
		t.Fatalf("stored job %+v", job)
	}
	chunks, err := store.ReadChunks(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("read chunks: %v", err)
	}
	want := []float64{0, 2.0, 5.0}
	for i, c := range chunks {
		if c.StartTimeSeconds != want[i] {
			t.Fatalf("chunk %d starts at %f, want %f", i, c.StartTimeSeconds, want[i])
		}
	}

	list, err := store.ReadSentences(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("read sentences: %v", err)
	}
	if len(list) == 0 || len(list) != res.Sentences || !sentence.Covers(list, 6.5) {
		t.Fatalf("sentence data does not cover audio: %+v", list)
	}
}

func TestGenerateCancelRemovesPartialJob(t *testing.T) {
	store := openStore(t)
	src := &scriptedSource{hold: true, events: []synthesis.Event{
		chunkEvent(0, 5, 1.0),
		chunkEvent(1, 5, 1.0),
	}}
	g := New(store, src, synthesis.Validator{}, newLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := g.Generate(ctx, request(), Hooks{
		OnChunk: func(index, total int) {
			if index == 1 {
				cancel()
			}
		},
	})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if FailureMessage(err) != "cancelled" {
		t.Fatalf("unexpected failure message %q", FailureMessage(err))
	}
	assertEmpty(t, store)
}

func TestGenerateRejectsOutOfOrder(t *testing.T) {
	store := openStore(t)
	src := &scriptedSource{events: []synthesis.Event{
		chunkEvent(0, 3, 1.0),
		chunkEvent(2, 3, 1.0),
	}}
	_, err := New(store, src, synthesis.Validator{}, newLogger()).Generate(context.Background(), request(), Hooks{})
	if !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("expected out of order error, got %v", err)
	}
	if !strings.HasPrefix(FailureMessage(err), "failed: ") {
		t.Fatalf("unexpected failure message %q", FailureMessage(err))
	}
	assertEmpty(t, store)
}

func TestGenerateRejectsNegativeIndex(t *testing.T) {
	for name, events := range map[string][]synthesis.Event{
		"first":       {chunkEvent(-1, 2, 1.0)},
		"after chunk": {chunkEvent(0, 2, 1.0), chunkEvent(-1, 2, 1.0), chunkEvent(1, 2, 1.0), completeEvent(2, 2.0)},
	} {
		t.Run(name, func(t *testing.T) {
			store := openStore(t)
			src := &scriptedSource{events: events}
			_, err := New(store, src, synthesis.Validator{}, newLogger()).Generate(context.Background(), request(), Hooks{})
			if !errors.Is(err, ErrOutOfOrder) {
				t.Fatalf("expected out of order error, got %v", err)
			}
			assertEmpty(t, store)
		})
	}
}

func TestGenerateIgnoresDuplicates(t *testing.T) {
	store := openStore(t)
	src := &scriptedSource{events: []synthesis.Event{
		chunkEvent(0, 2, 1.0),
		chunkEvent(0, 2, 1.0),
		chunkEvent(1, 2, 2.0),
		completeEvent(2, 3.0),
	}}
	res, err := New(store, src, synthesis.Validator{}, newLogger()).Generate(context.Background(), request(), Hooks{})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	chunks, err := store.ReadChunks(context.Background(), res.Job.ID)
	if err != nil {
		t.Fatalf("read chunks: %v", err)
	}
	if len(chunks) != 2 || chunks[1].StartTimeSeconds != 1.0 {
		t.Fatalf("unexpected chunks %+v", chunks)
	}
}

func TestGenerateRequiresCompletion(t *testing.T) {
	cases := map[string][]synthesis.Event{
		"closed": {chunkEvent(0, 2, 1.0), chunkEvent(1, 2, 1.0)},
		"short":  {chunkEvent(0, 3, 1.0), chunkEvent(1, 3, 1.0), completeEvent(3, 2.0)},
		"empty":  {completeEvent(0, 0)},
	}
	for name, events := range cases {
		t.Run(name, func(t *testing.T) {
			store := openStore(t)
			src := &scriptedSource{events: events}
			_, err := New(store, src, synthesis.Validator{}, newLogger()).Generate(context.Background(), request(), Hooks{})
			if !errors.Is(err, ErrIncompleteStream) {
				t.Fatalf("expected incomplete stream, got %v", err)
			}
			assertEmpty(t, store)
		})
	}
}

func TestGenerateProviderErrorEvent(t *testing.T) {
	store := openStore(t)
	src := &scriptedSource{events: []synthesis.Event{
		chunkEvent(0, 2, 1.0),
		{Type: synthesis.EventError, Failure: &synthesis.Failure{Message: "rate limited"}},
	}}
	_, err := New(store, src, synthesis.Validator{}, newLogger()).Generate(context.Background(), request(), Hooks{})
	if !errors.Is(err, ErrProvider) || !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("expected provider error, got %v", err)
	}
	assertEmpty(t, store)
}

func TestGenerateValidatesFirst(t *testing.T) {
	store := openStore(t)
	src := &scriptedSource{}
	g := New(store, src, synthesis.Validator{Voices: []string{"alloy"}}, newLogger())
	req := request()
	req.Speed = 0
	if _, err := g.Generate(context.Background(), req, Hooks{}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
	if src.calls.Load() != 0 {
		t.Fatal("source should not be contacted for invalid requests")
	}
}

func TestGenerateSurvivesSentenceFailure(t *testing.T) {
	store := openStore(t)
	src := &scriptedSource{events: []synthesis.Event{chunkEvent(0, 1, 4.0), completeEvent(1, 4.0)}}
	g := New(store, src, synthesis.Validator{}, newLogger())
	g.split = func(string) ([]sentence.Span, error) { return nil, errors.New("tokenizer unavailable") }

	res, err := g.Generate(context.Background(), request(), Hooks{})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Sentences != 0 || !res.Job.IsComplete {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestGenerateWithStreamer(t *testing.T) {
	store := openStore(t)
	streamer := synthesis.NewStreamer(synthesis.NewMockProvider(8000), 40, synthesis.Validator{}, newLogger())
	res, err := New(store, streamer, synthesis.Validator{}, newLogger()).Generate(context.Background(), request(), Hooks{})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	chunks, err := store.ReadChunks(context.Background(), res.Job.ID)
	if err != nil {
		t.Fatalf("read chunks: %v", err)
	}
	if len(chunks) < 2 || len(chunks) != res.Job.TotalChunks {
		t.Fatalf("expected several chunks, got %d (job %+v)", len(chunks), res.Job)
	}
	var sum float64
	for i, c := range chunks {
		if c.StartTimeSeconds != sum {
			t.Fatalf("chunk %d starts at %f, want %f", i, c.StartTimeSeconds, sum)
		}
		sum += c.DurationSeconds
	}
	if res.Job.TotalDurationSeconds != sum {
		t.Fatalf("job duration %f != %f", res.Job.TotalDurationSeconds, sum)
	}
}
