package chunkstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/sentence"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openFileStore(t *testing.T) *Store {
	t.Helper()
	cfg := config.StoreConfig{Path: filepath.Join(t.TempDir(), "narration.db"), Mode: "file"}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func appendChunks(t *testing.T, s *Store, jobID string, durations []float64) {
	t.Helper()
	var start float64
	for i, d := range durations {
		c := Chunk{JobID: jobID, Index: i, Audio: []byte{byte(i), 1, 2}, DurationSeconds: d, TextCharStart: i * 10, TextCharEnd: (i + 1) * 10, StartTimeSeconds: start}
		if err := s.AppendChunk(context.Background(), c, len(durations)); err != nil {
			t.Fatalf("append chunk %d: %v", i, err)
		}
		start += d
	}
}

func TestOpenMemory(t *testing.T) {
	s, err := Open(context.Background(), config.StoreConfig{Mode: "memory"}, newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	job, err := s.CreateJob(context.Background(), Job{ChapterID: "ch-1", Voice: "alloy", Speed: 1})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if _, err := s.GetJob(context.Background(), job.ID); err != nil {
		t.Fatalf("get job: %v", err)
	}
}

func TestJobLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openFileStore(t)

	job, err := s.CreateJob(ctx, Job{ChapterID: "ch-1", Voice: "alloy", Speed: 1.25, TotalChunks: 3, IsProgressive: true})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	appendChunks(t, s, job.ID, []float64{2.0, 3.0, 1.5})

	got, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.ChunksComplete != 3 || got.TotalChunks != 3 || got.IsComplete {
		t.Fatalf("unexpected progress %+v", got)
	}
	if !got.IsProgressive || got.Speed != 1.25 {
		t.Fatalf("unexpected job fields %+v", got)
	}

	if err := s.FinalizeJob(ctx, job.ID, 6.5, 9); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if err := s.FinalizeJob(ctx, job.ID, 6.5, 9); err == nil {
		t.Fatal("expected second finalize to fail")
	}
	got, _ = s.GetJob(ctx, job.ID)
	if !got.IsComplete || got.TotalDurationSeconds != 6.5 || got.TotalSizeBytes != 9 {
		t.Fatalf("unexpected finalized job %+v", got)
	}

	chunks, err := s.ReadChunks(ctx, job.ID)
	if err != nil {
		t.Fatalf("read chunks: %v", err)
	}
	wantStarts := []float64{0, 2.0, 5.0}
	for i, c := range chunks {
		if c.Index != i || c.StartTimeSeconds != wantStarts[i] {
			t.Fatalf("chunk %d: %+v", i, c)
		}
	}

	ranged, err := s.ReadChunksInRange(ctx, job.ID, 1, 3)
	if err != nil {
		t.Fatalf("read range: %v", err)
	}
	if len(ranged) != 2 || ranged[0].Index != 1 || ranged[1].Index != 2 {
		t.Fatalf("unexpected range %+v", ranged)
	}

	timeline, err := s.ReadTimeline(ctx, job.ID, 1)
	if err != nil {
		t.Fatalf("read timeline: %v", err)
	}
	if len(timeline) != 2 || timeline[0].Audio != nil || timeline[1].StartTimeSeconds != 5.0 || timeline[1].DurationSeconds != 1.5 {
		t.Fatalf("unexpected timeline %+v", timeline)
	}

	found, err := s.FindJob(ctx, "ch-1", "alloy", 1.25)
	if err != nil || found.ID != job.ID {
		t.Fatalf("find job: %v %+v", err, found)
	}
	if _, err := s.FindJob(ctx, "ch-1", "nova", 1.25); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAppendChunkRejectsGap(t *testing.T) {
	ctx := context.Background()
	s := openFileStore(t)
	job, err := s.CreateJob(ctx, Job{ChapterID: "ch-1", Voice: "alloy", Speed: 1})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := s.AppendChunk(ctx, Chunk{JobID: job.ID, Index: 1, Audio: []byte{1}}, 2); err == nil {
		t.Fatal("expected gap to be rejected")
	}
	if n, _ := s.CountChunks(ctx); n != 0 {
		t.Fatalf("expected no chunks after rejected append, got %d", n)
	}
}

func TestFinalizeRequiresAllChunks(t *testing.T) {
	ctx := context.Background()
	s := openFileStore(t)
	job, _ := s.CreateJob(ctx, Job{ChapterID: "ch-1", Voice: "alloy", Speed: 1, TotalChunks: 3})
	appendChunks(t, s, job.ID, []float64{1})
	if err := s.FinalizeJob(ctx, job.ID, 1, 3); err == nil {
		t.Fatal("expected finalize to fail with missing chunks")
	}
}

func TestDeleteCascades(t *testing.T) {
	ctx := context.Background()
	s := openFileStore(t)
	job, _ := s.CreateJob(ctx, Job{ChapterID: "ch-1", Voice: "alloy", Speed: 1})
	appendChunks(t, s, job.ID, []float64{1, 1})
	if err := s.WriteSentences(ctx, job.ID, []sentence.Metadata{{Text: "Hello world.", EndTimeSeconds: 2}}); err != nil {
		t.Fatalf("write sentences: %v", err)
	}
	if err := s.DeleteJob(ctx, job.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n, _ := s.CountChunks(ctx); n != 0 {
		t.Fatalf("expected chunks cascaded, got %d", n)
	}
	if _, err := s.ReadSentences(ctx, job.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected sentences cascaded, got %v", err)
	}
}

func TestSentencesRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openFileStore(t)
	job, _ := s.CreateJob(ctx, Job{ChapterID: "ch-1", Voice: "alloy", Speed: 1})
	list := []sentence.Metadata{
		{Text: "First one.", StartChar: 0, EndChar: 10, CharCount: 10, StartTimeSeconds: 0, EndTimeSeconds: 1.5},
		{Text: "Second one.", StartChar: 11, EndChar: 22, CharCount: 11, StartTimeSeconds: 1.5, EndTimeSeconds: 3},
	}
	if err := s.WriteSentences(ctx, job.ID, list); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := s.ReadSentences(ctx, job.ID)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 || got[1] != list[1] {
		t.Fatalf("unexpected sentences %+v", got)
	}
}

func TestPruneAbandoned(t *testing.T) {
	ctx := context.Background()
	s := openFileStore(t)

	s.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	old, _ := s.CreateJob(ctx, Job{ChapterID: "old", Voice: "alloy", Speed: 1})
	done, _ := s.CreateJob(ctx, Job{ChapterID: "done", Voice: "alloy", Speed: 1})
	appendChunks(t, s, done.ID, []float64{1})
	if err := s.FinalizeJob(ctx, done.ID, 1, 3); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	s.clock = func() time.Time { return time.Date(2025, 1, 1, 3, 0, 0, 0, time.UTC) }
	fresh, _ := s.CreateJob(ctx, Job{ChapterID: "fresh", Voice: "alloy", Speed: 1})

	n, err := s.PruneAbandoned(ctx, time.Hour)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned job, got %d", n)
	}
	if _, err := s.GetJob(ctx, old.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected old job pruned")
	}
	for _, id := range []string{done.ID, fresh.ID} {
		if _, err := s.GetJob(ctx, id); err != nil {
			t.Fatalf("expected job %s kept: %v", id, err)
		}
	}
}
