// Package pipeline turns a chapter into a persisted, progressively playable
// synthesis job by consuming a synthesis event stream in strict chunk order.
package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/loqalabs/loqa-narrator/internal/chunkstore"
	"github.com/loqalabs/loqa-narrator/internal/sentence"
	"github.com/loqalabs/loqa-narrator/internal/synthesis"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrCancelled        = errors.New("generation cancelled")
	ErrOutOfOrder       = errors.New("audio chunk out of order")
	ErrIncompleteStream = errors.New("synthesis stream ended before completion")
	ErrProvider         = errors.New("synthesis provider error")
	ErrInvalidRequest   = synthesis.ErrInvalidRequest
)

const cleanupTimeout = 10 * time.Second

// Store is the persistence the pipeline writes through.
type Store interface {
	CreateJob(ctx context.Context, job chunkstore.Job) (chunkstore.Job, error)
	AppendChunk(ctx context.Context, c chunkstore.Chunk, totalChunks int) error
	FinalizeJob(ctx context.Context, jobID string, durationSeconds float64, sizeBytes int64) error
	DeleteJob(ctx context.Context, jobID string) error
	WriteSentences(ctx context.Context, jobID string, list []sentence.Metadata) error
}

// Request identifies what to synthesize.
type Request struct {
	ChapterID string
	Text      string
	Voice     string
	Speed     float64
}

// Hooks receive generation progress. Any of them may be nil.
type Hooks struct {
	OnJobCreated func(job chunkstore.Job)
	OnProgress   func(percent float64, message string)
	OnChunk      func(index, total int)
}

// Result describes a completed generation.
type Result struct {
	Job       chunkstore.Job
	Sentences int
	CharCount int
	Cost      float64
}

type Generator struct {
	store     Store
	source    synthesis.EventSource
	validator synthesis.Validator
	split     func(string) ([]sentence.Span, error)
	log       *slog.Logger
	tracer    trace.Tracer
	persisted metric.Int64Counter
	failed    metric.Int64Counter
}

func New(store Store, source synthesis.EventSource, validator synthesis.Validator, log *slog.Logger) *Generator {
	g := &Generator{
		store:     store,
		source:    source,
		validator: validator,
		split:     sentence.Split,
		log:       log.With(slog.String("component", "pipeline")),
		tracer:    otel.Tracer("github.com/loqalabs/loqa-narrator/pipeline"),
	}
	meter := otel.Meter("github.com/loqalabs/loqa-narrator/pipeline")
	var err error
	if g.persisted, err = meter.Int64Counter("loqa.narration.chunks_persisted", metric.WithDescription("Audio chunks persisted")); err != nil {
		g.log.Warn("failed to initialize metrics", slogError(err))
	}
	if g.failed, err = meter.Int64Counter("loqa.narration.generations_failed", metric.WithDescription("Generations that ended without a complete job")); err != nil {
		g.log.Warn("failed to initialize metrics", slogError(err))
	}
	return g
}

// attempt is the state of one Generate call.
type attempt struct {
	req      Request
	hooks    Hooks
	job      chunkstore.Job
	accepted int
	elapsed  float64
	size     int64
	result   Result
}

// Generate runs one synthesis attempt to completion. On any failure every row
// written by the attempt is deleted before returning.
func (g *Generator) Generate(ctx context.Context, req Request, hooks Hooks) (Result, error) {
	ctx, span := g.tracer.Start(ctx, "narration.generate", trace.WithAttributes(
		attribute.String("chapter.id", req.ChapterID),
		attribute.String("voice", req.Voice),
		attribute.Float64("speed", req.Speed),
		attribute.Int("text.length", len(req.Text)),
	))
	defer span.End()

	if err := g.validator.Validate(synthesis.Request{ChapterText: req.Text, Voice: req.Voice, Speed: req.Speed}); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}

	a := &attempt{req: req, hooks: hooks}
	start := time.Now()
	err := g.consume(ctx, a)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%w: %w", ErrCancelled, err)
		}
		g.discard(ctx, a)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if g.failed != nil {
			g.failed.Add(context.WithoutCancel(ctx), 1)
		}
		g.log.Warn("generation failed",
			slog.String("chapter_id", req.ChapterID),
			slog.Int("chunks_accepted", a.accepted),
			slogError(err))
		return Result{}, err
	}
	span.SetAttributes(attribute.Int("chunks", a.accepted), attribute.Float64("duration_seconds", a.elapsed))
	g.log.Info("generation complete",
		slog.String("job_id", a.job.ID),
		slog.Int("chunks", a.accepted),
		slog.Float64("duration_seconds", a.elapsed),
		slog.Duration("latency", time.Since(start)))
	return a.result, nil
}

func (g *Generator) consume(ctx context.Context, a *attempt) error {
	// ends the stream when consume returns early on a fatal chunk
	streamCtx, stop := context.WithCancel(ctx)
	defer stop()
	events, errs := g.source.Stream(streamCtx, synthesis.Request{ChapterText: a.req.Text, Voice: a.req.Voice, Speed: a.req.Speed})
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-errs:
			if ok && err != nil {
				return err
			}
			errs = nil
		case evt, ok := <-events:
			if !ok {
				if errs != nil {
					if err, ok := <-errs; ok && err != nil {
						return err
					}
				}
				return ErrIncompleteStream
			}
			done, err := g.handle(ctx, a, evt)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

func (g *Generator) handle(ctx context.Context, a *attempt, evt synthesis.Event) (bool, error) {
	switch evt.Type {
	case synthesis.EventProgress:
		if evt.Progress != nil && a.hooks.OnProgress != nil {
			a.hooks.OnProgress(evt.Progress.Percent, evt.Progress.Message)
		}
		return false, nil
	case synthesis.EventChunk:
		if evt.Chunk == nil {
			return false, fmt.Errorf("%w: empty audio_chunk event", ErrIncompleteStream)
		}
		return false, g.accept(ctx, a, *evt.Chunk)
	case synthesis.EventComplete:
		if evt.Complete == nil {
			return false, fmt.Errorf("%w: empty generation_complete event", ErrIncompleteStream)
		}
		return true, g.finalize(ctx, a, *evt.Complete)
	case synthesis.EventError:
		msg := "unknown error"
		if evt.Failure != nil && evt.Failure.Message != "" {
			msg = evt.Failure.Message
		}
		return false, fmt.Errorf("%w: %s", ErrProvider, msg)
	default:
		g.log.Debug("ignoring unknown event", slog.String("type", string(evt.Type)))
		return false, nil
	}
}

// accept persists chunk c when its index is exactly the number of chunks
// already accepted. Lower non-negative indices are duplicates; any other
// index breaks ordering.
func (g *Generator) accept(ctx context.Context, a *attempt, c synthesis.AudioChunk) error {
	if c.Index < 0 {
		return fmt.Errorf("%w: received chunk %d, expected %d", ErrOutOfOrder, c.Index, a.accepted)
	}
	if c.Index < a.accepted {
		g.log.Warn("ignoring duplicate chunk", slog.Int("index", c.Index), slog.Int("accepted", a.accepted))
		return nil
	}
	if c.Index > a.accepted {
		return fmt.Errorf("%w: received chunk %d, expected %d", ErrOutOfOrder, c.Index, a.accepted)
	}

	data, err := base64.StdEncoding.DecodeString(c.AudioData)
	if err != nil {
		return fmt.Errorf("decode chunk %d: %w", c.Index, err)
	}
	duration := c.EstimatedDuration
	if duration <= 0 {
		buf, err := audio.Decode(data)
		if err != nil {
			return fmt.Errorf("measure chunk %d: %w", c.Index, err)
		}
		duration = buf.Duration
	}

	if a.job.ID == "" {
		job, err := g.store.CreateJob(ctx, chunkstore.Job{
			ChapterID:     a.req.ChapterID,
			Voice:         a.req.Voice,
			Speed:         a.req.Speed,
			TotalChunks:   c.Total,
			IsProgressive: true,
		})
		if err != nil {
			return fmt.Errorf("create job: %w", err)
		}
		a.job = job
		if a.hooks.OnJobCreated != nil {
			a.hooks.OnJobCreated(job)
		}
	}

	err = g.store.AppendChunk(ctx, chunkstore.Chunk{
		JobID:            a.job.ID,
		Index:            c.Index,
		Audio:            data,
		DurationSeconds:  duration,
		TextCharStart:    c.TextStart,
		TextCharEnd:      c.TextEnd,
		StartTimeSeconds: a.elapsed,
	}, c.Total)
	if err != nil {
		return fmt.Errorf("persist chunk %d: %w", c.Index, err)
	}
	a.accepted++
	a.elapsed += duration
	a.size += int64(len(data))
	if c.Total > a.job.TotalChunks {
		a.job.TotalChunks = c.Total
	}
	if g.persisted != nil {
		g.persisted.Add(ctx, 1)
	}
	if a.hooks.OnChunk != nil {
		a.hooks.OnChunk(c.Index, c.Total)
	}
	return nil
}

func (g *Generator) finalize(ctx context.Context, a *attempt, done synthesis.Complete) error {
	if a.job.ID == "" {
		return fmt.Errorf("%w: completed without audio", ErrIncompleteStream)
	}
	if done.TotalChunks != a.accepted {
		return fmt.Errorf("%w: completion reports %d chunks, received %d", ErrIncompleteStream, done.TotalChunks, a.accepted)
	}
	if math.Abs(done.TotalDuration-a.elapsed) > 0.01 {
		g.log.Warn("reported duration differs from chunk sum",
			slog.Float64("reported", done.TotalDuration),
			slog.Float64("chunk_sum", a.elapsed))
	}
	if err := g.store.FinalizeJob(ctx, a.job.ID, a.elapsed, a.size); err != nil {
		return fmt.Errorf("finalize job: %w", err)
	}
	a.job.ChunksComplete = a.accepted
	a.job.TotalChunks = a.accepted
	a.job.IsComplete = true
	a.job.TotalDurationSeconds = a.elapsed
	a.job.TotalSizeBytes = a.size

	a.result = Result{Job: a.job, CharCount: done.CharCount, Cost: done.Cost}
	a.result.Sentences = g.writeSentences(ctx, a.job.ID, a.req.Text, a.elapsed)
	return nil
}

// writeSentences derives sentence timing for a finished job. Failures are
// logged only: audio stays playable without sentence sync.
func (g *Generator) writeSentences(ctx context.Context, jobID, text string, total float64) int {
	spans, err := g.split(text)
	if err != nil {
		g.log.Warn("sentence split failed", slog.String("job_id", jobID), slogError(err))
		return 0
	}
	list := sentence.Estimate(spans, total)
	if err := g.store.WriteSentences(context.WithoutCancel(ctx), jobID, list); err != nil {
		g.log.Warn("sentence data not stored", slog.String("job_id", jobID), slogError(err))
		return 0
	}
	return len(list)
}

func (g *Generator) discard(ctx context.Context, a *attempt) {
	if a.job.ID == "" {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := g.store.DeleteJob(cctx, a.job.ID); err != nil {
		g.log.Error("failed to remove partial job", slog.String("job_id", a.job.ID), slogError(err))
		return
	}
	g.log.Info("removed partial job", slog.String("job_id", a.job.ID), slog.Int("chunks", a.accepted))
}

// FailureMessage renders a generation error for users.
func FailureMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	default:
		return "failed: " + err.Error()
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
