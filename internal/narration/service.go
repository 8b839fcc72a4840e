// Package narration serves chapter generation requests arriving on the bus.
package narration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/chunkstore"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/pipeline"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrAlreadyRunning = errors.New("generation already running for chapter")
	ErrShuttingDown   = errors.New("narration service shutting down")
)

type Generator interface {
	Generate(ctx context.Context, req pipeline.Request, hooks pipeline.Hooks) (pipeline.Result, error)
}

type JobFinder interface {
	FindJob(ctx context.Context, chapterID, voice string, speed float64) (chunkstore.Job, error)
}

type generation struct {
	requestID string
	cancel    context.CancelFunc
}

type Service struct {
	cfg          config.PipelineConfig
	defaultVoice string
	bus          *bus.Client
	gen          Generator
	jobs         JobFinder
	subs         []*nats.Subscription
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	logger       *slog.Logger

	mu   sync.Mutex
	live map[string]generation

	gauge metric.Registration
}

func NewService(parent context.Context, cfg config.Config, busClient *bus.Client, gen Generator, jobs JobFinder, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:          cfg.Pipeline,
		defaultVoice: cfg.Synthesis.DefaultVoice,
		bus:          busClient,
		gen:          gen,
		jobs:         jobs,
		ctx:          ctx,
		cancel:       cancel,
		logger:       log.With(slog.String("component", "narration-service")),
		live:         make(map[string]generation),
	}
}

func (s *Service) Start() error {
	handlers := map[string]nats.MsgHandler{
		protocol.SubjectGenerateRequest: s.handleRequest,
		protocol.SubjectGenerateCancel:  s.handleCancel,
	}
	for subject, handler := range handlers {
		sub, err := s.bus.Conn().Subscribe(subject, handler)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	if err := s.bus.Conn().Flush(); err != nil {
		return fmt.Errorf("flush subscriptions: %w", err)
	}

	meter := otel.Meter("github.com/loqalabs/loqa-narrator/narration")
	gauge, err := meter.Int64ObservableGauge("loqa.narration.live_generations",
		metric.WithDescription("Chapters currently being generated"))
	if err != nil {
		s.logger.Warn("failed to initialize metrics", slogError(err))
		return nil
	}
	s.gauge, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(gauge, int64(s.Live()))
		return nil
	}, gauge)
	if err != nil {
		s.logger.Warn("failed to register metrics callback", slogError(err))
	}
	return nil
}

func (s *Service) Close() {
	// after cancel under mu no register can add to wg
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
	if s.gauge != nil {
		_ = s.gauge.Unregister()
	}
}

func (s *Service) Healthy() bool { return len(s.subs) > 0 && s.bus.Healthy() }

// Live counts chapters with a generation in flight.
func (s *Service) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

func (s *Service) handleCancel(msg *nats.Msg) {
	var req protocol.CancelRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode cancel request", slogError(err))
		return
	}
	s.mu.Lock()
	g, ok := s.live[req.ChapterID]
	s.mu.Unlock()
	if !ok {
		s.logger.Debug("no live generation to cancel", slog.String("chapter_id", req.ChapterID))
		return
	}
	s.logger.Info("cancelling generation", slog.String("chapter_id", req.ChapterID), slog.String("request_id", g.requestID))
	g.cancel()
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.GenerateRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode generate request", slogError(err))
		return
	}
	if req.Voice == "" {
		req.Voice = s.defaultVoice
	}
	if req.Speed == 0 {
		req.Speed = 1
	}

	if job, err := s.jobs.FindJob(s.ctx, req.ChapterID, req.Voice, req.Speed); err == nil && job.IsComplete {
		s.reply(msg, s.status(req, protocol.StateCompleted, "", func(st *protocol.GenerationStatus) {
			st.JobID = job.ID
			st.Reused = true
			st.TotalChunks = job.TotalChunks
			st.TotalDuration = job.TotalDurationSeconds
		}))
		return
	} else if err != nil && !errors.Is(err, chunkstore.ErrNotFound) {
		s.logger.Warn("job lookup failed", slog.String("chapter_id", req.ChapterID), slogError(err))
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if s.cfg.TimeoutSeconds > 0 {
		ctx, cancel = context.WithTimeout(s.ctx, time.Duration(s.cfg.TimeoutSeconds)*time.Second)
	} else {
		ctx, cancel = context.WithCancel(s.ctx)
	}
	if err := s.register(req, cancel); err != nil {
		cancel()
		s.reply(msg, s.status(req, protocol.StateFailed, pipeline.FailureMessage(err), nil))
		return
	}
	s.reply(msg, s.status(req, protocol.StateStarted, "", nil))

	go func() {
		defer s.wg.Done()
		defer cancel()
		defer s.unregister(req.ChapterID)
		s.run(ctx, req)
	}()
}

func (s *Service) run(ctx context.Context, req protocol.GenerateRequest) {
	var jobID string
	hooks := pipeline.Hooks{
		OnJobCreated: func(job chunkstore.Job) { jobID = job.ID },
		OnProgress: func(percent float64, message string) {
			s.publish(protocol.SubjectGenerateProgress, protocol.Progress{
				RequestID: req.RequestID,
				ChapterID: req.ChapterID,
				JobID:     jobID,
				Percent:   percent,
				Message:   message,
				Timestamp: time.Now().UTC(),
			})
		},
		OnChunk: func(index, total int) {
			s.publish(protocol.SubjectChunkReady, protocol.ChunkReady{
				ChapterID: req.ChapterID,
				JobID:     jobID,
				Index:     index,
				Total:     total,
			})
		},
	}

	res, err := s.gen.Generate(ctx, pipeline.Request{
		ChapterID: req.ChapterID,
		Text:      req.Text,
		Voice:     req.Voice,
		Speed:     req.Speed,
	}, hooks)
	if err != nil {
		state := protocol.StateFailed
		if errors.Is(err, pipeline.ErrCancelled) {
			state = protocol.StateCancelled
		} else if !errors.Is(err, pipeline.ErrInvalidRequest) {
			s.capture(req, err)
		}
		s.publish(protocol.SubjectGenerateStatus, s.status(req, state, pipeline.FailureMessage(err), nil))
		return
	}
	s.publish(protocol.SubjectGenerateStatus, s.status(req, protocol.StateCompleted, "", func(st *protocol.GenerationStatus) {
		st.JobID = res.Job.ID
		st.TotalChunks = res.Job.TotalChunks
		st.TotalDuration = res.Job.TotalDurationSeconds
	}))
}

// register claims the chapter and counts the generation in wg.
func (s *Service) register(req protocol.GenerateRequest, cancel context.CancelFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return ErrShuttingDown
	}
	if _, busy := s.live[req.ChapterID]; busy {
		return ErrAlreadyRunning
	}
	s.live[req.ChapterID] = generation{requestID: req.RequestID, cancel: cancel}
	s.wg.Add(1)
	return nil
}

func (s *Service) unregister(chapterID string) {
	s.mu.Lock()
	delete(s.live, chapterID)
	s.mu.Unlock()
}

func (s *Service) status(req protocol.GenerateRequest, state protocol.GenerationState, message string, fill func(*protocol.GenerationStatus)) protocol.GenerationStatus {
	st := protocol.GenerationStatus{
		RequestID: req.RequestID,
		ChapterID: req.ChapterID,
		State:     state,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
	if fill != nil {
		fill(&st)
	}
	return st
}

// reply answers a request-reply caller and broadcasts st on the status subject.
func (s *Service) reply(msg *nats.Msg, st protocol.GenerationStatus) {
	if msg.Reply != "" {
		data, err := json.Marshal(st)
		if err == nil {
			err = msg.Respond(data)
		}
		if err != nil {
			s.logger.Warn("failed to respond to generate request", slogError(err))
		}
	}
	s.publish(protocol.SubjectGenerateStatus, st)
}

func (s *Service) publish(subject string, v any) {
	if err := s.bus.PublishJSON(subject, v); err != nil {
		s.logger.Warn("failed to publish", slog.String("subject", subject), slogError(err))
	}
}

func (s *Service) capture(req protocol.GenerateRequest, err error) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("chapter_id", req.ChapterID)
		scope.SetTag("voice", req.Voice)
		scope.SetExtra("request_id", req.RequestID)
		sentry.CaptureException(err)
	})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
