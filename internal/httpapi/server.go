// Package httpapi exposes stored narration jobs and live generation progress
// over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/loqalabs/loqa-narrator/internal/chunkstore"
	"github.com/loqalabs/loqa-narrator/internal/playback"
	"github.com/loqalabs/loqa-narrator/internal/sentence"
	"github.com/nats-io/nats.go"
)

// Store is the read side of the chunk store.
type Store interface {
	GetJob(ctx context.Context, jobID string) (chunkstore.Job, error)
	FindJob(ctx context.Context, chapterID, voice string, speed float64) (chunkstore.Job, error)
	ReadChunksInRange(ctx context.Context, jobID string, start, end int) ([]chunkstore.Chunk, error)
	ReadSentences(ctx context.Context, jobID string) ([]sentence.Metadata, error)
}

// Subscriber is the bus surface the progress relay needs.
type Subscriber interface {
	ChanSubscribe(subject string, ch chan *nats.Msg) (*nats.Subscription, error)
	Flush() error
}

type Server struct {
	store        Store
	bus          Subscriber
	stream       http.Handler
	defaultVoice string
	log          *slog.Logger
}

// New builds the API. bus and stream may be nil, which disables the
// progress relay and the synthesis stream endpoint.
func New(store Store, bus Subscriber, stream http.Handler, defaultVoice string, log *slog.Logger) *Server {
	return &Server{
		store:        store,
		bus:          bus,
		stream:       stream,
		defaultVoice: defaultVoice,
		log:          log.With(slog.String("component", "httpapi")),
	}
}

// Register mounts the API routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.Handle("GET /v1/jobs/{id}", withSentryRecovery(http.HandlerFunc(s.handleJob)))
	mux.Handle("GET /v1/jobs/{id}/sentences", withSentryRecovery(http.HandlerFunc(s.handleSentences)))
	mux.Handle("GET /v1/jobs/{id}/chunks/{index}", withSentryRecovery(http.HandlerFunc(s.handleChunk)))
	mux.Handle("GET /v1/chapters/{chapter}/job", withSentryRecovery(http.HandlerFunc(s.handleChapterJob)))
	mux.Handle("GET /v1/ws/progress", http.HandlerFunc(s.handleProgress))
	if s.stream != nil {
		mux.Handle("POST /v1/synthesize/stream", withSentryRecovery(s.stream))
	}
}

type jobResponse struct {
	ID                   string    `json:"id"`
	ChapterID            string    `json:"chapter_id"`
	Voice                string    `json:"voice"`
	Speed                float64   `json:"speed"`
	TotalChunks          int       `json:"total_chunks"`
	ChunksComplete       int       `json:"chunks_complete"`
	IsComplete           bool      `json:"is_complete"`
	TotalDurationSeconds float64   `json:"total_duration_seconds"`
	TotalSizeBytes       int64     `json:"total_size_bytes"`
	IsProgressive        bool      `json:"is_progressive"`
	CreatedAt            time.Time `json:"created_at"`
}

func toJobResponse(j chunkstore.Job) jobResponse {
	return jobResponse{
		ID:                   j.ID,
		ChapterID:            j.ChapterID,
		Voice:                j.Voice,
		Speed:                j.Speed,
		TotalChunks:          j.TotalChunks,
		ChunksComplete:       j.ChunksComplete,
		IsComplete:           j.IsComplete,
		TotalDurationSeconds: j.TotalDurationSeconds,
		TotalSizeBytes:       j.TotalSizeBytes,
		IsProgressive:        j.IsProgressive,
		CreatedAt:            j.CreatedAt,
	}
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, r, err, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (s *Server) handleSentences(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ReadSentences(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, r, err, "no sentence data for job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sentences": list})
}

func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil || index < 0 {
		writeError(w, http.StatusBadRequest, "invalid chunk index")
		return
	}
	chunks, err := s.store.ReadChunksInRange(r.Context(), r.PathValue("id"), index, index+1)
	if err != nil {
		s.writeStoreError(w, r, err, "chunk not found")
		return
	}
	if len(chunks) == 0 {
		writeError(w, http.StatusNotFound, "chunk not found")
		return
	}
	c := chunks[0]
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.Itoa(len(c.Audio)))
	w.Header().Set("X-Chunk-Start-Seconds", strconv.FormatFloat(c.StartTimeSeconds, 'f', -1, 64))
	w.Header().Set("X-Chunk-Duration-Seconds", strconv.FormatFloat(c.DurationSeconds, 'f', -1, 64))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(c.Audio)
}

func (s *Server) handleChapterJob(w http.ResponseWriter, r *http.Request) {
	voice := r.URL.Query().Get("voice")
	if voice == "" {
		voice = s.defaultVoice
	}
	speed := 1.0
	if raw := r.URL.Query().Get("speed"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid speed")
			return
		}
		speed = v
	}
	job, err := s.store.FindJob(r.Context(), r.PathValue("chapter"), voice, speed)
	if err != nil {
		s.writeStoreError(w, r, err, playback.ErrNoAudio.Error())
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error, notFound string) {
	if errors.Is(err, chunkstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, notFound)
		return
	}
	s.log.Error("store read failed", slog.String("path", r.URL.Path), slogError(err))
	captureError(r, err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), err)
				hub.Flush(2 * time.Second)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, req)
	})
}

func captureError(req *http.Request, err error) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetRequest(req)
		sentry.CaptureException(err)
	})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
