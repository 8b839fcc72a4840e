package protocol

import "time"

// GenerateRequest asks the narration service to synthesize a chapter.
type GenerateRequest struct {
	RequestID string  `json:"request_id"`
	ChapterID string  `json:"chapter_id"`
	Text      string  `json:"text"`
	Voice     string  `json:"voice"`
	Speed     float64 `json:"speed"`
}

// CancelRequest stops the live generation of a chapter.
type CancelRequest struct {
	ChapterID string `json:"chapter_id"`
}

// Progress reports generation progress of a chapter.
type Progress struct {
	RequestID string    `json:"request_id"`
	ChapterID string    `json:"chapter_id"`
	JobID     string    `json:"job_id,omitempty"`
	Percent   float64   `json:"percent"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ChunkReady announces that chunk Index of a job is persisted and playable.
type ChunkReady struct {
	ChapterID string `json:"chapter_id"`
	JobID     string `json:"job_id"`
	Index     int    `json:"index"`
	Total     int    `json:"total"`
}

type GenerationState string

const (
	StateStarted   GenerationState = "started"
	StateCompleted GenerationState = "completed"
	StateFailed    GenerationState = "failed"
	StateCancelled GenerationState = "cancelled"
)

// GenerationStatus is the terminal (or starting) state of a request.
type GenerationStatus struct {
	RequestID     string          `json:"request_id"`
	ChapterID     string          `json:"chapter_id"`
	JobID         string          `json:"job_id,omitempty"`
	State         GenerationState `json:"state"`
	Message       string          `json:"message,omitempty"`
	Reused        bool            `json:"reused,omitempty"`
	TotalChunks   int             `json:"total_chunks,omitempty"`
	TotalDuration float64         `json:"total_duration_seconds,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

const (
	SubjectGenerateRequest  = "narration.generate.request"
	SubjectGenerateCancel   = "narration.generate.cancel"
	SubjectGenerateProgress = "narration.generate.progress"
	SubjectGenerateStatus   = "narration.generate.status"
	SubjectChunkReady       = "narration.chunk.ready"
)
