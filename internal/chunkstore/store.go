package chunkstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/sentence"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a job or its sentence data does not exist.
var ErrNotFound = errors.New("not found")

// Job is the synthesis job row for one (chapter, voice, speed).
type Job struct {
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

// Chunk is one persisted unit of synthesized audio.
type Chunk struct {
	JobID            string  `json:"job_id"`
	Index            int     `json:"chunk_index"`
	Audio            []byte  `json:"-"`
	DurationSeconds  float64 `json:"duration_seconds"`
	TextCharStart    int     `json:"text_char_start"`
	TextCharEnd      int     `json:"text_char_end"`
	StartTimeSeconds float64 `json:"start_time_seconds"`
}

// Store wraps a SQLite-backed job/chunk/sentence store.
type Store struct {
	db    *sql.DB
	cfg   config.StoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to config.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
	var dsn string
	if cfg.Mode == "memory" {
		dsn = fmt.Sprintf("file:narration-%s?mode=memory&_pragma=foreign_keys(ON)", uuid.NewString())
	} else {
		dir := filepath.Dir(cfg.Path)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if cfg.Mode == "memory" {
		// an in-memory database lives and dies with its single connection
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart && cfg.Mode != "memory" {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if cfg.AbandonAfterMinutes > 0 {
		n, err := s.PruneAbandoned(ctx, time.Duration(cfg.AbandonAfterMinutes)*time.Minute)
		if err != nil {
			log.Warn("store prune on start failed", slog.String("error", err.Error()))
		} else if n > 0 {
			log.Info("pruned abandoned jobs", slog.Int64("count", n))
		}
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS jobs (
    id TEXT PRIMARY KEY,
    chapter_id TEXT NOT NULL,
    voice TEXT NOT NULL,
    speed REAL NOT NULL,
    total_chunks INTEGER NOT NULL DEFAULT 0,
    chunks_complete INTEGER NOT NULL DEFAULT 0,
    is_complete INTEGER NOT NULL DEFAULT 0,
    total_duration_seconds REAL NOT NULL DEFAULT 0,
    total_size_bytes INTEGER NOT NULL DEFAULT 0,
    is_progressive INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_chapter ON jobs(chapter_id, voice, speed);
CREATE TABLE IF NOT EXISTS chunks (
    job_id TEXT NOT NULL,
    chunk_index INTEGER NOT NULL,
    audio BLOB NOT NULL,
    duration_seconds REAL NOT NULL,
    text_char_start INTEGER NOT NULL,
    text_char_end INTEGER NOT NULL,
    start_time_seconds REAL NOT NULL,
    PRIMARY KEY(job_id, chunk_index),
    FOREIGN KEY(job_id) REFERENCES jobs(id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS sentences (
    job_id TEXT PRIMARY KEY,
    data BLOB NOT NULL,
    FOREIGN KEY(job_id) REFERENCES jobs(id) ON DELETE CASCADE
);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateJob inserts a new incomplete job. ID and CreatedAt are filled in when empty.
func (s *Store) CreateJob(ctx context.Context, job Job) (Job, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.clock().UTC()
	}
	job.ChunksComplete = 0
	job.IsComplete = false
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(id, chapter_id, voice, speed, total_chunks, chunks_complete, is_complete, is_progressive, created_at)
		 VALUES(?, ?, ?, ?, ?, 0, 0, ?, ?)`,
		job.ID, job.ChapterID, job.Voice, job.Speed, job.TotalChunks, job.IsProgressive, job.CreatedAt)
	if err != nil {
		return Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// AppendChunk writes a chunk and advances the job's progress in one transaction.
// The chunk index must equal the job's current chunks_complete.
func (s *Store) AppendChunk(ctx context.Context, c Chunk, totalChunks int) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var complete int
	if err = tx.QueryRowContext(ctx, `SELECT chunks_complete FROM jobs WHERE id = ?`, c.JobID).Scan(&complete); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = fmt.Errorf("job %s: %w", c.JobID, ErrNotFound)
		}
		return err
	}
	if complete != c.Index {
		err = fmt.Errorf("chunk %d appended after %d complete chunks", c.Index, complete)
		return err
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO chunks(job_id, chunk_index, audio, duration_seconds, text_char_start, text_char_end, start_time_seconds)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		c.JobID, c.Index, c.Audio, c.DurationSeconds, c.TextCharStart, c.TextCharEnd, c.StartTimeSeconds); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx,
		`UPDATE jobs SET chunks_complete = ?, total_chunks = MAX(total_chunks, ?, ?) WHERE id = ?`,
		c.Index+1, totalChunks, c.Index+1, c.JobID); err != nil {
		return err
	}
	err = tx.Commit()
	return err
}

// FinalizeJob marks the job complete. It fails unless every declared chunk is stored.
func (s *Store) FinalizeJob(ctx context.Context, jobID string, durationSeconds float64, sizeBytes int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET is_complete = 1, total_chunks = chunks_complete, total_duration_seconds = ?, total_size_bytes = ?
		 WHERE id = ? AND is_complete = 0 AND chunks_complete = total_chunks AND chunks_complete > 0`,
		durationSeconds, sizeBytes, jobID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("finalize job %s: not found, already complete or missing chunks", jobID)
	}
	return nil
}

// GetJob loads a job by id.
func (s *Store) GetJob(ctx context.Context, jobID string) (Job, error) {
	row := s.db.QueryRowContext(ctx, selectJob+` WHERE id = ?`, jobID)
	return scanJob(row)
}

// FindJob returns the newest job for chapter, voice and speed.
func (s *Store) FindJob(ctx context.Context, chapterID, voice string, speed float64) (Job, error) {
	row := s.db.QueryRowContext(ctx,
		selectJob+` WHERE chapter_id = ? AND voice = ? AND speed = ? ORDER BY created_at DESC LIMIT 1`,
		chapterID, voice, speed)
	return scanJob(row)
}

const selectJob = `SELECT id, chapter_id, voice, speed, total_chunks, chunks_complete, is_complete,
	total_duration_seconds, total_size_bytes, is_progressive, created_at FROM jobs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var j Job
	var created any
	err := row.Scan(&j.ID, &j.ChapterID, &j.Voice, &j.Speed, &j.TotalChunks, &j.ChunksComplete, &j.IsComplete,
		&j.TotalDurationSeconds, &j.TotalSizeBytes, &j.IsProgressive, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, ErrNotFound
		}
		return Job{}, err
	}
	j.CreatedAt = parseTime(created)
	return j, nil
}

func parseTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05.999999999 -0700 MST"} {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts
			}
		}
	}
	return time.Time{}
}

// ReadChunks returns every chunk of a job ordered by index.
func (s *Store) ReadChunks(ctx context.Context, jobID string) ([]Chunk, error) {
	return s.queryChunks(ctx,
		`SELECT job_id, chunk_index, audio, duration_seconds, text_char_start, text_char_end, start_time_seconds
		 FROM chunks WHERE job_id = ? ORDER BY chunk_index ASC`, jobID)
}

// ReadChunksInRange returns chunks with start <= index < end ordered by index.
func (s *Store) ReadChunksInRange(ctx context.Context, jobID string, start, end int) ([]Chunk, error) {
	return s.queryChunks(ctx,
		`SELECT job_id, chunk_index, audio, duration_seconds, text_char_start, text_char_end, start_time_seconds
		 FROM chunks WHERE job_id = ? AND chunk_index >= ? AND chunk_index < ? ORDER BY chunk_index ASC`,
		jobID, start, end)
}

// ReadTimeline returns the chunks of a job from index start on, without audio.
func (s *Store) ReadTimeline(ctx context.Context, jobID string, start int) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, chunk_index, duration_seconds, text_char_start, text_char_end, start_time_seconds
		 FROM chunks WHERE job_id = ? AND chunk_index >= ? ORDER BY chunk_index ASC`, jobID, start)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.JobID, &c.Index, &c.DurationSeconds, &c.TextCharStart, &c.TextCharEnd, &c.StartTimeSeconds); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func (s *Store) queryChunks(ctx context.Context, query string, args ...any) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.JobID, &c.Index, &c.Audio, &c.DurationSeconds, &c.TextCharStart, &c.TextCharEnd, &c.StartTimeSeconds); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// DeleteJob removes a job; chunks and sentence data cascade.
func (s *Store) DeleteJob(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, jobID)
	return err
}

// WriteSentences stores the sentence timing list for a job, replacing any previous one.
func (s *Store) WriteSentences(ctx context.Context, jobID string, list []sentence.Metadata) error {
	data, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("encode sentences: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sentences(job_id, data) VALUES(?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET data=excluded.data`, jobID, data)
	return err
}

// ReadSentences loads the sentence timing list of a job.
func (s *Store) ReadSentences(ctx context.Context, jobID string) ([]sentence.Metadata, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM sentences WHERE job_id = ?`, jobID).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var list []sentence.Metadata
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("decode sentences: %w", err)
	}
	return list, nil
}

// PruneAbandoned deletes incomplete jobs created before now-age. These are
// leftovers of attempts that never reached cleanup, e.g. after a crash.
func (s *Store) PruneAbandoned(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := s.clock().Add(-age).UTC()
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE is_complete = 0 AND created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountJobs reports the number of job rows, complete or not.
func (s *Store) CountJobs(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&n)
	return n, err
}

// CountChunks reports the number of chunk rows across all jobs.
func (s *Store) CountChunks(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&n)
	return n, err
}
