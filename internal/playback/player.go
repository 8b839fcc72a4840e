// Package playback plays a stored narration job gaplessly, including jobs
// whose chunks are still being generated.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/loqalabs/loqa-narrator/internal/chunkstore"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/sentence"
	"github.com/loqalabs/loqa-narrator/internal/sentencesync"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrNoAudio         = errors.New("no audio for this chapter")
	ErrSeekUnsupported = errors.New("seek and speed changes are not supported during progressive playback")
	ErrClosed          = errors.New("player closed")
)

const (
	MinSpeed = 0.25
	MaxSpeed = 4.0
)

type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StatePlaying State = "playing"
	StatePaused  State = "paused"
	StateEnded   State = "ended"
	StateError   State = "error"
)

// Source is the chunk store as seen by a player.
type Source interface {
	GetJob(ctx context.Context, jobID string) (chunkstore.Job, error)
	ReadTimeline(ctx context.Context, jobID string, start int) ([]chunkstore.Chunk, error)
	ReadChunksInRange(ctx context.Context, jobID string, start, end int) ([]chunkstore.Chunk, error)
	ReadSentences(ctx context.Context, jobID string) ([]sentence.Metadata, error)
}

type Options struct {
	PollInterval time.Duration
	SyncInterval time.Duration
	CacheWindow  int
	Prefetch     int
}

func OptionsFromConfig(cfg config.PlaybackConfig) Options {
	return Options{
		PollInterval: time.Duration(cfg.PollIntervalMS) * time.Millisecond,
		SyncInterval: time.Duration(cfg.SyncIntervalMS) * time.Millisecond,
		CacheWindow:  cfg.CacheWindow,
		Prefetch:     cfg.Prefetch,
	}
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.SyncInterval < sentencesync.MinInterval {
		o.SyncInterval = sentencesync.MinInterval
	}
	if o.Prefetch <= 0 {
		o.Prefetch = 2
	}
	if o.CacheWindow < o.Prefetch+2 {
		o.CacheWindow = o.Prefetch + 2
	}
	return o
}

// Callbacks observe a session. They run on the player goroutine and must not
// call back into the Player.
type Callbacks struct {
	OnChunkLoaded func(index, total int)
	OnEnded       func()
	OnError       func(message string)
	OnSentence    func(index int, meta sentence.Metadata)
	OnStateChange func(state State)
}

// Capabilities are fixed when the job is loaded.
type Capabilities struct {
	SupportsSeek bool
}

// Status is a snapshot of a session.
type Status struct {
	JobID        string
	State        State
	Position     float64
	Duration     float64
	Speed        float64
	Current      int
	Available    int
	Total        int
	Generating   bool
	Sentence     int
	Cached       []int
	Capabilities Capabilities
}

func (s Status) Playing() bool {
	return s.State == StatePlaying
}

// Player is one playback session over one job. All state is owned by a single
// goroutine fed by a queue of events.
type Player struct {
	src    Source
	out    audio.Output
	opts   Options
	cb     Callbacks
	log    *slog.Logger
	events chan event
	quit   chan struct{}
	done   chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error

	evictions metric.Int64Counter

	session
}

// Open loads jobID and returns a paused player. A missing job, or a finished
// job without chunks, fails with ErrNoAudio.
func Open(ctx context.Context, src Source, out audio.Output, jobID string, opts Options, cb Callbacks, log *slog.Logger) (*Player, error) {
	p := newPlayer(src, out, opts, cb, log)
	go p.run()
	if err := p.send(ctx, event{kind: evLoad, jobID: jobID}); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

func newPlayer(src Source, out audio.Output, opts Options, cb Callbacks, log *slog.Logger) *Player {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Player{
		src:    src,
		out:    out,
		opts:   opts.withDefaults(),
		cb:     cb,
		log:    log.With(slog.String("component", "playback")),
		events: make(chan event, 64),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	p.session = newSession()
	p.tracker = sentencesync.New(nil, p.opts.SyncInterval, p.sentenceChanged)
	var err error
	p.evictions, err = otel.Meter("github.com/loqalabs/loqa-narrator/playback").Int64Counter(
		"loqa.playback.cache_evictions", metric.WithDescription("Decoded chunk buffers evicted from the playback cache"))
	if err != nil {
		p.log.Warn("failed to initialize metrics", slogError(err))
	}
	return p
}

func (p *Player) Play() error {
	return p.send(context.Background(), event{kind: evPlay})
}

func (p *Player) Pause() error {
	return p.send(context.Background(), event{kind: evPause})
}

// Seek moves playback to seconds. Progressive sessions return ErrSeekUnsupported.
func (p *Player) Seek(seconds float64) error {
	return p.send(context.Background(), event{kind: evSeek, value: seconds})
}

// SetSpeed changes the playback rate. Progressive sessions return ErrSeekUnsupported.
func (p *Player) SetSpeed(rate float64) error {
	return p.send(context.Background(), event{kind: evSpeed, value: rate})
}

// Refresh polls the store immediately instead of waiting for the next tick.
func (p *Player) Refresh() error {
	return p.send(context.Background(), event{kind: evRefresh})
}

func (p *Player) Status() Status {
	reply := make(chan Status, 1)
	select {
	case p.events <- event{kind: evStatus, status: reply}:
	case <-p.done:
		return Status{State: StateIdle}
	}
	select {
	case st := <-reply:
		return st
	case <-p.done:
		return Status{State: StateIdle}
	}
}

// Close stops every scheduled buffer and releases the output. It is safe to
// call more than once.
func (p *Player) Close() error {
	p.closeOnce.Do(func() {
		close(p.quit)
		<-p.done
		p.cancel()
		p.closeErr = p.out.Close()
	})
	return p.closeErr
}

func (p *Player) send(ctx context.Context, evt event) error {
	evt.reply = make(chan error, 1)
	select {
	case p.events <- evt:
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-evt.reply:
		return err
	case <-p.done:
		return ErrClosed
	}
}

// post queues an event from an output callback without waiting for it.
func (p *Player) post(evt event) {
	select {
	case p.events <- evt:
	case <-p.done:
	}
}

func (p *Player) run() {
	defer close(p.done)
	poll := time.NewTicker(p.opts.PollInterval)
	defer poll.Stop()
	tick := time.NewTicker(p.opts.SyncInterval)
	defer tick.Stop()

	for {
		select {
		case <-p.quit:
			p.teardown()
			return
		case <-poll.C:
			if p.generating && p.jobID != "" {
				p.poll()
			}
		case now := <-tick.C:
			if p.state == StatePlaying {
				p.tracker.Tick(now, p.position(), true)
			}
		case evt := <-p.events:
			err := p.reduce(evt)
			if evt.reply != nil {
				evt.reply <- err
			}
		}
	}
}

func (p *Player) reduce(evt event) error {
	switch evt.kind {
	case evLoad:
		return p.load(evt.jobID)
	case evPlay:
		return p.play()
	case evPause:
		p.pause()
		return nil
	case evSeek:
		return p.seek(evt.value)
	case evSpeed:
		return p.setSpeed(evt.value)
	case evRefresh:
		if p.jobID == "" {
			return ErrNoAudio
		}
		p.poll()
		return nil
	case evEnded:
		p.ended(evt.index, evt.epoch)
		return nil
	case evStatus:
		evt.status <- p.snapshot()
		return nil
	default:
		return fmt.Errorf("unknown player event %d", evt.kind)
	}
}

func (p *Player) snapshot() Status {
	cached := make([]int, 0, len(p.cache))
	for i := range p.cache {
		cached = append(cached, i)
	}
	sort.Ints(cached)
	return Status{
		JobID:        p.jobID,
		State:        p.state,
		Position:     p.position(),
		Duration:     p.duration(),
		Speed:        p.speed,
		Current:      p.current,
		Available:    len(p.timeline),
		Total:        p.job.TotalChunks,
		Generating:   p.generating,
		Sentence:     p.tracker.Current(),
		Cached:       cached,
		Capabilities: p.caps,
	}
}

func (p *Player) teardown() {
	p.unscheduleAll()
	p.tracker.Stop()
}

func (p *Player) setState(s State) {
	if p.state == s {
		return
	}
	p.state = s
	if p.cb.OnStateChange != nil {
		p.cb.OnStateChange(s)
	}
}

func (p *Player) sentenceChanged(index int, meta sentence.Metadata) {
	if p.cb.OnSentence != nil {
		p.cb.OnSentence(index, meta)
	}
}

// Message renders a playback error for users.
func Message(err error) string {
	switch {
	case errors.Is(err, ErrNoAudio):
		return ErrNoAudio.Error()
	case errors.Is(err, ErrSeekUnsupported):
		return ErrSeekUnsupported.Error()
	default:
		return "playback failed: " + err.Error()
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
