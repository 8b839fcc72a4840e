package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/loqalabs/loqa-narrator/internal/chunkstore"
	"github.com/loqalabs/loqa-narrator/internal/sentencesync"
)

type eventKind int

const (
	evLoad eventKind = iota
	evPlay
	evPause
	evSeek
	evSpeed
	evRefresh
	evEnded
	evStatus
)

type event struct {
	kind   eventKind
	jobID  string
	value  float64
	index  int
	epoch  int
	reply  chan error
	status chan Status
}

// session is the state mutated by the player goroutine only.
type session struct {
	jobID      string
	job        chunkstore.Job
	caps       Capabilities
	state      State
	err        error
	generating bool

	// timeline holds chunk metadata for every available index; audio is
	// decoded into cache only around the playing index.
	timeline  []chunkstore.Chunk
	cache     map[int]*audio.Buffer
	scheduled map[int]audio.Voice
	current   int
	lastEnded int

	// Output clock time of chapter position zero at the current speed.
	origin   float64
	anchored bool
	paused   float64
	speed    float64
	// epoch invalidates end notifications of unscheduled buffers.
	epoch int

	tracker *sentencesync.Synchronizer
}

func newSession() session {
	return session{
		state:     StateIdle,
		cache:     make(map[int]*audio.Buffer),
		scheduled: make(map[int]audio.Voice),
		lastEnded: -1,
		speed:     1,
	}
}

func (p *Player) load(jobID string) error {
	if p.jobID != "" {
		return fmt.Errorf("player already loaded job %s", p.jobID)
	}
	p.setState(StateLoading)
	job, err := p.src.GetJob(p.ctx, jobID)
	if errors.Is(err, chunkstore.ErrNotFound) {
		err = ErrNoAudio
	}
	if err != nil {
		return p.fail(fmt.Errorf("load job %s: %w", jobID, err))
	}
	p.jobID = jobID
	p.job = job
	p.generating = !job.IsComplete
	p.caps = Capabilities{SupportsSeek: job.IsComplete}

	if err := p.extendTimeline(); err != nil {
		return p.fail(err)
	}
	if job.IsComplete {
		if len(p.timeline) == 0 {
			return p.fail(fmt.Errorf("load job %s: %w", jobID, ErrNoAudio))
		}
		p.loadSentences()
	}
	if err := p.fill(); err != nil {
		return p.fail(err)
	}
	p.setState(StatePaused)
	p.log.Info("job loaded",
		slog.String("job_id", jobID),
		slog.Int("available", len(p.timeline)),
		slog.Int("total", job.TotalChunks),
		slog.Bool("progressive", p.generating))
	return nil
}

func (p *Player) play() error {
	switch p.state {
	case StatePlaying:
		return nil
	case StateIdle, StateLoading:
		return ErrNoAudio
	case StateError:
		return p.err
	case StateEnded:
		p.current = 0
		p.lastEnded = -1
		p.paused = 0
	}
	if err := p.fill(); err != nil {
		return p.interrupt(err)
	}
	p.anchored = false
	p.setState(StatePlaying)
	if err := p.schedule(); err != nil {
		return p.interrupt(err)
	}
	p.tracker.Tick(time.Now(), p.position(), true)
	return nil
}

func (p *Player) pause() {
	if p.state != StatePlaying {
		return
	}
	p.paused = p.position()
	p.unscheduleAll()
	p.setState(StatePaused)
	p.tracker.Stop()
}

func (p *Player) seek(seconds float64) error {
	if !p.caps.SupportsSeek {
		return ErrSeekUnsupported
	}
	switch p.state {
	case StateIdle, StateLoading:
		return ErrNoAudio
	case StateError:
		return p.err
	}
	seconds = math.Max(0, math.Min(seconds, p.duration()))
	wasPlaying := p.state == StatePlaying
	p.unscheduleAll()
	p.paused = seconds
	p.current = p.chunkAt(seconds)
	p.lastEnded = p.current - 1
	if err := p.fill(); err != nil {
		return p.interrupt(err)
	}
	if !wasPlaying {
		if p.state == StateEnded {
			p.setState(StatePaused)
		}
		return nil
	}
	p.anchored = false
	if err := p.schedule(); err != nil {
		return p.interrupt(err)
	}
	return nil
}

func (p *Player) setSpeed(rate float64) error {
	if !p.caps.SupportsSeek {
		return ErrSeekUnsupported
	}
	if rate < MinSpeed || rate > MaxSpeed || math.IsNaN(rate) {
		return fmt.Errorf("speed %v outside [%v, %v]", rate, MinSpeed, MaxSpeed)
	}
	if p.state != StatePlaying {
		p.speed = rate
		return nil
	}
	p.paused = p.position()
	p.unscheduleAll()
	p.speed = rate
	p.anchored = false
	if err := p.schedule(); err != nil {
		return p.interrupt(err)
	}
	return nil
}

// poll picks up chunks and completion written since the last look.
func (p *Player) poll() {
	job, err := p.src.GetJob(p.ctx, p.jobID)
	if errors.Is(err, chunkstore.ErrNotFound) {
		p.generating = false
		_ = p.fail(fmt.Errorf("job %s removed during playback: %w", p.jobID, ErrNoAudio))
		return
	}
	if err != nil {
		p.log.Warn("poll failed", slog.String("job_id", p.jobID), slogError(err))
		return
	}
	p.job = job
	if err := p.extendTimeline(); err != nil {
		p.log.Warn("poll failed", slog.String("job_id", p.jobID), slogError(err))
		return
	}
	if job.IsComplete && p.generating {
		p.generating = false
		p.loadSentences()
		p.log.Info("generation finished", slog.String("job_id", p.jobID), slog.Int("chunks", job.TotalChunks))
	}

	switch p.state {
	case StatePlaying:
		if p.finished() {
			p.finish()
			return
		}
		if err := p.fill(); err != nil {
			_ = p.interrupt(err)
			return
		}
		if err := p.schedule(); err != nil {
			_ = p.interrupt(err)
		}
	case StatePaused:
		if err := p.fill(); err != nil {
			p.log.Warn("prefetch failed", slog.String("job_id", p.jobID), slogError(err))
		}
	}
}

// ended handles a buffer that played to its end.
func (p *Player) ended(index, epoch int) {
	if epoch != p.epoch || p.state != StatePlaying {
		return
	}
	delete(p.scheduled, index)
	if index > p.lastEnded {
		p.lastEnded = index
	}
	if index+1 > p.current {
		p.current = index + 1
	}
	if p.finished() {
		p.finish()
		return
	}
	if err := p.fill(); err != nil {
		_ = p.interrupt(err)
		return
	}
	if err := p.schedule(); err != nil {
		_ = p.interrupt(err)
	}
}

// finished reports whether the last chunk by index has played and no more
// chunks can arrive.
func (p *Player) finished() bool {
	return !p.generating && p.job.TotalChunks > 0 && p.lastEnded >= p.job.TotalChunks-1
}

func (p *Player) finish() {
	p.paused = p.duration()
	p.unscheduleAll()
	p.tracker.Stop()
	p.setState(StateEnded)
	p.log.Info("playback ended", slog.String("job_id", p.jobID))
	if p.cb.OnEnded != nil {
		p.cb.OnEnded()
	}
}

// schedule starts every decoded, not yet scheduled buffer in the window at
// its gapless position. A buffer whose start already passed begins mid-way.
func (p *Player) schedule() error {
	if p.state != StatePlaying {
		return nil
	}
	now := p.out.Now()
	if !p.anchored {
		if _, ok := p.cache[p.current]; !ok {
			return nil
		}
		p.origin = now - p.paused/p.speed
		p.anchored = true
	}
	last := min(p.current+p.opts.Prefetch, len(p.timeline)-1)
	for i := p.current; i <= last; i++ {
		if _, ok := p.scheduled[i]; ok {
			continue
		}
		buf, ok := p.cache[i]
		if !ok {
			continue
		}
		c := p.timeline[i]
		seg := audio.Segment{
			Buffer:   buf,
			At:       p.origin + c.StartTimeSeconds/p.speed,
			Duration: c.DurationSeconds,
			Rate:     p.speed,
		}
		if seg.At < now {
			seg.Offset = math.Min((now-seg.At)*p.speed, c.DurationSeconds)
			seg.At = now
		}
		index, epoch := i, p.epoch
		voice, err := p.out.Start(seg, func() {
			p.post(event{kind: evEnded, index: index, epoch: epoch})
		})
		if err != nil {
			return fmt.Errorf("start chunk %d: %w", i, err)
		}
		p.scheduled[i] = voice
	}
	return nil
}

func (p *Player) unscheduleAll() {
	for i, v := range p.scheduled {
		v.Stop()
		delete(p.scheduled, i)
	}
	p.epoch++
}

// fill decodes the playing chunk and the prefetch window after it.
func (p *Player) fill() error {
	p.evict()
	last := min(p.current+p.opts.Prefetch, len(p.timeline)-1)
	for i := p.current; i <= last; i++ {
		if _, ok := p.cache[i]; ok {
			continue
		}
		rows, err := p.src.ReadChunksInRange(p.ctx, p.jobID, i, i+1)
		if err != nil {
			return fmt.Errorf("read chunk %d: %w", i, err)
		}
		if len(rows) == 0 {
			return fmt.Errorf("chunk %d missing from store", i)
		}
		buf, err := audio.Decode(rows[0].Audio)
		if err != nil {
			return fmt.Errorf("decode chunk %d: %w", i, err)
		}
		buf.Index = i
		p.cache[i] = buf
	}
	return nil
}

// evict drops decoded buffers more than one behind the playing index or past
// the prefetch window, then enforces the cache bound.
func (p *Player) evict() {
	var n int64
	for i := range p.cache {
		if _, live := p.scheduled[i]; live {
			continue
		}
		if i < p.current-1 || i > p.current+p.opts.Prefetch {
			delete(p.cache, i)
			n++
		}
	}
	if len(p.cache) > p.opts.CacheWindow {
		keys := make([]int, 0, len(p.cache))
		for i := range p.cache {
			keys = append(keys, i)
		}
		sort.Ints(keys)
		for _, i := range keys[:len(keys)-p.opts.CacheWindow] {
			delete(p.cache, i)
			n++
		}
	}
	if n > 0 && p.evictions != nil {
		p.evictions.Add(p.ctx, n)
	}
}

func (p *Player) extendTimeline() error {
	rows, err := p.src.ReadTimeline(p.ctx, p.jobID, len(p.timeline))
	if err != nil {
		return fmt.Errorf("read timeline: %w", err)
	}
	for _, c := range rows {
		if c.Index != len(p.timeline) {
			break
		}
		p.timeline = append(p.timeline, c)
		if p.cb.OnChunkLoaded != nil {
			p.cb.OnChunkLoaded(c.Index, max(p.job.TotalChunks, len(p.timeline)))
		}
	}
	return nil
}

func (p *Player) loadSentences() {
	list, err := p.src.ReadSentences(p.ctx, p.jobID)
	if err != nil {
		if !errors.Is(err, chunkstore.ErrNotFound) {
			p.log.Warn("sentence data unavailable", slog.String("job_id", p.jobID), slogError(err))
		}
		return
	}
	p.tracker.SetSentences(list)
}

// position is the chapter time being heard.
func (p *Player) position() float64 {
	if p.state != StatePlaying || !p.anchored {
		return p.paused
	}
	pos := (p.out.Now() - p.origin) * p.speed
	return math.Max(0, math.Min(pos, p.duration()))
}

func (p *Player) duration() float64 {
	if p.job.IsComplete {
		return p.job.TotalDurationSeconds
	}
	if n := len(p.timeline); n > 0 {
		last := p.timeline[n-1]
		return last.StartTimeSeconds + last.DurationSeconds
	}
	return 0
}

// chunkAt is the index of the chunk playing at seconds.
func (p *Player) chunkAt(seconds float64) int {
	i := sort.Search(len(p.timeline), func(i int) bool {
		c := p.timeline[i]
		return c.StartTimeSeconds+c.DurationSeconds > seconds
	})
	return max(0, min(i, len(p.timeline)-1))
}

// fail moves the session to the error state. Only Close leaves it.
func (p *Player) fail(err error) error {
	p.paused = p.position()
	p.unscheduleAll()
	p.tracker.Stop()
	p.err = err
	p.setState(StateError)
	p.log.Error("playback failed", slog.String("job_id", p.jobID), slogError(err))
	if p.cb.OnError != nil {
		p.cb.OnError(Message(err))
	}
	return err
}

// interrupt pauses after a recoverable error such as an undecodable chunk.
func (p *Player) interrupt(err error) error {
	p.paused = p.position()
	p.unscheduleAll()
	p.tracker.Stop()
	p.setState(StatePaused)
	p.log.Warn("playback interrupted", slog.String("job_id", p.jobID), slogError(err))
	if p.cb.OnError != nil {
		p.cb.OnError(Message(err))
	}
	return err
}
