package audio

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrOutputClosed is returned when starting a segment on a released output.
var ErrOutputClosed = errors.New("audio output closed")

// Segment is one scheduled playback of a buffer. At is the output clock time
// playback begins, Offset the position inside the buffer it begins from and
// Duration the declared length of the buffer. Rate scales playback speed.
type Segment struct {
	Buffer   *Buffer
	At       float64
	Offset   float64
	Duration float64
	Rate     float64
}

// End is the output clock time at which the segment finishes.
func (s Segment) End() float64 {
	rate := s.Rate
	if rate <= 0 {
		rate = 1
	}
	return s.At + (s.Duration-s.Offset)/rate
}

// Voice is a started segment that can be stopped before it ends.
type Voice interface {
	Stop()
}

// Output is the audio clock and sink. onEnded fires only when a segment plays
// to its end, never after Stop.
type Output interface {
	Now() float64
	Start(seg Segment, onEnded func()) (Voice, error)
	Close() error
}

// RealtimeOutput is a headless sink timed by the wall clock.
type RealtimeOutput struct {
	epoch  time.Time
	mu     sync.Mutex
	voices map[*timerVoice]struct{}
	closed bool
}

func NewRealtimeOutput() *RealtimeOutput {
	return &RealtimeOutput{epoch: time.Now(), voices: make(map[*timerVoice]struct{})}
}

func (o *RealtimeOutput) Now() float64 {
	return time.Since(o.epoch).Seconds()
}

type timerVoice struct {
	out   *RealtimeOutput
	timer *time.Timer
	once  sync.Once
}

func (v *timerVoice) Stop() {
	v.once.Do(func() {
		v.timer.Stop()
		v.out.forget(v)
	})
}

func (o *RealtimeOutput) forget(v *timerVoice) {
	o.mu.Lock()
	delete(o.voices, v)
	o.mu.Unlock()
}

func (o *RealtimeOutput) Start(seg Segment, onEnded func()) (Voice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, ErrOutputClosed
	}
	wait := seg.End() - o.Now()
	if wait < 0 {
		wait = 0
	}
	v := &timerVoice{out: o}
	v.timer = time.AfterFunc(time.Duration(wait*float64(time.Second)), func() {
		fired := false
		v.once.Do(func() {
			o.forget(v)
			fired = true
		})
		if fired && onEnded != nil {
			onEnded()
		}
	})
	o.voices[v] = struct{}{}
	return v, nil
}

func (o *RealtimeOutput) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	voices := make([]*timerVoice, 0, len(o.voices))
	for v := range o.voices {
		voices = append(voices, v)
	}
	o.mu.Unlock()
	for _, v := range voices {
		v.Stop()
	}
	return nil
}

// VirtualOutput is a manually advanced clock. Segments end when Advance moves
// the clock past their end time.
type VirtualOutput struct {
	mu      sync.Mutex
	now     float64
	voices  []*virtualVoice
	started []Segment
	closes  int
}

type virtualVoice struct {
	seg     Segment
	onEnded func()
	stopped bool
	fired   bool
	out     *VirtualOutput
}

func (v *virtualVoice) Stop() {
	v.out.mu.Lock()
	v.stopped = true
	v.out.mu.Unlock()
}

func NewVirtualOutput() *VirtualOutput {
	return &VirtualOutput{}
}

func (o *VirtualOutput) Now() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

func (o *VirtualOutput) Start(seg Segment, onEnded func()) (Voice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closes > 0 {
		return nil, ErrOutputClosed
	}
	v := &virtualVoice{seg: seg, onEnded: onEnded, out: o}
	o.voices = append(o.voices, v)
	o.started = append(o.started, seg)
	return v, nil
}

// Advance moves the clock forward and fires onEnded for every segment that
// finished, in end-time order.
func (o *VirtualOutput) Advance(seconds float64) {
	o.mu.Lock()
	o.now += seconds
	var due []*virtualVoice
	for _, v := range o.voices {
		if !v.stopped && !v.fired && v.seg.End() <= o.now+1e-9 {
			v.fired = true
			due = append(due, v)
		}
	}
	o.mu.Unlock()
	sort.SliceStable(due, func(i, j int) bool { return due[i].seg.End() < due[j].seg.End() })
	for _, v := range due {
		if v.onEnded != nil {
			v.onEnded()
		}
	}
}

// Started returns every segment started so far.
func (o *VirtualOutput) Started() []Segment {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Segment(nil), o.started...)
}

// Active counts started segments that are neither stopped nor finished.
func (o *VirtualOutput) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, v := range o.voices {
		if !v.stopped && !v.fired {
			n++
		}
	}
	return n
}

// Closes reports how many times Close was called.
func (o *VirtualOutput) Closes() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closes
}

func (o *VirtualOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closes++
	for _, v := range o.voices {
		v.stopped = true
	}
	return nil
}
