package clock

import (
	"errors"
	"math"
	"sync"
	"time"
)

const (
	MinBPM     = 20.0
	MaxBPM     = 300.0
	DefaultBPM = 120.0
	// FirstBeat is the timeline origin; beats are 1-based like bar/beat displays.
	FirstBeat = 1.0
)

var ErrInvalidBeat = errors.New("beat must be a finite number")

// ChangeKind identifies what a Change notification reports.
type ChangeKind int

const (
	Started ChangeKind = iota
	Paused
	Seeked
	TempoChanged
)

func (k ChangeKind) String() string {
	switch k {
	case Started:
		return "started"
	case Paused:
		return "paused"
	case Seeked:
		return "seeked"
	case TempoChanged:
		return "tempo"
	}
	return "unknown"
}

// Change is delivered to subscribers after every transport or tempo edit.
type Change struct {
	Kind ChangeKind
	Beat float64
	BPM  float64
}

// State is a consistent snapshot of the clock.
type State struct {
	BPM     float64
	Running bool
	Beat    float64
}

type Option func(*Clock)

// WithNow replaces the wall-clock source. Tests use it to step time by hand.
func WithNow(now func() time.Time) Option {
	return func(c *Clock) {
		c.now = now
	}
}

func WithTempo(bpm float64) Option {
	return func(c *Clock) {
		c.bpm = ClampBPM(bpm)
	}
}

func WithStartBeat(beat float64) Option {
	return func(c *Clock) {
		c.originBeat = math.Max(beat, FirstBeat)
	}
}

// Clock maps wall-clock time onto a musical beat position.
//
// The current beat is always computed from the absolute time elapsed since
// the last anchor (play, seek or tempo change), never accumulated per query,
// so polling frequency has no effect on accuracy.
type Clock struct {
	mu         sync.Mutex
	now        func() time.Time
	bpm        float64
	running    bool
	origin     time.Time
	originBeat float64

	subMu  sync.Mutex
	nextID int
	subs   map[int]func(Change)
}

func New(opts ...Option) *Clock {
	c := &Clock{
		now:        time.Now,
		bpm:        DefaultBPM,
		originBeat: FirstBeat,
		subs:       make(map[int]func(Change)),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.origin = c.now()
	return c
}

// ClampBPM limits a tempo to [MinBPM, MaxBPM]. NaN maps to DefaultBPM.
func ClampBPM(bpm float64) float64 {
	if math.IsNaN(bpm) {
		return DefaultBPM
	}
	return math.Min(math.Max(bpm, MinBPM), MaxBPM)
}

// beatAt must be called with mu held.
func (c *Clock) beatAt(t time.Time) float64 {
	if !c.running {
		return c.originBeat
	}
	elapsed := t.Sub(c.origin).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	return c.originBeat + elapsed*c.bpm/60
}

// CurrentBeat returns the playhead position.
func (c *Clock) CurrentBeat() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.beatAt(c.now())
}

func (c *Clock) BPM() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bpm
}

func (c *Clock) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Clock) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{BPM: c.bpm, Running: c.running, Beat: c.beatAt(c.now())}
}

// Play starts the clock from the current (frozen) beat. Playing an already
// running clock only re-anchors, which leaves the beat unchanged.
func (c *Clock) Play() {
	c.mu.Lock()
	now := c.now()
	c.originBeat = c.beatAt(now)
	c.origin = now
	c.running = true
	ch := Change{Kind: Started, Beat: c.originBeat, BPM: c.bpm}
	c.mu.Unlock()
	c.notify(ch)
}

// Pause freezes the beat at its current value.
func (c *Clock) Pause() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	now := c.now()
	c.originBeat = c.beatAt(now)
	c.origin = now
	c.running = false
	ch := Change{Kind: Paused, Beat: c.originBeat, BPM: c.bpm}
	c.mu.Unlock()
	c.notify(ch)
}

// Stop has the same effect on the clock as Pause: the beat stays where it is.
// Returning to the start is an explicit Seek.
func (c *Clock) Stop() {
	c.Pause()
}

// Seek jumps to beat regardless of running state. Beats before FirstBeat are
// clamped to it.
func (c *Clock) Seek(beat float64) error {
	if math.IsNaN(beat) || math.IsInf(beat, 0) {
		return ErrInvalidBeat
	}
	c.mu.Lock()
	c.originBeat = math.Max(beat, FirstBeat)
	c.origin = c.now()
	ch := Change{Kind: Seeked, Beat: c.originBeat, BPM: c.bpm}
	c.mu.Unlock()
	c.notify(ch)
	return nil
}

// SetTempo changes the tempo, clamped into range, and re-anchors at the
// current beat so the position is continuous across the edit. It returns
// the tempo actually applied.
func (c *Clock) SetTempo(bpm float64) float64 {
	bpm = ClampBPM(bpm)
	c.mu.Lock()
	now := c.now()
	c.originBeat = c.beatAt(now)
	c.origin = now
	changed := c.bpm != bpm
	c.bpm = bpm
	ch := Change{Kind: TempoChanged, Beat: c.originBeat, BPM: bpm}
	c.mu.Unlock()
	if changed {
		c.notify(ch)
	}
	return bpm
}

// BeatsToDuration converts a beat span to wall time at the current tempo.
func (c *Clock) BeatsToDuration(beats float64) time.Duration {
	return BeatsToDuration(beats, c.BPM())
}

func BeatsToDuration(beats, bpm float64) time.Duration {
	return time.Duration(beats * 60 / bpm * float64(time.Second))
}

func DurationToBeats(d time.Duration, bpm float64) float64 {
	return d.Seconds() * bpm / 60
}

// Subscribe registers fn for every subsequent Change. fn runs on the goroutine
// that made the change, after the clock lock is released. The returned cancel
// func is safe to call more than once.
func (c *Clock) Subscribe(fn func(Change)) (cancel func()) {
	c.subMu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	c.subMu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs, id)
			c.subMu.Unlock()
		})
	}
}

func (c *Clock) notify(ch Change) {
	c.subMu.Lock()
	fns := make([]func(Change), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subMu.Unlock()
	for _, fn := range fns {
		fn(ch)
	}
}
