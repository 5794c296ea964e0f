package beatmix

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cbegin/beatmix-go/internal/clock"
	"github.com/cbegin/beatmix-go/internal/content"
	"github.com/cbegin/beatmix-go/internal/mixer"
	"github.com/cbegin/beatmix-go/internal/scheduler"
	"github.com/cbegin/beatmix-go/internal/timeline"
)

var (
	ErrInvalidParameter   = timeline.ErrInvalidParameter
	ErrContentUnavailable = content.ErrContentUnavailable
	ErrClosed             = mixer.ErrClosed
)

const DefaultTickInterval = 10 * time.Millisecond

// EventKind identifies what an Event from Watch reports.
type EventKind int

const (
	EventVoiceStarted EventKind = iota
	EventVoiceStopped
	EventVoiceDisposed
	EventVoiceFailed
	EventTransport
)

func (k EventKind) String() string {
	switch k {
	case EventVoiceStarted:
		return "voice_started"
	case EventVoiceStopped:
		return "voice_stopped"
	case EventVoiceDisposed:
		return "voice_disposed"
	case EventVoiceFailed:
		return "voice_failed"
	case EventTransport:
		return "transport"
	}
	return "unknown"
}

// Event carries voice and transport notifications from Watch(). Voice events
// set BlockID (and Err for failures); transport events set Transport, Beat
// and BPM.
type Event struct {
	Kind      EventKind
	BlockID   string
	Err       error
	Transport string
	Beat      float64
	BPM       float64
}

type EngineOption func(*engineConfig)

type engineConfig struct {
	sampleRate int
	tick       time.Duration
	bpm        float64
	masterGain float64
	fade       time.Duration
	log        *zap.Logger
	now        func() time.Time
	sampleTap  func([]float32)
	manualTick bool
}

func defaultEngineConfig() engineConfig {
	return engineConfig{
		sampleRate: 48000,
		tick:       DefaultTickInterval,
		bpm:        clock.DefaultBPM,
		masterGain: 1,
		fade:       10 * time.Millisecond,
		log:        zap.NewNop(),
		now:        time.Now,
	}
}

func WithSampleRate(sampleRate int) EngineOption {
	return func(cfg *engineConfig) { cfg.sampleRate = sampleRate }
}

// WithTickInterval sets how often the scheduler reconciles the timeline.
func WithTickInterval(d time.Duration) EngineOption {
	return func(cfg *engineConfig) { cfg.tick = d }
}

func WithTempo(bpm float64) EngineOption {
	return func(cfg *engineConfig) { cfg.bpm = bpm }
}

func WithMasterGain(gain float64) EngineOption {
	return func(cfg *engineConfig) { cfg.masterGain = gain }
}

// WithFade sets the voice fade-in and fade-out time.
func WithFade(d time.Duration) EngineOption {
	return func(cfg *engineConfig) { cfg.fade = d }
}

func WithLogger(log *zap.Logger) EngineOption {
	return func(cfg *engineConfig) {
		if log != nil {
			cfg.log = log
		}
	}
}

// WithNow replaces the wall-clock source for the clock and the mixer.
func WithNow(now func() time.Time) EngineOption {
	return func(cfg *engineConfig) { cfg.now = now }
}

// WithSampleTap installs a callback invoked with each rendered stereo buffer.
// The callback runs on the audio thread; keep work brief and non-blocking.
func WithSampleTap(tap func([]float32)) EngineOption {
	return func(cfg *engineConfig) { cfg.sampleTap = tap }
}

// WithManualTick disables the background tick loop; the caller drives Tick.
func WithManualTick() EngineOption {
	return func(cfg *engineConfig) { cfg.manualTick = true }
}

// Engine ties a Clock, a Scheduler and a Mixer to one timeline. It is the
// only owner of its audio state: construct it, use it, Close it.
type Engine struct {
	cfg   engineConfig
	log   *zap.Logger
	clock *clock.Clock
	mix   *mixer.Mixer
	sched *scheduler.Scheduler

	mu       sync.Mutex
	prevBeat float64
	closed   bool

	unsubscribe func()
	stopTick    chan struct{}
	tickDone    chan struct{}

	eventCh   chan Event
	eventChMu sync.Mutex
}

// New builds an engine reading blocks from store and audio from loader. The
// tick loop starts immediately unless WithManualTick is given; the clock
// starts paused at beat 1.
func New(store timeline.Store, loader mixer.Loader, opts ...EngineOption) (*Engine, error) {
	cfg := defaultEngineConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.sampleRate <= 0 {
		return nil, errors.New("sampleRate must be positive")
	}
	if cfg.tick <= 0 {
		return nil, errors.New("tick interval must be positive")
	}
	if store == nil || loader == nil {
		return nil, errors.New("store and loader are required")
	}

	e := &Engine{
		cfg: cfg,
		log: cfg.log.Named("engine"),
	}
	e.clock = clock.New(clock.WithNow(cfg.now), clock.WithTempo(cfg.bpm))
	e.mix = mixer.New(loader,
		mixer.WithSampleRate(cfg.sampleRate),
		mixer.WithFadeIn(cfg.fade),
		mixer.WithFadeOut(cfg.fade),
		mixer.WithLogger(cfg.log),
		mixer.WithNow(cfg.now),
		mixer.WithListener(e.onVoiceEvent),
	)
	if err := e.mix.SetMasterGain(cfg.masterGain); err != nil {
		e.mix.Close()
		return nil, fmt.Errorf("master gain: %w", err)
	}
	e.sched = scheduler.New(store, e.mix, scheduler.WithLogger(cfg.log))
	e.prevBeat = e.clock.CurrentBeat()
	e.unsubscribe = e.clock.Subscribe(e.onClockChange)

	if !cfg.manualTick {
		e.stopTick = make(chan struct{})
		e.tickDone = make(chan struct{})
		go e.run()
	}
	e.log.Info("engine started",
		zap.Int("sample_rate", cfg.sampleRate),
		zap.Duration("tick", cfg.tick),
		zap.Float64("bpm", e.clock.BPM()))
	return e, nil
}

func (e *Engine) run() {
	defer close(e.tickDone)
	ticker := time.NewTicker(e.cfg.tick)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopTick:
			return
		case <-ticker.C:
			e.Tick()
		}
	}
}

// Tick performs one scheduling step: dispose voices whose fade finished,
// then, if the clock is running, reconcile the timeline at the playhead.
func (e *Engine) Tick() scheduler.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return scheduler.Result{}
	}
	e.mix.Reap()
	st := e.clock.State()
	var res scheduler.Result
	if st.Running {
		res = e.sched.Tick(st.Beat, e.prevBeat, st.BPM)
	}
	e.prevBeat = st.Beat
	if !res.Empty() {
		e.log.Debug("tick",
			zap.Float64("beat", st.Beat),
			zap.Strings("started", res.Started),
			zap.Strings("stopped", res.Stopped))
	}
	return res
}

// Process renders the mix into dst (interleaved stereo float32). It satisfies
// the audio package's SampleSource.
func (e *Engine) Process(dst []float32) {
	e.mix.Render(dst)
	if e.cfg.sampleTap != nil {
		e.cfg.sampleTap(dst)
	}
}

func (e *Engine) SampleRate() int { return e.cfg.sampleRate }

// Play starts the clock from the current beat.
func (e *Engine) Play() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.clock.Play()
	e.prevBeat = e.clock.CurrentBeat()
	return nil
}

// Pause freezes the beat and fades out every voice. Play resumes from the
// same beat and restarts blocks under the playhead at the matching offset.
//
// Transport changes hold the tick lock so no tick can start a voice between
// stopping the clock and cancelling the voices.
func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.clock.Pause()
	e.mix.StopAll()
	return nil
}

// Stop halts the transport and cancels every voice, including those still
// loading. The beat stays where it is; Seek(1) returns to the start.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.clock.Stop()
	e.mix.StopAll()
	return nil
}

// Seek moves the playhead. Every voice is stopped and load failures are
// forgotten, so blocks under the new position start fresh on the next tick.
func (e *Engine) Seek(beat float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if err := e.clock.Seek(beat); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}
	e.mix.StopAll()
	e.sched.Reset()
	e.prevBeat = e.clock.CurrentBeat()
	return nil
}

// SetTempo changes the tempo, clamped to [20, 300] bpm, and returns the
// tempo applied.
func (e *Engine) SetTempo(bpm float64) float64 {
	return e.clock.SetTempo(bpm)
}

func (e *Engine) CurrentBeat() float64 { return e.clock.CurrentBeat() }

// SetMasterGain sets master gain, clamped to [0, 1].
func (e *Engine) SetMasterGain(gain float64) error { return e.mix.SetMasterGain(gain) }

func (e *Engine) SetMasterMute(muted bool) { e.mix.SetMasterMute(muted) }

func (e *Engine) SetVoiceGain(blockID string, gain float64) error {
	return e.mix.SetVoiceGain(blockID, gain)
}

func (e *Engine) SetVoicePan(blockID string, pan float64) error {
	return e.mix.SetVoicePan(blockID, pan)
}

func (e *Engine) SetVoiceMute(blockID string, mute bool) error {
	return e.mix.SetVoiceMute(blockID, mute)
}

func (e *Engine) SetVoiceSolo(blockID string, solo bool) error {
	return e.mix.SetVoiceSolo(blockID, solo)
}

// RetryBlock lets a block whose content failed to load start again on the
// next tick.
func (e *Engine) RetryBlock(blockID string) {
	e.sched.Retry(blockID)
}

// Snapshot is the observable engine state for playhead and mixer displays.
type Snapshot struct {
	Beat    float64 `json:"beat"`
	BPM     float64 `json:"bpm"`
	Running bool    `json:"running"`
	mixer.Snapshot
	Failed []string `json:"failed,omitempty"`
}

func (e *Engine) Snapshot() Snapshot {
	st := e.clock.State()
	s := Snapshot{
		Beat:     st.Beat,
		BPM:      st.BPM,
		Running:  st.Running,
		Snapshot: e.mix.Snapshot(),
	}
	s.Failed = e.sched.FailedBlocks()
	return s
}

// Watch returns a channel that receives voice and transport events. The
// channel is buffered (cap 64); events are dropped when it is full. Only the
// most recent Watch() channel receives events. Close closes it.
func (e *Engine) Watch() <-chan Event {
	ch := make(chan Event, 64)
	e.eventChMu.Lock()
	e.eventCh = ch
	e.eventChMu.Unlock()
	return ch
}

func (e *Engine) sendEvent(ev Event) {
	e.eventChMu.Lock()
	defer e.eventChMu.Unlock()
	if e.eventCh != nil {
		select {
		case e.eventCh <- ev:
		default:
			// Channel full; drop event
		}
	}
}

func (e *Engine) onVoiceEvent(ev mixer.Event) {
	out := Event{BlockID: ev.BlockID, Err: ev.Err}
	switch ev.Kind {
	case mixer.VoiceStarted:
		out.Kind = EventVoiceStarted
	case mixer.VoiceStopped:
		out.Kind = EventVoiceStopped
	case mixer.VoiceDisposed:
		out.Kind = EventVoiceDisposed
	case mixer.VoiceFailed:
		out.Kind = EventVoiceFailed
	}
	e.sendEvent(out)
}

func (e *Engine) onClockChange(ch clock.Change) {
	e.log.Info("transport", zap.Stringer("change", ch.Kind), zap.Float64("beat", ch.Beat), zap.Float64("bpm", ch.BPM))
	e.sendEvent(Event{Kind: EventTransport, Transport: ch.Kind.String(), Beat: ch.Beat, BPM: ch.BPM})
}

// Close stops the tick loop, disposes every voice and waits for in-flight
// loads. It is safe to call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	if e.stopTick != nil {
		close(e.stopTick)
		<-e.tickDone
	}
	e.unsubscribe()
	e.clock.Stop()
	e.mix.Close()

	e.eventChMu.Lock()
	if e.eventCh != nil {
		close(e.eventCh)
		e.eventCh = nil
	}
	e.eventChMu.Unlock()
	e.log.Info("engine closed")
	return nil
}
