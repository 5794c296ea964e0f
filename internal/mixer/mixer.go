package mixer

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/viterin/vek/vek32"
	"go.uber.org/zap"

	"github.com/cbegin/beatmix-go/internal/content"
	"github.com/cbegin/beatmix-go/internal/effects"
	"github.com/cbegin/beatmix-go/internal/timeline"
)

const (
	MaxVoiceGain    = 1.25
	DefaultHeadroom = 0.25

	defaultFade      = 10 * time.Millisecond
	defaultParamRamp = 50 * time.Millisecond
	defaultBusRamp   = 100 * time.Millisecond
	// reapGrace bounds disposal when nothing is pulling audio through Render.
	reapGrace = 50 * time.Millisecond
)

var (
	ErrInvalidParameter = timeline.ErrInvalidParameter
	ErrClosed           = errors.New("mixer closed")
)

// Loader supplies decoded audio for a content reference.
type Loader interface {
	Load(ctx context.Context, ref string) (*content.Buffer, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, ref string) (*content.Buffer, error)

func (f LoaderFunc) Load(ctx context.Context, ref string) (*content.Buffer, error) {
	return f(ctx, ref)
}

type EventKind int

const (
	VoiceStarted EventKind = iota
	VoiceStopped
	VoiceDisposed
	VoiceFailed
)

func (k EventKind) String() string {
	switch k {
	case VoiceStarted:
		return "started"
	case VoiceStopped:
		return "stopped"
	case VoiceDisposed:
		return "disposed"
	case VoiceFailed:
		return "failed"
	}
	return "unknown"
}

// Event reports a voice lifecycle transition. Err is set for VoiceFailed.
type Event struct {
	Kind    EventKind
	BlockID string
	Err     error
}

type Option func(*config)

type config struct {
	sampleRate int
	fadeIn     time.Duration
	fadeOut    time.Duration
	paramRamp  time.Duration
	busRamp    time.Duration
	headroomK  float64
	ceiling    float32
	output     effects.Effector
	log        *zap.Logger
	now        func() time.Time
	listener   func(Event)
}

func defaultConfig() config {
	return config{
		sampleRate: 48000,
		fadeIn:     defaultFade,
		fadeOut:    defaultFade,
		paramRamp:  defaultParamRamp,
		busRamp:    defaultBusRamp,
		headroomK:  DefaultHeadroom,
		ceiling:    effects.DefaultCeiling,
		log:        zap.NewNop(),
		now:        time.Now,
	}
}

func WithSampleRate(sr int) Option {
	return func(c *config) {
		if sr > 0 {
			c.sampleRate = sr
		}
	}
}

func WithFadeIn(d time.Duration) Option  { return func(c *config) { c.fadeIn = d } }
func WithFadeOut(d time.Duration) Option { return func(c *config) { c.fadeOut = d } }

func WithParamRamp(d time.Duration) Option { return func(c *config) { c.paramRamp = d } }
func WithBusRamp(d time.Duration) Option   { return func(c *config) { c.busRamp = d } }

// WithHeadroomK sets k in the bus gain g(N) = 1/(1+ln(N)*k).
func WithHeadroomK(k float64) Option {
	return func(c *config) {
		if k > 0 {
			c.headroomK = k
		}
	}
}

// WithCeiling sets the limiter ceiling (linear, (0, 1]).
func WithCeiling(ceiling float32) Option {
	return func(c *config) { c.ceiling = ceiling }
}

// WithOutputStage replaces the master limiter with e. It sees every frame
// after master gain.
func WithOutputStage(e effects.Effector) Option {
	return func(c *config) { c.output = e }
}

func WithLogger(log *zap.Logger) Option {
	return func(c *config) {
		if log != nil {
			c.log = log
		}
	}
}

func WithNow(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

// WithListener installs a callback for voice events. It runs synchronously
// on the goroutine that caused the transition, outside the mixer lock.
func WithListener(fn func(Event)) Option {
	return func(c *config) { c.listener = fn }
}

// BusGain is the compensating gain for n simultaneously playing voices.
// g(0) = g(1) = 1 and g is strictly decreasing for n ≥ 1.
func BusGain(n int, k float64) float64 {
	if n <= 1 {
		return 1
	}
	return 1 / (1 + math.Log(float64(n))*k)
}

// Mixer owns every voice and the output bus. All mutation goes through its
// methods; Render is safe to call from the audio device goroutine.
type Mixer struct {
	cfg    config
	loader Loader
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	loads  sync.WaitGroup

	mu      sync.Mutex
	voices  map[string]*voice
	params  map[string]Params
	// failed holds block ids whose load failed, keyed to the failed ref,
	// until TakeFailures collects them.
	failed  map[string]string
	master  float64
	muted   bool
	closed  bool
	active  int
	bus     ramp
	masterR ramp
	output  effects.Effector
	scratch []float32
	busBuf  []float32
	peak    float32
	pending []Event
}

func New(loader Loader, opts ...Option) *Mixer {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Mixer{
		cfg:     cfg,
		loader:  loader,
		log:     cfg.log.Named("mixer"),
		ctx:     ctx,
		cancel:  cancel,
		voices:  make(map[string]*voice),
		params:  make(map[string]Params),
		failed:  make(map[string]string),
		master:  1,
		output:  cfg.output,
	}
	if m.output == nil {
		m.output = effects.NewLimiter(cfg.sampleRate, cfg.ceiling, 50)
	}
	m.bus.jump(1)
	m.masterR.jump(1)
	return m
}

func (m *Mixer) SampleRate() int { return m.cfg.sampleRate }

func (m *Mixer) frames(d time.Duration) int {
	return int(d.Seconds() * float64(m.cfg.sampleRate))
}

// unlockAndEmit releases mu and delivers events queued while it was held.
func (m *Mixer) unlockAndEmit() {
	evs := m.pending
	m.pending = nil
	m.mu.Unlock()
	if m.cfg.listener == nil {
		return
	}
	for _, ev := range evs {
		m.cfg.listener(ev)
	}
}

func (m *Mixer) queue(kind EventKind, blockID string, err error) {
	m.pending = append(m.pending, Event{Kind: kind, BlockID: blockID, Err: err})
}

// StartVoice creates a voice for blockID and begins loading ref. Playback
// starts as soon as the load completes. A block that already has a live
// voice is left alone.
func (m *Mixer) StartVoice(blockID, ref string, opts StartOptions) error {
	m.mu.Lock()
	defer m.unlockAndEmit()
	if m.closed {
		return ErrClosed
	}
	if v, ok := m.voices[blockID]; ok && v.live() {
		return nil
	}
	if _, ok := m.params[blockID]; !ok && opts.Params != nil {
		p, err := sanitize(*opts.Params)
		if err != nil {
			return err
		}
		m.params[blockID] = p
	}
	ctx, cancel := context.WithCancel(m.ctx)
	v := &voice{
		blockID:   blockID,
		ref:       ref,
		state:     Loading,
		cancel:    cancel,
		requested: m.cfg.now(),
		offset:    max(opts.Offset, 0),
		queued:    true,
	}
	m.voices[blockID] = v
	m.recompute()
	m.loads.Add(1)
	go m.load(ctx, v)
	m.log.Debug("voice loading", zap.String("block", blockID), zap.String("ref", ref))
	return nil
}

func (m *Mixer) load(ctx context.Context, v *voice) {
	defer m.loads.Done()
	buf, err := m.loader.Load(ctx, v.ref)
	if err == nil && buf == nil {
		err = content.ErrContentUnavailable
	}

	m.mu.Lock()
	defer m.unlockAndEmit()
	if v.state != Loading {
		// Stopped or closed while loading; the voice is already disposed.
		return
	}
	if err != nil {
		m.log.Error("voice load failed", zap.String("block", v.blockID), zap.String("ref", v.ref), zap.Error(err))
		m.failed[v.blockID] = v.ref
		m.queue(VoiceFailed, v.blockID, err)
		m.dispose(v)
		m.recompute()
		return
	}
	if buf.SampleRate != 0 && buf.SampleRate != m.cfg.sampleRate {
		m.log.Warn("sample rate mismatch",
			zap.String("block", v.blockID),
			zap.Int("buffer", buf.SampleRate),
			zap.Int("mixer", m.cfg.sampleRate))
	}
	v.buf = buf
	v.state = Ready
	if v.queued {
		m.play(v)
	}
}

// play moves a Ready voice to Playing. Time spent loading counts toward the
// offset so the voice stays in step with the timeline.
func (m *Mixer) play(v *voice) {
	late := m.cfg.now().Sub(v.requested)
	offset := v.offset + max(late, 0)
	v.pos = int(offset.Seconds() * float64(m.cfg.sampleRate))
	v.queued = false
	v.state = Playing
	v.env.jump(0)
	v.env.set(1, m.frames(m.cfg.fadeIn))
	p := m.paramsFor(v.blockID)
	l, r := balance(p.Pan)
	v.panL.jump(l)
	v.panR.jump(r)
	v.level.jump(m.levelFor(v.blockID, m.anySolo()))
	m.recompute()
	m.queue(VoiceStarted, v.blockID, nil)
	m.log.Debug("voice playing",
		zap.String("block", v.blockID),
		zap.Duration("offset", offset),
		zap.Int("frames", v.buf.Frames()))
}

// StopVoice fades a playing voice out, or cancels one still loading. Stopping
// a voice that is already stopping, disposed or unknown does nothing.
func (m *Mixer) StopVoice(blockID string) {
	m.mu.Lock()
	defer m.unlockAndEmit()
	if v, ok := m.voices[blockID]; ok {
		m.stop(v)
	}
}

func (m *Mixer) stop(v *voice) {
	switch v.state {
	case Loading, Ready:
		m.dispose(v)
		m.recompute()
	case Playing:
		v.state = Stopping
		v.env.set(0, m.frames(m.cfg.fadeOut))
		v.faded = v.env.settled() && v.env.cur == 0
		v.deadline = m.cfg.now().Add(m.cfg.fadeOut + reapGrace)
		m.recompute()
		m.queue(VoiceStopped, v.blockID, nil)
		m.log.Debug("voice stopping", zap.String("block", v.blockID))
	}
}

// StopAll stops every voice.
func (m *Mixer) StopAll() {
	m.mu.Lock()
	defer m.unlockAndEmit()
	for _, id := range m.sortedIDs() {
		m.stop(m.voices[id])
	}
}

// dispose releases the voice. It is idempotent.
func (m *Mixer) dispose(v *voice) {
	if v.state == Disposed {
		return
	}
	v.state = Disposed
	v.queued = false
	v.buf = nil
	v.cancel()
	if cur, ok := m.voices[v.blockID]; ok && cur == v {
		delete(m.voices, v.blockID)
	}
	m.queue(VoiceDisposed, v.blockID, nil)
	m.log.Debug("voice disposed", zap.String("block", v.blockID))
}

// Reap disposes stopping voices whose fade has finished, or whose deadline
// passed without the render path completing the fade. It returns the number
// disposed.
func (m *Mixer) Reap() int {
	m.mu.Lock()
	defer m.unlockAndEmit()
	now := m.cfg.now()
	n := 0
	for _, id := range m.sortedIDs() {
		v := m.voices[id]
		if v.state == Stopping && (v.faded || !now.Before(v.deadline)) {
			m.dispose(v)
			n++
		}
	}
	return n
}

// Close disposes every voice at once and waits for in-flight loads to
// return. Commands after Close are no-ops.
func (m *Mixer) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for _, id := range m.sortedIDs() {
		m.dispose(m.voices[id])
	}
	m.recompute()
	m.output.Reset()
	m.unlockAndEmit()
	m.cancel()
	m.loads.Wait()
}

func sanitize(p Params) (Params, error) {
	if math.IsNaN(p.Gain) || math.IsNaN(p.Pan) {
		return p, ErrInvalidParameter
	}
	p.Gain = clampGain(p.Gain)
	p.Pan = clampPan(p.Pan)
	return p, nil
}

func clampGain(g float64) float64 { return min(max(g, 0), MaxVoiceGain) }
func clampPan(p float64) float64  { return min(max(p, -1), 1) }

func (m *Mixer) paramsFor(blockID string) Params {
	if p, ok := m.params[blockID]; ok {
		return p
	}
	return DefaultParams()
}

// update applies fn to the stored params of blockID and ramps the live voice,
// if any, to the new values.
func (m *Mixer) update(blockID string, fn func(*Params)) error {
	m.mu.Lock()
	defer m.unlockAndEmit()
	if m.closed {
		return ErrClosed
	}
	p := m.paramsFor(blockID)
	fn(&p)
	m.params[blockID] = p
	if v, ok := m.voices[blockID]; ok && v.audible() {
		l, r := balance(p.Pan)
		frames := m.frames(m.cfg.paramRamp)
		v.panL.set(l, frames)
		v.panR.set(r, frames)
	}
	m.recompute()
	return nil
}

// SetVoiceGain sets the block's gain, clamped to [0, MaxVoiceGain]. The
// setting outlives the current voice.
func (m *Mixer) SetVoiceGain(blockID string, gain float64) error {
	if math.IsNaN(gain) {
		return ErrInvalidParameter
	}
	return m.update(blockID, func(p *Params) { p.Gain = clampGain(gain) })
}

// SetVoicePan sets the block's balance, clamped to [-1, 1].
func (m *Mixer) SetVoicePan(blockID string, pan float64) error {
	if math.IsNaN(pan) {
		return ErrInvalidParameter
	}
	return m.update(blockID, func(p *Params) { p.Pan = clampPan(pan) })
}

func (m *Mixer) SetVoiceMute(blockID string, mute bool) error {
	return m.update(blockID, func(p *Params) { p.Mute = mute })
}

// SetVoiceSolo changes the block's solo flag. Every voice's level is
// recomputed, since one solo silences all non-soloed voices.
func (m *Mixer) SetVoiceSolo(blockID string, solo bool) error {
	return m.update(blockID, func(p *Params) { p.Solo = solo })
}

// SetMasterGain sets the master gain, clamped to [0, 1].
func (m *Mixer) SetMasterGain(gain float64) error {
	if math.IsNaN(gain) {
		return ErrInvalidParameter
	}
	m.mu.Lock()
	defer m.unlockAndEmit()
	m.master = min(max(gain, 0), 1)
	m.masterR.set(float32(m.master), m.frames(m.cfg.paramRamp))
	return nil
}

// SetMasterMute silences the whole mix without touching any stored level, so
// unmuting restores the previous balance exactly.
func (m *Mixer) SetMasterMute(muted bool) {
	m.mu.Lock()
	defer m.unlockAndEmit()
	m.muted = muted
	m.recompute()
}

// anySolo reports whether a voice that has not begun stopping is soloed.
func (m *Mixer) anySolo() bool {
	for id, v := range m.voices {
		if v.state != Stopping && m.paramsFor(id).Solo {
			return true
		}
	}
	return false
}

func (m *Mixer) levelFor(blockID string, anySolo bool) float32 {
	p := m.paramsFor(blockID)
	if m.muted || p.Mute || (anySolo && !p.Solo) {
		return 0
	}
	return float32(p.Gain)
}

// recompute refreshes the bus gain and every voice's level target. It must
// run after any change to voice states, solo/mute flags or gains. Voices that
// have played to the end of their asset no longer count toward the bus.
func (m *Mixer) recompute() {
	playing := 0
	for _, v := range m.voices {
		if v.state == Playing && !v.exhausted() {
			playing++
		}
	}
	if playing != m.active {
		m.active = playing
		m.bus.set(float32(BusGain(playing, m.cfg.headroomK)), m.frames(m.cfg.busRamp))
	}
	solo := m.anySolo()
	frames := m.frames(m.cfg.paramRamp)
	for id, v := range m.voices {
		if v.audible() {
			v.level.set(m.levelFor(id, solo), frames)
		}
	}
}

func (m *Mixer) sortedIDs() []string {
	ids := make([]string, 0, len(m.voices))
	for id := range m.voices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Render fills dst (interleaved stereo) with the current mix.
func (m *Mixer) Render(dst []float32) {
	clear(dst)
	frames := len(dst) / 2
	if frames == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if cap(m.busBuf) < frames {
		m.busBuf = make([]float32, frames)
	}
	bus := m.busBuf[:frames]
	for i := range bus {
		bus[i] = m.bus.next()
	}
	if cap(m.scratch) < len(dst) {
		m.scratch = make([]float32, len(dst))
	}
	scratch := m.scratch[:frames*2]
	ended := false
	for _, v := range m.voices {
		if !v.audible() {
			continue
		}
		wasExhausted := v.exhausted()
		clear(scratch)
		v.render(scratch, bus)
		vek32.Add_Inplace(dst[:frames*2], scratch)
		if v.state == Playing && !wasExhausted && v.exhausted() {
			ended = true
		}
	}
	if ended {
		m.recompute()
	}

	if m.masterR.settled() {
		vek32.MulNumber_Inplace(dst, m.masterR.cur)
	} else {
		for i := 0; i+1 < len(dst); i += 2 {
			g := m.masterR.next()
			dst[i] *= g
			dst[i+1] *= g
		}
	}
	for i := 0; i+1 < len(dst); i += 2 {
		dst[i], dst[i+1] = m.output.Process(dst[i], dst[i+1])
	}
	vek32.Abs_Into(scratch, dst[:frames*2])
	m.peak = vek32.Max(scratch)
}

// VoiceInfo identifies a live voice.
type VoiceInfo struct {
	BlockID    string
	ContentRef string
	State      State
}

// LiveVoices lists every voice that has not been disposed, ordered by block id.
func (m *Mixer) LiveVoices() []VoiceInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]VoiceInfo, 0, len(m.voices))
	for _, id := range m.sortedIDs() {
		v := m.voices[id]
		out = append(out, VoiceInfo{BlockID: id, ContentRef: v.ref, State: v.state})
	}
	return out
}

// TakeFailures returns the blocks whose loads failed since the last call,
// keyed to the content ref that failed, and forgets them. A failure is
// recorded under the same lock hold that disposes its voice.
func (m *Mixer) TakeFailures() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.failed) == 0 {
		return nil
	}
	out := m.failed
	m.failed = make(map[string]string)
	return out
}

type VoiceStatus struct {
	BlockID    string        `json:"block_id"`
	ContentRef string        `json:"content_ref"`
	State      string        `json:"state"`
	Params     Params        `json:"params"`
	Gain       float64       `json:"gain"`
	Position   time.Duration `json:"position"`
}

type Snapshot struct {
	MasterGain float64       `json:"master_gain"`
	Muted      bool          `json:"muted"`
	Active     int           `json:"active_voices"`
	BusGain    float64       `json:"bus_gain"`
	Peak       float64       `json:"peak"`
	Voices     []VoiceStatus `json:"voices"`
}

// Snapshot reports the bus and every live voice. Gain is the target composite
// gain min(level*bus, 1)*master, which is what each voice settles at once
// ramps complete.
func (m *Mixer) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	bus := BusGain(m.active, m.cfg.headroomK)
	solo := m.anySolo()
	s := Snapshot{
		MasterGain: m.master,
		Muted:      m.muted,
		Active:     m.active,
		BusGain:    bus,
		Peak:       float64(m.peak),
		Voices:     make([]VoiceStatus, 0, len(m.voices)),
	}
	for _, id := range m.sortedIDs() {
		v := m.voices[id]
		level := float64(m.levelFor(id, solo))
		if v.state == Stopping {
			level = 0
		}
		var pos time.Duration
		if v.buf != nil {
			pos = time.Duration(float64(v.pos) / float64(m.cfg.sampleRate) * float64(time.Second))
		}
		s.Voices = append(s.Voices, VoiceStatus{
			BlockID:    id,
			ContentRef: v.ref,
			State:      v.state.String(),
			Params:     m.paramsFor(id),
			Gain:       min(level*bus, 1) * m.master,
			Position:   pos,
		})
	}
	return s
}

// BlockParams returns the stored settings for blockID.
func (m *Mixer) BlockParams(blockID string) Params {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paramsFor(blockID)
}
