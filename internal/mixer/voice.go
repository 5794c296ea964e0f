package mixer

import (
	"context"
	"time"

	"github.com/cbegin/beatmix-go/internal/content"
)

// State is a voice's position in its lifecycle. Transitions only move
// forward: Loading → Ready → Playing → Stopping → Disposed, with Loading and
// Ready allowed to jump straight to Disposed when the load fails or is
// cancelled.
type State int

const (
	Loading State = iota
	Ready
	Playing
	Stopping
	Disposed
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Playing:
		return "playing"
	case Stopping:
		return "stopping"
	case Disposed:
		return "disposed"
	}
	return "unknown"
}

// Params are the user-facing mix settings of one block.
type Params struct {
	Gain float64 `json:"gain"`
	Pan  float64 `json:"pan"`
	Mute bool    `json:"mute"`
	Solo bool    `json:"solo"`
}

func DefaultParams() Params {
	return Params{Gain: 1}
}

// StartOptions configure a new voice.
type StartOptions struct {
	// Offset into the asset at which playback begins.
	Offset time.Duration
	// Params seed the voice when the block has no stored settings yet.
	Params *Params
}

// ramp moves linearly from cur to target over a fixed number of frames.
type ramp struct {
	cur    float32
	target float32
	step   float32
	left   int
}

func (r *ramp) set(target float32, frames int) {
	if frames <= 0 || r.cur == target {
		r.jump(target)
		return
	}
	r.target = target
	r.left = frames
	r.step = (target - r.cur) / float32(frames)
}

func (r *ramp) jump(v float32) {
	r.cur, r.target, r.step, r.left = v, v, 0, 0
}

func (r *ramp) next() float32 {
	if r.left > 0 {
		r.left--
		if r.left == 0 {
			r.cur = r.target
		} else {
			r.cur += r.step
		}
	}
	return r.cur
}

func (r *ramp) settled() bool { return r.left == 0 }

type voice struct {
	blockID string
	ref     string
	state   State

	cancel    context.CancelFunc
	requested time.Time
	offset    time.Duration
	queued    bool

	buf *content.Buffer
	pos int

	env   ramp
	level ramp
	panL  ramp
	panR  ramp

	// faded is set by the render path once a Stopping envelope reaches zero.
	faded    bool
	deadline time.Time
}

func (v *voice) live() bool { return v.state != Disposed }

// audible reports whether the voice contributes to the bus.
func (v *voice) audible() bool {
	return (v.state == Playing || v.state == Stopping) && v.buf != nil
}

// exhausted reports whether playback has run past the end of the asset.
func (v *voice) exhausted() bool {
	return v.buf != nil && v.pos >= v.buf.Frames()
}

// balance returns the left and right multipliers for pan in [-1, 1]. Centre
// is unity on both sides and neither side is ever boosted.
func balance(pan float64) (float32, float32) {
	return float32(1 - max(pan, 0)), float32(1 + min(pan, 0))
}

// render adds up to frames of the voice into dst (interleaved stereo), scaled
// by the per-frame bus gain. It returns the frames written.
func (v *voice) render(dst []float32, bus []float32) int {
	frames := len(dst) / 2
	total := v.buf.Frames()
	n := 0
	for ; n < frames && v.pos < total; n++ {
		e := v.env.next()
		g := min(v.level.next()*bus[n], 1) * e
		l := v.panL.next()
		r := v.panR.next()
		dst[2*n] = v.buf.Samples[2*v.pos] * g * l
		dst[2*n+1] = v.buf.Samples[2*v.pos+1] * g * r
		v.pos++
	}
	if v.state == Stopping {
		// Keep the envelope moving even past the end of the asset.
		for i := n; i < frames && !v.env.settled(); i++ {
			v.env.next()
		}
		if v.env.settled() && v.env.cur == 0 {
			v.faded = true
		}
	}
	return n
}
