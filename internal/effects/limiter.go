package effects

import "math"

// DefaultCeiling keeps the summed output just under full scale.
const DefaultCeiling = 0.98

// Limiter is a stereo-linked peak limiter with instant attack. Its output
// never exceeds the ceiling in absolute value; after a peak the gain recovers
// toward unity over the release time.
type Limiter struct {
	ceiling float32
	release float32 // coefficient
	gain    float32
	// reduced counts frames where the limiter had to pull the gain down.
	reduced int
}

// NewLimiter creates a limiter. ceiling is linear (e.g. 0.98), releaseMs is
// the recovery time constant in ms.
func NewLimiter(sampleRate int, ceiling, releaseMs float32) *Limiter {
	if ceiling <= 0 || ceiling > 1 {
		ceiling = DefaultCeiling
	}
	if releaseMs <= 0 {
		releaseMs = 50
	}
	sr := float64(sampleRate)
	return &Limiter{
		ceiling: ceiling,
		release: float32(1.0 - math.Exp(-1.0/(float64(releaseMs)*sr/1000.0))),
		gain:    1,
	}
}

func (lim *Limiter) Ceiling() float32 { return lim.ceiling }

func (lim *Limiter) Process(l, r float32) (float32, float32) {
	peak := max(abs32(l), abs32(r))
	target := float32(1)
	if peak > lim.ceiling {
		target = lim.ceiling / peak
	}
	if target < lim.gain {
		lim.gain = target
		lim.reduced++
	} else {
		lim.gain += lim.release * (target - lim.gain)
	}
	return clamp(l*lim.gain, lim.ceiling), clamp(r*lim.gain, lim.ceiling)
}

// Reduced reports how many frames needed gain reduction since the last Reset.
func (lim *Limiter) Reduced() int { return lim.reduced }

func (lim *Limiter) Reset() {
	lim.gain = 1
	lim.reduced = 0
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

// clamp also maps NaN to silence so a bad sample cannot reach the device.
func clamp(v, c float32) float32 {
	switch {
	case v != v:
		return 0
	case v > c:
		return c
	case v < -c:
		return -c
	}
	return v
}
