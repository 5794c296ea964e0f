package effects

// Effector processes one stereo frame. Implementations keep per-stream state
// between calls; Reset clears it.
type Effector interface {
	Process(l, r float32) (float32, float32)
	Reset()
}

var _ Effector = (*Limiter)(nil)
