package stream

import (
	"context"
	"sync"
	"time"

	"github.com/cbegin/beatmix-go/internal/audio"
)

const (
	Channels      = 2
	FrameDuration = 20 * time.Millisecond
)

// FrameSize is the number of stereo frames in one 20 ms packet.
func FrameSize(sampleRate int) int {
	return sampleRate * int(FrameDuration/time.Millisecond) / 1000
}

// FloatToPCM16 converts one float sample in [-1, 1] to int16, clamping
// anything outside the range.
func FloatToPCM16(s float32) int16 {
	switch {
	case s != s:
		return 0
	case s >= 1:
		return 32767
	case s <= -1:
		return -32768
	}
	return int16(s * 32767)
}

// Framer cuts a float32 sample stream into fixed 20 ms int16 frames. Write
// never blocks: frames are dropped when no one is reading.
type Framer struct {
	mu      sync.Mutex
	samples int // interleaved samples per frame
	pending []int16
	out     chan []int16
	dropped int
}

func NewFramer(sampleRate, buffered int) *Framer {
	n := FrameSize(sampleRate) * Channels
	return &Framer{
		samples: n,
		pending: make([]int16, 0, n),
		out:     make(chan []int16, buffered),
	}
}

// Frames returns the channel of completed frames.
func (f *Framer) Frames() <-chan []int16 { return f.out }

// FrameSamples is the interleaved sample count of each emitted frame.
func (f *Framer) FrameSamples() int { return f.samples }

// Dropped reports how many frames were discarded because the channel was full.
func (f *Framer) Dropped() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropped
}

// Write appends rendered samples. It is suitable as an engine sample tap.
func (f *Framer) Write(samples []float32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range samples {
		f.pending = append(f.pending, FloatToPCM16(s))
		if len(f.pending) < f.samples {
			continue
		}
		frame := f.pending
		f.pending = make([]int16, 0, f.samples)
		select {
		case f.out <- frame:
		default:
			f.dropped++
		}
	}
}

// Pump renders a SampleSource in real time when no audio device is pulling
// it, one 20 ms frame per tick, into a Framer.
type Pump struct {
	source audio.SampleSource
	framer *Framer
	buf    []float32
}

func NewPump(source audio.SampleSource, framer *Framer) *Pump {
	return &Pump{
		source: source,
		framer: framer,
		buf:    make([]float32, framer.FrameSamples()),
	}
}

// Run renders until ctx is cancelled.
func (p *Pump) Run(ctx context.Context) {
	ticker := time.NewTicker(FrameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.source.Process(p.buf)
			p.framer.Write(p.buf)
		}
	}
}
