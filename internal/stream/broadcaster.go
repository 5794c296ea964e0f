package stream

import (
	"context"
	"sync"
	"sync/atomic"
)

// DefaultListenerBuffer holds about one second of 20 ms frames.
const DefaultListenerBuffer = 50

// Frame is one block of interleaved int16 PCM stamped with its position in
// the broadcast. Seq increases by one per frame, so a listener sees a gap
// wherever frames were dropped on its behalf.
type Frame struct {
	Seq uint64
	PCM []int16
}

// Broadcaster fans frames rendered from the engine out to every monitor peer.
// A listener that falls behind loses frames; the engine never waits on it.
type Broadcaster struct {
	mu        sync.RWMutex
	listeners map[*Listener]struct{}
	seq       uint64
	buffer    int
}

type Listener struct {
	C       <-chan Frame
	ch      chan Frame
	done    chan struct{}
	dropped atomic.Uint64
}

// Done is closed when the listener is unsubscribed.
func (l *Listener) Done() <-chan struct{} { return l.done }

// Dropped counts frames this listener missed because its buffer was full.
func (l *Listener) Dropped() uint64 { return l.dropped.Load() }

// Stats summarizes a broadcaster.
type Stats struct {
	Listeners int    `json:"listeners"`
	Frames    uint64 `json:"frames"`
	Dropped   uint64 `json:"dropped"`
}

// NewBroadcaster gives each listener buffer frames of slack; zero or less
// uses DefaultListenerBuffer.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = DefaultListenerBuffer
	}
	return &Broadcaster{
		listeners: make(map[*Listener]struct{}),
		buffer:    buffer,
	}
}

func (b *Broadcaster) Subscribe() *Listener {
	ch := make(chan Frame, b.buffer)
	l := &Listener{C: ch, ch: ch, done: make(chan struct{})}
	b.mu.Lock()
	b.listeners[l] = struct{}{}
	b.mu.Unlock()
	return l
}

// Unsubscribe removes l and closes its Done channel. Repeated calls do
// nothing.
func (b *Broadcaster) Unsubscribe(l *Listener) {
	b.mu.Lock()
	_, ok := b.listeners[l]
	delete(b.listeners, l)
	b.mu.Unlock()
	if ok {
		close(l.done)
	}
}

func (b *Broadcaster) ListenerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Stats reports the frames sent so far and the drops of current listeners.
func (b *Broadcaster) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st := Stats{Listeners: len(b.listeners), Frames: b.seq}
	for l := range b.listeners {
		st.Dropped += l.Dropped()
	}
	return st
}

// Run stamps each frame from source and offers it to every listener until
// ctx ends or source closes.
func (b *Broadcaster) Run(ctx context.Context, source <-chan []int16) {
	for {
		select {
		case <-ctx.Done():
			return
		case pcm, ok := <-source:
			if !ok {
				return
			}
			b.publish(pcm)
		}
	}
}

func (b *Broadcaster) publish(pcm []int16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	frame := Frame{Seq: b.seq, PCM: pcm}
	for l := range b.listeners {
		select {
		case l.ch <- frame:
		default:
			l.dropped.Add(1)
		}
	}
}
