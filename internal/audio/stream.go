package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	ebitaudio "github.com/hajimehoshi/ebiten/v2/audio"
)

// SampleSource renders interleaved stereo float32 on demand. The engine is
// the usual source.
type SampleSource interface {
	Process(dst []float32)
}

// StreamReader adapts a SampleSource to the float32 little-endian byte
// stream ebiten's F32 players consume.
type StreamReader struct {
	mu     sync.Mutex
	source SampleSource
	buf    []float32
	closed bool
}

func NewStreamReader(source SampleSource) *StreamReader {
	return &StreamReader{source: source}
}

func (r *StreamReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, io.EOF
	}

	frames := len(p) / 8
	if frames == 0 {
		return 0, nil
	}
	need := frames * 2
	if cap(r.buf) < need {
		r.buf = make([]float32, need)
	}
	r.buf = r.buf[:need]
	r.source.Process(r.buf)
	for i, s := range r.buf {
		binary.LittleEndian.PutUint32(p[i*4:], math.Float32bits(s))
	}
	return frames * 8, nil
}

// Close makes subsequent reads return io.EOF so the device stops pulling.
func (r *StreamReader) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

// ebiten allows a single audio context per process, at one sample rate.
var (
	audioContextOnce sync.Once
	audioContext     *ebitaudio.Context
	audioSampleRate  int
)

func sharedAudioContext(sampleRate int) (*ebitaudio.Context, error) {
	audioContextOnce.Do(func() {
		audioSampleRate = sampleRate
		audioContext = ebitaudio.NewContext(sampleRate)
	})
	if audioSampleRate != sampleRate {
		return nil, fmt.Errorf("audio context already initialized at %d Hz (requested %d Hz)", audioSampleRate, sampleRate)
	}
	return audioContext, nil
}

// Device plays a SampleSource on the default output.
type Device struct {
	player *ebitaudio.Player
	reader *StreamReader
}

type DeviceOption func(*deviceConfig)

type deviceConfig struct {
	bufferSize time.Duration
}

// WithBufferSize sets the device buffer. Smaller buffers lower the latency
// between a voice start and hearing it.
func WithBufferSize(d time.Duration) DeviceOption {
	return func(cfg *deviceConfig) { cfg.bufferSize = d }
}

func Open(sampleRate int, source SampleSource, opts ...DeviceOption) (*Device, error) {
	var cfg deviceConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	ctx, err := sharedAudioContext(sampleRate)
	if err != nil {
		return nil, err
	}
	reader := NewStreamReader(source)
	pl, err := ctx.NewPlayerF32(reader)
	if err != nil {
		return nil, err
	}
	if cfg.bufferSize > 0 {
		pl.SetBufferSize(cfg.bufferSize)
	}
	return &Device{player: pl, reader: reader}, nil
}

func (d *Device) Play()  { d.player.Play() }
func (d *Device) Pause() { d.player.Pause() }

func (d *Device) IsPlaying() bool {
	return d.player.IsPlaying()
}

// Position returns how much audio the device has played.
func (d *Device) Position() time.Duration {
	return d.player.Position()
}

func (d *Device) Close() error {
	d.player.Pause()
	d.reader.Close()
	return d.player.Close()
}
