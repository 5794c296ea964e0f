package content

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os/exec"

	"github.com/hajimehoshi/ebiten/v2/audio/mp3"
	"github.com/hajimehoshi/ebiten/v2/audio/vorbis"
	"github.com/hajimehoshi/ebiten/v2/audio/wav"
)

// Channels is fixed: every decoded buffer is interleaved stereo.
const Channels = 2

// Buffer is decoded audio ready for a voice: interleaved stereo float32 in
// [-1, 1] at SampleRate.
type Buffer struct {
	Samples    []float32
	SampleRate int
}

// Frames returns the number of stereo frames.
func (b *Buffer) Frames() int {
	if b == nil {
		return 0
	}
	return len(b.Samples) / Channels
}

type Format string

const (
	FormatWAV     Format = "wav"
	FormatMP3     Format = "mp3"
	FormatVorbis  Format = "vorbis"
	FormatUnknown Format = ""
)

// Sniff detects the container from its leading bytes.
func Sniff(data []byte) Format {
	switch {
	case len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE":
		return FormatWAV
	case len(data) >= 4 && string(data[0:4]) == "OggS":
		return FormatVorbis
	case len(data) >= 3 && string(data[0:3]) == "ID3":
		return FormatMP3
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return FormatMP3
	}
	return FormatUnknown
}

var errNoDecoder = errors.New("unsupported audio format")

// Decoder turns encoded bytes into a Buffer at a fixed sample rate.
type Decoder struct {
	SampleRate int
	// FFmpegPath is used for formats the built-in decoders do not handle
	// (flac, aac, ...). Empty disables the fallback.
	FFmpegPath string
}

func (d Decoder) Decode(ctx context.Context, data []byte) (*Buffer, error) {
	var (
		stream io.Reader
		err    error
	)
	src := bytes.NewReader(data)
	switch Sniff(data) {
	case FormatWAV:
		stream, err = wav.DecodeWithSampleRate(d.SampleRate, src)
	case FormatMP3:
		stream, err = mp3.DecodeWithSampleRate(d.SampleRate, src)
	case FormatVorbis:
		stream, err = vorbis.DecodeWithSampleRate(d.SampleRate, src)
	default:
		return d.decodeFFmpeg(ctx, data)
	}
	if err != nil {
		return nil, err
	}
	// ebiten streams are 16-bit little-endian stereo at the requested rate.
	pcm, err := io.ReadAll(stream)
	if err != nil {
		return nil, err
	}
	return &Buffer{Samples: PCM16ToFloat(pcm), SampleRate: d.SampleRate}, nil
}

// decodeFFmpeg pipes data through ffmpeg, producing s16le stereo.
func (d Decoder) decodeFFmpeg(ctx context.Context, data []byte) (*Buffer, error) {
	if d.FFmpegPath == "" {
		return nil, errNoDecoder
	}
	cmd := exec.CommandContext(ctx, d.FFmpegPath,
		"-i", "pipe:0",
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ar", fmt.Sprint(d.SampleRate),
		"-ac", "2",
		"-loglevel", "error",
		"pipe:1",
	)
	cmd.Stdin = bytes.NewReader(data)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg decode: %w", err)
	}
	return &Buffer{Samples: PCM16ToFloat(out), SampleRate: d.SampleRate}, nil
}

// PCM16ToFloat converts little-endian int16 stereo bytes to float32 samples.
// A trailing odd byte is dropped.
func PCM16ToFloat(pcm []byte) []float32 {
	n := len(pcm) / 2
	n -= n % Channels
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return out
}
