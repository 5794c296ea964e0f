package content

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// encodeWAV16 builds a 16-bit PCM stereo WAV file.
func encodeWAV16(samples []int16, sampleRate int) []byte {
	const channels = 2
	dataSize := len(samples) * 2
	out := make([]byte, 44+dataSize)
	copy(out[0:], "RIFF")
	binary.LittleEndian.PutUint32(out[4:], uint32(36+dataSize))
	copy(out[8:], "WAVE")
	copy(out[12:], "fmt ")
	binary.LittleEndian.PutUint32(out[16:], 16)
	binary.LittleEndian.PutUint16(out[20:], 1)
	binary.LittleEndian.PutUint16(out[22:], channels)
	binary.LittleEndian.PutUint32(out[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:], uint32(sampleRate*channels*2))
	binary.LittleEndian.PutUint16(out[32:], channels*2)
	binary.LittleEndian.PutUint16(out[34:], 16)
	copy(out[36:], "data")
	binary.LittleEndian.PutUint32(out[40:], uint32(dataSize))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[44+i*2:], uint16(s))
	}
	return out
}

func TestSniff(t *testing.T) {
	tests := []struct {
		data []byte
		want Format
	}{
		{encodeWAV16([]int16{0, 0}, 48000), FormatWAV},
		{[]byte("OggS\x00\x02"), FormatVorbis},
		{[]byte("ID3\x04\x00"), FormatMP3},
		{[]byte{0xFF, 0xFB, 0x90, 0x64}, FormatMP3},
		{[]byte("fLaC\x00"), FormatUnknown},
		{nil, FormatUnknown},
	}
	for _, tt := range tests {
		if got := Sniff(tt.data); got != tt.want {
			t.Errorf("Sniff(%q) = %q, want %q", tt.data[:min(len(tt.data), 4)], got, tt.want)
		}
	}
}

func TestPCM16ToFloat(t *testing.T) {
	pcm := []byte{0x00, 0x80, 0xFF, 0x7F, 0x00, 0x00, 0x00, 0x40, 0x01}
	got := PCM16ToFloat(pcm)
	want := []float32{-1, 32767.0 / 32768, 0, 0.5}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestDecodeWAV(t *testing.T) {
	samples := make([]int16, 2*4800)
	for i := range samples {
		samples[i] = 16384
	}
	buf, err := Decoder{SampleRate: 48000}.Decode(context.Background(), encodeWAV16(samples, 48000))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if buf.Frames() != 4800 {
		t.Fatalf("frames = %d, want 4800", buf.Frames())
	}
	if buf.Samples[100] != 0.5 {
		t.Fatalf("sample = %v, want 0.5", buf.Samples[100])
	}
}

func TestDecodeUnknownWithoutFFmpeg(t *testing.T) {
	_, err := Decoder{SampleRate: 48000}.Decode(context.Background(), []byte("not audio"))
	if err == nil {
		t.Fatal("expected error for unknown format without ffmpeg")
	}
}

func TestMuxDispatchesByScheme(t *testing.T) {
	var hit string
	named := func(name string) Resolver {
		return ResolverFunc(func(ctx context.Context, ref string) (io.ReadCloser, error) {
			hit = name
			return io.NopCloser(strings.NewReader(name)), nil
		})
	}
	m := NewMux().Handle("", named("file")).Handle("HTTPS", named("http"))
	if _, err := m.Resolve(context.Background(), "https://x/y.mp3"); err != nil || hit != "http" {
		t.Fatalf("https ref: hit=%q err=%v", hit, err)
	}
	if _, err := m.Resolve(context.Background(), "loops/a.wav"); err != nil || hit != "file" {
		t.Fatalf("bare ref: hit=%q err=%v", hit, err)
	}
	if _, err := m.Resolve(context.Background(), "ftp://x/y"); !errors.Is(err, ErrContentUnavailable) {
		t.Fatalf("unknown scheme: err = %v", err)
	}
}

func TestFileResolver(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.wav"), []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}
	r := FileResolver{Root: dir}
	for _, ref := range []string{"a.wav", "file://" + filepath.Join(dir, "a.wav")} {
		rc, err := r.Resolve(context.Background(), ref)
		if err != nil {
			t.Fatalf("resolve %s: %v", ref, err)
		}
		b, _ := io.ReadAll(rc)
		rc.Close()
		if string(b) != "data" {
			t.Errorf("resolve %s = %q", ref, b)
		}
	}
	if _, err := r.Resolve(context.Background(), "missing.wav"); !errors.Is(err, ErrContentUnavailable) {
		t.Fatalf("missing file: err = %v", err)
	}
}

func TestHTTPResolver(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("audio"))
	}))
	defer srv.Close()

	r := NewHTTPResolver(5*time.Second, "k")
	rc, err := r.Resolve(context.Background(), srv.URL+"/a.mp3")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	b, _ := io.ReadAll(rc)
	rc.Close()
	if string(b) != "audio" {
		t.Fatalf("body = %q", b)
	}
	if _, err := r.Resolve(context.Background(), srv.URL+"/missing"); !errors.Is(err, ErrContentUnavailable) {
		t.Fatalf("404: err = %v", err)
	}
}

func TestParseObjectRef(t *testing.T) {
	bucket, key, err := ParseObjectRef("s3://stems/project/kick.wav")
	if err != nil || bucket != "stems" || key != "project/kick.wav" {
		t.Fatalf("got %q %q %v", bucket, key, err)
	}
	for _, bad := range []string{"s3://stems", "s3:///key", "https://a/b"} {
		if _, _, err := ParseObjectRef(bad); err == nil {
			t.Errorf("ParseObjectRef(%q) should fail", bad)
		}
	}
}

func TestLoaderCachesDecodedBuffers(t *testing.T) {
	wavData := encodeWAV16(make([]int16, 960), 48000)
	var calls atomic.Int32
	r := ResolverFunc(func(ctx context.Context, ref string) (io.ReadCloser, error) {
		calls.Add(1)
		return io.NopCloser(strings.NewReader(string(wavData))), nil
	})
	l := NewLoader(r, Decoder{SampleRate: 48000}, 1, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := l.Load(ctx, "a"); err != nil {
			t.Fatalf("load: %v", err)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("resolver calls = %d, want 1", got)
	}
	l.Load(ctx, "b") // evicts a
	l.Load(ctx, "a")
	if got := calls.Load(); got != 3 {
		t.Fatalf("resolver calls after eviction = %d, want 3", got)
	}
	l.Forget("a")
	l.Load(ctx, "a")
	if got := calls.Load(); got != 4 {
		t.Fatalf("resolver calls after Forget = %d, want 4", got)
	}
	if n := l.Cached(); n != 1 {
		t.Fatalf("cached = %d, want 1", n)
	}
}

func TestLoaderWithoutCacheAlwaysResolves(t *testing.T) {
	wavData := encodeWAV16(make([]int16, 960), 48000)
	var calls atomic.Int32
	r := ResolverFunc(func(ctx context.Context, ref string) (io.ReadCloser, error) {
		calls.Add(1)
		return io.NopCloser(strings.NewReader(string(wavData))), nil
	})
	l := NewLoader(r, Decoder{SampleRate: 48000}, 0, nil)
	for i := 0; i < 3; i++ {
		if _, err := l.Load(context.Background(), "a"); err != nil {
			t.Fatal(err)
		}
	}
	if got := calls.Load(); got != 3 || l.Cached() != 0 {
		t.Fatalf("calls = %d cached = %d, want 3 and 0", got, l.Cached())
	}
	l.Forget("a")
}

func TestLoaderWrapsFailures(t *testing.T) {
	r := ResolverFunc(func(ctx context.Context, ref string) (io.ReadCloser, error) {
		return nil, errors.New("boom")
	})
	l := NewLoader(r, Decoder{SampleRate: 48000}, 4, nil)
	if _, err := l.Load(context.Background(), "x"); !errors.Is(err, ErrContentUnavailable) {
		t.Fatalf("resolver failure: err = %v", err)
	}
	ok := ResolverFunc(func(ctx context.Context, ref string) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader("garbage")), nil
	})
	l = NewLoader(ok, Decoder{SampleRate: 48000}, 4, nil)
	if _, err := l.Load(context.Background(), "x"); !errors.Is(err, ErrContentUnavailable) {
		t.Fatalf("decode failure: err = %v", err)
	}
}
