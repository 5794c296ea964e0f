package audio

import (
	"encoding/binary"
	"io"
	"math"
	"testing"
)

type rampSource struct{ next float32 }

func (s *rampSource) Process(dst []float32) {
	for i := range dst {
		dst[i] = s.next
		s.next += 0.25
	}
}

func TestStreamReaderEncodesFloat32LE(t *testing.T) {
	r := NewStreamReader(&rampSource{})
	p := make([]byte, 8*3+5) // three frames plus a partial one
	n, err := r.Read(p)
	if err != nil {
		t.Fatal(err)
	}
	if n != 24 {
		t.Fatalf("n = %d, want 24", n)
	}
	for i := 0; i < 6; i++ {
		got := math.Float32frombits(binary.LittleEndian.Uint32(p[i*4:]))
		if want := float32(i) * 0.25; got != want {
			t.Fatalf("sample %d = %f, want %f", i, got, want)
		}
	}
}

func TestStreamReaderShortBuffer(t *testing.T) {
	r := NewStreamReader(&rampSource{})
	if n, err := r.Read(make([]byte, 7)); n != 0 || err != nil {
		t.Fatalf("Read(7 bytes) = %d, %v", n, err)
	}
}

func TestStreamReaderEOFAfterClose(t *testing.T) {
	r := NewStreamReader(&rampSource{})
	r.Close()
	if _, err := r.Read(make([]byte, 64)); err != io.EOF {
		t.Fatalf("err = %v, want EOF", err)
	}
}
