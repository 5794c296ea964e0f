package scheduler

import (
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/cbegin/beatmix-go/internal/mixer"
	"github.com/cbegin/beatmix-go/internal/timeline"
)

// recordingVoices is a minimal voice controller: starts become Playing at
// once, stops become Stopping until reap.
type recordingVoices struct {
	voices  map[string]mixer.VoiceInfo
	offsets map[string]time.Duration
	calls   []string
	starts  int
	failErr error
	failed  map[string]string
}

func newRecordingVoices() *recordingVoices {
	return &recordingVoices{
		voices:  make(map[string]mixer.VoiceInfo),
		offsets: make(map[string]time.Duration),
		failed:  make(map[string]string),
	}
}

func (r *recordingVoices) StartVoice(blockID, ref string, opts mixer.StartOptions) error {
	r.calls = append(r.calls, "start:"+blockID)
	r.starts++
	if r.failErr != nil {
		return r.failErr
	}
	r.voices[blockID] = mixer.VoiceInfo{BlockID: blockID, ContentRef: ref, State: mixer.Playing}
	r.offsets[blockID] = opts.Offset
	return nil
}

func (r *recordingVoices) StopVoice(blockID string) {
	r.calls = append(r.calls, "stop:"+blockID)
	if v, ok := r.voices[blockID]; ok && v.State != mixer.Stopping {
		v.State = mixer.Stopping
		r.voices[blockID] = v
	}
}

func (r *recordingVoices) LiveVoices() []mixer.VoiceInfo {
	out := make([]mixer.VoiceInfo, 0, len(r.voices))
	for _, v := range r.voices {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BlockID < out[j].BlockID })
	return out
}

func (r *recordingVoices) TakeFailures() map[string]string {
	out := r.failed
	r.failed = make(map[string]string)
	return out
}

// fail disposes a voice and records the failure, as a failed load does.
func (r *recordingVoices) fail(blockID string) {
	r.failed[blockID] = r.voices[blockID].ContentRef
	delete(r.voices, blockID)
}

func (r *recordingVoices) reap() {
	for id, v := range r.voices {
		if v.State == mixer.Stopping {
			delete(r.voices, id)
		}
	}
}

func (r *recordingVoices) playing() []string {
	var ids []string
	for id, v := range r.voices {
		if v.State == mixer.Playing {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func storeWith(t *testing.T, blocks ...timeline.Block) *timeline.MemoryStore {
	t.Helper()
	s := timeline.NewMemoryStore()
	tracks := map[string]bool{}
	for _, b := range blocks {
		if !tracks[b.TrackID] {
			s.AddTrack(timeline.Track{ID: b.TrackID, Name: b.TrackID})
			tracks[b.TrackID] = true
		}
		if _, err := s.AddBlock(b); err != nil {
			t.Fatalf("add block %s: %v", b.ID, err)
		}
	}
	return s
}

func block(id, track string, start, dur float64) timeline.Block {
	return timeline.Block{ID: id, TrackID: track, StartBeat: start, DurationBeats: dur, ContentRef: id + ".wav"}
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestScenarioABlockLifecycle(t *testing.T) {
	store := storeWith(t, block("b1", "T", 1, 4))
	voices := newRecordingVoices()
	s := New(store, voices)

	res := s.Tick(1.0, 1.0, 120)
	if !equal(res.Started, []string{"b1"}) {
		t.Fatalf("started = %v, want [b1]", res.Started)
	}
	for beat := 1.02; beat < 5; beat += 0.02 {
		if r := s.Tick(beat, beat-0.02, 120); !r.Empty() {
			t.Fatalf("beat %f: unexpected changes %+v", beat, r)
		}
	}
	res = s.Tick(5.01, 4.99, 120)
	if !equal(res.Stopped, []string{"b1"}) {
		t.Fatalf("stopped = %v, want [b1]", res.Stopped)
	}
	voices.reap()
	if len(voices.LiveVoices()) != 0 {
		t.Fatal("voice should be gone after reap")
	}
}

func TestScenarioBSimultaneousStarts(t *testing.T) {
	store := storeWith(t, block("a", "T1", 1, 4), block("b", "T2", 1, 4))
	voices := newRecordingVoices()
	s := New(store, voices)
	res := s.Tick(1, 0.98, 120)
	if !equal(res.Started, []string{"a", "b"}) {
		t.Fatalf("started = %v", res.Started)
	}
}

func TestScenarioDDeletedBlockStops(t *testing.T) {
	store := storeWith(t, block("b1", "T", 1, 8))
	voices := newRecordingVoices()
	s := New(store, voices)
	s.Tick(2, 2, 120)
	store.DeleteBlock("b1")
	res := s.Tick(2.02, 2, 120)
	if !equal(res.Stopped, []string{"b1"}) {
		t.Fatalf("stopped = %v, want [b1]", res.Stopped)
	}
}

func TestOverlappingBlocksOnOneTrackBothSound(t *testing.T) {
	store := storeWith(t, block("a", "T", 1, 4), block("b", "T", 3, 4))
	voices := newRecordingVoices()
	s := New(store, voices)
	s.Tick(1, 1, 120)
	s.Tick(3.5, 1, 120)
	if got := voices.playing(); !equal(got, []string{"a", "b"}) {
		t.Fatalf("playing = %v, want both", got)
	}
}

func TestVoiceCountMatchesCoveringBlocks(t *testing.T) {
	store := storeWith(t,
		block("a", "T1", 1, 2),
		block("b", "T1", 2, 3),
		block("c", "T2", 1.5, 0.25),
		block("d", "T3", 4, 4),
	)
	voices := newRecordingVoices()
	s := New(store, voices)
	prev := 1.0
	for beat := 1.0; beat < 9; beat += 0.05 {
		s.Tick(beat, prev, 120)
		voices.reap()
		want := 0
		for _, b := range store.ListBlocks() {
			if b.Contains(beat) {
				want++
			}
		}
		if got := len(voices.playing()); got != want {
			t.Fatalf("beat %.2f: playing %d voices, %d blocks cover the playhead", beat, got, want)
		}
		prev = beat
	}
}

func TestStopsPrecedeStarts(t *testing.T) {
	store := storeWith(t, block("a", "T", 1, 2), block("b", "T", 3, 2))
	voices := newRecordingVoices()
	s := New(store, voices)
	s.Tick(1, 1, 120)
	voices.calls = nil
	s.Tick(3, 2.9, 120)
	if !equal(voices.calls, []string{"stop:a", "start:b"}) {
		t.Fatalf("calls = %v", voices.calls)
	}
}

func TestStoppedVoiceNotRestartedInSameTick(t *testing.T) {
	b := block("a", "T", 1, 8)
	store := storeWith(t, b)
	voices := newRecordingVoices()
	s := New(store, voices)
	s.Tick(2, 2, 120)

	b.ContentRef = "new.wav"
	if err := store.Replace([]timeline.Track{{ID: "T"}}, []timeline.Block{b}); err != nil {
		t.Fatal(err)
	}
	res := s.Tick(2.02, 2, 120)
	if !equal(res.Stopped, []string{"a"}) || len(res.Started) != 0 {
		t.Fatalf("content change tick: %+v", res)
	}
	voices.reap()
	res = s.Tick(2.04, 2.02, 120)
	if !equal(res.Started, []string{"a"}) {
		t.Fatalf("restart tick: %+v", res)
	}
	if voices.voices["a"].ContentRef != "new.wav" {
		t.Fatalf("restarted with %q", voices.voices["a"].ContentRef)
	}
}

func TestStartOffsetFollowsPlayhead(t *testing.T) {
	store := storeWith(t, block("a", "T", 1, 16))
	voices := newRecordingVoices()
	s := New(store, voices)
	s.Tick(3, 3, 120)
	if got := voices.offsets["a"]; got != time.Second {
		t.Fatalf("offset = %v, want 1s (2 beats at 120 bpm)", got)
	}
}

func TestFailedBlockIsNotRetriedEveryTick(t *testing.T) {
	store := storeWith(t, block("a", "T", 1, 4))
	voices := newRecordingVoices()
	s := New(store, voices)

	s.Tick(1, 1, 120)
	voices.fail("a")
	for beat := 1.1; beat < 4; beat += 0.1 {
		s.Tick(beat, beat-0.1, 120)
	}
	if voices.starts != 1 {
		t.Fatalf("starts = %d, want 1", voices.starts)
	}
	if !s.Failed("a") {
		t.Fatal("block should be held back")
	}

	s.Retry("a")
	s.Tick(4.1, 4, 120)
	if voices.starts != 2 {
		t.Fatalf("starts after Retry = %d, want 2", voices.starts)
	}
}

func TestFailureClearedOnReentryAndReset(t *testing.T) {
	store := storeWith(t, block("a", "T", 2, 2))
	voices := newRecordingVoices()
	s := New(store, voices)

	s.Tick(2, 1.9, 120)
	voices.fail("a")
	s.Tick(2.5, 2, 120)
	s.Tick(4.5, 2.5, 120) // leaves the block
	s.Tick(2, 4.5, 120)   // comes back
	if voices.starts != 2 {
		t.Fatalf("starts after re-entry = %d, want 2", voices.starts)
	}

	voices.fail("a")
	s.Reset()
	s.Tick(2.5, 2.5, 120)
	if voices.starts != 3 {
		t.Fatalf("starts after Reset = %d, want 3", voices.starts)
	}
}

func TestSynchronousStartErrorIsRemembered(t *testing.T) {
	store := storeWith(t, block("a", "T", 1, 4))
	voices := newRecordingVoices()
	voices.failErr = errors.New("closed")
	s := New(store, voices)
	s.Tick(1, 1, 120)
	s.Tick(1.1, 1, 120)
	if voices.starts != 1 {
		t.Fatalf("starts = %d, want 1", voices.starts)
	}
}

func TestSkippedBlockIsNotStarted(t *testing.T) {
	store := storeWith(t, block("short", "T", 2, 0.01))
	voices := newRecordingVoices()
	s := New(store, voices)
	res := s.Tick(2.5, 1.9, 120)
	if len(res.Started) != 0 {
		t.Fatalf("started = %v", res.Started)
	}
}

func TestFailureSeenOnFirstTickAfterDisposal(t *testing.T) {
	store := storeWith(t, block("a", "T", 1, 4), block("b", "T", 1, 4))
	voices := newRecordingVoices()
	s := New(store, voices)

	s.Tick(1, 1, 120)
	// The failed voice is already gone from LiveVoices; nothing else has
	// told the scheduler about it.
	voices.fail("a")
	res := s.Tick(1.1, 1, 120)
	if len(res.Started) != 0 {
		t.Fatalf("started = %v, want none", res.Started)
	}
	if !s.Failed("a") || s.Failed("b") {
		t.Fatalf("failed = %v, want [a]", s.FailedBlocks())
	}
}

func TestResetDiscardsUncollectedFailures(t *testing.T) {
	store := storeWith(t, block("a", "T", 1, 4))
	voices := newRecordingVoices()
	s := New(store, voices)

	s.Tick(1, 1, 120)
	voices.fail("a")
	s.Reset()
	s.Tick(1.1, 1.1, 120)
	if voices.starts != 2 {
		t.Fatalf("starts = %d, want 2 (restart after seek)", voices.starts)
	}
}

func TestFailureForOldRefIsDropped(t *testing.T) {
	store := storeWith(t, block("a", "T", 1, 4))
	voices := newRecordingVoices()
	s := New(store, voices)

	s.Tick(1, 1, 120)
	voices.failed["a"] = "old.wav"
	delete(voices.voices, "a")
	s.Tick(1.1, 1, 120)
	if voices.starts != 2 || s.Failed("a") {
		t.Fatalf("starts = %d failed = %v; a failure for a stale ref must not hold the block", voices.starts, s.Failed("a"))
	}
}
