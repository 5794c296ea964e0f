package scheduler

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cbegin/beatmix-go/internal/clock"
	"github.com/cbegin/beatmix-go/internal/mixer"
	"github.com/cbegin/beatmix-go/internal/timeline"
)

// Voices is the part of the mixer the scheduler drives.
type Voices interface {
	StartVoice(blockID, ref string, opts mixer.StartOptions) error
	StopVoice(blockID string)
	LiveVoices() []mixer.VoiceInfo
	TakeFailures() map[string]string
}

// Result lists the block ids a tick stopped and started.
type Result struct {
	Started []string
	Stopped []string
}

func (r Result) Empty() bool { return len(r.Started) == 0 && len(r.Stopped) == 0 }

type Option func(*Scheduler)

func WithLogger(log *zap.Logger) Option {
	return func(s *Scheduler) {
		if log != nil {
			s.log = log
		}
	}
}

// Scheduler reconciles the timeline against the live voices once per tick.
type Scheduler struct {
	store  timeline.Store
	voices Voices
	log    *zap.Logger

	mu sync.Mutex
	// failed holds blocks whose content could not be loaded, keyed to the
	// ref that failed. They are not restarted until the playhead leaves
	// them, the ref changes, or Reset/Retry clears them.
	failed map[string]string
}

func New(store timeline.Store, voices Voices, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:   store,
		voices:  voices,
		log:     zap.NewNop(),
		failed:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("scheduler")
	return s
}

// Tick runs one reconciliation at the current playhead. previous is the beat
// of the prior tick; bpm converts the playhead into an offset for voices
// that begin mid-block.
//
// All stops are issued before any start, so a voice stopped this tick is
// never restarted by the same tick.
func (s *Scheduler) Tick(current, previous, bpm float64) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res Result

	// Live voices are read before failures are collected: a load that fails
	// in between is either still listed as live or already collected.
	voices := s.voices.LiveVoices()
	for id, ref := range s.voices.TakeFailures() {
		s.failed[id] = ref
	}

	// Stop pass.
	live := make(map[string]bool)
	for _, v := range voices {
		live[v.BlockID] = true
		if v.State == mixer.Stopping || v.State == mixer.Disposed {
			continue
		}
		b, ok := s.store.GetBlock(v.BlockID)
		reason := ""
		switch {
		case !ok:
			reason = "block deleted"
		case !b.Contains(current):
			reason = "out of range"
		case b.ContentRef != v.ContentRef:
			reason = "content changed"
		}
		if reason == "" {
			continue
		}
		s.voices.StopVoice(v.BlockID)
		res.Stopped = append(res.Stopped, v.BlockID)
		s.log.Debug("stop voice",
			zap.String("block", v.BlockID),
			zap.String("reason", reason),
			zap.Float64("beat", current))
	}

	// Start pass.
	blocks := s.store.ListBlocks()
	present := make(map[string]bool, len(blocks))
	for _, b := range blocks {
		present[b.ID] = true
		if ref, ok := s.failed[b.ID]; ok && (!b.Contains(current) || ref != b.ContentRef) {
			delete(s.failed, b.ID)
		}
		if !b.Contains(current) {
			if b.Skipped(previous, current) {
				s.log.Debug("block skipped between ticks",
					zap.String("block", b.ID),
					zap.Float64("from", previous),
					zap.Float64("to", current))
			}
			continue
		}
		if live[b.ID] {
			continue
		}
		if _, ok := s.failed[b.ID]; ok {
			continue
		}
		offset := clock.BeatsToDuration(current-b.StartBeat, bpm)
		if err := s.voices.StartVoice(b.ID, b.ContentRef, mixer.StartOptions{Offset: max(offset, 0)}); err != nil {
			s.log.Warn("start voice failed", zap.String("block", b.ID), zap.Error(err))
			s.failed[b.ID] = b.ContentRef
			continue
		}
		res.Started = append(res.Started, b.ID)
		s.log.Debug("start voice",
			zap.String("block", b.ID),
			zap.Float64("beat", current),
			zap.Bool("edge", b.Entered(previous, current)),
			zap.Duration("offset", offset.Round(time.Millisecond)))
	}
	for id := range s.failed {
		if !present[id] {
			delete(s.failed, id)
		}
	}
	return res
}

// Retry lets a failed block start again on the next tick.
func (s *Scheduler) Retry(blockID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failed, blockID)
}

// Failed reports whether blockID is held back after a load failure.
func (s *Scheduler) Failed(blockID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.failed[blockID]
	return ok
}

// FailedBlocks lists the blocks held back after load failures, sorted.
func (s *Scheduler) FailedBlocks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.failed) == 0 {
		return nil
	}
	ids := make([]string, 0, len(s.failed))
	for id := range s.failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Reset forgets all failures, as after a seek, including any the voices
// have reported but the next tick has not collected yet.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.voices.TakeFailures()
	clear(s.failed)
}
