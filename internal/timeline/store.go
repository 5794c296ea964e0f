package timeline

import (
	"fmt"
	"sort"
	"sync"
)

// Store is the read side the scheduler consults on every tick.
type Store interface {
	ListBlocks() []Block
	GetBlock(id string) (Block, bool)
}

// MemoryStore is a concurrency-safe Store that project code edits directly.
type MemoryStore struct {
	mu     sync.RWMutex
	tracks map[string]Track
	blocks map[string]Block
	order  []string // track ids in insertion order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tracks: make(map[string]Track),
		blocks: make(map[string]Block),
	}
}

// AddTrack inserts or renames a track. An empty id gets a generated one.
func (s *MemoryStore) AddTrack(t Track) Track {
	if t.ID == "" {
		t.ID = NewID()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tracks[t.ID]; !ok {
		s.order = append(s.order, t.ID)
	}
	s.tracks[t.ID] = t
	return t
}

func (s *MemoryStore) Tracks() []Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Track, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.tracks[id])
	}
	return out
}

// AddBlock validates and stores a block. An empty id gets a generated one.
func (s *MemoryStore) AddBlock(b Block) (Block, error) {
	if b.ID == "" {
		b.ID = NewID()
	}
	if err := b.Validate(); err != nil {
		return Block{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tracks[b.TrackID]; !ok {
		return Block{}, fmt.Errorf("%w: block %s references unknown track %s", ErrInvalidParameter, b.ID, b.TrackID)
	}
	s.blocks[b.ID] = b
	return b, nil
}

// MoveBlock rewrites a block's start beat, the only edit a drag performs.
func (s *MemoryStore) MoveBlock(id string, startBeat float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocks[id]
	if !ok {
		return fmt.Errorf("%w: unknown block %s", ErrInvalidParameter, id)
	}
	b.StartBeat = startBeat
	if err := b.Validate(); err != nil {
		return err
	}
	s.blocks[id] = b
	return nil
}

// DeleteBlock removes a block. Deleting an unknown block is a no-op.
func (s *MemoryStore) DeleteBlock(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blocks, id)
}

// DeleteTrack removes a track together with every block it owns.
func (s *MemoryStore) DeleteTrack(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tracks[id]; !ok {
		return
	}
	delete(s.tracks, id)
	for i, tid := range s.order {
		if tid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	for bid, b := range s.blocks {
		if b.TrackID == id {
			delete(s.blocks, bid)
		}
	}
}

// Replace swaps the whole timeline atomically. Used when a project reloads.
func (s *MemoryStore) Replace(tracks []Track, blocks []Block) error {
	nextTracks := make(map[string]Track, len(tracks))
	order := make([]string, 0, len(tracks))
	for _, t := range tracks {
		if t.ID == "" {
			return fmt.Errorf("%w: track %q has no id", ErrInvalidParameter, t.Name)
		}
		if _, dup := nextTracks[t.ID]; !dup {
			order = append(order, t.ID)
		}
		nextTracks[t.ID] = t
	}
	nextBlocks := make(map[string]Block, len(blocks))
	for _, b := range blocks {
		if err := b.Validate(); err != nil {
			return err
		}
		if _, ok := nextTracks[b.TrackID]; !ok {
			return fmt.Errorf("%w: block %s references unknown track %s", ErrInvalidParameter, b.ID, b.TrackID)
		}
		nextBlocks[b.ID] = b
	}
	s.mu.Lock()
	s.tracks, s.blocks, s.order = nextTracks, nextBlocks, order
	s.mu.Unlock()
	return nil
}

// ListBlocks returns blocks ordered by start beat, then id, so that tick
// decisions are deterministic.
func (s *MemoryStore) ListBlocks() []Block {
	s.mu.RLock()
	out := make([]Block, 0, len(s.blocks))
	for _, b := range s.blocks {
		out = append(out, b)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartBeat != out[j].StartBeat {
			return out[i].StartBeat < out[j].StartBeat
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *MemoryStore) GetBlock(id string) (Block, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blocks[id]
	return b, ok
}
