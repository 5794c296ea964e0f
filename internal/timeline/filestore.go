package timeline

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// FileStore is a MemoryStore kept in sync with a YAML project file. Edits made
// by external project tooling show up on the next scheduler tick after reload.
type FileStore struct {
	*MemoryStore
	path string
	log  *zap.Logger

	mu       sync.Mutex
	bpm      float64
	onReload func(*Project)
}

// OpenFileStore loads path once. Call Watch to follow later changes.
func OpenFileStore(path string, log *zap.Logger) (*FileStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	fs := &FileStore{
		MemoryStore: NewMemoryStore(),
		path:        path,
		log:         log.Named("timeline"),
	}
	if err := fs.Reload(); err != nil {
		return nil, err
	}
	return fs, nil
}

// OnReload registers fn to run after each successful reload.
func (fs *FileStore) OnReload(fn func(*Project)) {
	fs.mu.Lock()
	fs.onReload = fn
	fs.mu.Unlock()
}

// BPM returns the tempo declared by the file, or 0 if none.
func (fs *FileStore) BPM() float64 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.bpm
}

// Reload re-reads the file. On error the previous timeline stays in place.
func (fs *FileStore) Reload() error {
	p, err := LoadProject(fs.path)
	if err != nil {
		return err
	}
	if err := p.Apply(fs.MemoryStore); err != nil {
		return err
	}
	fs.mu.Lock()
	fs.bpm = p.BPM
	fn := fs.onReload
	fs.mu.Unlock()
	fs.log.Info("project loaded",
		zap.String("path", fs.path),
		zap.Int("tracks", len(p.Tracks)),
		zap.Int("blocks", len(fs.ListBlocks())))
	if fn != nil {
		fn(p)
	}
	return nil
}

// Watch reloads the project whenever the file is written or replaced, until
// ctx is cancelled. Editors that save by rename are handled by watching the
// parent directory.
func (fs *FileStore) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(fs.path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(fs.path)

	// Saves often arrive as several events; coalesce them.
	const settle = 50 * time.Millisecond
	var timer *time.Timer
	var timerC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(settle)
			} else {
				timer.Reset(settle)
			}
			timerC = timer.C
		case <-timerC:
			timerC = nil
			if err := fs.Reload(); err != nil {
				fs.log.Warn("project reload failed", zap.String("path", fs.path), zap.Error(err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fs.log.Warn("project watcher error", zap.Error(err))
		}
	}
}
