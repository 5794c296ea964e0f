package content

import (
	"context"
	"io"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// Loader resolves and decodes content, keeping the most recently used decoded
// buffers so that a block restarted after a seek does not fetch again.
type Loader struct {
	resolver Resolver
	decoder  Decoder
	log      *zap.Logger
	// cache is nil when caching is disabled.
	cache *lru.Cache[string, *Buffer]
}

// NewLoader builds a loader holding at most maxEntries decoded buffers
// (0 disables caching).
func NewLoader(r Resolver, d Decoder, maxEntries int, log *zap.Logger) *Loader {
	if log == nil {
		log = zap.NewNop()
	}
	l := &Loader{
		resolver: r,
		decoder:  d,
		log:      log.Named("content"),
	}
	if maxEntries > 0 {
		// New only fails for a non-positive size.
		l.cache, _ = lru.NewWithEvict(maxEntries, func(ref string, _ *Buffer) {
			l.log.Debug("evict decoded buffer", zap.String("ref", ref))
		})
	}
	return l
}

// Load returns the decoded buffer for ref. Every failure wraps
// ErrContentUnavailable.
func (l *Loader) Load(ctx context.Context, ref string) (*Buffer, error) {
	if buf, ok := l.cached(ref); ok {
		return buf, nil
	}
	rc, err := l.resolver.Resolve(ctx, ref)
	if err != nil {
		return nil, ensureUnavailable(ref, err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, unavailable(ref, err)
	}
	buf, err := l.decoder.Decode(ctx, data)
	if err != nil {
		return nil, unavailable(ref, err)
	}
	if buf.Frames() == 0 {
		l.log.Warn("decoded empty asset", zap.String("ref", ref))
	}
	l.store(ref, buf)
	l.log.Debug("content loaded",
		zap.String("ref", ref),
		zap.Int("bytes", len(data)),
		zap.Int("frames", buf.Frames()))
	return buf, nil
}

// Forget drops ref from the cache, for content that changed in place.
func (l *Loader) Forget(ref string) {
	if l.cache != nil {
		l.cache.Remove(ref)
	}
}

// Cached reports how many decoded buffers are held.
func (l *Loader) Cached() int {
	if l.cache == nil {
		return 0
	}
	return l.cache.Len()
}

func (l *Loader) cached(ref string) (*Buffer, bool) {
	if l.cache == nil {
		return nil, false
	}
	return l.cache.Get(ref)
}

func (l *Loader) store(ref string, buf *Buffer) {
	if l.cache != nil {
		l.cache.Add(ref, buf)
	}
}

func ensureUnavailable(ref string, err error) error {
	if isUnavailable(err) {
		return err
	}
	return unavailable(ref, err)
}
