package content

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
)

// ErrContentUnavailable wraps every resolution or decoding failure.
var ErrContentUnavailable = errors.New("content unavailable")

// Resolver turns an opaque content reference into a readable asset. It does
// not retry; retry policy belongs to the caller.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (io.ReadCloser, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, ref string) (io.ReadCloser, error)

func (f ResolverFunc) Resolve(ctx context.Context, ref string) (io.ReadCloser, error) {
	return f(ctx, ref)
}

func unavailable(ref string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrContentUnavailable, ref, err)
}

func isUnavailable(err error) bool {
	return errors.Is(err, ErrContentUnavailable)
}

// Scheme returns the lowercase URL scheme of ref, or "" for bare paths.
func Scheme(ref string) string {
	i := strings.Index(ref, "://")
	if i <= 0 {
		return ""
	}
	return strings.ToLower(ref[:i])
}

// Mux dispatches on the reference's scheme. References without a scheme go
// to the "" entry when present.
type Mux struct {
	routes map[string]Resolver
}

func NewMux() *Mux {
	return &Mux{routes: make(map[string]Resolver)}
}

// Handle registers r for scheme ("" for bare paths).
func (m *Mux) Handle(scheme string, r Resolver) *Mux {
	m.routes[strings.ToLower(scheme)] = r
	return m
}

func (m *Mux) Resolve(ctx context.Context, ref string) (io.ReadCloser, error) {
	r, ok := m.routes[Scheme(ref)]
	if !ok {
		return nil, unavailable(ref, fmt.Errorf("no resolver for scheme %q", Scheme(ref)))
	}
	return r.Resolve(ctx, ref)
}

// FileResolver opens local files given as bare paths or file:// URLs.
type FileResolver struct {
	// Root, when set, is prepended to relative paths.
	Root string
}

func (f FileResolver) Resolve(ctx context.Context, ref string) (io.ReadCloser, error) {
	path := ref
	if Scheme(ref) == "file" {
		u, err := url.Parse(ref)
		if err != nil {
			return nil, unavailable(ref, err)
		}
		path = u.Path
	}
	if f.Root != "" && !strings.HasPrefix(path, "/") {
		path = f.Root + "/" + path
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, unavailable(ref, err)
	}
	return file, nil
}
