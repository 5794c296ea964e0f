package content

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// countingResolver serves fixed bytes and counts calls.
type countingResolver struct {
	data  string
	calls atomic.Int32
	err   error
}

func (c *countingResolver) Resolve(ctx context.Context, ref string) (io.ReadCloser, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return io.NopCloser(strings.NewReader(c.data)), nil
}

func readAll(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestRedisCacheMissThenHit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	next := &countingResolver{data: "asset-bytes"}
	cache := NewRedisCache(next, client, time.Minute, nil)
	ctx := context.Background()

	rc, err := cache.Resolve(ctx, "https://cdn.example/loop.wav")
	if err != nil {
		t.Fatalf("miss: %v", err)
	}
	if got := readAll(t, rc); got != "asset-bytes" {
		t.Fatalf("miss body = %q", got)
	}
	if !mr.Exists(cacheKey("https://cdn.example/loop.wav")) {
		t.Fatal("miss did not populate the cache")
	}
	if ttl := mr.TTL(cacheKey("https://cdn.example/loop.wav")); ttl != time.Minute {
		t.Errorf("ttl = %v, want 1m", ttl)
	}

	rc, err = cache.Resolve(ctx, "https://cdn.example/loop.wav")
	if err != nil {
		t.Fatalf("hit: %v", err)
	}
	if got := readAll(t, rc); got != "asset-bytes" {
		t.Fatalf("hit body = %q", got)
	}
	if n := next.calls.Load(); n != 1 {
		t.Fatalf("wrapped resolver calls = %d, want 1 (hit must skip it)", n)
	}

	// Expiry turns the next lookup back into a miss.
	mr.FastForward(2 * time.Minute)
	if _, err := cache.Resolve(ctx, "https://cdn.example/loop.wav"); err != nil {
		t.Fatal(err)
	}
	if n := next.calls.Load(); n != 2 {
		t.Fatalf("calls after expiry = %d, want 2", n)
	}
}

func TestRedisCachePassesThroughFailures(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	next := &countingResolver{err: unavailable("x", errors.New("404"))}
	cache := NewRedisCache(next, client, time.Minute, nil)
	if _, err := cache.Resolve(context.Background(), "x"); !errors.Is(err, ErrContentUnavailable) {
		t.Fatalf("err = %v, want ErrContentUnavailable", err)
	}
	if len(mr.Keys()) != 0 {
		t.Fatalf("failed load was cached: %v", mr.Keys())
	}
}

func TestRedisCacheDownDegradesToPassThrough(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	next := &countingResolver{data: "still-here"}
	cache := NewRedisCache(next, client, time.Minute, nil)
	for i := 0; i < 2; i++ {
		rc, err := cache.Resolve(context.Background(), "https://cdn.example/a.wav")
		if err != nil {
			t.Fatalf("load with redis down: %v", err)
		}
		if got := readAll(t, rc); got != "still-here" {
			t.Fatalf("body = %q", got)
		}
	}
	if n := next.calls.Load(); n != 2 {
		t.Fatalf("wrapped resolver calls = %d, want 2", n)
	}
}

// s3Stub serves objects path-style at /bucket/key the way an S3-compatible
// store answers HEAD and ranged GET requests.
func s3Stub(t *testing.T, objects map[string]string) *httptest.Server {
	t.Helper()
	modTime := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := objects[strings.TrimPrefix(r.URL.Path, "/")]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			if r.Method != http.MethodHead {
				io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`)
			}
			return
		}
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.Header().Set("Content-Type", "audio/wav")
		http.ServeContent(w, r, "", modTime, bytes.NewReader([]byte(body)))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newStubResolver(t *testing.T, srv *httptest.Server) *MinioResolver {
	t.Helper()
	m, err := NewMinioResolver(MinioConfig{
		Endpoint:  strings.TrimPrefix(srv.URL, "http://"),
		AccessKey: "access",
		SecretKey: "secret",
		Region:    "us-east-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestMinioResolverReadsObject(t *testing.T) {
	srv := s3Stub(t, map[string]string{"loops/drums.wav": "RIFF-drums"})
	m := newStubResolver(t, srv)

	rc, err := m.Resolve(context.Background(), "s3://loops/drums.wav")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := readAll(t, rc); got != "RIFF-drums" {
		t.Fatalf("body = %q", got)
	}
}

func TestMinioResolverMissingObjectIsUnavailable(t *testing.T) {
	srv := s3Stub(t, map[string]string{})
	m := newStubResolver(t, srv)

	_, err := m.Resolve(context.Background(), "s3://loops/missing.wav")
	if !errors.Is(err, ErrContentUnavailable) {
		t.Fatalf("err = %v, want ErrContentUnavailable", err)
	}
	if _, err := m.Resolve(context.Background(), "s3://no-key"); !errors.Is(err, ErrContentUnavailable) {
		t.Fatalf("malformed ref: err = %v", err)
	}
}
