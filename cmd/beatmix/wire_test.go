package main

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/cbegin/beatmix-go/internal/config"
	"github.com/cbegin/beatmix-go/internal/content"
)

func TestBuildResolverLocalFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "kick.wav"), []byte("RIFF"), 0o644); err != nil {
		t.Fatal(err)
	}
	res, client, err := buildResolver(config.Config{ContentRoot: dir}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if client != nil {
		t.Fatal("redis client should be nil without REDIS_ADDR")
	}

	for _, ref := range []string{"kick.wav", "file://" + filepath.Join(dir, "kick.wav")} {
		rc, err := res.Resolve(context.Background(), ref)
		if err != nil {
			t.Fatalf("%s: %v", ref, err)
		}
		data, _ := io.ReadAll(rc)
		rc.Close()
		if string(data) != "RIFF" {
			t.Errorf("%s: got %q", ref, data)
		}
	}

	_, err = res.Resolve(context.Background(), "s3://bucket/key.wav")
	if !errors.Is(err, content.ErrContentUnavailable) {
		t.Errorf("s3 without MinIO: err = %v, want ErrContentUnavailable", err)
	}
}

func TestOpenSessionRequiresProject(t *testing.T) {
	t.Setenv("BEATMIX_LOG_LEVEL", "error")
	envFile = filepath.Join(t.TempDir(), "missing.env")
	defer func() { envFile = "" }()
	if _, err := openSession(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing project")
	}
}

func TestOpenSessionUsesProjectTempo(t *testing.T) {
	t.Setenv("BEATMIX_LOG_LEVEL", "error")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("MINIO_ENDPOINT", "")
	envFile = filepath.Join(t.TempDir(), "missing.env")
	defer func() { envFile = "" }()

	path := filepath.Join(t.TempDir(), "song.yaml")
	project := "bpm: 96\ntracks:\n  - id: drums\n    blocks:\n      - id: a\n        start: 1\n        duration: 4\n        content: kick.wav\n"
	if err := os.WriteFile(path, []byte(project), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := openSession(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if bpm := s.engine.Snapshot().BPM; bpm != 96 {
		t.Errorf("bpm = %v, want 96", bpm)
	}
}
