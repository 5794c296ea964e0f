package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cbegin/beatmix-go"
	"github.com/cbegin/beatmix-go/internal/config"
	"github.com/cbegin/beatmix-go/internal/content"
	"github.com/cbegin/beatmix-go/internal/logger"
	"github.com/cbegin/beatmix-go/internal/timeline"
)

// session is everything a command needs to run one project.
type session struct {
	cfg    config.Config
	log    *zap.Logger
	store  *timeline.FileStore
	engine *beatmix.Engine
	redis  *redis.Client
}

func loadConfig() config.Config {
	var cfg config.Config
	if envFile != "" {
		cfg = config.Load(envFile)
	} else {
		cfg = config.Load()
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	lc := logger.DefaultConfig()
	lc.Level = cfg.LogLevel
	lc.OutputPath = cfg.LogFile
	return logger.New(lc)
}

// buildResolver routes refs by scheme: bare paths and file:// to disk,
// http(s) to the web, s3:// to MinIO when configured. A Redis cache sits in
// front of the remote schemes when REDIS_ADDR is set.
func buildResolver(cfg config.Config, log *zap.Logger) (content.Resolver, *redis.Client, error) {
	remote := content.NewMux()
	httpRes := content.NewHTTPResolver(30*time.Second, cfg.HTTPAPIKey)
	remote.Handle("http", httpRes).Handle("https", httpRes)
	if cfg.MinioEndpoint != "" {
		m, err := content.NewMinioResolver(content.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			UseSSL:    cfg.MinioUseSSL,
			Region:    cfg.MinioRegion,
		})
		if err != nil {
			return nil, nil, err
		}
		remote.Handle("s3", m)
	}

	var (
		remoteRes content.Resolver = remote
		client    *redis.Client
	)
	if cfg.RedisAddr != "" {
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := client.Ping(ctx).Err()
		cancel()
		if err != nil {
			log.Warn("redis unavailable, asset cache disabled", zap.String("addr", cfg.RedisAddr), zap.Error(err))
			client.Close()
			client = nil
		} else {
			remoteRes = content.NewRedisCache(remote, client, cfg.CacheTTL, log)
		}
	}

	files := content.FileResolver{Root: cfg.ContentRoot}
	mux := content.NewMux().
		Handle("", files).
		Handle("file", files).
		Handle("http", remoteRes).
		Handle("https", remoteRes)
	if cfg.MinioEndpoint != "" {
		mux.Handle("s3", remoteRes)
	}
	return mux, client, nil
}

func openSession(projectPath string, extra ...beatmix.EngineOption) (*session, error) {
	cfg := loadConfig()
	log, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}

	store, err := timeline.OpenFileStore(projectPath, log)
	if err != nil {
		return nil, fmt.Errorf("open project: %w", err)
	}

	resolver, client, err := buildResolver(cfg, log)
	if err != nil {
		return nil, err
	}
	loader := content.NewLoader(resolver, content.Decoder{
		SampleRate: cfg.SampleRate,
		FFmpegPath: cfg.FFmpegPath,
	}, cfg.CacheEntries, log)

	bpm := cfg.BPM
	if b := store.BPM(); b > 0 {
		bpm = b
	}
	opts := []beatmix.EngineOption{
		beatmix.WithSampleRate(cfg.SampleRate),
		beatmix.WithTickInterval(cfg.TickInterval),
		beatmix.WithTempo(bpm),
		beatmix.WithMasterGain(cfg.MasterGain),
		beatmix.WithFade(cfg.Fade),
		beatmix.WithLogger(log),
	}
	engine, err := beatmix.New(store, loader, append(opts, extra...)...)
	if err != nil {
		if client != nil {
			client.Close()
		}
		return nil, err
	}
	store.OnReload(func(p *timeline.Project) {
		if p.BPM > 0 {
			engine.SetTempo(p.BPM)
		}
	})

	return &session{cfg: cfg, log: log, store: store, engine: engine, redis: client}, nil
}

// watch follows project edits and logs engine events until ctx ends.
func (s *session) watch(ctx context.Context) {
	go func() {
		if err := s.store.Watch(ctx); err != nil {
			s.log.Warn("project watch stopped", zap.Error(err))
		}
	}()
	events := s.engine.Watch()
	go func() {
		for ev := range events {
			switch ev.Kind {
			case beatmix.EventVoiceFailed:
				s.log.Warn("voice failed", zap.String("block", ev.BlockID), zap.Error(ev.Err))
			case beatmix.EventTransport:
				s.log.Debug("transport", zap.String("change", ev.Transport), zap.Float64("beat", ev.Beat))
			default:
				s.log.Debug("voice", zap.Stringer("event", ev.Kind), zap.String("block", ev.BlockID))
			}
		}
	}()
}

func (s *session) Close() {
	s.engine.Close()
	if s.redis != nil {
		s.redis.Close()
	}
	s.log.Sync()
}
