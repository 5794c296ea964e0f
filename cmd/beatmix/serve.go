package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cbegin/beatmix-go"
	"github.com/cbegin/beatmix-go/internal/server"
	"github.com/cbegin/beatmix-go/internal/stream"
)

var (
	serveAddr  string
	serveStart bool
)

// controlEngine exposes the engine snapshot to the control server.
type controlEngine struct {
	*beatmix.Engine
}

func (c controlEngine) State() any { return c.Snapshot() }

var _ server.Engine = controlEngine{}

var serveCmd = &cobra.Command{
	Use:   "serve <project.yaml>",
	Short: "Serve the control API and a WebRTC monitor stream",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(args[0])
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		s.watch(ctx)

		// The pump pulls the engine in real time; the broadcaster fans its
		// frames out to every connected peer.
		framer := stream.NewFramer(s.cfg.SampleRate, 50)
		pump := stream.NewPump(s.engine, framer)
		broadcaster := stream.NewBroadcaster(stream.DefaultListenerBuffer)
		go pump.Run(ctx)
		go broadcaster.Run(ctx, framer.Frames())

		opts := []server.Option{server.WithLogger(s.log)}
		monitor, err := stream.NewWebRTCHandler(broadcaster, s.cfg.SampleRate, s.log)
		if err != nil {
			s.log.Warn("webrtc monitor disabled", zap.Error(err))
		} else {
			defer monitor.Close()
			opts = append(opts, server.WithMonitor(monitor))
		}

		addr := s.cfg.HTTPAddr
		if serveAddr != "" {
			addr = serveAddr
		}
		httpServer := &http.Server{
			Addr:        addr,
			Handler:     server.New(controlEngine{s.engine}, opts...),
			ReadTimeout: 30 * time.Second,
			IdleTimeout: 120 * time.Second,
		}

		if serveStart {
			if err := s.engine.Play(); err != nil {
				return err
			}
		}

		errCh := make(chan error, 1)
		go func() {
			s.log.Info("listening", zap.String("addr", addr), zap.String("project", args[0]))
			errCh <- httpServer.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
		case <-ctx.Done():
		}
		st := broadcaster.Stats()
		s.log.Info("monitor stream stopped",
			zap.Uint64("frames", st.Frames),
			zap.Uint64("listener_drops", st.Dropped),
			zap.Int("render_drops", framer.Dropped()))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides BEATMIX_HTTP_ADDR)")
	serveCmd.Flags().BoolVar(&serveStart, "play", false, "start the transport immediately")
	rootCmd.AddCommand(serveCmd)
}
