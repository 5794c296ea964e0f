package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cbegin/beatmix-go/internal/audio"
)

var playFrom float64

var playCmd = &cobra.Command{
	Use:   "play <project.yaml>",
	Short: "Play a project on the local output device",
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

		dev, err := audio.Open(s.cfg.SampleRate, s.engine, audio.WithBufferSize(s.cfg.TickInterval*4))
		if err != nil {
			return fmt.Errorf("open audio device: %w", err)
		}
		defer dev.Close()

		if playFrom > 1 {
			if err := s.engine.Seek(playFrom); err != nil {
				return err
			}
		}
		if err := s.engine.Play(); err != nil {
			return err
		}
		dev.Play()
		s.log.Info("playing", zap.String("project", args[0]), zap.Float64("from", s.engine.CurrentBeat()))

		<-ctx.Done()
		s.engine.Stop()
		return nil
	},
}

func init() {
	playCmd.Flags().Float64Var(&playFrom, "from", 1, "start beat")
	rootCmd.AddCommand(playCmd)
}
