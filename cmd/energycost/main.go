package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/raterudder/energycost/pkg/host"
	"github.com/raterudder/energycost/pkg/log"
	"github.com/raterudder/energycost/pkg/meter"
	"github.com/raterudder/energycost/pkg/server"
	"github.com/raterudder/energycost/pkg/storage"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
)

func main() {
	// init packages
	rt := host.Configured()
	reg := meter.Configured()
	s := storage.Configured()

	// init server
	srv := server.Configured(rt, reg)

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	log.SetDefaultLogLevel(level)
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// If initialization inside lflag.Do failed, we wouldn't be here (panic).
	defer func() {
		if err := s.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		}
	}()

	// the event loop outlives ctx so the meters can be closed on it
	loopCtx, stopLoop := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		rt.Run(loopCtx)
	}()
	defer func() {
		stopLoop()
		<-loopDone
	}()

	if err := rt.Do(ctx, func(ctx context.Context) error {
		return reg.Start(ctx, rt, s)
	}); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to start meters", "error", err)
		os.Exit(1)
	}
	go flushLoop(ctx, rt, reg)

	// Run will block until context is canceled or error happens
	runErr := srv.Run(ctx)

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	if err := rt.Do(closeCtx, reg.Close); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to close meters", "error", err)
	}

	if runErr != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", "error", runErr)
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
}

// flushLoop periodically persists the meter totals until ctx is canceled.
func flushLoop(ctx context.Context, rt *host.Runtime, reg *meter.Registry) {
	interval := reg.FlushInterval()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := rt.Do(ctx, reg.Flush); err != nil {
				log.Ctx(ctx).WarnContext(ctx, "failed to flush meters", slog.Any("error", err))
			}
		}
	}
}
