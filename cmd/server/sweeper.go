package main

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type uploadSweeper interface {
	Sweep(maxAge time.Duration) (int, error)
}

type sweepTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) sweepTicker

func startUploadSweeper(ctx context.Context, logger *slog.Logger, uploads uploadSweeper, interval, maxAge time.Duration) func() {
	return startUploadSweeperWithTicker(ctx, logger, uploads, interval, maxAge, func(d time.Duration) sweepTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

// startUploadSweeperWithTicker discards upload sessions idle for longer than
// maxAge on every tick. The returned func stops the worker and waits for it.
func startUploadSweeperWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	uploads uploadSweeper,
	interval time.Duration,
	maxAge time.Duration,
	newTicker tickerFactory,
) func() {
	if uploads == nil || interval <= 0 || maxAge <= 0 {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				removed, err := uploads.Sweep(maxAge)
				if err != nil && logger != nil {
					logger.Error("failed to sweep abandoned uploads", "error", err)
				}
				if removed > 0 && logger != nil {
					logger.Info("removed abandoned uploads", "sessions", removed, "max_age", maxAge.String())
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
