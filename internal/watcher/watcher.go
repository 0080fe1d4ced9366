// Package watcher follows the registry event log and forwards new events to
// a sink (the realtime hub).
//
// Events are read from the store rather than pushed in-process, so every
// instance sharing a database streams the same ordered feed.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/magic8ball/internal/magic8ball"
	"github.com/mbd888/magic8ball/internal/retry"
)

// Source reads events with seq greater than afterSeq, oldest first.
type Source interface {
	Events(ctx context.Context, afterSeq uint64, limit int) ([]*magic8ball.Event, error)
}

// Sink receives events in seq order.
type Sink interface {
	Publish(ev *magic8ball.Event)
}

// Config for the event follower
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	FromStart    bool // replay the whole log instead of starting at its tail

	// StartRetry governs locating the log tail while the store may still
	// be coming up.
	StartRetry retry.Policy
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		PollInterval: 500 * time.Millisecond,
		BatchSize:    magic8ball.MaxListLimit,
		StartRetry:   retry.DefaultPolicy(),
	}
}

// Watcher polls a Source and forwards events to a Sink
type Watcher struct {
	source Source
	sink   Sink
	config Config
	logger *slog.Logger

	mu     sync.Mutex
	cursor uint64

	// Shutdown
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a new event follower
func New(cfg Config, source Source, sink Sink, logger *slog.Logger) *Watcher {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.StartRetry.Attempts <= 0 {
		cfg.StartRetry = def.StartRetry
	}
	return &Watcher{
		source: source,
		sink:   sink,
		config: cfg,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start positions the cursor and begins polling in the background.
func (w *Watcher) Start(ctx context.Context) error {
	if !w.config.FromStart {
		var tail uint64
		err := w.config.StartRetry.Do(ctx, func(ctx context.Context) error {
			var err error
			tail, err = w.tail(ctx)
			if err != nil {
				w.logger.Warn("event log not readable yet", "error", err)
			}
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to find end of event log: %w", err)
		}
		w.setCursor(tail)
	}

	w.logger.Info("event watcher started",
		"cursor", w.Cursor(),
		"interval", w.config.PollInterval.String(),
	)

	go w.pollLoop(ctx)
	return nil
}

// Stop stops the watcher and waits for the poll loop to exit. It must only
// be called after Start.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}

// Cursor returns the seq of the last forwarded event.
func (w *Watcher) Cursor() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cursor
}

func (w *Watcher) setCursor(seq uint64) {
	w.mu.Lock()
	w.cursor = seq
	w.mu.Unlock()
}

func (w *Watcher) pollLoop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			if _, err := w.Poll(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("event poll failed", "cursor", w.Cursor(), "error", err)
			}
		}
	}
}

// Poll forwards every event after the cursor and returns how many were sent.
// A gap in seq means the log was rewritten underneath us; it is logged and
// followed.
func (w *Watcher) Poll(ctx context.Context) (int, error) {
	sent := 0
	for {
		cursor := w.Cursor()
		events, err := w.source.Events(ctx, cursor, w.config.BatchSize)
		if err != nil {
			return sent, err
		}

		for _, ev := range events {
			if ev.Seq <= cursor {
				continue
			}
			if ev.Seq != cursor+1 {
				w.logger.Warn("event log gap", "expected", cursor+1, "got", ev.Seq)
			}
			w.sink.Publish(ev)
			cursor = ev.Seq
			sent++
		}
		w.setCursor(cursor)

		if len(events) < w.config.BatchSize {
			return sent, nil
		}
	}
}

// tail returns the seq of the newest event in the log.
func (w *Watcher) tail(ctx context.Context) (uint64, error) {
	var last uint64
	for {
		events, err := w.source.Events(ctx, last, w.config.BatchSize)
		if err != nil {
			return 0, err
		}
		if len(events) == 0 {
			return last, nil
		}
		last = events[len(events)-1].Seq
		if len(events) < w.config.BatchSize {
			return last, nil
		}
	}
}
