package watcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/magic8ball/internal/magic8ball"
	"github.com/mbd888/magic8ball/internal/retry"
)

var (
	owner        = common.HexToAddress("0x00000000000000000000000000000000000000a0")
	registryAddr = common.HexToAddress("0x00000000000000000000000000000000000000c0")
)

type fakeSource struct {
	mu     sync.Mutex
	events []*magic8ball.Event
	err    error
	calls  int
}

func (s *fakeSource) add(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.events = append(s.events, &magic8ball.Event{
			Seq:  uint64(len(s.events) + 1),
			Type: magic8ball.EventPaused,
		})
	}
}

func (s *fakeSource) Events(_ context.Context, afterSeq uint64, limit int) ([]*magic8ball.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	var out []*magic8ball.Event
	for _, ev := range s.events {
		if ev.Seq > afterSeq && len(out) < limit {
			out = append(out, ev)
		}
	}
	return out, nil
}

type recordingSink struct {
	mu   sync.Mutex
	seqs []uint64
}

func (s *recordingSink) Publish(ev *magic8ball.Event) {
	s.mu.Lock()
	s.seqs = append(s.seqs, ev.Seq)
	s.mu.Unlock()
}

func (s *recordingSink) got() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.seqs...)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 500*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, magic8ball.MaxListLimit, cfg.BatchSize)
	assert.False(t, cfg.FromStart)
}

func TestPoll_PagesThroughBacklog(t *testing.T) {
	src := &fakeSource{}
	src.add(7)
	sink := &recordingSink{}
	w := New(Config{BatchSize: 3, FromStart: true}, src, sink, slog.Default())

	n, err := w.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6, 7}, sink.got())
	assert.Equal(t, uint64(7), w.Cursor())

	n, err = w.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPoll_ErrorKeepsCursor(t *testing.T) {
	src := &fakeSource{}
	src.add(2)
	w := New(Config{FromStart: true}, src, &recordingSink{}, slog.Default())
	_, err := w.Poll(context.Background())
	require.NoError(t, err)

	src.err = errors.New("db down")
	_, err = w.Poll(context.Background())
	assert.Error(t, err)
	assert.Equal(t, uint64(2), w.Cursor())
}

func TestStart_TailSkipsHistory(t *testing.T) {
	src := &fakeSource{}
	src.add(5)
	sink := &recordingSink{}
	w := New(Config{PollInterval: 10 * time.Millisecond, BatchSize: 2}, src, sink, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()
	assert.Equal(t, uint64(5), w.Cursor())

	src.add(2)
	assert.Eventually(t, func() bool {
		return len(sink.got()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint64{6, 7}, sink.got())
}

func TestStart_FromStartReplays(t *testing.T) {
	src := &fakeSource{}
	src.add(3)
	sink := &recordingSink{}
	w := New(Config{PollInterval: 10 * time.Millisecond, FromStart: true}, src, sink, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	assert.Eventually(t, func() bool {
		return len(sink.got()) == 3
	}, time.Second, 5*time.Millisecond)

	w.Stop()
	w.Stop()
}

func TestStart_SourceError(t *testing.T) {
	src := &fakeSource{err: errors.New("no such table")}
	w := New(Config{StartRetry: retry.Policy{Attempts: 3, BaseDelay: time.Millisecond}},
		src, &recordingSink{}, slog.Default())
	assert.Error(t, w.Start(context.Background()))
	assert.Equal(t, 3, src.calls)
}

type flakySource struct {
	fakeSource
	failures int
}

func (s *flakySource) Events(ctx context.Context, afterSeq uint64, limit int) ([]*magic8ball.Event, error) {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	s.mu.Unlock()
	return s.fakeSource.Events(ctx, afterSeq, limit)
}

func TestStart_RetriesUntilSourceReady(t *testing.T) {
	src := &flakySource{failures: 2}
	src.add(4)
	w := New(Config{
		PollInterval: time.Hour,
		StartRetry:   retry.Policy{Attempts: 5, BaseDelay: time.Millisecond},
	}, src, &recordingSink{}, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	assert.Equal(t, uint64(4), w.Cursor())
	w.Stop()
}

func TestWatcher_FollowsRegistryService(t *testing.T) {
	store := magic8ball.NewMemoryStore()
	svc := magic8ball.NewService(store, nil, owner, registryAddr)
	sink := &recordingSink{}
	w := New(Config{FromStart: true}, svc, sink, slog.Default())

	ctx := context.Background()
	require.NoError(t, svc.Pause(ctx, owner))
	require.NoError(t, svc.Unpause(ctx, owner))

	n, err := w.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []uint64{1, 2}, sink.got())
}
