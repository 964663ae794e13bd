package hostserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteQueueSingleWriter(t *testing.T) {
	var inFlight, peak atomic.Int32
	apply := func(_ context.Context, _ string, _ json.RawMessage) (json.RawMessage, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		inFlight.Add(-1)
		return json.RawMessage(`{}`), nil
	}
	q := newWriteQueue(8, apply, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer q.stop()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.submit(context.Background(), "w", nil, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, peak.Load())
}

func TestWriteQueueOrderAndCommitHook(t *testing.T) {
	var mu sync.Mutex
	var applied, committed []string
	apply := func(_ context.Context, name string, _ json.RawMessage) (json.RawMessage, error) {
		mu.Lock()
		applied = append(applied, name)
		mu.Unlock()
		return json.RawMessage(strconv.Quote(name)), nil
	}
	q := newWriteQueue(16, apply, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer q.stop()

	for i := 0; i < 5; i++ {
		name := strconv.Itoa(i)
		out, err := q.submit(context.Background(), name, nil, func(json.RawMessage) {
			mu.Lock()
			committed = append(committed, name)
			mu.Unlock()
		})
		require.NoError(t, err)
		assert.Equal(t, strconv.Quote(name), string(out))
	}
	assert.Equal(t, []string{"0", "1", "2", "3", "4"}, applied)
	assert.Equal(t, applied, committed)
}

func TestWriteQueueRecoversPanic(t *testing.T) {
	apply := func(_ context.Context, name string, _ json.RawMessage) (json.RawMessage, error) {
		if name == "bad" {
			panic("boom")
		}
		return nil, nil
	}
	q := newWriteQueue(1, apply, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer q.stop()

	_, err := q.submit(context.Background(), "bad", nil, nil)
	assert.ErrorContains(t, err, "panicked")

	_, err = q.submit(context.Background(), "good", nil, nil)
	assert.NoError(t, err)
}

func TestWriteQueueStopDrainsAndRefuses(t *testing.T) {
	release := make(chan struct{})
	var entered, count atomic.Int32
	apply := func(context.Context, string, json.RawMessage) (json.RawMessage, error) {
		entered.Add(1)
		<-release
		count.Add(1)
		return nil, nil
	}
	q := newWriteQueue(4, apply, slog.New(slog.NewTextHandler(io.Discard, nil)))

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = q.submit(context.Background(), "w", nil, nil)
		}()
	}
	require.Eventually(t, func() bool { return entered.Load() == 1 && q.depth() == 2 }, time.Second, 5*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		q.stop()
		close(stopped)
	}()
	close(release)
	<-stopped
	wg.Wait()

	assert.EqualValues(t, 3, count.Load(), "queued writes are drained")
	_, err := q.submit(context.Background(), "late", nil, nil)
	assert.ErrorIs(t, err, errQueueClosed)
}

func TestWriteQueueCallerTimeout(t *testing.T) {
	release := make(chan struct{})
	apply := func(context.Context, string, json.RawMessage) (json.RawMessage, error) {
		<-release
		return nil, nil
	}
	q := newWriteQueue(1, apply, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer q.stop()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.submit(ctx, "slow", nil, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
