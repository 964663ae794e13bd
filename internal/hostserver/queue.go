package hostserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

var errQueueClosed = errors.New("hostserver: write queue closed")

type writeResult struct {
	data json.RawMessage
	err  error
}

type writeJob struct {
	ctx      context.Context
	name     string
	payload  json.RawMessage
	onCommit func(json.RawMessage)
	done     chan writeResult
}

// writeQueue applies write Actions one at a time, in arrival order, on a
// single worker goroutine.
type writeQueue struct {
	jobs  chan *writeJob
	apply func(ctx context.Context, name string, payload json.RawMessage) (json.RawMessage, error)
	log   *slog.Logger

	stopOnce sync.Once
	quit     chan struct{}
	done     chan struct{}
}

func newWriteQueue(size int, apply func(context.Context, string, json.RawMessage) (json.RawMessage, error), log *slog.Logger) *writeQueue {
	q := &writeQueue{
		jobs:  make(chan *writeJob, size),
		apply: apply,
		log:   log,
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *writeQueue) run() {
	defer close(q.done)
	for {
		select {
		case j := <-q.jobs:
			q.process(j)
		case <-q.quit:
			for {
				select {
				case j := <-q.jobs:
					q.process(j)
				default:
					return
				}
			}
		}
	}
}

func (q *writeQueue) process(j *writeJob) {
	var res writeResult
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("write action panicked",
				slog.String("action", j.name),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			res = writeResult{err: fmt.Errorf("action %s panicked: %v", j.name, r)}
		}
		j.done <- res
	}()

	data, err := q.apply(j.ctx, j.name, j.payload)
	res = writeResult{data: data, err: err}
	if err == nil && j.onCommit != nil {
		j.onCommit(data)
	}
}

// submit enqueues a job and waits for its result. Cancelling ctx stops the
// wait only; a job already queued still runs.
func (q *writeQueue) submit(ctx context.Context, name string, payload json.RawMessage, onCommit func(json.RawMessage)) (json.RawMessage, error) {
	j := &writeJob{
		ctx:      context.WithoutCancel(ctx),
		name:     name,
		payload:  payload,
		onCommit: onCommit,
		done:     make(chan writeResult, 1),
	}

	select {
	case <-q.quit:
		return nil, errQueueClosed
	default:
	}

	select {
	case q.jobs <- j:
	case <-q.quit:
		return nil, errQueueClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-j.done:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.done:
		select {
		case r := <-j.done:
			return r.data, r.err
		default:
			return nil, errQueueClosed
		}
	}
}

func (q *writeQueue) depth() int { return len(q.jobs) }

// stop refuses new jobs, lets the worker drain what is queued and waits for
// it to exit.
func (q *writeQueue) stop() {
	q.stopOnce.Do(func() { close(q.quit) })
	<-q.done
}
