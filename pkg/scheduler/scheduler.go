package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Job fetches the data of one key. It must return promptly once ctx is cancelled.
type Job[T any] func(ctx context.Context, key string) (T, error)

// Handler consumes the result of a successful Job. Calls are serialized.
type Handler[T any] func(key string, result T)

// Summary describes a finished pass.
type Summary struct {
	Total      int
	Dispatched int
	Succeeded  int
	Failed     int
	// Late counts jobs still pending when the pass closed; their results were dropped.
	Late    int
	Elapsed time.Duration
}

type Opts[T any] struct {
	Name string
	// Limiter paces dispatch: one job per token. It may be shared by several schedulers.
	Limiter *rate.Limiter
	// Grace bounds how long the pass waits for in-flight jobs after the last dispatch.
	Grace      time.Duration
	Job        Job[T]
	Handle     Handler[T]
	OnComplete func(Summary)
	Logger     *zap.SugaredLogger
}

type Scheduler[T any] struct {
	name       string
	limiter    *rate.Limiter
	grace      time.Duration
	job        Job[T]
	handle     Handler[T]
	onComplete func(Summary)
	l          *zap.SugaredLogger
}

func New[T any](opts Opts[T]) (*Scheduler[T], error) {
	if opts.Limiter == nil {
		return nil, errors.New("scheduler requires a rate limiter")
	}
	if opts.Job == nil || opts.Handle == nil {
		return nil, errors.New("scheduler requires a job and a handler")
	}
	if opts.Grace < 0 {
		return nil, errors.New("scheduler grace period must not be negative")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.OnComplete == nil {
		opts.OnComplete = func(Summary) {}
	}
	return &Scheduler[T]{
		name:       opts.Name,
		limiter:    opts.Limiter,
		grace:      opts.Grace,
		job:        opts.Job,
		handle:     opts.Handle,
		onComplete: opts.OnComplete,
		l:          opts.Logger.With("pass", opts.Name),
	}, nil
}

// Run dispatches one job per limiter token in key order, without waiting for earlier jobs.
// After the last dispatch it waits until every job settled or the grace period elapsed,
// whichever comes first, then cancels what is left and calls OnComplete once.
// Cancelling ctx stops dispatch and closes the pass right away.
func (s *Scheduler[T]) Run(ctx context.Context, keys []string) Summary {
	start := time.Now()
	summary := Summary{Total: len(keys)}
	if len(keys) == 0 {
		summary.Elapsed = time.Since(start)
		s.onComplete(summary)
		return summary
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		closed    bool
		succeeded int
		failed    int
	)
	settle := func(key string, res T, err error) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			s.l.Warnw("dropping late result", "key", key)
			return
		}
		if err != nil {
			failed++
			s.l.Warnw("query failed", "key", key, "error", err)
			return
		}
		succeeded++
		s.handle(key, res)
	}

	for _, key := range keys {
		if err := s.limiter.Wait(ctx); err != nil {
			s.l.Warnw("dispatch interrupted", "dispatched", summary.Dispatched, "total", len(keys), "error", err)
			break
		}
		summary.Dispatched++
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			res, err := s.job(jobCtx, key)
			settle(key, res, err)
		}(key)
	}
	s.l.Debugw("all queries dispatched", "count", summary.Dispatched, "since_start", time.Since(start))

	settled := make(chan struct{})
	go func() {
		wg.Wait()
		close(settled)
	}()

	timer := time.NewTimer(s.grace)
	defer timer.Stop()
	select {
	case <-settled:
	case <-timer.C:
	case <-ctx.Done():
	}

	mu.Lock()
	closed = true
	summary.Succeeded = succeeded
	summary.Failed = failed
	mu.Unlock()
	summary.Late = summary.Dispatched - summary.Succeeded - summary.Failed
	summary.Elapsed = time.Since(start)

	if summary.Late > 0 {
		s.l.Warnw("pass closed with pending queries", "late", summary.Late)
	}
	s.l.Infow("pass complete",
		"total", summary.Total,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"late", summary.Late,
		"elapsed", summary.Elapsed,
	)
	s.onComplete(summary)
	return summary
}
