// Package broadcast delivers one message to many chats under a concurrency
// ceiling and reports what happened.
package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"chatrelay/internal/transport"
	logx "chatrelay/pkg/logx"
)

const (
	DefaultConcurrency  = 20
	DefaultSuccessDelay = 50 * time.Millisecond
)

// Target is one destination of a broadcast.
type Target struct {
	ChatID int64
	Kind   transport.ChatKind
	Title  string
}

// Result aggregates one Send. Succeeded+Failed always equals TotalTargets.
// Deregister lists permanently gone chats in target order.
type Result struct {
	Succeeded    int                        `json:"succeeded"`
	Failed       int                        `json:"failed"`
	ByKind       map[transport.ChatKind]int `json:"by_kind,omitempty"`
	TotalTargets int                        `json:"total_targets"`
	Deregister   []int64                    `json:"deregister,omitempty"`
}

// SuccessRate is the percentage of delivered targets.
func (r Result) SuccessRate() float64 {
	if r.TotalTargets == 0 {
		return 0
	}
	return float64(r.Succeeded) * 100 / float64(r.TotalTargets)
}

type EngineOptions struct {
	// SuccessDelay is slept after every successful delivery, holding the
	// concurrency slot.
	SuccessDelay time.Duration
	// RatePerSec caps deliveries per second across the whole batch.
	// Zero disables the limiter.
	RatePerSec int
}

// Engine fans a message out to targets. It never touches the registry; the
// caller acts on Result.Deregister.
type Engine struct {
	sender transport.Sender
	log    logx.Logger

	mu      sync.Mutex
	opts    EngineOptions
	limiter *rate.Limiter
}

type EngineOption func(*Engine)

func WithEngineLogger(log logx.Logger) EngineOption { return func(e *Engine) { e.log = log } }

func NewEngine(sender transport.Sender, opts EngineOptions, o ...EngineOption) *Engine {
	e := &Engine{sender: sender, log: logx.Nop()}
	for _, fn := range o {
		fn(e)
	}
	e.Apply(opts)
	return e
}

func (e *Engine) Apply(opts EngineOptions) {
	if opts.SuccessDelay < 0 {
		opts.SuccessDelay = 0
	}
	var lim *rate.Limiter
	if opts.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.RatePerSec)
	}
	e.mu.Lock()
	e.opts = opts
	e.limiter = lim
	e.mu.Unlock()
}

// tally merges per-delivery outcomes.
type tally struct {
	mu        sync.Mutex
	succeeded int
	failed    int
	byKind    map[transport.ChatKind]int
	gone      []bool
}

func (t *tally) ok(kind transport.ChatKind) {
	t.mu.Lock()
	t.succeeded++
	t.byKind[kind]++
	t.mu.Unlock()
}

func (t *tally) fail(i int, gone bool) {
	t.mu.Lock()
	t.failed++
	if gone {
		t.gone[i] = true
	}
	t.mu.Unlock()
}

// Send delivers message to every target with at most limit deliveries in
// flight (DefaultConcurrency when limit <= 0). Targets not attempted
// because ctx ended count as failed.
func (e *Engine) Send(ctx context.Context, message string, targets []Target, limit int) Result {
	if len(targets) == 0 {
		return Result{}
	}
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	e.mu.Lock()
	delay, lim := e.opts.SuccessDelay, e.limiter
	e.mu.Unlock()

	t := &tally{byKind: map[transport.ChatKind]int{}, gone: make([]bool, len(targets))}
	sem := semaphore.NewWeighted(int64(limit))
	var g errgroup.Group

	for i, target := range targets {
		if err := sem.Acquire(ctx, 1); err != nil {
			for j := i; j < len(targets); j++ {
				t.fail(j, false)
			}
			e.log.Warn("broadcast cancelled before all targets were attempted",
				logx.Int("skipped", len(targets)-i), logx.Err(err))
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			e.deliver(ctx, i, target, message, delay, lim, t)
			return nil
		})
	}
	_ = g.Wait()

	res := Result{
		Succeeded:    t.succeeded,
		Failed:       t.failed,
		ByKind:       t.byKind,
		TotalTargets: len(targets),
	}
	for i, gone := range t.gone {
		if gone {
			res.Deregister = append(res.Deregister, targets[i].ChatID)
		}
	}
	return res
}

func (e *Engine) deliver(ctx context.Context, i int, target Target, message string, delay time.Duration, lim *rate.Limiter, t *tally) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("panic during broadcast delivery", logx.Int64("chat_id", target.ChatID), logx.Any("panic", r))
			t.fail(i, false)
		}
	}()

	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			t.fail(i, false)
			return
		}
	}

	_, err := e.sender.SendText(ctx, transport.ChatTarget{ChatID: target.ChatID}, message, nil)
	if err != nil {
		gone := transport.IsGone(err)
		t.fail(i, gone)
		e.log.Debug("broadcast delivery failed",
			logx.Int64("chat_id", target.ChatID),
			logx.String("kind", string(target.Kind)),
			logx.Bool("gone", gone),
			logx.Err(err),
		)
		return
	}
	t.ok(target.Kind)
	sleepCtx(ctx, delay)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
	case <-tmr.C:
	}
}

func (r Result) String() string {
	return fmt.Sprintf("%d/%d delivered (%d failed, %d to deregister)",
		r.Succeeded, r.TotalTargets, r.Failed, len(r.Deregister))
}
