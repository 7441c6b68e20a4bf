package broadcast

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/transport"
)

// fakeSender scripts per-chat outcomes and measures concurrency.
type fakeSender struct {
	hold    time.Duration
	errs    map[int64]error
	panicOn int64

	inflight atomic.Int64
	peak     atomic.Int64
	calls    atomic.Int64

	mu   sync.Mutex
	sent []int64
}

func (f *fakeSender) SendText(ctx context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	f.calls.Add(1)
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if f.panicOn != 0 && to.ChatID == f.panicOn {
		panic("sender exploded")
	}
	if f.hold > 0 {
		select {
		case <-time.After(f.hold):
		case <-ctx.Done():
			return transport.MessageRef{}, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return transport.MessageRef{}, err
	}
	if err := f.errs[to.ChatID]; err != nil {
		return transport.MessageRef{}, err
	}
	f.mu.Lock()
	f.sent = append(f.sent, to.ChatID)
	f.mu.Unlock()
	return transport.MessageRef{ChatID: to.ChatID}, nil
}

func gone(id int64) error {
	return transport.Classify(id, errors.New("Forbidden: bot was blocked by the user"), true)
}

func transient(id int64) error {
	return transport.Classify(id, errors.New("Too Many Requests: retry after 3"), false)
}

// twentyFiveTargets returns 15 private chats and 10 groups, at positions
// 5, 10 and 15 to 22.
func twentyFiveTargets() []Target {
	groups := map[int]bool{5: true, 10: true}
	for i := 15; i <= 22; i++ {
		groups[i] = true
	}
	out := make([]Target, 0, 25)
	for i := 1; i <= 25; i++ {
		t := Target{ChatID: int64(1000 + i), Kind: transport.ChatPrivate}
		if groups[i] {
			t.ChatID = -t.ChatID
			t.Kind = transport.ChatGroup
		}
		out = append(out, t)
	}
	return out
}

func TestSendMixedOutcomes(t *testing.T) {
	t.Parallel()

	targets := twentyFiveTargets()
	t3, t9, t15 := targets[2], targets[8], targets[14]
	require.Equal(t, transport.ChatPrivate, t3.Kind)
	require.Equal(t, transport.ChatPrivate, t9.Kind)
	require.Equal(t, transport.ChatGroup, t15.Kind)

	s := &fakeSender{errs: map[int64]error{
		t3.ChatID:  gone(t3.ChatID),
		t9.ChatID:  gone(t9.ChatID),
		t15.ChatID: transient(t15.ChatID),
	}}
	e := NewEngine(s, EngineOptions{SuccessDelay: time.Millisecond})

	res := e.Send(context.Background(), "hello", targets, 20)
	assert.Equal(t, Result{
		Succeeded:    22,
		Failed:       3,
		ByKind:       map[transport.ChatKind]int{transport.ChatPrivate: 13, transport.ChatGroup: 9},
		TotalTargets: 25,
		Deregister:   []int64{t3.ChatID, t9.ChatID},
	}, res)
	assert.Equal(t, int64(25), s.calls.Load())
}

func TestSendNoTargets(t *testing.T) {
	t.Parallel()

	s := &fakeSender{}
	res := NewEngine(s, EngineOptions{}).Send(context.Background(), "hello", nil, 20)
	assert.Equal(t, 0, res.Succeeded)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, 0, res.TotalTargets)
	assert.Empty(t, res.Deregister)
	assert.Zero(t, s.calls.Load())
}

func TestSendRespectsConcurrencyLimit(t *testing.T) {
	t.Parallel()

	targets := make([]Target, 30)
	for i := range targets {
		targets[i] = Target{ChatID: int64(i + 1), Kind: transport.ChatPrivate}
	}
	s := &fakeSender{hold: 5 * time.Millisecond}
	res := NewEngine(s, EngineOptions{}).Send(context.Background(), "hi", targets, 3)

	assert.Equal(t, 30, res.Succeeded)
	assert.LessOrEqual(t, s.peak.Load(), int64(3))
	assert.Equal(t, int64(30), s.calls.Load())
}

func TestSendCountsAlwaysAddUp(t *testing.T) {
	t.Parallel()

	targets := twentyFiveTargets()
	allFail := map[int64]error{}
	for _, tg := range targets {
		allFail[tg.ChatID] = transient(tg.ChatID)
	}

	tests := []struct {
		name string
		errs map[int64]error
		ok   int
	}{
		{"all succeed", nil, 25},
		{"all fail", allFail, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			res := NewEngine(&fakeSender{errs: tc.errs}, EngineOptions{}).Send(context.Background(), "x", targets, 4)
			assert.Equal(t, tc.ok, res.Succeeded)
			assert.Equal(t, res.TotalTargets, res.Succeeded+res.Failed)
			assert.Empty(t, res.Deregister)
		})
	}
}

func TestSendCancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	targets := twentyFiveTargets()
	res := NewEngine(&fakeSender{}, EngineOptions{}).Send(ctx, "x", targets, 5)
	assert.Equal(t, 0, res.Succeeded)
	assert.Equal(t, 25, res.Failed)
	assert.Empty(t, res.Deregister)
}

func TestSendRecoversPanickingDelivery(t *testing.T) {
	t.Parallel()

	targets := []Target{{ChatID: 1, Kind: transport.ChatPrivate}, {ChatID: 2, Kind: transport.ChatPrivate}}
	res := NewEngine(&fakeSender{panicOn: 2}, EngineOptions{}).Send(context.Background(), "x", targets, 2)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
}

func TestSendRateLimited(t *testing.T) {
	t.Parallel()

	targets := make([]Target, 6)
	for i := range targets {
		targets[i] = Target{ChatID: int64(i + 1), Kind: transport.ChatPrivate}
	}
	// A burst of 3 at 3/s means the last three wait about a second.
	e := NewEngine(&fakeSender{}, EngineOptions{RatePerSec: 3})
	start := time.Now()
	res := e.Send(context.Background(), "x", targets, 6)
	assert.Equal(t, 6, res.Succeeded)
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
}
