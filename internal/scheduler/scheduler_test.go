package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/eventbus"
	logx "chatrelay/pkg/logx"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in    string
		kind  SpecKind
		every time.Duration
		cron  string
		err   bool
	}{
		{in: "", kind: SpecOff},
		{in: "OFF", kind: SpecOff},
		{in: "@every 1h", kind: SpecCron, cron: "@every 1h"},
		{in: "@daily", kind: SpecCron, cron: "@daily"},
		{in: "*/5 * * * *", kind: SpecCron, cron: "*/5 * * * *"},
		{in: "cron:0 3 * * *", kind: SpecCron, cron: "0 3 * * *"},
		{in: "55m", kind: SpecInterval, every: 55 * time.Minute},
		{in: "02:30", kind: SpecInterval, every: 150 * time.Minute},
		{in: "every: 90s", kind: SpecInterval, every: 90 * time.Second},
		{in: "interval:-5m", err: true},
		{in: "00:00", err: true},
		{in: "soon", err: true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			ps, err := ParseSchedule(tc.in)
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.kind, ps.Kind)
			assert.Equal(t, tc.every, ps.Every)
			assert.Equal(t, tc.cron, ps.Cron)
		})
	}
}

func TestAddScheduleRegistry(t *testing.T) {
	t.Parallel()

	s := New(Config{Timezone: "UTC"}, logx.Nop(), nil)
	noop := func(context.Context) error { return nil }

	ok, err := s.AddSchedule("conversation.sweep", "@every 1h", 0, noop)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AddSchedule("registry.cleanup", "off", 0, noop)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.AddSchedule("broken", "61 * * * *", 0, noop)
	assert.Error(t, err)
	_, err = s.AddSchedule("", "@daily", 0, noop)
	assert.Error(t, err)

	// Re-adding replaces instead of duplicating.
	_, err = s.AddSchedule("conversation.sweep", "30m", 0, noop)
	require.NoError(t, err)

	snap := s.Snapshot()
	require.Len(t, snap.Schedules, 1)
	assert.Equal(t, "@every 30m0s", snap.Schedules[0].Spec)
	assert.False(t, snap.Running)

	assert.True(t, s.Remove("conversation.sweep"))
	assert.False(t, s.Remove("conversation.sweep"))
}

func TestRunNowRecordsOutcome(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()
	s := New(Config{}, logx.Nop(), bus)

	var calls atomic.Int32
	_, err := s.AddSchedule("flaky", "@hourly", time.Second, func(ctx context.Context) error {
		if calls.Add(1) == 1 {
			return errors.New("first run fails")
		}
		_, hasDeadline := ctx.Deadline()
		if !hasDeadline {
			return errors.New("missing deadline")
		}
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	assert.Error(t, s.RunNow(ctx, "flaky"))
	assert.NoError(t, s.RunNow(ctx, "flaky"))
	assert.Error(t, s.RunNow(ctx, "missing"))

	info := s.Snapshot().Schedules[0]
	assert.Equal(t, uint64(2), info.Runs)
	assert.Equal(t, uint64(1), info.Failures)
	assert.Empty(t, info.LastError)

	first := <-events
	assert.Equal(t, JobFinished, first.Type)
	assert.Equal(t, "first run fails", first.Data.(ScheduleInfo).LastError)
}

func TestStartTriggersIntervalJob(t *testing.T) {
	t.Parallel()

	s := New(Config{}, logx.Nop(), nil)
	ran := make(chan struct{}, 1)
	_, err := s.AddSchedule("tick", "@every 1s", 0, func(context.Context) error {
		select {
		case ran <- struct{}{}:
		default:
		}
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())
	assert.True(t, s.Snapshot().Running)

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("interval job never ran")
	}
}
