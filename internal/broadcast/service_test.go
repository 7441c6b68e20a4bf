package broadcast

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/eventbus"
	"chatrelay/internal/registry"
	"chatrelay/internal/storage"
	"chatrelay/internal/transport"
)

type auditStore struct {
	mu      sync.Mutex
	entries []storage.AuditEntry
}

func (s *auditStore) LoadChats(context.Context) ([]storage.ChatRecord, error) { return nil, nil }
func (s *auditStore) LoadUsers(context.Context) ([]storage.UserRecord, error) { return nil, nil }
func (s *auditStore) PutChat(context.Context, storage.ChatRecord) error      { return nil }
func (s *auditStore) PutUser(context.Context, storage.UserRecord) error      { return nil }
func (s *auditStore) Close() error                                           { return nil }

func (s *auditStore) AppendAudit(_ context.Context, e storage.AuditEntry) error {
	s.mu.Lock()
	s.entries = append(s.entries, e)
	s.mu.Unlock()
	return nil
}

func seededRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	r := registry.New(nil, registry.WithClock(func() time.Time {
		now = now.Add(time.Second)
		return now
	}))
	r.Register(ctx, 11, transport.ChatPrivate, "")
	r.Register(ctx, 12, transport.ChatPrivate, "")
	r.Register(ctx, -21, transport.ChatGroup, "Climbers")
	r.Register(ctx, 13, transport.ChatPrivate, "")
	r.Register(ctx, -22, transport.ChatGroup, "Runners")
	return r
}

func TestServiceBroadcastUsers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg := seededRegistry(t)
	sender := &fakeSender{errs: map[int64]error{12: gone(12)}}
	store := &auditStore{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	svc := NewService(NewEngine(sender, EngineOptions{}), reg, store, ServiceOptions{}, WithBus(bus))
	rec, err := svc.Broadcast(ctx, Actor{ID: 1, Username: "owner"}, "maintenance at noon", TargetUsers)
	require.NoError(t, err)

	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, TargetUsers, rec.TargetType)
	assert.Equal(t, 3, rec.Result.TotalTargets)
	assert.Equal(t, 2, rec.Result.Succeeded)
	assert.Equal(t, []int64{12}, rec.Result.Deregister)
	assert.ElementsMatch(t, []int64{11, 13}, sender.sent)

	// The gone chat is excluded from the next snapshot.
	c, ok := reg.Chat(12)
	require.True(t, ok)
	assert.False(t, c.Active)
	assert.Len(t, svc.Targets(TargetAll), 4)

	require.Len(t, store.entries, 1)
	entry := store.entries[0]
	assert.Equal(t, "broadcast", entry.Action)
	assert.Equal(t, "users", entry.Target)
	assert.Equal(t, 2, entry.OK)
	assert.Equal(t, 1, entry.Fail)
	assert.Contains(t, entry.MetaJSON, rec.ID)

	ev := <-events
	assert.Equal(t, eventbus.BroadcastFinished, ev.Type)
	assert.Equal(t, rec.ID, ev.Data.(Record).ID)
}

func TestServiceBroadcastGroupsAndStats(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg := seededRegistry(t)
	sender := &fakeSender{errs: map[int64]error{-22: transient(-22)}}
	svc := NewService(NewEngine(sender, EngineOptions{}), reg, nil, ServiceOptions{HistorySize: 2})

	assert.Equal(t, Stats{}, svc.Stats())

	for i := 0; i < 3; i++ {
		rec, err := svc.Broadcast(ctx, Actor{ID: 1}, "news", TargetGroups)
		require.NoError(t, err)
		assert.Equal(t, 1, rec.Result.Succeeded)
		assert.Equal(t, map[transport.ChatKind]int{transport.ChatGroup: 1}, rec.Result.ByKind)
		assert.Empty(t, rec.Result.Deregister)
	}

	st := svc.Stats()
	assert.Equal(t, 2, st.TotalBroadcasts)
	assert.Equal(t, 50.0, st.AvgSuccessRate)
	assert.Len(t, st.Recent, 2)
	assert.False(t, st.LastBroadcast.IsZero())
	assert.Len(t, svc.History(), 2)
}

func TestServiceBroadcastRejectsBadInput(t *testing.T) {
	t.Parallel()

	svc := NewService(NewEngine(&fakeSender{}, EngineOptions{}), seededRegistry(t), nil, ServiceOptions{})
	_, err := svc.Broadcast(context.Background(), Actor{}, "  ", TargetAll)
	assert.ErrorIs(t, err, ErrEmptyMessage)
	_, err = svc.Broadcast(context.Background(), Actor{}, "hi", TargetType("channels"))
	assert.Error(t, err)
	assert.Empty(t, svc.History())
}

func TestServiceSendTo(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg := seededRegistry(t)
	sender := &fakeSender{errs: map[int64]error{13: gone(13)}}
	store := &auditStore{}
	svc := NewService(NewEngine(sender, EngineOptions{}), reg, store, ServiceOptions{})

	require.NoError(t, svc.SendTo(ctx, Actor{ID: 1}, -21, "hi group"))

	err := svc.SendTo(ctx, Actor{ID: 1}, 13, "hi")
	require.ErrorIs(t, err, transport.ErrDeliveryPermanent)
	c, _ := reg.Chat(13)
	assert.False(t, c.Active)

	require.Len(t, store.entries, 2)
	assert.Equal(t, "send_to", store.entries[1].Action)
	assert.Equal(t, "13", store.entries[1].Target)
	assert.True(t, strings.Contains(store.entries[1].Error, "destination gone"))
}
