package registry

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/eventbus"
	"chatrelay/internal/storage"
	"chatrelay/internal/transport"
	logx "chatrelay/pkg/logx"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *clock {
	return &clock{t: time.Date(2026, 5, 10, 15, 0, 0, 0, time.UTC)}
}

func TestDeregisterMarksInactive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clk := newClock()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	r := New(nil, WithClock(clk.Now), WithBus(bus))
	r.Register(ctx, 1, transport.ChatPrivate, "")
	clk.Advance(time.Second)
	r.Register(ctx, -2, transport.ChatGroup, "Team")

	require.Len(t, r.AllActiveChats(), 2)
	assert.Equal(t, eventbus.ChatRegistered, (<-events).Type)
	assert.Equal(t, eventbus.ChatRegistered, (<-events).Type)

	assert.True(t, r.Deregister(ctx, 1))
	assert.False(t, r.Deregister(ctx, 1))
	assert.False(t, r.Deregister(ctx, 404))
	assert.Equal(t, eventbus.ChatDeregistered, (<-events).Type)

	active := r.AllActiveChats()
	require.Len(t, active, 1)
	assert.Equal(t, int64(-2), active[0].ChatID)

	c, ok := r.Chat(1)
	require.True(t, ok)
	assert.False(t, c.Active)
	assert.Equal(t, clk.Now(), c.RemovedAt)

	// Talking again reactivates the chat.
	r.Register(ctx, 1, transport.ChatPrivate, "")
	c, _ = r.Chat(1)
	assert.True(t, c.Active)
	assert.True(t, c.RemovedAt.IsZero())
}

func TestStats(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clk := newClock()
	r := New(nil, WithClock(clk.Now))

	r.RegisterUser(ctx, UserInfo{UserID: 10, FirstName: "Old"})
	clk.Advance(10 * 24 * time.Hour)
	r.RegisterUser(ctx, UserInfo{UserID: 11, FirstName: "New"})
	r.RegisterUser(ctx, UserInfo{UserID: 11, FirstName: "New"})

	r.Register(ctx, 10, transport.ChatPrivate, "")
	r.Register(ctx, 11, transport.ChatPrivate, "")
	r.Register(ctx, -5, transport.ChatGroup, "G")
	r.Deregister(ctx, 10)

	st := r.Stats()
	assert.Equal(t, Stats{TotalUsers: 2, TotalChats: 2, PrivateChats: 1, GroupChats: 1, ActiveToday: 1, NewThisWeek: 1}, st)

	u, ok := r.User(11)
	require.True(t, ok)
	assert.Equal(t, 2, u.MessageCount)
}

func TestCleanupInactive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clk := newClock()
	r := New(nil, WithClock(clk.Now))

	r.Register(ctx, 1, transport.ChatPrivate, "")
	clk.Advance(31 * 24 * time.Hour)
	r.Register(ctx, 2, transport.ChatPrivate, "")

	assert.Equal(t, 0, r.CleanupInactive(ctx, 0))
	assert.Equal(t, 1, r.CleanupInactive(ctx, 30*24*time.Hour))
	assert.Equal(t, 0, r.CleanupInactive(ctx, 30*24*time.Hour))

	active := r.AllActiveChats()
	require.Len(t, active, 1)
	assert.Equal(t, int64(2), active[0].ChatID)
}

func TestLoadFromStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "registry.db")
	st, err := storage.Open(storage.Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)

	r := New(st)
	r.Register(ctx, 100, transport.ChatGroup, "Ops")
	r.Register(ctx, 200, transport.ChatPrivate, "")
	r.Deregister(ctx, 200)
	r.RegisterUser(ctx, UserInfo{UserID: 200, Username: "ada"})
	require.NoError(t, st.Close())

	st, err = storage.Open(storage.Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	loaded := New(st)
	require.NoError(t, loaded.Load(ctx))
	active := loaded.AllActiveChats()
	require.Len(t, active, 1)
	assert.Equal(t, "Ops", active[0].Title)
	assert.Equal(t, transport.ChatGroup, active[0].Kind)

	u, ok := loaded.User(200)
	require.True(t, ok)
	assert.Equal(t, "ada", u.Username)
}

// recordingStore keeps the last chat record written per id.
type recordingStore struct {
	mu    sync.Mutex
	chats map[int64]storage.ChatRecord
}

func newRecordingStore() *recordingStore {
	return &recordingStore{chats: map[int64]storage.ChatRecord{}}
}

func (s *recordingStore) LoadChats(context.Context) ([]storage.ChatRecord, error) { return nil, nil }
func (s *recordingStore) LoadUsers(context.Context) ([]storage.UserRecord, error) { return nil, nil }
func (s *recordingStore) PutUser(context.Context, storage.UserRecord) error       { return nil }
func (s *recordingStore) AppendAudit(context.Context, storage.AuditEntry) error  { return nil }
func (s *recordingStore) Close() error                                           { return nil }

func (s *recordingStore) PutChat(_ context.Context, c storage.ChatRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats[c.ChatID] = c
	return nil
}

func (s *recordingStore) chat(id int64) storage.ChatRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chats[id]
}

func TestPersistSkipsOlderSnapshot(t *testing.T) {
	t.Parallel()

	st := newRecordingStore()
	r := New(st)
	ctx := context.Background()

	r.persistChat(ctx, storage.ChatRecord{ChatID: 7, Active: false}, 2)
	r.persistChat(ctx, storage.ChatRecord{ChatID: 7, Active: true}, 1)
	assert.False(t, st.chat(7).Active)
}

func TestConcurrentRegisterDeregisterKeepsStoreInSync(t *testing.T) {
	t.Parallel()

	st := newRecordingStore()
	r := New(st)
	ctx := context.Background()
	r.Register(ctx, 7, transport.ChatGroup, "Ops")

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				r.Deregister(ctx, 7)
			} else {
				r.Register(ctx, 7, transport.ChatGroup, "Ops")
			}
		}(i)
	}
	wg.Wait()

	c, ok := r.Chat(7)
	require.True(t, ok)
	assert.Equal(t, c.Active, st.chat(7).Active)
}
