package inference

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"chatrelay/internal/eventbus"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeBackends records every call by key and answers with the scripted
// function.
type fakeBackends struct {
	mu      sync.Mutex
	calls   []string
	reqs    []BackendRequest
	respond func(key string) (string, error)
}

func (f *fakeBackends) factory() BackendFactory {
	return func(ctx context.Context, key string) (Backend, error) {
		return &fakeBackend{key: key, parent: f}, nil
	}
}

func (f *fakeBackends) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeBackend struct {
	key    string
	parent *fakeBackends
}

func (b *fakeBackend) Generate(ctx context.Context, req BackendRequest) (string, error) {
	b.parent.mu.Lock()
	b.parent.calls = append(b.parent.calls, b.key)
	b.parent.reqs = append(b.parent.reqs, req)
	respond := b.parent.respond
	b.parent.mu.Unlock()
	return respond(b.key)
}

func newTestClient(t *testing.T, keys []string, fb *fakeBackends, clk *fakeClock, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithClock(clk.Now), WithRand(func() float64 { return 0.99 })}, opts...)
	c, err := NewClient(keys, fb.factory(), Options{}, opts...)
	require.NoError(t, err)
	return c
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestNewClientRequiresKeys(t *testing.T) {
	t.Parallel()

	_, err := NewClient([]string{" ", ""}, (&fakeBackends{}).factory(), Options{})
	assert.Error(t, err)
}

func TestGenerateAppendsLanguageDirective(t *testing.T) {
	t.Parallel()

	fb := &fakeBackends{respond: func(string) (string, error) { return "**Hola** amigo", nil }}
	c := newTestClient(t, []string{"k1"}, fb, newClock())

	out, err := c.Generate(context.Background(), Request{
		Message:      "hola",
		SystemPrompt: "You are Mira.",
		History:      []Turn{{Role: RoleUser, Content: "hi"}, {Role: RoleAssistant, Content: "hey"}},
		Language:     "es",
	})
	require.NoError(t, err)
	assert.Equal(t, "Hola amigo", out)

	require.Len(t, fb.reqs, 1)
	req := fb.reqs[0]
	assert.True(t, strings.HasPrefix(req.SystemPrompt, "You are Mira."))
	assert.Contains(t, req.SystemPrompt, "language code 'es'")
	assert.Equal(t, "hola", req.Message)
	assert.Len(t, req.History, 2)
	assert.Equal(t, "gemini-2.0-flash-001", req.Params.Model)
}

func TestQuotaErrorRotatesAtMostOncePerKey(t *testing.T) {
	t.Parallel()

	fb := &fakeBackends{respond: func(string) (string, error) {
		return "", genai.APIError{Code: 429, Status: "RESOURCE_EXHAUSTED", Message: "slow down"}
	}}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	c := newTestClient(t, []string{"alpha-key", "bravo-key", "charlie-key"}, fb, newClock(), WithBus(bus))

	_, err := c.Generate(context.Background(), Request{Message: "hi"})
	require.ErrorIs(t, err, ErrGenerationFailed)
	assert.Equal(t, []string{"alpha-key", "bravo-key", "charlie-key"}, fb.Calls())
	assert.Equal(t, 1, c.State().FailureCount)

	rotations := 0
	for len(events) > 0 {
		if (<-events).Type == eventbus.KeyRotated {
			rotations++
		}
	}
	assert.Equal(t, 3, rotations)

	// The cursor wrapped around to the first key.
	assert.Equal(t, "alpha-...", c.Stats().CurrentKey)
}

func TestQuotaErrorThenSuccessUsesNextKey(t *testing.T) {
	t.Parallel()

	fb := &fakeBackends{respond: func(key string) (string, error) {
		if key == "key-a" {
			return "", errors.New("googleapi: quota exceeded for project")
		}
		return "hello there", nil
	}}
	c := newTestClient(t, []string{"key-a", "key-b"}, fb, newClock())

	out, err := c.Generate(context.Background(), Request{Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hello there", out)
	assert.Equal(t, []string{"key-a", "key-b"}, fb.Calls())

	// The next call starts on the rotated key.
	_, err = c.Generate(context.Background(), Request{Message: "again"})
	require.NoError(t, err)
	assert.Equal(t, []string{"key-a", "key-b", "key-b"}, fb.Calls())
}

func TestNonQuotaErrorDoesNotRotate(t *testing.T) {
	t.Parallel()

	fb := &fakeBackends{respond: func(string) (string, error) {
		return "", genai.APIError{Code: 500, Status: "INTERNAL", Message: "boom"}
	}}
	c := newTestClient(t, []string{"key-a", "key-b"}, fb, newClock())

	_, err := c.Generate(context.Background(), Request{Message: "hi"})
	require.ErrorIs(t, err, ErrGenerationFailed)
	assert.Equal(t, []string{"key-a"}, fb.Calls())
}

func TestEmptyResponseIsFailure(t *testing.T) {
	t.Parallel()

	fb := &fakeBackends{respond: func(string) (string, error) { return "   ", nil }}
	c := newTestClient(t, []string{"k"}, fb, newClock())

	_, err := c.Generate(context.Background(), Request{Message: "hi"})
	require.ErrorIs(t, err, ErrGenerationFailed)
	assert.Equal(t, 1, c.State().FailureCount)
}

func TestCircuitOpensAndResets(t *testing.T) {
	t.Parallel()

	fail := true
	fb := &fakeBackends{}
	fb.respond = func(string) (string, error) {
		if fail {
			return "", errors.New("backend unavailable")
		}
		return "back online", nil
	}
	clk := newClock()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	c := newTestClient(t, []string{"k"}, fb, clk, WithBus(bus))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := c.Generate(ctx, Request{Message: fmt.Sprint(i)})
		require.ErrorIs(t, err, ErrGenerationFailed)
	}
	st := c.State()
	require.True(t, st.Open)
	assert.Equal(t, clk.Now().Add(300*time.Second), st.ResetAt)

	// Sixth call within the window never reaches the backend.
	clk.Advance(299 * time.Second)
	_, err := c.Generate(ctx, Request{Message: "6"})
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.NotErrorIs(t, err, ErrGenerationFailed)
	assert.Len(t, fb.Calls(), 5)

	// Exactly at resetAt the circuit is still open.
	clk.Advance(time.Second)
	_, err = c.Generate(ctx, Request{Message: "7"})
	require.ErrorIs(t, err, ErrCircuitOpen)

	// After the window the next call is attempted normally.
	clk.Advance(time.Millisecond)
	fail = false
	out, err := c.Generate(ctx, Request{Message: "8"})
	require.NoError(t, err)
	assert.Equal(t, "back online", out)
	assert.Len(t, fb.Calls(), 6)
	assert.Equal(t, CircuitState{}, c.State())

	var types []string
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	assert.Equal(t, []string{eventbus.CircuitOpened, eventbus.CircuitClosed}, types)

	s := c.Stats()
	assert.Equal(t, uint64(2), s.Rejected)
	assert.Equal(t, uint64(5), s.Failures)
	assert.Equal(t, 5, s.MaxFailures)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	n := 0
	fb := &fakeBackends{}
	fb.respond = func(string) (string, error) {
		n++
		if n%4 == 0 {
			return "ok", nil
		}
		return "", errors.New("flaky")
	}
	c := newTestClient(t, []string{"k"}, fb, newClock())

	for i := 0; i < 12; i++ {
		_, _ = c.Generate(context.Background(), Request{Message: "x"})
	}
	assert.False(t, c.State().Open)
	assert.Len(t, fb.Calls(), 12)
}

func TestContextDeadlineIsFailure(t *testing.T) {
	t.Parallel()

	fb := &fakeBackends{respond: func(string) (string, error) { return "", context.DeadlineExceeded }}
	c := newTestClient(t, []string{"a", "b"}, fb, newClock())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Generate(ctx, Request{Message: "x"})
	require.ErrorIs(t, err, ErrGenerationFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, fb.Calls(), 1)
}

func TestPing(t *testing.T) {
	t.Parallel()

	fb := &fakeBackends{respond: func(string) (string, error) { return "pong", nil }}
	c := newTestClient(t, []string{"AIzaSyExample"}, fb, newClock())
	require.NoError(t, c.Ping(context.Background()))
	assert.Equal(t, int32(50), fb.reqs[0].Params.MaxOutputTokens)
	assert.Equal(t, "AIzaSy...", c.Stats().CurrentKey)
}

func TestIsQuotaError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"429 value", genai.APIError{Code: 429}, true},
		{"429 pointer", &genai.APIError{Code: 429}, true},
		{"status", fmt.Errorf("wrapped: %w", genai.APIError{Code: 400, Status: "RESOURCE_EXHAUSTED"}), true},
		{"quota text", errors.New("Quota exceeded"), true},
		{"rate limit text", errors.New("hit rate limit"), true},
		{"explicit", &QuotaError{}, true},
		{"server", genai.APIError{Code: 503, Status: "UNAVAILABLE"}, false},
		{"other", errors.New("connection reset"), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, IsQuotaError(tc.err))
		})
	}
}

func TestFullyDenylistedReplyIsFailure(t *testing.T) {
	t.Parallel()

	fb := &fakeBackends{respond: func(string) (string, error) {
		return "As an AI, I cannot do that. I'm here to help.", nil
	}}
	c, err := NewClient([]string{"k"}, fb.factory(), Options{Denylist: DefaultDenylist},
		WithClock(newClock().Now), WithRand(func() float64 { return 0.99 }))
	require.NoError(t, err)

	out, err := c.Generate(context.Background(), Request{Message: "hi"})
	require.ErrorIs(t, err, ErrGenerationFailed)
	assert.Empty(t, out)
	assert.Equal(t, 1, c.State().FailureCount)
}
