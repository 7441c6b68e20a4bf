package inference

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"chatrelay/internal/eventbus"
	logx "chatrelay/pkg/logx"
)

const (
	defaultMaxFailures = 5
	defaultResetWindow = 300 * time.Second
	pingMessage        = "Hello, this is a test message."
)

// Options are the hot-reloadable tunables of a Client.
type Options struct {
	MaxFailures    int
	ResetWindow    time.Duration
	RequestTimeout time.Duration
	Params         Params
	Denylist       []string
	MaxChars       int
	TruncateTo     int
}

// Request is one generation call. History is oldest first and excludes
// Message itself.
type Request struct {
	Message      string
	SystemPrompt string
	History      []Turn
	Language     string
	Tone         string
}

// Stats is a point-in-time view for operators.
type Stats struct {
	FailureCount int       `json:"failure_count"`
	CircuitOpen  bool      `json:"circuit_open"`
	ResetAt      time.Time `json:"reset_at,omitzero"`
	MaxFailures  int       `json:"max_failures"`
	CurrentKey   string    `json:"current_key"`
	Keys         int       `json:"keys"`
	Calls        uint64    `json:"calls"`
	Rejected     uint64    `json:"rejected"`
	Failures     uint64    `json:"failures"`
	Rotations    uint64    `json:"rotations"`
}

// Client produces completions with credential rotation and a circuit
// breaker. All shared state is guarded by mu, which is never held across a
// backend call.
type Client struct {
	factory BackendFactory
	log     logx.Logger
	bus     eventbus.Bus
	now     func() time.Time
	rnd     func() float64

	mu       sync.Mutex
	pool     credentialPool
	breaker  breaker
	backends map[int]Backend
	opts     Options
	post     *PostProcessor

	calls, rejected, failures, rotations uint64
}

type Option func(*Client)

func WithLogger(log logx.Logger) Option { return func(c *Client) { c.log = log } }
func WithBus(bus eventbus.Bus) Option   { return func(c *Client) { c.bus = bus } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(c *Client) { c.now = now } }

// WithRand replaces the source used for casual fillers.
func WithRand(rnd func() float64) Option { return func(c *Client) { c.rnd = rnd } }

// NewClient returns a Client over keys, tried in order.
func NewClient(keys []string, factory BackendFactory, opts Options, o ...Option) (*Client, error) {
	clean := make([]string, 0, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			clean = append(clean, k)
		}
	}
	if len(clean) == 0 {
		return nil, errors.New("inference: at least one api key is required")
	}
	if factory == nil {
		return nil, errors.New("inference: backend factory is nil")
	}
	c := &Client{
		factory:  factory,
		bus:      eventbus.Nop(),
		now:      time.Now,
		rnd:      rand.Float64,
		pool:     credentialPool{keys: clean},
		backends: map[int]Backend{},
	}
	for _, fn := range o {
		fn(c)
	}
	c.applyLocked(opts)
	return c, nil
}

// Apply swaps the tunables. Keys are fixed for the life of the Client.
func (c *Client) Apply(opts Options) {
	c.mu.Lock()
	c.applyLocked(opts)
	c.mu.Unlock()
}

func (c *Client) applyLocked(opts Options) {
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = defaultMaxFailures
	}
	if opts.ResetWindow <= 0 {
		opts.ResetWindow = defaultResetWindow
	}
	def := DefaultParams()
	if opts.Params.Model == "" {
		opts.Params.Model = def.Model
	}
	if opts.Params.MaxOutputTokens <= 0 {
		opts.Params.MaxOutputTokens = def.MaxOutputTokens
	}
	c.opts = opts
	c.breaker.maxFailures = opts.MaxFailures
	c.breaker.window = opts.ResetWindow
	c.post = NewPostProcessor(opts.Denylist, opts.MaxChars, opts.TruncateTo, c.rnd)
}

// Generate returns a post-processed completion, ErrCircuitOpen, or an
// error wrapping ErrGenerationFailed.
func (c *Client) Generate(ctx context.Context, req Request) (string, error) {
	c.mu.Lock()
	c.calls++
	ok, reset := c.breaker.allow(c.now())
	if !ok {
		resetAt := c.breaker.state.ResetAt
		c.rejected++
		c.mu.Unlock()
		return "", fmt.Errorf("%w until %s", ErrCircuitOpen, resetAt.Format(time.RFC3339))
	}
	opts, post, attempts := c.opts, c.post, c.pool.size()
	c.mu.Unlock()

	if reset {
		c.log.Info("inference circuit closed")
		c.bus.Publish(eventbus.Event{Type: eventbus.CircuitClosed})
	}

	breq := BackendRequest{
		Params:       opts.Params,
		SystemPrompt: req.SystemPrompt + LanguageDirective(req.Language),
		History:      req.History,
		Message:      req.Message,
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		idx, backend, err := c.backend(ctx)
		if err != nil {
			return "", c.fail(fmt.Errorf("backend init: %w", err))
		}

		text, err := c.call(ctx, backend, breq, opts.RequestTimeout)
		if err == nil {
			if strings.TrimSpace(text) == "" {
				return "", c.fail(errors.New("empty response"))
			}
			out := post.Process(text, req.Tone)
			if strings.TrimSpace(out) == "" {
				return "", c.fail(errors.New("empty response after post-processing"))
			}
			c.mu.Lock()
			c.breaker.success()
			c.mu.Unlock()
			return out, nil
		}
		if ctx.Err() != nil || !IsQuotaError(err) {
			return "", c.fail(err)
		}

		lastErr = err
		c.rotate(idx, err)
	}
	return "", c.fail(fmt.Errorf("all %d credentials rate limited: %w", attempts, lastErr))
}

func (c *Client) call(ctx context.Context, b Backend, req BackendRequest, timeout time.Duration) (string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return b.Generate(ctx, req)
}

// backend returns the cursor position and its cached Backend.
func (c *Client) backend(ctx context.Context) (int, Backend, error) {
	c.mu.Lock()
	idx, key := c.pool.current()
	b := c.backends[idx]
	c.mu.Unlock()
	if b != nil {
		return idx, b, nil
	}

	b, err := c.factory(ctx, key)
	if err != nil {
		return idx, nil, err
	}
	c.mu.Lock()
	if existing := c.backends[idx]; existing != nil {
		b = existing
	} else {
		c.backends[idx] = b
	}
	c.mu.Unlock()
	return idx, b, nil
}

func (c *Client) rotate(from int, cause error) {
	c.mu.Lock()
	next, moved := c.pool.advanceFrom(from)
	oldKey, newKey := maskKey(c.pool.keys[from]), maskKey(c.pool.keys[next])
	if moved {
		c.rotations++
	}
	c.mu.Unlock()

	if !moved {
		return
	}
	c.log.Warn("inference key rate limited; rotating",
		logx.String("from", oldKey), logx.String("to", newKey), logx.Err(cause))
	c.bus.Publish(eventbus.Event{Type: eventbus.KeyRotated, Data: next})
}

// fail records one terminal failure and wraps err in ErrGenerationFailed.
func (c *Client) fail(err error) error {
	c.mu.Lock()
	c.failures++
	opened := c.breaker.failure(c.now())
	state := c.breaker.state
	c.mu.Unlock()

	c.log.Warn("inference failed", logx.Int("failure_count", state.FailureCount), logx.Err(err))
	if opened {
		c.log.Error("inference circuit opened",
			logx.Int("failures", state.FailureCount), logx.Time("reset_at", state.ResetAt))
		c.bus.Publish(eventbus.Event{Type: eventbus.CircuitOpened, Data: state.ResetAt})
	}
	return fmt.Errorf("%w: %w", ErrGenerationFailed, err)
}

// State returns the breaker state without changing it.
func (c *Client) State() CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.breaker.state
}

func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, key := c.pool.current()
	return Stats{
		FailureCount: c.breaker.state.FailureCount,
		CircuitOpen:  c.breaker.state.Open,
		ResetAt:      c.breaker.state.ResetAt,
		MaxFailures:  c.breaker.maxFailures,
		CurrentKey:   maskKey(key),
		Keys:         c.pool.size(),
		Calls:        c.calls,
		Rejected:     c.rejected,
		Failures:     c.failures,
		Rotations:    c.rotations,
	}
}

// Ping sends a short test prompt with the current credential. It does not
// touch the breaker or rotate keys.
func (c *Client) Ping(ctx context.Context) error {
	_, b, err := c.backend(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	params, timeout := c.opts.Params, c.opts.RequestTimeout
	c.mu.Unlock()
	params.MaxOutputTokens = 50
	params.Temperature = 0.1

	text, err := c.call(ctx, b, BackendRequest{Params: params, Message: pingMessage}, timeout)
	if err != nil {
		return err
	}
	if strings.TrimSpace(text) == "" {
		return errors.New("empty response")
	}
	return nil
}
