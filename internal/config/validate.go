package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"chatrelay/internal/scheduler"
	logx "chatrelay/pkg/logx"
)

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ErrConfigurationInvalid is returned for any configuration that must stop
// the process before it serves traffic.
var ErrConfigurationInvalid = errors.New("configuration invalid")

// ValidationError lists every problem found in one pass.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return ErrConfigurationInvalid.Error() + ": " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrConfigurationInvalid }

// Validate checks cfg and returns a *ValidationError (wrapping
// ErrConfigurationInvalid) describing all problems, or nil.
func Validate(cfg *Config) error {
	if cfg == nil {
		return &ValidationError{Problems: []string{"config is empty"}}
	}
	var p []string
	add := func(format string, args ...any) { p = append(p, fmt.Sprintf(format, args...)) }
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			p = append(p, err.Error())
		}
	}
	schedule := func(path, raw string) {
		ps, err := scheduler.ParseSchedule(raw)
		if err != nil {
			add("%s: %v", path, err)
			return
		}
		if ps.Kind == scheduler.SpecCron {
			if _, err := cronParser.Parse(ps.Cron); err != nil {
				add("%s: invalid schedule %q: %v", path, raw, err)
			}
		}
	}

	// telegram
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		add("telegram.token is required")
	}
	if len(cfg.Telegram.OwnerUserIDs) == 0 {
		add("telegram.owner_user_ids must list at least one owner")
	}
	for i, id := range cfg.Telegram.OwnerUserIDs {
		if id <= 0 {
			add("telegram.owner_user_ids[%d]: must be a positive user id", i)
		}
	}
	if gl := strings.TrimSpace(cfg.Telegram.GroupLog); gl != "" {
		if _, err := strconv.ParseInt(gl, 10, 64); err != nil {
			add("telegram.group_log: not a chat id: %q", gl)
		}
	}
	if cfg.Telegram.Workers < 0 {
		add("telegram.workers must be >= 0")
	}
	dur("telegram.poll_timeout", cfg.Telegram.PollTimeout)

	// logging
	if !logx.ValidLevel(cfg.Logging.Level) {
		add("logging.level: unknown level %q", cfg.Logging.Level)
	}
	if !logx.ValidLevel(cfg.Logging.Telegram.MinLevel) {
		add("logging.telegram.min_level: unknown level %q", cfg.Logging.Telegram.MinLevel)
	}

	// inference
	inf := cfg.Inference
	if len(inf.APIKeys) == 0 {
		add("inference.api_keys must contain at least one key")
	}
	for i, k := range inf.APIKeys {
		if strings.TrimSpace(k) == "" {
			add("inference.api_keys[%d] is empty", i)
		}
	}
	if inf.Temperature != nil && (*inf.Temperature < 0 || *inf.Temperature > 2) {
		add("inference.temperature must be within [0, 2]")
	}
	if inf.TopP != nil && (*inf.TopP < 0 || *inf.TopP > 1) {
		add("inference.top_p must be within [0, 1]")
	}
	if inf.TopK != nil && (*inf.TopK < 1 || *inf.TopK > 100) {
		add("inference.top_k must be within [1, 100]")
	}
	if inf.MaxOutputTokens < 0 {
		add("inference.max_output_tokens must be >= 0")
	}
	if inf.MaxFailures < 0 {
		add("inference.max_failures must be >= 0")
	}
	if inf.MaxChars < 0 || inf.TruncateTo < 0 {
		add("inference.max_chars and inference.truncate_to must be >= 0")
	}
	if inf.MaxChars > 0 && inf.TruncateTo > inf.MaxChars {
		add("inference.truncate_to must not exceed inference.max_chars")
	}
	dur("inference.reset_window", inf.ResetWindow)
	dur("inference.request_timeout", inf.RequestTimeout)

	// conversation
	conv := cfg.Conversation
	if conv.MaxHistory < 0 || conv.HistoryWindow < 0 {
		add("conversation.max_history and conversation.history_window must be >= 0")
	}
	if conv.MaxHistory > 0 && conv.HistoryWindow > conv.MaxHistory {
		add("conversation.history_window must not exceed conversation.max_history")
	}
	dur("conversation.context_timeout", conv.ContextTimeout)
	dur("conversation.response_timeout", conv.ResponseTimeout)
	schedule("conversation.sweep_schedule", conv.SweepSchedule)

	// broadcast
	if cfg.Broadcast.Concurrency < 0 {
		add("broadcast.concurrency must be >= 0")
	}
	if cfg.Broadcast.HistorySize < 0 {
		add("broadcast.history_size must be >= 0")
	}
	dur("broadcast.success_delay", cfg.Broadcast.SuccessDelay)
	dur("broadcast.timeout", cfg.Broadcast.Timeout)

	// registry
	dur("registry.inactive_after", cfg.Registry.InactiveAfter)
	schedule("registry.cleanup_schedule", cfg.Registry.CleanupSchedule)

	// persona
	if strings.TrimSpace(cfg.Persona.BotName) == "" {
		add("persona.bot_name is required")
	}
	if tz := strings.TrimSpace(cfg.Persona.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add("persona.timezone: invalid %q: %v", tz, err)
		}
	}

	// storage
	if sc := cfg.Storage; sc != nil {
		switch d := strings.ToLower(strings.TrimSpace(sc.Driver)); d {
		case "", "none", "memory":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(sc.Path) == "" {
				add("storage.path is required when storage.driver=%s", d)
			}
		default:
			add("storage.driver: unknown driver %q", sc.Driver)
		}
		dur("storage.busy_timeout", sc.BusyTimeout)
	}

	// http
	dur("http.read_timeout", cfg.HTTP.ReadTimeout)
	dur("http.write_timeout", cfg.HTTP.WriteTimeout)
	dur("http.idle_timeout", cfg.HTTP.IdleTimeout)

	if len(p) > 0 {
		return &ValidationError{Problems: p}
	}
	return nil
}
