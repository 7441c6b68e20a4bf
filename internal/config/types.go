package config

// Config is the on-disk configuration. The file may be JSON, YAML or TOML;
// all three are decoded through the same strict JSON path, so unknown keys
// are rejected in every format.
//
// Durations are Go duration strings ("500ms", "30s", "2h").
// Secrets may be written as "${ENV_NAME}" and are expanded at load time.
type Config struct {
	Telegram     TelegramConfig     `json:"telegram"`
	Logging      LoggingConfig      `json:"logging"`
	Inference    InferenceConfig    `json:"inference"`
	Conversation ConversationConfig `json:"conversation"`
	Broadcast    BroadcastConfig    `json:"broadcast"`
	Registry     RegistryConfig     `json:"registry"`
	Persona      PersonaConfig      `json:"persona"`
	Storage      *StorageConfig     `json:"storage,omitempty"`
	HTTP         HTTPConfig         `json:"http"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	GroupLog     string  `json:"group_log"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
	// BotUsername is used for @mention detection in groups when the adapter
	// cannot resolve it from the API.
	BotUsername string `json:"bot_username,omitempty"`
	// TriggerWords make the bot answer group messages that contain them.
	TriggerWords []string `json:"trigger_words,omitempty"`
	// Workers sizes the update dispatch pool (default: NumCPU, min 2).
	Workers int `json:"workers,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// InferenceConfig controls the generative backend client.
//
// Defaults (when omitted/zero):
//   - model: "gemini-2.0-flash-001"
//   - temperature: 0.9, top_p: 0.95, top_k: 40, max_output_tokens: 3000
//   - max_failures: 5, reset_window: "300s", request_timeout: "30s"
//   - max_chars: 1000, truncate_to: 800
type InferenceConfig struct {
	APIKeys         []string `json:"api_keys"`
	Model           string   `json:"model,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"top_p,omitempty"`
	TopK            *int     `json:"top_k,omitempty"`
	MaxOutputTokens int      `json:"max_output_tokens,omitempty"`

	MaxFailures    int    `json:"max_failures,omitempty"`
	ResetWindow    string `json:"reset_window,omitempty"`
	RequestTimeout string `json:"request_timeout,omitempty"`

	// Denylist replaces the built-in phrase list when non-empty.
	Denylist   []string `json:"denylist,omitempty"`
	MaxChars   int      `json:"max_chars,omitempty"`
	TruncateTo int      `json:"truncate_to,omitempty"`
}

// ConversationConfig controls per-user context retention.
//
// Defaults: max_history 20, history_window 8, context_timeout "2h",
// sweep_schedule "@every 1h", response_timeout "30s".
type ConversationConfig struct {
	MaxHistory      int    `json:"max_history,omitempty"`
	HistoryWindow   int    `json:"history_window,omitempty"`
	ContextTimeout  string `json:"context_timeout,omitempty"`
	SweepSchedule   string `json:"sweep_schedule,omitempty"`
	ResponseTimeout string `json:"response_timeout,omitempty"`
}

// BroadcastConfig controls operator fan-out.
//
// Defaults: concurrency 20, success_delay "50ms", timeout "0s" (none),
// history_size 50.
type BroadcastConfig struct {
	Concurrency  int    `json:"concurrency,omitempty"`
	SuccessDelay string `json:"success_delay,omitempty"`
	Timeout      string `json:"timeout,omitempty"`
	HistorySize  int    `json:"history_size,omitempty"`
}

// RegistryConfig controls the chat registry housekeeping job.
//
// Chats idle longer than inactive_after are marked inactive by the
// cleanup job. Set cleanup_schedule to "off" to disable it.
type RegistryConfig struct {
	InactiveAfter   string `json:"inactive_after,omitempty"`   // default "720h"
	CleanupSchedule string `json:"cleanup_schedule,omitempty"` // default "@daily"
}

// PersonaConfig feeds the system prompt.
type PersonaConfig struct {
	BotName     string `json:"bot_name"`
	Personality string `json:"personality,omitempty"`
	OwnerName   string `json:"owner_name,omitempty"`
	GroupName   string `json:"group_name,omitempty"`
	// Timezone for the "current time" line of the prompt (IANA name).
	Timezone string `json:"timezone,omitempty"`
}

// StorageConfig controls the registry persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/chatrelay.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// HTTPConfig controls the status server (/health, /info, optional pprof).
//
// Prefer binding to localhost. A non-loopback address requires a token
// or allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default "127.0.0.1:8080"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
