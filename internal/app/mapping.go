package app

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"time"

	"chatrelay/internal/broadcast"
	"chatrelay/internal/config"
	"chatrelay/internal/conversation"
	"chatrelay/internal/inference"
	"chatrelay/internal/observability/health"
	"chatrelay/internal/persona"
	"chatrelay/internal/router"
	"chatrelay/internal/storage"
	"chatrelay/internal/transport/telegram"
	logx "chatrelay/pkg/logx"
)

// Conversation and registry defaults applied when the config leaves a
// field empty.
const (
	defaultMaxHistory      = 20
	defaultHistoryWindow   = 8
	defaultContextTimeout  = 2 * time.Hour
	defaultSweepSchedule   = "@every 1h"
	defaultResponseTimeout = 30 * time.Second

	defaultConcurrency  = 20
	defaultSuccessDelay = 50 * time.Millisecond
	defaultHistorySize  = 50

	defaultInactiveAfter   = 720 * time.Hour
	defaultCleanupSchedule = "@daily"

	defaultMaxFailures    = 5
	defaultResetWindow    = 300 * time.Second
	defaultRequestTimeout = 30 * time.Second
	defaultMaxChars       = 1000
	defaultTruncateTo     = 800
)

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: poll,
		BotUsername: cfg.Telegram.BotUsername,
	}, nil
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// logTarget parses telegram.group_log. An empty or malformed value yields
// chat 0, which disables Telegram log delivery.
func logTarget(cfg *config.Config) int64 {
	raw := strings.TrimSpace(cfg.Telegram.GroupLog)
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" || driver == "memory" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapInferenceOptions(cfg *config.Config) (inference.Options, error) {
	ic := cfg.Inference
	params := inference.DefaultParams()
	if m := strings.TrimSpace(ic.Model); m != "" {
		params.Model = m
	}
	if ic.Temperature != nil {
		params.Temperature = float32(*ic.Temperature)
	}
	if ic.TopP != nil {
		params.TopP = float32(*ic.TopP)
	}
	if ic.TopK != nil {
		params.TopK = float32(*ic.TopK)
	}
	if ic.MaxOutputTokens > 0 {
		params.MaxOutputTokens = int32(ic.MaxOutputTokens)
	}

	resetWindow, err := config.ParseDurationOrDefault("inference.reset_window", ic.ResetWindow, defaultResetWindow)
	if err != nil {
		return inference.Options{}, err
	}
	reqTimeout, err := config.ParseDurationOrDefault("inference.request_timeout", ic.RequestTimeout, defaultRequestTimeout)
	if err != nil {
		return inference.Options{}, err
	}

	denylist := ic.Denylist
	if len(denylist) == 0 {
		denylist = inference.DefaultDenylist
	}
	return inference.Options{
		MaxFailures:    orInt(ic.MaxFailures, defaultMaxFailures),
		ResetWindow:    resetWindow,
		RequestTimeout: reqTimeout,
		Params:         params,
		Denylist:       denylist,
		MaxChars:       orInt(ic.MaxChars, defaultMaxChars),
		TruncateTo:     orInt(ic.TruncateTo, defaultTruncateTo),
	}, nil
}

func mapPersonaConfig(cfg *config.Config) (persona.Config, error) {
	pc := cfg.Persona
	out := persona.Config{
		BotName:     strings.TrimSpace(pc.BotName),
		Personality: strings.TrimSpace(pc.Personality),
		OwnerName:   strings.TrimSpace(pc.OwnerName),
		GroupName:   strings.TrimSpace(pc.GroupName),
	}
	if tz := strings.TrimSpace(pc.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return persona.Config{}, fmt.Errorf("persona.timezone: invalid %q: %w", tz, err)
		}
		out.Location = loc
	}
	return out, nil
}

// conversationSettings groups the store, orchestrator and sweep settings
// that all come from the conversation section.
type conversationSettings struct {
	Store         conversation.StoreOptions
	Orchestrator  conversation.OrchestratorOptions
	SweepSchedule string
}

func mapConversationConfig(cfg *config.Config) (conversationSettings, error) {
	cc := cfg.Conversation
	timeout, err := config.ParseDurationOrDefault("conversation.context_timeout", cc.ContextTimeout, defaultContextTimeout)
	if err != nil {
		return conversationSettings{}, err
	}
	respTimeout, err := config.ParseDurationOrDefault("conversation.response_timeout", cc.ResponseTimeout, defaultResponseTimeout)
	if err != nil {
		return conversationSettings{}, err
	}
	sweep := strings.TrimSpace(cc.SweepSchedule)
	if sweep == "" {
		sweep = defaultSweepSchedule
	}
	return conversationSettings{
		Store: conversation.StoreOptions{
			MaxHistory: orInt(cc.MaxHistory, defaultMaxHistory),
			Timeout:    timeout,
		},
		Orchestrator: conversation.OrchestratorOptions{
			HistoryWindow:   orInt(cc.HistoryWindow, defaultHistoryWindow),
			ResponseTimeout: respTimeout,
		},
		SweepSchedule: sweep,
	}, nil
}

func mapBroadcastConfig(cfg *config.Config) (broadcast.EngineOptions, broadcast.ServiceOptions, error) {
	bc := cfg.Broadcast
	delay, err := config.ParseDurationOrDefault("broadcast.success_delay", bc.SuccessDelay, defaultSuccessDelay)
	if err != nil {
		return broadcast.EngineOptions{}, broadcast.ServiceOptions{}, err
	}
	timeout, err := config.ParseDurationField("broadcast.timeout", bc.Timeout)
	if err != nil {
		return broadcast.EngineOptions{}, broadcast.ServiceOptions{}, err
	}
	return broadcast.EngineOptions{SuccessDelay: delay},
		broadcast.ServiceOptions{
			Concurrency: orInt(bc.Concurrency, defaultConcurrency),
			Timeout:     timeout,
			HistorySize: orInt(bc.HistorySize, defaultHistorySize),
		}, nil
}

// registrySettings drives the inactive-chat cleanup job.
type registrySettings struct {
	InactiveAfter   time.Duration
	CleanupSchedule string
}

func mapRegistryConfig(cfg *config.Config) (registrySettings, error) {
	rc := cfg.Registry
	after, err := config.ParseDurationOrDefault("registry.inactive_after", rc.InactiveAfter, defaultInactiveAfter)
	if err != nil {
		return registrySettings{}, err
	}
	sched := strings.TrimSpace(rc.CleanupSchedule)
	if sched == "" {
		sched = defaultCleanupSchedule
	}
	return registrySettings{InactiveAfter: after, CleanupSchedule: sched}, nil
}

func mapRouterOptions(cfg *config.Config) router.Options {
	workers := cfg.Telegram.Workers
	if workers <= 0 {
		workers = max(runtime.NumCPU(), 2)
	}
	return router.Options{
		Owners:       cfg.Telegram.OwnerUserIDs,
		TriggerWords: cfg.Telegram.TriggerWords,
		BotUsername:  cfg.Telegram.BotUsername,
		Workers:      workers,
		Profile: router.Profile{
			BotName:     cfg.Persona.BotName,
			OwnerName:   cfg.Persona.OwnerName,
			GroupName:   cfg.Persona.GroupName,
			Personality: cfg.Persona.Personality,
			Version:     Version,
		},
	}
}

func mapHealthConfig(cfg *config.Config) (health.Config, error) {
	hc := cfg.HTTP
	read, err := config.ParseDurationOrDefault("http.read_timeout", hc.ReadTimeout, 5*time.Second)
	if err != nil {
		return health.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("http.write_timeout", hc.WriteTimeout, 10*time.Second)
	if err != nil {
		return health.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("http.idle_timeout", hc.IdleTimeout, 60*time.Second)
	if err != nil {
		return health.Config{}, err
	}
	return health.Config{
		Enabled:       hc.Enabled,
		Addr:          strings.TrimSpace(hc.Addr),
		Token:         hc.Token,
		AllowInsecure: hc.AllowInsecure,
		Pprof:         hc.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

// validateMappings runs every mapper so a reload that would fail to apply
// is rejected before it is committed.
func validateMappings(cfg *config.Config) error {
	if _, err := mapTelegramConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapInferenceOptions(cfg); err != nil {
		return err
	}
	if _, err := mapPersonaConfig(cfg); err != nil {
		return err
	}
	if _, err := mapConversationConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapBroadcastConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRegistryConfig(cfg); err != nil {
		return err
	}
	_, err := mapHealthConfig(cfg)
	return err
}

func orInt(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
