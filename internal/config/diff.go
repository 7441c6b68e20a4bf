package config

import (
	"reflect"
	"sort"
	"strings"

	logx "chatrelay/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured fields for logging. Secrets (tokens, API keys) are never
// included; only their presence or count.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token ||
		strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) ||
		strings.TrimSpace(ot.GroupLog) != strings.TrimSpace(nt.GroupLog) ||
		ot.BotUsername != nt.BotUsername ||
		!reflect.DeepEqual(ot.TriggerWords, nt.TriggerWords) ||
		ot.Workers != nt.Workers {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(nt.GroupLog) != ""),
			logx.Int("telegram.trigger_words", len(nt.TriggerWords)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	oi, ni := oldCfg.Inference, newCfg.Inference
	keysChanged := !reflect.DeepEqual(oi.APIKeys, ni.APIKeys)
	oi.APIKeys, ni.APIKeys = nil, nil
	if keysChanged || !reflect.DeepEqual(oi, ni) {
		changed = append(changed, "inference")
		attrs = append(attrs,
			logx.Int("inference.key_count", len(newCfg.Inference.APIKeys)),
			logx.Bool("inference.keys_changed", keysChanged),
			logx.String("inference.model", ni.Model),
			logx.Int("inference.max_failures", ni.MaxFailures),
			logx.String("inference.reset_window", ni.ResetWindow),
			logx.Int("inference.denylist_size", len(ni.Denylist)),
		)
	}

	if oldCfg.Conversation != newCfg.Conversation {
		nc := newCfg.Conversation
		changed = append(changed, "conversation")
		attrs = append(attrs,
			logx.Int("conversation.max_history", nc.MaxHistory),
			logx.Int("conversation.history_window", nc.HistoryWindow),
			logx.String("conversation.context_timeout", nc.ContextTimeout),
			logx.String("conversation.sweep_schedule", nc.SweepSchedule),
		)
	}

	if oldCfg.Broadcast != newCfg.Broadcast {
		nb := newCfg.Broadcast
		changed = append(changed, "broadcast")
		attrs = append(attrs,
			logx.Int("broadcast.concurrency", nb.Concurrency),
			logx.String("broadcast.success_delay", nb.SuccessDelay),
			logx.String("broadcast.timeout", nb.Timeout),
		)
	}

	if oldCfg.Registry != newCfg.Registry {
		changed = append(changed, "registry")
		attrs = append(attrs,
			logx.String("registry.inactive_after", newCfg.Registry.InactiveAfter),
			logx.String("registry.cleanup_schedule", newCfg.Registry.CleanupSchedule),
		)
	}

	if oldCfg.Persona != newCfg.Persona {
		changed = append(changed, "persona")
		attrs = append(attrs, logx.String("persona.bot_name", newCfg.Persona.BotName))
	}

	var oDriver, nDriver, oPath, nPath, oBusy, nBusy string
	if s := oldCfg.Storage; s != nil {
		oDriver, oPath, oBusy = strings.TrimSpace(s.Driver), strings.TrimSpace(s.Path), strings.TrimSpace(s.BusyTimeout)
	}
	if s := newCfg.Storage; s != nil {
		nDriver, nPath, nBusy = strings.TrimSpace(s.Driver), strings.TrimSpace(s.Path), strings.TrimSpace(s.BusyTimeout)
	}
	if oDriver != nDriver || oPath != nPath || oBusy != nBusy {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPath != ""),
		)
	}

	oh, nh := oldCfg.HTTP, newCfg.HTTP
	if oh != nh {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", nh.Enabled),
			logx.String("http.addr", strings.TrimSpace(nh.Addr)),
			logx.Bool("http.token_set", strings.TrimSpace(nh.Token) != ""),
			logx.Bool("http.pprof", nh.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired lists the changed settings that only take effect after a
// process restart.
func RestartRequired(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	if oldCfg.Telegram.Token != newCfg.Telegram.Token {
		out = append(out, "telegram.token")
	}
	if oldCfg.Telegram.Workers != newCfg.Telegram.Workers {
		out = append(out, "telegram.workers")
	}
	if !reflect.DeepEqual(oldCfg.Inference.APIKeys, newCfg.Inference.APIKeys) {
		out = append(out, "inference.api_keys")
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		out = append(out, "storage")
	}
	return out
}
