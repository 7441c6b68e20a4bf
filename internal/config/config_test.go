package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Telegram: TelegramConfig{Token: "123:abc", OwnerUserIDs: []int64{42}, PollTimeout: "10s"},
		Logging:  LoggingConfig{Level: "info"},
		Inference: InferenceConfig{
			APIKeys: []string{"k1", "k2"},
		},
		Persona: PersonaConfig{BotName: "Mira"},
	}
}

func envLookup(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDecodeFormats(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		file string
		body string
	}{
		{
			name: "json",
			file: "cfg.json",
			body: `{"telegram":{"token":"t","owner_user_ids":[7]},"inference":{"api_keys":["a"]},"persona":{"bot_name":"Mira"}}`,
		},
		{
			name: "yaml",
			file: "cfg.yaml",
			body: "telegram:\n  token: t\n  owner_user_ids: [7]\ninference:\n  api_keys: [a]\npersona:\n  bot_name: Mira\n",
		},
		{
			name: "toml",
			file: "cfg.toml",
			body: "[telegram]\ntoken = \"t\"\nowner_user_ids = [7]\n[inference]\napi_keys = [\"a\"]\n[persona]\nbot_name = \"Mira\"\n",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := decode(tc.file, []byte(tc.body), envLookup(nil))
			require.NoError(t, err)
			assert.Equal(t, "t", cfg.Telegram.Token)
			assert.Equal(t, []int64{7}, cfg.Telegram.OwnerUserIDs)
			assert.Equal(t, []string{"a"}, cfg.Inference.APIKeys)
			assert.Equal(t, "Mira", cfg.Persona.BotName)
		})
	}
}

func TestDecodeRejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct{ file, body string }{
		{"c.json", `{"telegram":{"tokn":"x"}}`},
		{"c.yaml", "inference:\n  apikeys: [a]\n"},
		{"c.toml", "[persona]\nbotname = \"x\"\n"},
	} {
		_, err := decode(tc.file, []byte(tc.body), envLookup(nil))
		assert.Error(t, err, tc.file)
	}
}

func TestDecodeRejectsTrailingData(t *testing.T) {
	t.Parallel()

	_, err := decode("c.json", []byte(`{"telegram":{}} {"telegram":{}}`), envLookup(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trailing data")
}

func TestExpandSecrets(t *testing.T) {
	t.Parallel()

	body := `{"telegram":{"token":"${BOT_TOKEN}"},"inference":{"api_keys":["${GEMINI_KEYS}","literal"]},"http":{"token":"${MISSING}"}}`
	cfg, err := decode("c.json", []byte(body), envLookup(map[string]string{
		"BOT_TOKEN":   " 999:zzz ",
		"GEMINI_KEYS": "k1, k2,,k3",
	}))
	require.NoError(t, err)
	assert.Equal(t, "999:zzz", cfg.Telegram.Token)
	assert.Equal(t, []string{"k1", "k2", "k3", "literal"}, cfg.Inference.APIKeys)
	assert.Equal(t, "", cfg.HTTP.Token)

	// Only whole-value references are expanded.
	assert.Equal(t, "pre-${X}", expandSecret("pre-${X}", envLookup(map[string]string{"X": "y"})))
}

func TestValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, Validate(validConfig()))

	temp := 3.0
	topK := 0
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing token", func(c *Config) { c.Telegram.Token = " " }, "telegram.token"},
		{"no owners", func(c *Config) { c.Telegram.OwnerUserIDs = nil }, "owner_user_ids"},
		{"bad group log", func(c *Config) { c.Telegram.GroupLog = "logs" }, "group_log"},
		{"no keys", func(c *Config) { c.Inference.APIKeys = nil }, "api_keys"},
		{"temperature", func(c *Config) { c.Inference.Temperature = &temp }, "temperature"},
		{"top_k", func(c *Config) { c.Inference.TopK = &topK }, "top_k"},
		{"truncate", func(c *Config) { c.Inference.MaxChars, c.Inference.TruncateTo = 100, 200 }, "truncate_to"},
		{"window", func(c *Config) { c.Conversation.MaxHistory, c.Conversation.HistoryWindow = 4, 8 }, "history_window"},
		{"duration", func(c *Config) { c.Inference.ResetWindow = "five minutes" }, "reset_window"},
		{"schedule", func(c *Config) { c.Conversation.SweepSchedule = "every hour" }, "sweep_schedule"},
		{"bot name", func(c *Config) { c.Persona.BotName = "" }, "bot_name"},
		{"timezone", func(c *Config) { c.Persona.Timezone = "Mars/Olympus" }, "timezone"},
		{"driver", func(c *Config) { c.Storage = &StorageConfig{Driver: "mongo"} }, "storage.driver"},
		{"driver path", func(c *Config) { c.Storage = &StorageConfig{Driver: "sqlite"} }, "storage.path"},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tc.mutate(cfg)
			err := Validate(cfg)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrConfigurationInvalid))
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestValidateCollectsAllProblems(t *testing.T) {
	t.Parallel()

	err := Validate(&Config{})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.GreaterOrEqual(t, len(ve.Problems), 3)
}

func TestLoadWrapsParseErrors(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cfg.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"telegram":`), 0o600))

	_, err := NewConfigManager(path).Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfigurationInvalid)
}

func TestLoadCommits(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cfg.yaml")
	body := "telegram:\n  token: t\n  owner_user_ids: [1]\ninference:\n  api_keys: [a]\npersona:\n  bot_name: Mira\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	m := NewConfigManager(path)
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Same(t, cfg, m.Get())
}

func TestPublishKeepsNewest(t *testing.T) {
	t.Parallel()

	m := NewConfigManager("unused.json")
	ch := m.Subscribe(1)
	a, b := validConfig(), validConfig()
	m.publish(a)
	m.publish(b)
	assert.Same(t, b, <-ch)

	m.Unsubscribe(ch)
	_, ok := <-ch
	assert.False(t, ok)
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	t.Parallel()

	oldCfg := validConfig()
	newCfg := validConfig()
	newCfg.Telegram.Token = "555:secret-token"
	newCfg.Inference.APIKeys = []string{"AIzaSySecretKey"}
	newCfg.Persona.BotName = "Nova"

	sections, fields := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"inference", "persona", "telegram"}, sections)

	var buf bytes.Buffer
	zl := zerolog.New(&buf)
	e := zl.Info()
	for _, f := range fields {
		f(e)
	}
	e.Msg("config changed")
	out := strings.ToLower(buf.String())
	assert.Contains(t, out, "telegram.token_changed")
	assert.NotContains(t, out, "secret")

	assert.Equal(t, []string{"telegram.token", "inference.api_keys"}, RestartRequired(oldCfg, newCfg))
	assert.Empty(t, RestartRequired(oldCfg, validConfig()))
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()

	d, err := ParseDurationField("x", " 2m ")
	require.NoError(t, err)
	assert.Equal(t, "2m0s", d.String())

	d, err = ParseDurationField("x", "")
	require.NoError(t, err)
	assert.Zero(t, d)

	_, err = ParseDurationField("x", "-1s")
	assert.Error(t, err)
}
