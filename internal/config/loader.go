package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the built-in live provider names. Used by
// [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"gemini-live", "openai-realtime"}

// APIKeyEnv maps provider names to the environment variable read when
// provider.api_key is empty.
var APIKeyEnv = map[string]string{
	"gemini-live":     "GEMINI_API_KEY",
	"openai-realtime": "OPENAI_API_KEY",
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// An instructions_file is resolved relative to the directory of path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := parse(data, filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
// A relative instructions_file resolves against the working directory.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return parse(data, "")
}

func parse(data []byte, baseDir string) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := resolveInstructions(cfg, baseDir); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields with their defaults and resolves the API
// key from the environment.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Provider.Name == "" {
		cfg.Provider.Name = "gemini-live"
	}
	if cfg.Provider.APIKey == "" {
		if env, ok := APIKeyEnv[cfg.Provider.Name]; ok {
			cfg.Provider.APIKey = os.Getenv(env)
		}
	}
	for i := range cfg.Failover.Providers {
		fb := &cfg.Failover.Providers[i]
		if fb.APIKey == "" {
			if env, ok := APIKeyEnv[fb.Name]; ok {
				fb.APIKey = os.Getenv(env)
			}
		}
	}
	if cfg.Audio.Backend == "" {
		cfg.Audio.Backend = AudioNull
	}
	if cfg.History.Backend == "" {
		cfg.History.Backend = HistoryOff
	}
	if cfg.Audio.Backend == AudioDiscord && cfg.Audio.Discord.Token == "" {
		cfg.Audio.Discord.Token = os.Getenv("DISCORD_TOKEN")
	}
}

func resolveInstructions(cfg *Config, baseDir string) error {
	path := cfg.Call.InstructionsFile
	if path == "" {
		return nil
	}
	if baseDir != "" && !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: call.instructions_file: %w", err)
	}
	cfg.Call.Instructions = strings.TrimSpace(string(data))
	return nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider
	if cfg.Provider.Name == "" {
		errs = append(errs, errors.New("provider.name is required"))
	} else {
		validateProviderName(cfg.Provider.Name)
	}
	if cfg.Provider.Name != "" && cfg.Provider.APIKey == "" {
		slog.Warn("provider.api_key is empty; calls will fail to connect",
			"provider", cfg.Provider.Name,
			"env", APIKeyEnv[cfg.Provider.Name],
		)
	}

	// Failover
	for i, fb := range cfg.Failover.Providers {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("failover.providers[%d].name is required", i))
			continue
		}
		validateProviderName(fb.Name)
	}
	if cfg.Failover.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("failover.max_failures %d must not be negative", cfg.Failover.MaxFailures))
	}
	if cfg.Failover.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("failover.reset_timeout %s must not be negative", cfg.Failover.ResetTimeout))
	}

	// Call
	if cfg.Call.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("call.frame_size %d must not be negative", cfg.Call.FrameSize))
	}
	if cfg.Call.FrameSize > 0 && cfg.Call.FrameSize&(cfg.Call.FrameSize-1) != 0 {
		errs = append(errs, fmt.Errorf("call.frame_size %d must be a power of two", cfg.Call.FrameSize))
	}
	if cfg.Call.StopCooldown < 0 {
		errs = append(errs, fmt.Errorf("call.stop_cooldown %s must not be negative", cfg.Call.StopCooldown))
	}
	if cfg.Call.RecordingSegment < 0 {
		errs = append(errs, fmt.Errorf("call.recording_segment %s must not be negative", cfg.Call.RecordingSegment))
	}
	if cfg.Call.Voice == "" {
		slog.Warn("call.voice is empty; the provider default voice will be used")
	}

	// Audio
	if cfg.Audio.Backend != "" && !cfg.Audio.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("audio.backend %q is invalid; valid values: pipe, null, discord", cfg.Audio.Backend))
	}
	if cfg.Audio.Backend == AudioDiscord {
		d := cfg.Audio.Discord
		if d.Token == "" {
			errs = append(errs, errors.New("audio.discord.token is required (or set DISCORD_TOKEN)"))
		}
		if d.GuildID == "" {
			errs = append(errs, errors.New("audio.discord.guild_id is required"))
		}
		if d.ChannelID == "" {
			errs = append(errs, errors.New("audio.discord.channel_id is required"))
		}
	}
	if cfg.Audio.Backend == AudioNull && (cfg.Audio.Input != "" || cfg.Audio.Output != "") {
		slog.Warn("audio.input and audio.output are ignored by the null backend")
	}

	// History
	if cfg.History.Backend != "" && !cfg.History.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("history.backend %q is invalid; valid values: memory, postgres, off", cfg.History.Backend))
	}
	if cfg.History.Backend == HistoryPostgres && cfg.History.DSN == "" {
		errs = append(errs, errors.New("history.dsn is required for the postgres backend"))
	}
	if cfg.History.MaxCalls < 0 {
		errs = append(errs, fmt.Errorf("history.max_calls %d must not be negative", cfg.History.MaxCalls))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is not a built-in provider.
func validateProviderName(name string) {
	if slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"name", name,
		"known", ValidProviderNames,
	)
}
