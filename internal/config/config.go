// Package config provides the configuration schema, loader, and provider
// registry for the callwright call engine.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity for the callwright server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to the matching [slog.Level]. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// AudioBackend selects where microphone audio comes from and where speech
// is played.
type AudioBackend string

const (
	// AudioPipe reads s16le microphone audio from a file or stdin and writes
	// rendered speech to a file or stdout.
	AudioPipe AudioBackend = "pipe"

	// AudioNull discards speech and produces silence as microphone input.
	AudioNull AudioBackend = "null"

	// AudioDiscord joins a Discord voice channel: everyone speaking there is
	// the microphone and speech is played into the channel.
	AudioDiscord AudioBackend = "discord"
)

// IsValid reports whether b is a recognised audio backend.
func (b AudioBackend) IsValid() bool {
	switch b {
	case AudioPipe, AudioNull, AudioDiscord:
		return true
	}
	return false
}

// HistoryBackend selects where finished calls are archived.
type HistoryBackend string

const (
	// HistoryMemory keeps the most recent calls in process memory.
	HistoryMemory HistoryBackend = "memory"

	// HistoryPostgres stores calls and transcripts in PostgreSQL.
	HistoryPostgres HistoryBackend = "postgres"

	// HistoryOff disables the archive.
	HistoryOff HistoryBackend = "off"
)

// IsValid reports whether b is a recognised history backend.
func (b HistoryBackend) IsValid() bool {
	switch b {
	case HistoryMemory, HistoryPostgres, HistoryOff:
		return true
	}
	return false
}

// Config is the root configuration structure for callwright.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Provider ProviderEntry  `yaml:"provider"`
	Failover FailoverConfig `yaml:"failover"`
	Call     CallConfig     `yaml:"call"`
	Audio    AudioConfig    `yaml:"audio"`
	History  HistoryConfig  `yaml:"history"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the control API (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// ProviderEntry configures the live speech service. The Name field is used to
// look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation
	// ("gemini-live", "openai-realtime").
	Name string `yaml:"name"`

	// APIKey authenticates against the service. When empty the loader falls
	// back to the provider's conventional environment variable.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default WebSocket endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// FailoverConfig lists backup providers tried in order when the primary
// refuses to connect.
type FailoverConfig struct {
	// Providers are the fallbacks. Each entry is built through the same
	// [Registry] as the primary.
	Providers []ProviderEntry `yaml:"providers"`

	// MaxFailures is the number of consecutive connect failures after which a
	// provider is skipped. Zero uses 3.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long a failing provider is skipped. Zero uses 30s.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// CallConfig holds the fixed per-call session parameters.
type CallConfig struct {
	// Voice is the provider voice profile (e.g., "Kore", "alloy").
	Voice string `yaml:"voice"`

	// Instructions is the system instruction sent when a call opens.
	Instructions string `yaml:"instructions"`

	// InstructionsFile, when set, replaces Instructions with the file content.
	// Relative paths resolve against the config file's directory.
	InstructionsFile string `yaml:"instructions_file"`

	// FrameSize is the capture frame length in samples. Zero uses 4096.
	FrameSize int `yaml:"frame_size"`

	// StopCooldown keeps new calls from starting right after a teardown.
	StopCooldown time.Duration `yaml:"stop_cooldown"`

	// RecordingSegment is how far behind the playback clock the recorder
	// flushes finished audio into segments.
	RecordingSegment time.Duration `yaml:"recording_segment"`

	// Autostart begins a call as soon as the server is up.
	Autostart bool `yaml:"autostart"`
}

// AudioConfig selects and configures the audio backend.
type AudioConfig struct {
	// Backend is "pipe", "null" or "discord". Empty means "null".
	Backend AudioBackend `yaml:"backend"`

	// Input is the path of an s16le 16 kHz mono microphone stream. "-" or
	// empty reads stdin.
	Input string `yaml:"input"`

	// Output is the path speech is rendered to as s16le 24 kHz mono. "-" or
	// empty writes stdout.
	Output string `yaml:"output"`

	// Discord configures the discord backend.
	Discord DiscordConfig `yaml:"discord"`
}

// DiscordConfig holds the bot credentials and the voice channel to join.
type DiscordConfig struct {
	// Token is the bot token. When empty the loader reads DISCORD_TOKEN.
	Token string `yaml:"token"`

	// GuildID is the server the voice channel belongs to.
	GuildID string `yaml:"guild_id"`

	// ChannelID is the voice channel to join.
	ChannelID string `yaml:"channel_id"`
}

// HistoryConfig configures the call archive.
type HistoryConfig struct {
	// Backend is "memory", "postgres" or "off". Empty means "off": nothing
	// outlives the call unless an archive is configured.
	Backend HistoryBackend `yaml:"backend"`

	// DSN is the PostgreSQL connection string for the postgres backend.
	DSN string `yaml:"dsn"`

	// MaxCalls bounds the memory backend. Zero uses 100.
	MaxCalls int `yaml:"max_calls"`
}
