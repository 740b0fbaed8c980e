package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked: the log level and
// the call parameters picked up by the next call.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	VoiceChanged        bool
	InstructionsChanged bool

	// RestartRequired lists settings that changed but only take effect after
	// a restart (provider, audio backend, listen address).
	RestartRequired []string
}

// CallChanged reports whether any per-call parameter changed.
func (d ConfigDiff) CallChanged() bool {
	return d.VoiceChanged || d.InstructionsChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Call.Voice != new.Call.Voice {
		d.VoiceChanged = true
	}
	if old.Call.Instructions != new.Call.Instructions {
		d.InstructionsChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !sameEndpoint(old.Provider, new.Provider) {
		d.RestartRequired = append(d.RestartRequired, "provider")
	}
	if !slices.EqualFunc(old.Failover.Providers, new.Failover.Providers, sameEndpoint) ||
		old.Failover.MaxFailures != new.Failover.MaxFailures ||
		old.Failover.ResetTimeout != new.Failover.ResetTimeout {
		d.RestartRequired = append(d.RestartRequired, "failover")
	}
	if old.History != new.History {
		d.RestartRequired = append(d.RestartRequired, "history")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Call.FrameSize != new.Call.FrameSize ||
		old.Call.StopCooldown != new.Call.StopCooldown ||
		old.Call.RecordingSegment != new.Call.RecordingSegment {
		d.RestartRequired = append(d.RestartRequired, "call timing")
	}

	return d
}

// sameEndpoint compares the connection fields of two provider entries.
func sameEndpoint(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.Model == b.Model && a.BaseURL == b.BaseURL && a.APIKey == b.APIKey
}
