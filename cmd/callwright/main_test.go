package main

import (
	"context"
	"slices"
	"testing"

	"github.com/MrWong99/callwright/internal/config"
	"github.com/MrWong99/callwright/internal/history"
)

func TestRegisterBuiltins(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	registerBuiltins(reg)

	for _, name := range config.ValidProviderNames {
		p, err := reg.CreateLive(config.ProviderEntry{Name: name, APIKey: "k", Model: "m"})
		if err != nil || p == nil {
			t.Errorf("CreateLive(%q) = %v, %v", name, p, err)
		}
	}
	if d, err := reg.CreateAudio(config.AudioConfig{Backend: config.AudioNull}); err != nil || d == nil {
		t.Errorf("CreateAudio(null) = %v, %v", d, err)
	}
	if d, err := reg.CreateAudio(config.AudioConfig{Backend: config.AudioPipe}); err != nil || d == nil {
		t.Errorf("CreateAudio(pipe) = %v, %v", d, err)
	}
	if !slices.Contains(reg.AudioNames(), string(config.AudioDiscord)) {
		t.Errorf("AudioNames() = %v, want discord registered", reg.AudioNames())
	}
}

func TestOptString(t *testing.T) {
	t.Parallel()

	opts := map[string]any{"model": "whisper-1", "n": 3}
	tests := []struct {
		opts map[string]any
		key  string
		want string
	}{
		{opts, "model", "whisper-1"},
		{opts, "n", ""},
		{opts, "missing", ""},
		{nil, "model", ""},
	}
	for _, tc := range tests {
		if got := optString(tc.opts, tc.key); got != tc.want {
			t.Errorf("optString(%v, %q) = %q, want %q", tc.opts, tc.key, got, tc.want)
		}
	}
}

func TestWithFailover(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	registerBuiltins(reg)
	primary, err := reg.CreateLive(config.ProviderEntry{Name: "gemini-live", APIKey: "k"})
	if err != nil {
		t.Fatalf("CreateLive: %v", err)
	}

	cfg := &config.Config{
		Provider: config.ProviderEntry{Name: "gemini-live"},
		Failover: config.FailoverConfig{Providers: []config.ProviderEntry{{Name: "openai-realtime", APIKey: "k"}}},
	}
	fo, err := withFailover(reg, primary, cfg)
	if err != nil {
		t.Fatalf("withFailover: %v", err)
	}
	states := fo.States()
	if len(states) != 2 {
		t.Errorf("States() = %v, want primary and one fallback", states)
	}

	cfg.Failover.Providers = []config.ProviderEntry{{Name: "no-such-provider"}}
	if _, err := withFailover(reg, primary, cfg); err == nil {
		t.Error("withFailover accepted an unregistered fallback")
	}
}

func TestOpenHistory(t *testing.T) {
	t.Parallel()

	for _, backend := range []config.HistoryBackend{config.HistoryOff, ""} {
		store, closer, err := openHistory(context.Background(), config.HistoryConfig{Backend: backend})
		if err != nil || store != nil || closer != nil {
			t.Errorf("backend %q = %v, %v, %v; want all nil", backend, store, closer != nil, err)
		}
	}

	store, closer, err := openHistory(context.Background(), config.HistoryConfig{Backend: config.HistoryMemory, MaxCalls: 5})
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	if _, ok := store.(*history.Memory); !ok {
		t.Errorf("memory store = %T, want *history.Memory", store)
	}
	if closer != nil {
		t.Error("memory store returned a closer")
	}
}
