package config

import (
	"testing"

	"github.com/normanking/voicemoded/internal/clockenv"
)

func TestLoad_WritesDefaultsWhenNoFileExists(t *testing.T) {
	dir := t.TempDir()
	paths := &clockenv.Paths{Home: dir}
	env := clockenv.NewEnvFrom(nil)

	cfg, err := Load(paths, env)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Providers.STT) == 0 || cfg.Providers.STT[0].ID != "whisper-local" {
		t.Fatalf("expected default whisper-local STT provider, got %+v", cfg.Providers.STT)
	}
}

func TestDefaultConfig_AddsOpenAIWhenAPIKeySet(t *testing.T) {
	env := clockenv.NewEnvFrom(map[string]string{"OPENAI_API_KEY": "sk-test"})
	cfg := DefaultConfig(env)

	found := false
	for _, p := range cfg.Providers.TTS {
		if p.ID == "openai-tts" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected openai-tts provider when OPENAI_API_KEY is set")
	}
}

func TestDefaultConfig_OmitsOpenAIWhenNoAPIKey(t *testing.T) {
	env := clockenv.NewEnvFrom(nil)
	cfg := DefaultConfig(env)

	for _, p := range cfg.Providers.TTS {
		if p.ID == "openai-tts" {
			t.Fatal("did not expect openai-tts provider without OPENAI_API_KEY")
		}
	}
}
