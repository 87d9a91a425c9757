// Package config provides layered settings for voicemoded: a YAML file
// under the user's config directory, overridable by environment
// variables, using the same viper pattern as the rest of this repo.
// Settings such as VOICEMODE_HOME, VOICEMODE_AUTO_START_KOKORO, and
// VOICEMODE_AUDIO_FORMAT are read directly from clockenv.Env at their
// point of use; this package covers everything
// else an operator would otherwise have to pass as a pile of env vars:
// the provider endpoint list and room transport credentials.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/normanking/voicemoded/internal/clockenv"
)

// ProviderSpec describes one TTS or STT endpoint to register at startup.
type ProviderSpec struct {
	ID       string `mapstructure:"id"`
	BaseURL  string `mapstructure:"base_url"`
	APIKey   string `mapstructure:"api_key"`
	Priority int    `mapstructure:"priority"`
}

// ProvidersConfig lists the default endpoints for each provider kind.
type ProvidersConfig struct {
	TTS []ProviderSpec `mapstructure:"tts"`
	STT []ProviderSpec `mapstructure:"stt"`
}

// RoomConfig configures the LiveKit Room transport.
type RoomConfig struct {
	URL       string `mapstructure:"url"`
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
	RoomName  string `mapstructure:"room_name"`
	Identity  string `mapstructure:"identity"`
}

// AudioConfig names the local transport's device pipeline.
type AudioConfig struct {
	InputDevice     string        `mapstructure:"input_device"`
	OutputDevice    string        `mapstructure:"output_device"`
	RegistryCooldown time.Duration `mapstructure:"registry_cooldown"`
}

// Config holds all voicemoded settings not already covered by a single
// VOICEMODE_* environment variable.
type Config struct {
	Audio     AudioConfig     `mapstructure:"audio"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Room      RoomConfig      `mapstructure:"room"`
}

// DefaultConfig returns the out-of-the-box provider list: the local
// Whisper/Kokoro services the Supervisor manages, plus OpenAI as a cloud
// fallback when OPENAI_API_KEY is set.
func DefaultConfig(env *clockenv.Env) *Config {
	cfg := &Config{
		Audio: AudioConfig{
			RegistryCooldown: 60 * time.Second,
		},
		Providers: ProvidersConfig{
			TTS: []ProviderSpec{
				{ID: "kokoro-local", BaseURL: "http://127.0.0.1:8880/v1", Priority: 0},
			},
			STT: []ProviderSpec{
				{ID: "whisper-local", BaseURL: "http://127.0.0.1:2022/v1", Priority: 0},
			},
		},
		Room: RoomConfig{
			URL:       env.String("LIVEKIT_URL", ""),
			APIKey:    env.String("LIVEKIT_API_KEY", ""),
			APISecret: env.String("LIVEKIT_API_SECRET", ""),
			RoomName:  "voicemode",
			Identity:  "voicemoded",
		},
	}

	if key := env.String("OPENAI_API_KEY", ""); key != "" {
		base := env.String("OPENAI_BASE_URL", "https://api.openai.com/v1")
		cfg.Providers.TTS = append(cfg.Providers.TTS, ProviderSpec{ID: "openai-tts", BaseURL: base, APIKey: key, Priority: 10})
		cfg.Providers.STT = append(cfg.Providers.STT, ProviderSpec{ID: "openai-stt", BaseURL: base, APIKey: key, Priority: 10})
	}

	return cfg
}

// Load reads config/voicemode.yaml under paths.ConfigDir(), falling back
// to DefaultConfig when no file exists. Environment variables prefixed
// VOICEMODE_ override matching keys (e.g. VOICEMODE_ROOM_URL).
func Load(paths *clockenv.Paths, env *clockenv.Env) (*Config, error) {
	cfg := DefaultConfig(env)

	if err := os.MkdirAll(paths.ConfigDir(), 0o755); err != nil {
		return cfg, err
	}

	v := viper.New()
	v.SetConfigName("voicemode")
	v.SetConfigType("yaml")
	v.AddConfigPath(paths.ConfigDir())
	v.SetEnvPrefix("VOICEMODE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return cfg, err
		}
		return cfg, Save(paths, cfg)
	}

	if err := v.Unmarshal(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Save writes cfg to config/voicemode.yaml, creating it the first time
// Load runs so an operator has a starting point to edit.
func Save(paths *clockenv.Paths, cfg *Config) error {
	v := viper.New()
	v.Set("audio", cfg.Audio)
	v.Set("providers", cfg.Providers)
	v.Set("room", cfg.Room)
	return v.WriteConfigAs(filepath.Join(paths.ConfigDir(), "voicemode.yaml"))
}
