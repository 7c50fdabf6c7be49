package config

import (
	"fmt"
)

type Config struct {
	Server  ServerConfig
	Gemini  GeminiConfig
	Storage StorageConfig
	Cache   CacheConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port int
}

type GeminiConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout string
}

type StorageConfig struct {
	DataDir string
}

type CacheConfig struct {
	// Backend selects the answer cache: "memory", "redis", or "off".
	Backend       string
	TTL           string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		Gemini: GeminiConfig{
			BaseURL: "https://generativelanguage.googleapis.com",
			Model:   "gemini-2.0-flash",
			Timeout: "30s",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Cache: CacheConfig{
			Backend:   "memory",
			TTL:       "10m",
			RedisAddr: "localhost:6379",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON config file at
// $XDG_CONFIG_HOME/quotelog/config.json, then applies QUOTELOG_*
// environment variable overrides.
func Load() (Config, error) {
	return loadWith(newFileBackend())
}

func loadWith(b Backend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Gemini.APIKey == "" {
		return Config{}, fmt.Errorf("missing required config: Gemini API key. " +
			"Set it via environment variable QUOTELOG_GEMINI_API_KEY")
	}

	switch cfg.Cache.Backend {
	case "memory", "redis", "off":
	default:
		return Config{}, fmt.Errorf("invalid cache.backend %q: must be memory, redis, or off", cfg.Cache.Backend)
	}

	return cfg, nil
}
