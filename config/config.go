package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	Redis          RedisConfig
	Store          StoreConfig
	Call           CallConfig
	ICE            ICEConfig
	Media          MediaConfig
}

type RedisConfig struct {
	Host     string `toml:"host"`
	Port     string `toml:"port"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// StoreConfig selects the realtime document store used for signaling.
type StoreConfig struct {
	Backend   string        `toml:"backend"` // "redis" or "memory"
	KeyPrefix string        `toml:"key_prefix"`
	TTL       time.Duration `toml:"ttl"`
}

type CallConfig struct {
	// Timeout bounds how long an unanswered call may ring before it is canceled.
	Timeout time.Duration `toml:"timeout"`
}

// ICEConfig holds ICE server configuration
type ICEConfig struct {
	STUNURLs            []string      `toml:"stun_urls"`
	TURNURL             string        `toml:"turn_url"`
	TURNUser            string        `toml:"turn_user"`
	TURNPass            string        `toml:"turn_pass"`
	DisconnectedTimeout time.Duration `toml:"disconnected_timeout"`
	FailedTimeout       time.Duration `toml:"failed_timeout"`
}

type MediaConfig struct {
	VideoWidth  int `toml:"video_width"`
	VideoHeight int `toml:"video_height"`
}

// fileConfig mirrors the TOML layout of CONFIG_FILE.
type fileConfig struct {
	Port           string      `toml:"port"`
	Environment    string      `toml:"environment"`
	AllowedOrigins []string    `toml:"allowed_origins"`
	JWTSecret      string      `toml:"jwt_secret"`
	Redis          RedisConfig `toml:"redis"`
	Store          StoreConfig `toml:"store"`
	Call           CallConfig  `toml:"call"`
	ICE            ICEConfig   `toml:"ice"`
	Media          MediaConfig `toml:"media"`
}

func defaults() fileConfig {
	return fileConfig{
		Port:           "8080",
		Environment:    "development",
		AllowedOrigins: []string{"http://localhost:3000", "http://localhost:5173", "http://localhost:4200"},
		JWTSecret:      "change-me-in-production",
		Redis: RedisConfig{
			Host: "localhost",
			Port: "6379",
		},
		Store: StoreConfig{
			Backend:   "redis",
			KeyPrefix: "rtdb:",
			TTL:       24 * time.Hour,
		},
		Call: CallConfig{Timeout: 120 * time.Second},
		ICE: ICEConfig{
			STUNURLs:            []string{"stun:stun.l.google.com:19302"},
			DisconnectedTimeout: 30 * time.Second,
			FailedTimeout:       120 * time.Second,
		},
		Media: MediaConfig{VideoWidth: 640, VideoHeight: 480},
	}
}

// Load reads CONFIG_FILE (if set) on top of the built-in defaults and then
// applies environment overrides.
func Load() (*Config, error) {
	fc := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if _, err := toml.DecodeFile(path, &fc); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	// Parse allowed origins (comma-separated)
	origins := fc.AllowedOrigins
	if originsStr := os.Getenv("ALLOWED_ORIGINS"); originsStr != "" {
		origins = splitList(originsStr)
	}

	stun := fc.ICE.STUNURLs
	if s := os.Getenv("STUN_URLS"); s != "" {
		stun = splitList(s)
	}

	cfg := &Config{
		Port:           getEnv("PORT", fc.Port),
		Environment:    getEnv("ENVIRONMENT", fc.Environment),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", fc.JWTSecret),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", fc.Redis.Host),
			Port:     getEnv("REDIS_PORT", fc.Redis.Port),
			Password: getEnv("REDIS_PASSWORD", fc.Redis.Password),
			DB:       fc.Redis.DB,
		},
		Store: StoreConfig{
			Backend:   getEnv("STORE_BACKEND", fc.Store.Backend),
			KeyPrefix: getEnv("STORE_KEY_PREFIX", fc.Store.KeyPrefix),
		},
		ICE: ICEConfig{
			STUNURLs: stun,
			TURNURL:  getEnv("TURN_URL", fc.ICE.TURNURL),
			TURNUser: getEnv("TURN_USER", fc.ICE.TURNUser),
			TURNPass: getEnv("TURN_PASS", fc.ICE.TURNPass),
		},
	}

	var err error
	if cfg.Redis.DB, err = getEnvInt("REDIS_DB", fc.Redis.DB); err != nil {
		return nil, err
	}
	if cfg.Store.TTL, err = getEnvDuration("STORE_TTL", fc.Store.TTL); err != nil {
		return nil, err
	}
	if cfg.Call.Timeout, err = getEnvDuration("CALL_TIMEOUT", fc.Call.Timeout); err != nil {
		return nil, err
	}
	if cfg.ICE.DisconnectedTimeout, err = getEnvDuration("ICE_DISCONNECTED_TIMEOUT", fc.ICE.DisconnectedTimeout); err != nil {
		return nil, err
	}
	if cfg.ICE.FailedTimeout, err = getEnvDuration("ICE_FAILED_TIMEOUT", fc.ICE.FailedTimeout); err != nil {
		return nil, err
	}
	if cfg.Media.VideoWidth, err = getEnvInt("VIDEO_WIDTH", fc.Media.VideoWidth); err != nil {
		return nil, err
	}
	if cfg.Media.VideoHeight, err = getEnvInt("VIDEO_HEIGHT", fc.Media.VideoHeight); err != nil {
		return nil, err
	}

	switch cfg.Store.Backend {
	case "redis", "memory":
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.Store.Backend)
	}
	if cfg.Call.Timeout <= 0 {
		return nil, fmt.Errorf("CALL_TIMEOUT must be positive")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
