// Package config loads settings for the store API, the chaos controller and
// chaosctl. Values come from Default(), then an optional YAML file named by
// CONFIG_FILE, then environment variables.
package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	StateBackendFile   = "file"
	StateBackendRedis  = "redis"
	StateBackendRemote = "remote"

	JournalBackendPostgres = "postgres"
	JournalBackendMemory   = "memory"

	LoadModeHTTP = "http"
	LoadModeCPU  = "cpu"

	ChaosModeEnabled  = "enabled"
	ChaosModeDisabled = "disabled"
)

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	// URL overrides the individual fields when set.
	URL string `yaml:"url"`
}

// ConnString returns a pgx connection string.
func (d DatabaseConfig) ConnString() string {
	if d.URL != "" {
		return d.URL
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   "/" + d.Name,
	}
	return u.String()
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type StateConfig struct {
	Backend       string        `yaml:"backend"` // file, redis, remote
	File          string        `yaml:"file"`
	ControllerURL string        `yaml:"controller_url"`
	RemoteTTL     time.Duration `yaml:"remote_ttl"`
	RemoteTimeout time.Duration `yaml:"remote_timeout"`
}

type ChaosConfig struct {
	Mode string `yaml:"mode"` // enabled, disabled
}

// Enabled reports whether chaos injection is allowed.
func (c ChaosConfig) Enabled() bool {
	return c.Mode != ChaosModeDisabled
}

type ControllerConfig struct {
	Port           int     `yaml:"port"`
	LoadMode       string  `yaml:"load_mode"` // http, cpu
	BackendURL     string  `yaml:"backend_url"`
	DefaultWorkers int     `yaml:"default_workers"`
	MaxIntensity   int     `yaml:"max_intensity"`
	LoadRPS        float64 `yaml:"load_rps"` // per HTTP worker
	MemoryCapMB    int     `yaml:"memory_cap_mb"`
	MemoryChunkMB  int     `yaml:"memory_chunk_mb"`
	MaxStreamConns int     `yaml:"max_stream_conns"`
	// APIToken, when set, is required as a bearer token on chaos mutations.
	APIToken string `yaml:"api_token"`
}

type JournalConfig struct {
	Backend          string        `yaml:"backend"` // postgres, memory
	RecoveryInterval time.Duration `yaml:"recovery_interval"`
	ReportRate       float64       `yaml:"report_rate"` // test-report POSTs per second per client
	ReportBurst      int           `yaml:"report_burst"`
}

type StoreAPIConfig struct {
	Port    int    `yaml:"port"`
	Version string `yaml:"version"`
}

// Config is the full runtime configuration.
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	State      StateConfig      `yaml:"state"`
	Chaos      ChaosConfig      `yaml:"chaos"`
	Controller ControllerConfig `yaml:"controller"`
	Journal    JournalConfig    `yaml:"journal"`
	StoreAPI   StoreAPIConfig   `yaml:"store_api"`
}

// Default returns production defaults.
func Default() Config {
	return Config{
		Database: DatabaseConfig{
			Host:     "darwin-store-postgres-svc",
			Port:     5432,
			User:     "postgres",
			Password: "darwin",
			Name:     "postgres",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		State: StateConfig{
			Backend:       StateBackendFile,
			File:          "/tmp/chaos_state.json",
			ControllerURL: "http://darwin-chaos-controller:9000",
			RemoteTTL:     time.Second,
			RemoteTimeout: 2 * time.Second,
		},
		Chaos: ChaosConfig{
			Mode: ChaosModeEnabled,
		},
		Controller: ControllerConfig{
			Port:           9000,
			LoadMode:       LoadModeHTTP,
			BackendURL:     "http://darwin-store-backend:8080",
			DefaultWorkers: 4,
			MaxIntensity:   8,
			LoadRPS:        20,
			MemoryCapMB:    1024,
			MemoryChunkMB:  10,
			MaxStreamConns: 100,
		},
		Journal: JournalConfig{
			Backend:          JournalBackendPostgres,
			RecoveryInterval: 30 * time.Second,
			ReportRate:       5,
			ReportBurst:      10,
		},
		StoreAPI: StoreAPIConfig{
			Port:    8080,
			Version: "1.0.0",
		},
	}
}

// LoadFile reads a YAML config file over Default().
func LoadFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal config %s: %w", path, err)
	}
	normalize(&cfg)
	return cfg, nil
}

// Load builds the configuration from CONFIG_FILE (if set) and the
// environment, then validates it.
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		var err error
		if cfg, err = LoadFile(path); err != nil {
			return cfg, err
		}
		log.Printf("[CONFIG] Loaded %s", path)
	}
	if err := applyEnv(&cfg, os.Getenv); err != nil {
		return cfg, err
	}
	normalize(&cfg)
	return cfg, cfg.Validate()
}

func normalize(cfg *Config) {
	def := Default()
	cfg.State.Backend = strings.ToLower(strings.TrimSpace(cfg.State.Backend))
	cfg.Journal.Backend = strings.ToLower(strings.TrimSpace(cfg.Journal.Backend))
	cfg.Controller.LoadMode = strings.ToLower(strings.TrimSpace(cfg.Controller.LoadMode))
	cfg.Chaos.Mode = strings.ToLower(strings.TrimSpace(cfg.Chaos.Mode))

	if cfg.State.Backend == "" {
		cfg.State.Backend = def.State.Backend
	}
	if cfg.State.File == "" {
		cfg.State.File = def.State.File
	}
	if cfg.State.RemoteTTL <= 0 {
		cfg.State.RemoteTTL = def.State.RemoteTTL
	}
	if cfg.State.RemoteTimeout <= 0 {
		cfg.State.RemoteTimeout = def.State.RemoteTimeout
	}
	if cfg.Journal.Backend == "" {
		cfg.Journal.Backend = def.Journal.Backend
	}
	if cfg.Journal.RecoveryInterval <= 0 {
		cfg.Journal.RecoveryInterval = def.Journal.RecoveryInterval
	}
	if cfg.Journal.ReportRate <= 0 {
		cfg.Journal.ReportRate = def.Journal.ReportRate
	}
	if cfg.Journal.ReportBurst <= 0 {
		cfg.Journal.ReportBurst = def.Journal.ReportBurst
	}
	if cfg.Controller.LoadMode == "" {
		cfg.Controller.LoadMode = def.Controller.LoadMode
	}
	if cfg.Controller.MaxIntensity <= 0 {
		cfg.Controller.MaxIntensity = def.Controller.MaxIntensity
	}
	if cfg.Controller.DefaultWorkers <= 0 {
		cfg.Controller.DefaultWorkers = def.Controller.DefaultWorkers
	}
	if cfg.Controller.LoadRPS <= 0 {
		cfg.Controller.LoadRPS = def.Controller.LoadRPS
	}
	if cfg.Controller.MemoryCapMB <= 0 {
		cfg.Controller.MemoryCapMB = def.Controller.MemoryCapMB
	}
	if cfg.Controller.MemoryChunkMB <= 0 {
		cfg.Controller.MemoryChunkMB = def.Controller.MemoryChunkMB
	}
	if cfg.Controller.MaxStreamConns <= 0 {
		cfg.Controller.MaxStreamConns = def.Controller.MaxStreamConns
	}
	if cfg.Chaos.Mode == "" {
		cfg.Chaos.Mode = def.Chaos.Mode
	}
}

// Validate rejects unknown enum values.
func (c Config) Validate() error {
	switch c.State.Backend {
	case StateBackendFile, StateBackendRedis, StateBackendRemote:
	default:
		return fmt.Errorf("config: unknown STATE_BACKEND %q", c.State.Backend)
	}
	switch c.Journal.Backend {
	case JournalBackendPostgres, JournalBackendMemory:
	default:
		return fmt.Errorf("config: unknown JOURNAL_BACKEND %q", c.Journal.Backend)
	}
	switch c.Controller.LoadMode {
	case LoadModeHTTP, LoadModeCPU:
	default:
		return fmt.Errorf("config: unknown LOAD_MODE %q", c.Controller.LoadMode)
	}
	switch c.Chaos.Mode {
	case ChaosModeEnabled, ChaosModeDisabled:
	default:
		return fmt.Errorf("config: unknown CHAOS_MODE %q", c.Chaos.Mode)
	}
	if c.Controller.DefaultWorkers > c.Controller.MaxIntensity {
		return fmt.Errorf("config: default workers %d exceed max intensity %d",
			c.Controller.DefaultWorkers, c.Controller.MaxIntensity)
	}
	return nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	var firstErr error
	num := func(key string, dst *int) {
		v := getenv(key)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("config: %s=%q is not an integer", key, v)
			}
			return
		}
		*dst = n
	}
	dur := func(key string, dst *time.Duration) {
		v := getenv(key)
		if v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("config: %s=%q is not a duration", key, v)
			}
			return
		}
		*dst = d
	}

	str("DB_HOST", &cfg.Database.Host)
	num("DB_PORT", &cfg.Database.Port)
	str("DB_USER", &cfg.Database.User)
	str("DB_PASSWORD", &cfg.Database.Password)
	str("DB_NAME", &cfg.Database.Name)
	str("DATABASE_URL", &cfg.Database.URL)

	str("REDIS_ADDR", &cfg.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.Redis.Password)

	str("STATE_BACKEND", &cfg.State.Backend)
	str("STATE_FILE", &cfg.State.File)
	str("CHAOS_CONTROLLER_URL", &cfg.State.ControllerURL)
	dur("CHAOS_CONTROLLER_TIMEOUT", &cfg.State.RemoteTimeout)
	dur("CHAOS_STATE_TTL", &cfg.State.RemoteTTL)

	str("CHAOS_MODE", &cfg.Chaos.Mode)

	num("CHAOS_PORT", &cfg.Controller.Port)
	str("CHAOS_API_TOKEN", &cfg.Controller.APIToken)
	str("LOAD_MODE", &cfg.Controller.LoadMode)
	str("BACKEND_URL", &cfg.Controller.BackendURL)
	num("MEMORY_CAP_MB", &cfg.Controller.MemoryCapMB)
	num("MEMORY_CHUNK_MB", &cfg.Controller.MemoryChunkMB)

	str("JOURNAL_BACKEND", &cfg.Journal.Backend)
	dur("JOURNAL_RECOVERY_INTERVAL", &cfg.Journal.RecoveryInterval)

	num("PORT", &cfg.StoreAPI.Port)
	str("APP_VERSION", &cfg.StoreAPI.Version)

	return firstErr
}
