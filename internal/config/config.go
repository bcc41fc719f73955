package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	LLM       LLMConfig       `yaml:"llm"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Auth      AuthConfig      `yaml:"auth"`
	Data      DataConfig      `yaml:"data"`
	Safety    SafetyConfig    `yaml:"safety"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

type ServerConfig struct {
	Host    string `yaml:"host"`
	APIPort int    `yaml:"api_port"`
	LLMPort int    `yaml:"llm_port"`
}

type StoreConfig struct {
	Path          string `yaml:"path"`
	MaxConns      int    `yaml:"max_conns"`
	BusyTimeoutMs int    `yaml:"busy_timeout_ms"`
}

type LLMConfig struct {
	BackendURL     string  `yaml:"backend_url"`
	Model          string  `yaml:"model"`
	MaxConcurrent  int     `yaml:"max_concurrent"`
	RatePerMinute  int     `yaml:"rate_per_minute"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	QueueMax       int     `yaml:"queue_max"`
	MaxTokens      int     `yaml:"max_tokens"`
	Temperature    float64 `yaml:"temperature"`
}

type SessionsConfig struct {
	MaxSessions int `yaml:"max_sessions"`
	IdleMinutes int `yaml:"idle_minutes"`
}

type AuthConfig struct {
	TokenSecret string `yaml:"token_secret"`
	TokenTTLMin int    `yaml:"token_ttl_minutes"`
	MaxFailures int    `yaml:"max_failures"`
	LockoutMin  int    `yaml:"lockout_minutes"`
}

type DataConfig struct {
	Dir           string `yaml:"dir"`
	UploadsDir    string `yaml:"uploads_dir"`
	ExportsDir    string `yaml:"exports_dir"`
	DPODir        string `yaml:"dpo_dir"`
	BackupsDir    string `yaml:"backups_dir"`
	BackupKeep    int    `yaml:"backup_keep"`
	AuditKeepDays int    `yaml:"audit_keep_days"`
}

type SafetyConfig struct {
	MaxCashEUR float64 `yaml:"max_cash_eur"`
	KmRateEUR  float64 `yaml:"km_rate_eur"`
}

type SchedulerConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the configuration the service runs with when no YAML
// file is given. Values mirror the office deployment: one box, fifteen
// operators, localhost inference backend.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:    "0.0.0.0",
			APIPort: 8420,
			LLMPort: 8080,
		},
		Store: StoreConfig{
			Path:          "data/nyx.db",
			MaxConns:      20,
			BusyTimeoutMs: 5000,
		},
		LLM: LLMConfig{
			BackendURL:     "http://127.0.0.1:8080",
			Model:          "qwen2.5-72b-instruct",
			MaxConcurrent:  3,
			RatePerMinute:  10,
			TimeoutSeconds: 120,
			QueueMax:       50,
			MaxTokens:      4096,
			Temperature:    0.3,
		},
		Sessions: SessionsConfig{
			MaxSessions: 15,
			IdleMinutes: 60,
		},
		Auth: AuthConfig{
			TokenTTLMin: 12 * 60,
			MaxFailures: 5,
			LockoutMin:  15,
		},
		Data: DataConfig{
			Dir:           "data",
			UploadsDir:    "data/uploads",
			ExportsDir:    "data/exports",
			DPODir:        "data/dpo_datasets",
			BackupsDir:    "data/backups",
			BackupKeep:    30,
			AuditKeepDays: 90,
		},
		Safety: SafetyConfig{
			MaxCashEUR: 10000.0,
			KmRateEUR:  0.30,
		},
		Scheduler: SchedulerConfig{Enabled: true},
	}
}

// Load reads the YAML file at path (if non-empty) over the defaults,
// then applies NYX_* environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		decoder := yaml.NewDecoder(f)
		if err := decoder.Decode(cfg); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("NYX_HOST"); v != "" {
		c.Server.Host = v
	}
	if v, ok := envInt("NYX_PORT"); ok {
		c.Server.LLMPort = v
	}
	if v, ok := envInt("NYX_API_PORT"); ok {
		c.Server.APIPort = v
	}
	if v := os.Getenv("NYX_DB_PATH"); v != "" {
		c.Store.Path = v
	}
	if v, ok := envInt("NYX_MAX_SESSIONS"); ok {
		c.Sessions.MaxSessions = v
	}
	if v, ok := envInt("NYX_LLM_MAX_CONCURRENT"); ok {
		c.LLM.MaxConcurrent = v
	}
	if v, ok := envInt("NYX_LLM_RATE_PER_MIN"); ok {
		c.LLM.RatePerMinute = v
	}
	if v, ok := envInt("NYX_LLM_TIMEOUT_S"); ok {
		c.LLM.TimeoutSeconds = v
	}
	if v, ok := envInt("NYX_QUEUE_MAX"); ok {
		c.LLM.QueueMax = v
	}
	if v := os.Getenv("NYX_TOKEN_SECRET"); v != "" {
		c.Auth.TokenSecret = v
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// EnsureDirs creates the data directories the components write into.
func (c *Config) EnsureDirs() error {
	for _, d := range []string{
		c.Data.Dir, c.Data.UploadsDir, c.Data.ExportsDir,
		c.Data.DPODir, c.Data.BackupsDir,
	} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return err
		}
	}
	return nil
}
