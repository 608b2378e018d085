package config

import (
	"os"
	"time"

	pkgerrors "github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/JoeShih716/go-tx-ledger/pkg/mysql"
)

// Config 整個服務的配置
type Config struct {
	// Store: 帳本後端 "memory" | "sqlite" | "mysql"
	Store  string       `yaml:"store"`
	Log    LogConfig    `yaml:"log"`
	Engine EngineConfig `yaml:"engine"`
	WAL    WALConfig    `yaml:"wal"`
	SQLite SQLiteConfig `yaml:"sqlite"`
	MySQL  mysql.Config `yaml:"mysql"`
}

type LogConfig struct {
	Level string `yaml:"level"` // "debug", "info", "warn", "error"
}

// EngineConfig 交易引擎的併發參數
// duration 欄位用字串 (如 "10ms")，載入時解析
type EngineConfig struct {
	MaxRetries   int    `yaml:"max_retries"`
	RetryBackoff string `yaml:"retry_backoff"`
	LockTimeout  string `yaml:"lock_timeout"`
	PendingWait  string `yaml:"pending_wait"`
}

type WALConfig struct {
	Path string `yaml:"path"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// Load 讀取 yaml 設定檔並補全預設值
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "read config file")
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, pkgerrors.Wrap(err, "parse config")
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// Default 回傳全預設配置 (沒有設定檔時使用)
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults 補全預設配置 (如果 yaml 沒寫)
func (c *Config) ApplyDefaults() {
	if c.Store == "" {
		c.Store = "sqlite"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Engine.MaxRetries == 0 {
		c.Engine.MaxRetries = 3
	}
	if c.WAL.Path == "" {
		c.WAL.Path = "wal.log"
	}
	if c.SQLite.Path == "" {
		c.SQLite.Path = "ledger.db"
	}
	c.MySQL.ApplyDefaults()
}

// RetryBackoffDuration 解析重試間隔，空值或格式錯誤時回傳預設 10ms
func (c *EngineConfig) RetryBackoffDuration() time.Duration {
	return parseDuration(c.RetryBackoff, 10*time.Millisecond)
}

// LockTimeoutDuration 解析鎖等待上限，預設 3s
func (c *EngineConfig) LockTimeoutDuration() time.Duration {
	return parseDuration(c.LockTimeout, 3*time.Second)
}

// PendingWaitDuration 解析同鍵等待上限，預設 3s
func (c *EngineConfig) PendingWaitDuration() time.Duration {
	return parseDuration(c.PendingWait, 3*time.Second)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
