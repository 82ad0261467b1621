package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig  BasicConfig               `json:"basic_config"`
	Databases    map[string]DatabaseConfig `json:"databases"`
	Redis        RedisConfig               `json:"redis"`
	Manager      IdentityConfig            `json:"manager"`
	CompanionBot IdentityConfig            `json:"companion_bot"`
	ChatAPI      ChatAPIConfig             `json:"chat_api"`
	Broker       BrokerConfig              `json:"broker"`
	GigaChat     GigaChatConfig            `json:"gigachat"`
}

type BasicConfig struct {
	ServerAddress     string `json:"server_address"`
	MinWorkers        int    `json:"min_workers"`
	MaxWorkers        int    `json:"max_workers"`
	QueueSize         int    `json:"queue_size"`
	WorkerIdleTimeout int    `json:"worker_idle_timeout"` // minutes
	FileBaseDir       string `json:"file_base_dir"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// IdentityConfig names a fixed chat participant (the manager or the bot).
type IdentityConfig struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}

type ChatAPIConfig struct {
	BaseURL  string `json:"base_url"`
	APIKey   string `json:"api_key"`
	TenantID string `json:"tenant_id"`
}

// BrokerConfig describes the updates exchange subscription. RequeueOnFailure
// controls whether handler failures nack with redelivery; malformed payloads
// are always rejected without requeue.
type BrokerConfig struct {
	URL              string `json:"url"`
	Exchange         string `json:"exchange"`
	Prefetch         int    `json:"prefetch"`
	RequeueOnFailure bool   `json:"requeue_on_failure"`
}

type GigaChatConfig struct {
	ClientID       string  `json:"client_id"`
	ClientSecret   string  `json:"client_secret"`
	AuthURL        string  `json:"auth_url"`
	APIURL         string  `json:"api_url"`
	Scope          string  `json:"scope"`
	Model          string  `json:"model"`
	Temperature    float64 `json:"temperature"`
	TopP           float64 `json:"top_p"`
	MaxTokens      int     `json:"max_tokens"`
	RequestTimeout int     `json:"request_timeout"` // seconds
}

// Load reads configuration from the provided path (defaults to config.json).
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDefaults()

	if cfg.Manager.UserID == "" {
		return nil, fmt.Errorf("manager.user_id must be configured")
	}
	if cfg.ChatAPI.BaseURL == "" {
		return nil, fmt.Errorf("chat_api.base_url must be configured")
	}

	if db, ok := cfg.Databases["sqlite3"]; ok && db.DSN != "" && db.DSN != ":memory:" && !filepath.IsAbs(db.DSN) {
		db.DSN = filepath.Join(filepath.Dir(absPath), db.DSN)
		cfg.Databases["sqlite3"] = db
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.CompanionBot.UserID == "" {
		c.CompanionBot.UserID = "bot_companion"
	}
	if c.CompanionBot.Name == "" {
		c.CompanionBot.Name = "Бот-компаньон"
	}
	if c.Manager.Name == "" {
		c.Manager.Name = "Manager"
	}
	if c.Broker.URL == "" {
		c.Broker.URL = "amqp://localhost:5672"
	}
	if c.Broker.Exchange == "" {
		c.Broker.Exchange = "chat3_updates"
	}
	if c.Broker.Prefetch <= 0 {
		c.Broker.Prefetch = 8
	}
	if c.GigaChat.Scope == "" {
		c.GigaChat.Scope = "GIGACHAT_API_PERS"
	}
	if c.GigaChat.Model == "" {
		c.GigaChat.Model = "GigaChat-2"
	}
	if c.GigaChat.Temperature == 0 {
		c.GigaChat.Temperature = 0.1
	}
	if c.GigaChat.TopP == 0 {
		c.GigaChat.TopP = 0.1
	}
	if c.GigaChat.MaxTokens == 0 {
		c.GigaChat.MaxTokens = 500
	}
	if c.GigaChat.RequestTimeout <= 0 {
		c.GigaChat.RequestTimeout = 120
	}
}
