package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	BrokerAuth BrokerAuthConfig `yaml:"broker_auth"`
	Redis      RedisConfig      `yaml:"redis"`
	Session    SessionConfig    `yaml:"session"`
	Escalation EscalationConfig `yaml:"escalation"`
	Notify     NotifyConfig     `yaml:"notify"`
	Classify   ClassifyConfig   `yaml:"classify"`
	PubSub     PubSubConfig     `yaml:"pubsub"`
}

type ServerConfig struct {
	Port int    `yaml:"port"`
	Env  string `yaml:"env"`
}

type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
}

type MQTTConfig struct {
	BrokerURL string `yaml:"broker_url"`
	// DeviceBrokerURL is the URL handed out to devices at claim time.
	// Usually the public address of the same broker the server connects to.
	DeviceBrokerURL  string        `yaml:"device_broker_url"`
	ClientID         string        `yaml:"client_id"`
	Username         string        `yaml:"username"`
	Password         string        `yaml:"password"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	MaxReconnectWait time.Duration `yaml:"max_reconnect_wait"`
	WorkerCount      int           `yaml:"worker_count"`
	QueueSize        int           `yaml:"queue_size"`
	DrainTimeout     time.Duration `yaml:"drain_timeout"`
}

type BrokerAuthConfig struct {
	PasswdFile        string        `yaml:"passwd_file"`
	ReloadCommand     string        `yaml:"reload_command"`
	ReloadDebounce    time.Duration `yaml:"reload_debounce"`
	RetryMaxElapsed   time.Duration `yaml:"retry_max_elapsed"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type SessionConfig struct {
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
}

type EscalationConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
	BatchSize    int           `yaml:"batch_size"`
	// Policy selects whose notification preferences drive escalation
	// timing for multi-user tenants: "first_user" or "most_aggressive".
	Policy string `yaml:"policy"`
}

type NotifyConfig struct {
	PushGatewayURL string `yaml:"push_gateway_url"`
	PushAPIKey     string `yaml:"push_api_key"`
	SMSGatewayURL  string `yaml:"sms_gateway_url"`
	SMSAPIKey      string `yaml:"sms_api_key"`
	SMSFrom        string `yaml:"sms_from"`
	SMTPAddr       string `yaml:"smtp_addr"`
	SMTPUser       string `yaml:"smtp_user"`
	SMTPPassword   string `yaml:"smtp_password"`
	EmailFrom      string `yaml:"email_from"`
	SMSPerHour     int    `yaml:"sms_per_hour"`
	EmailPerHour   int    `yaml:"email_per_hour"`
}

type ClassifyConfig struct {
	URL       string        `yaml:"url"`
	Timeout   time.Duration `yaml:"timeout"`
	Threshold float64       `yaml:"threshold"`
	Label     string        `yaml:"label"`
}

type PubSubConfig struct {
	Enabled   bool   `yaml:"enabled"`
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
}

// Load reads a yaml config file and applies defaults plus environment
// overrides for the secrets that should never live in the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()

		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// Default returns the built-in configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080, Env: "dev"},
		Database: DatabaseConfig{
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			QueryTimeout:    10 * time.Second,
		},
		MQTT: MQTTConfig{
			ClientID:         "trapsight-server",
			ConnectTimeout:   10 * time.Second,
			MaxReconnectWait: 60 * time.Second,
			WorkerCount:      8,
			QueueSize:        1024,
			DrainTimeout:     10 * time.Second,
		},
		BrokerAuth: BrokerAuthConfig{
			ReloadDebounce:    2 * time.Second,
			RetryMaxElapsed:   30 * time.Second,
			ReconcileInterval: 5 * time.Minute,
		},
		Session:    SessionConfig{HeartbeatTimeout: 15 * time.Minute},
		Escalation: EscalationConfig{TickInterval: time.Minute, BatchSize: 100, Policy: "first_user"},
		Notify:     NotifyConfig{SMSPerHour: 5, EmailPerHour: 10},
		Classify:   ClassifyConfig{Timeout: 30 * time.Second, Threshold: 0.5, Label: "rodent"},
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("MQTT_BROKER_URL"); v != "" {
		c.MQTT.BrokerURL = v
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		c.MQTT.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		c.MQTT.Password = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("SMS_API_KEY"); v != "" {
		c.Notify.SMSAPIKey = v
	}
	if v := os.Getenv("PUSH_API_KEY"); v != "" {
		c.Notify.PushAPIKey = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		c.Notify.SMTPPassword = v
	}
	if c.MQTT.DeviceBrokerURL == "" {
		c.MQTT.DeviceBrokerURL = c.MQTT.BrokerURL
	}
}
