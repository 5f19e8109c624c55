package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"joingate/tools/errs"
)

const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// maxAttemptsCeiling bounds MAX_ATTEMPTS no matter what the environment says.
const maxAttemptsCeiling = 3

type Config struct {
	// 验证相关
	CaptchaTTL    time.Duration `yaml:"captchaTTL"    envconfig:"CAPTCHA_TTL"`
	MaxAttempts   int           `yaml:"maxAttempts"   envconfig:"MAX_ATTEMPTS"`
	Cooldown      time.Duration `yaml:"cooldown"      envconfig:"COOLDOWN"`
	VerifiedTTL   time.Duration `yaml:"verifiedTTL"   envconfig:"VERIFIED_TTL"`
	SweepInterval time.Duration `yaml:"sweepInterval" envconfig:"SWEEP_INTERVAL"`
	SweepPageSize int           `yaml:"sweepPageSize" envconfig:"SWEEP_PAGE_SIZE"`

	// 存储
	StoreBackend  string `yaml:"storeBackend"  envconfig:"STORE_BACKEND"`
	RedisAddr     string `yaml:"redisAddr"     envconfig:"REDIS_ADDR"`
	RedisPassword string `yaml:"redisPassword" envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redisDB"       envconfig:"REDIS_DB"`
	PostgresDSN   string `yaml:"postgresDSN"   envconfig:"POSTGRES_DSN"`
	MongoURI      string `yaml:"mongoURI"      envconfig:"MONGO_URI"`
	MongoDatabase string `yaml:"mongoDatabase" envconfig:"MONGO_DATABASE"`

	// 消息
	NatsURL             string `yaml:"natsURL"             envconfig:"NATS_URL"`
	NatsEventsSubject   string `yaml:"natsEventsSubject"   envconfig:"NATS_EVENTS_SUBJECT"`
	NatsPlatformSubject string `yaml:"natsPlatformSubject" envconfig:"NATS_PLATFORM_SUBJECT"`
	// NatsJetStream consumes events from a JetStream stream with manual ack.
	NatsJetStream bool `yaml:"natsJetStream" envconfig:"NATS_JETSTREAM"`

	KafkaBrokers    []string `yaml:"kafkaBrokers"    envconfig:"KAFKA_BROKERS"`
	KafkaAuditTopic string   `yaml:"kafkaAuditTopic" envconfig:"KAFKA_AUDIT_TOPIC"`

	// http
	HTTPAddr       string `yaml:"httpAddr"       envconfig:"HTTP_ADDR"`
	AdminJWTSecret string `yaml:"adminJWTSecret" envconfig:"ADMIN_JWT_SECRET"`
	SweepToken     string `yaml:"sweepToken"     envconfig:"SWEEP_TOKEN"`
	// EventsToken guards POST /api/events; empty leaves it open.
	EventsToken string `yaml:"eventsToken" envconfig:"EVENTS_TOKEN"`

	BotUserID     int64  `yaml:"botUserID"     envconfig:"BOT_USER_ID"`
	BotUsername   string `yaml:"botUsername"   envconfig:"BOT_USERNAME"`
	LogLevel      string `yaml:"logLevel"      envconfig:"LOG_LEVEL"`
	FanoutWorkers int    `yaml:"fanoutWorkers" envconfig:"FANOUT_WORKERS"`
	NodeID        int64  `yaml:"nodeID"        envconfig:"NODE_ID"`
}

// Default returns a config with every knob at its documented default.
func Default() *Config {
	return &Config{
		CaptchaTTL:          10 * time.Minute,
		MaxAttempts:         2,
		Cooldown:            4 * time.Second,
		VerifiedTTL:         7 * 24 * time.Hour,
		SweepInterval:       60 * time.Second,
		SweepPageSize:       100,
		StoreBackend:        StoreMemory,
		RedisAddr:           "127.0.0.1:6379",
		MongoDatabase:       "joingate",
		NatsEventsSubject:   "joingate.events",
		NatsPlatformSubject: "joingate.platform",
		KafkaAuditTopic:     "joingate.audit",
		HTTPAddr:            ":8080",
		LogLevel:            "info",
		FanoutWorkers:       4,
		NodeID:              1,
	}
}

// Load reads the optional YAML file, then overlays the environment.
func Load(configFile string) (*Config, error) {
	cfg := Default()
	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, errs.WrapMsg(err, "read config file", "path", configFile)
		}
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, errs.WrapMsg(err, "parse config file", "path", configFile)
		}
	}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, errs.WrapMsg(err, "process environment")
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.StoreBackend = strings.ToLower(strings.TrimSpace(c.StoreBackend))
	if c.MaxAttempts > maxAttemptsCeiling {
		c.MaxAttempts = maxAttemptsCeiling
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.FanoutWorkers < 1 {
		c.FanoutWorkers = 1
	}
}

// Validate reports the first setting that would make startup unsafe.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return errs.ErrConfig.WrapMsg(fmt.Sprintf(format, args...))
	}
	switch {
	case c.CaptchaTTL <= 0:
		return invalid("CAPTCHA_TTL must be positive, got %s", c.CaptchaTTL)
	case c.Cooldown < 0:
		return invalid("COOLDOWN must not be negative, got %s", c.Cooldown)
	case c.Cooldown >= c.CaptchaTTL:
		return invalid("COOLDOWN (%s) must be shorter than CAPTCHA_TTL (%s)", c.Cooldown, c.CaptchaTTL)
	case c.VerifiedTTL <= 0:
		return invalid("VERIFIED_TTL must be positive, got %s", c.VerifiedTTL)
	case c.SweepInterval <= 0:
		return invalid("SWEEP_INTERVAL must be positive, got %s", c.SweepInterval)
	case c.SweepPageSize <= 0:
		return invalid("SWEEP_PAGE_SIZE must be positive, got %d", c.SweepPageSize)
	}
	switch c.StoreBackend {
	case StoreMemory:
	case StoreRedis:
		if c.RedisAddr == "" {
			return invalid("REDIS_ADDR is required for the redis store")
		}
	case StorePostgres:
		if c.PostgresDSN == "" {
			return invalid("POSTGRES_DSN is required for the postgres store")
		}
	default:
		return invalid("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.MongoURI != "" && c.MongoDatabase == "" {
		return invalid("MONGO_DATABASE is required when MONGO_URI is set")
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaAuditTopic == "" {
		return invalid("KAFKA_AUDIT_TOPIC is required when KAFKA_BROKERS is set")
	}
	return nil
}
