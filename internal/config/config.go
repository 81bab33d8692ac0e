package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Mimir     MimirConfig
	Scheduler SchedulerConfig
	Policy    PolicyConfig
	Retention RetentionConfig
	SLA       SLAConfig
	Notify    NotifyConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port            string
	Mode            string
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	// Driver is "postgres" or "memory".
	Driver         string
	URL            string
	MaxConnections int
	MaxIdleConns   int
	AutoMigrate    bool
}

type RedisConfig struct {
	URL       string
	EventsKey string
}

type MimirConfig struct {
	URL           string
	TenantHeader  string
	BatchSize     int
	FlushInterval time.Duration
	AuthToken     string
}

type SchedulerConfig struct {
	MaxTimeout    time.Duration
	ShutdownGrace time.Duration
	CheckNowRate  float64
	CheckNowBurst int
	DNSResolver   string
}

type PolicyConfig struct {
	UnhealthyStatusMin int
}

type RetentionConfig struct {
	ProbeResults  time.Duration
	SweepInterval time.Duration
}

// SLAConfig holds the compliance targets monitors and incidents are
// measured against.
type SLAConfig struct {
	Name             string
	UptimeTarget     float64
	LatencyP95Ms     int64
	AckTarget        time.Duration
	ResolutionTarget time.Duration
}

type NotifyConfig struct {
	BufferSize     int
	WebhookURL     string
	WebhookTimeout time.Duration
	WebhookRetries int
}

type LogConfig struct {
	Level       string
	Development bool
}

// NewLogger builds the process logger: JSON in production, console output
// in development.
func (c LogConfig) NewLogger() (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if c.Level != "" {
		level, err := zapcore.ParseLevel(c.Level)
		if err != nil {
			return nil, err
		}
		zc.Level = zap.NewAtomicLevelAt(level)
	}
	return zc.Build()
}

func Load() (*Config, error) {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("SENTINEL")
	v.AutomaticEnv()

	setDefaults(v)

	var cfg Config
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Override with environment variables
	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.Database.URL = url
		if cfg.Database.Driver == "memory" {
			cfg.Database.Driver = "postgres"
		}
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		cfg.Redis.URL = url
	}
	if url := os.Getenv("MIMIR_URL"); url != "" {
		cfg.Mimir.URL = url
	}
	if token := os.Getenv("MIMIR_AUTH_TOKEN"); token != "" {
		cfg.Mimir.AuthToken = token
	}
	if url := os.Getenv("WEBHOOK_URL"); url != "" {
		cfg.Notify.WebhookURL = url
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.shutdowntimeout", "30s")
	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.maxconnections", 25)
	v.SetDefault("database.maxidleconns", 5)
	v.SetDefault("database.automigrate", true)
	v.SetDefault("redis.eventskey", "incident_events")
	v.SetDefault("mimir.tenantheader", "X-Scope-OrgID")
	v.SetDefault("mimir.batchsize", 1000)
	v.SetDefault("mimir.flushinterval", "10s")
	v.SetDefault("scheduler.maxtimeout", "10s")
	v.SetDefault("scheduler.shutdowngrace", "15s")
	v.SetDefault("scheduler.checknowrate", 1.0)
	v.SetDefault("scheduler.checknowburst", 3)
	v.SetDefault("scheduler.dnsresolver", "8.8.8.8:53")
	v.SetDefault("policy.unhealthystatusmin", 500)
	v.SetDefault("retention.proberesults", "720h")
	v.SetDefault("retention.sweepinterval", "1h")
	v.SetDefault("sla.name", "Standard")
	v.SetDefault("sla.uptimetarget", 99.9)
	v.SetDefault("sla.latencyp95ms", 500)
	v.SetDefault("sla.acktarget", "15m")
	v.SetDefault("sla.resolutiontarget", "4h")
	v.SetDefault("notify.buffersize", 256)
	v.SetDefault("notify.webhooktimeout", "5s")
	v.SetDefault("notify.webhookretries", 3)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}
