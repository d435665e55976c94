package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

var validate = validator.New()

type Config struct {
	Port     int `validate:"min=1,max=65535"`
	LogLevel string
	Env      string

	// Database. DatabaseURL wins over the DB_* parts when set.
	DatabaseURL string
	DBHost      string
	DBPort      int
	DBUser      string
	DBPassword  string
	DBName      string
	DBSSLMode   string `validate:"oneof=disable allow prefer require verify-ca verify-full"`
	DBMaxConns  int    `validate:"min=1"`

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// AWS Services
	AWSRegion         string
	AWSEndpoint       string // optional override, e.g. LocalStack
	SNSRegion         string // AWS region for SNS (push and events)
	SNSEventsTopicARN string // drop.expanded topic, optional
	SESFromEmail      string `validate:"omitempty,email"`

	// SMTP relay, used for email instead of SES when SMTPHost is set
	SMTPHost     string
	SMTPPort     int `validate:"min=1,max=65535"`
	SMTPUser     string
	SMTPPassword string

	// SQS config
	SQSEventsQueueURL  string `validate:"omitempty,url"` // drop.expanded events, optional
	SQSTriggerQueueURL string `validate:"omitempty,url"` // pipeline run triggers, optional

	// WhatsApp gateway
	WhatsAppGatewayURL   string `validate:"omitempty,url"`
	WhatsAppGatewayToken string
	WebhookTimeout       int `validate:"min=1"` // Timeout for gateway requests in seconds

	// Pipeline
	PipelineInterval    time.Duration `validate:"gt=0"`
	PipelineBatchSize   int           `validate:"min=1"`
	PipelineConcurrency int           `validate:"min=1"`
	DispatchTimeout     time.Duration `validate:"gt=0"`
	RunOnce             bool

	// Provider protection
	ChannelRateLimit       int           `validate:"min=0"` // sends per second per channel, 0 disables
	BreakerMaxFailures     int           `validate:"min=1"`
	BreakerRecoveryTimeout time.Duration `validate:"gt=0"`

	// API rate limit per client IP
	APIRateLimit       int           `validate:"min=1"`
	APIRateLimitWindow time.Duration `validate:"gt=0"`

	// HS256 secret for operator bearer tokens on /v1, empty disables auth
	APIAuthSecret string
}

// LoadEnvFile copies variables from a dotenv file into the environment for
// local runs. Variables already set are kept. A missing file is not an error.
func LoadEnvFile(path string) (bool, error) {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return true, nil
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "postgres",
		DBPassword: "",
		DBName:     "dropcast",
		DBSSLMode:  "disable",
		DBMaxConns: 25,

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@dropcast.local",
		SMTPPort:     587,

		WebhookTimeout: 30,

		PipelineInterval:    30 * time.Second,
		PipelineBatchSize:   100,
		PipelineConcurrency: 4,
		DispatchTimeout:     10 * time.Second,

		ChannelRateLimit:       50,
		BreakerMaxFailures:     5,
		BreakerRecoveryTimeout: 30 * time.Second,

		APIRateLimit:       100,
		APIRateLimitWindow: time.Minute,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.DatabaseURL = url
	}

	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	if conns := os.Getenv("DB_MAX_CONNS"); conns != "" {
		n, err := strconv.Atoi(conns)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_MAX_CONNS: %w", err)
		}
		cfg.DBMaxConns = n
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if endpoint := os.Getenv("AWS_ENDPOINT_URL"); endpoint != "" {
		cfg.AWSEndpoint = endpoint
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	if host := os.Getenv("SMTP_HOST"); host != "" {
		cfg.SMTPHost = host
	}

	if port := os.Getenv("SMTP_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid SMTP_PORT: %w", err)
		}
		cfg.SMTPPort = p
	}

	if user := os.Getenv("SMTP_USER"); user != "" {
		cfg.SMTPUser = user
	}

	if password := os.Getenv("SMTP_PASSWORD"); password != "" {
		cfg.SMTPPassword = password
	}

	// SNS config for push
	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	if arn := os.Getenv("SNS_EVENTS_TOPIC_ARN"); arn != "" {
		cfg.SNSEventsTopicARN = arn
	}

	// SQS config
	if url := os.Getenv("SQS_EVENTS_QUEUE_URL"); url != "" {
		cfg.SQSEventsQueueURL = url
	}

	if url := os.Getenv("SQS_TRIGGER_QUEUE_URL"); url != "" {
		cfg.SQSTriggerQueueURL = url
	}

	// WhatsApp gateway
	if url := os.Getenv("WHATSAPP_GATEWAY_URL"); url != "" {
		cfg.WhatsAppGatewayURL = url
	}

	if token := os.Getenv("WHATSAPP_GATEWAY_TOKEN"); token != "" {
		cfg.WhatsAppGatewayToken = token
	}

	if timeout := os.Getenv("WEBHOOK_TIMEOUT"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid WEBHOOK_TIMEOUT: %w", err)
		}
		cfg.WebhookTimeout = t
	}

	// Pipeline config
	if interval := os.Getenv("PIPELINE_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid PIPELINE_INTERVAL: %w", err)
		}
		cfg.PipelineInterval = d
	}

	if size := os.Getenv("PIPELINE_BATCH_SIZE"); size != "" {
		n, err := strconv.Atoi(size)
		if err != nil {
			return nil, fmt.Errorf("invalid PIPELINE_BATCH_SIZE: %w", err)
		}
		cfg.PipelineBatchSize = n
	}

	if conc := os.Getenv("PIPELINE_CONCURRENCY"); conc != "" {
		n, err := strconv.Atoi(conc)
		if err != nil {
			return nil, fmt.Errorf("invalid PIPELINE_CONCURRENCY: %w", err)
		}
		cfg.PipelineConcurrency = n
	}

	if timeout := os.Getenv("DISPATCH_TIMEOUT"); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid DISPATCH_TIMEOUT: %w", err)
		}
		cfg.DispatchTimeout = d
	}

	if once := os.Getenv("RUN_ONCE"); once != "" {
		b, err := strconv.ParseBool(once)
		if err != nil {
			return nil, fmt.Errorf("invalid RUN_ONCE: %w", err)
		}
		cfg.RunOnce = b
	}

	// Provider protection
	if limit := os.Getenv("CHANNEL_RATE_LIMIT"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			return nil, fmt.Errorf("invalid CHANNEL_RATE_LIMIT: %w", err)
		}
		cfg.ChannelRateLimit = n
	}

	if failures := os.Getenv("BREAKER_MAX_FAILURES"); failures != "" {
		n, err := strconv.Atoi(failures)
		if err != nil {
			return nil, fmt.Errorf("invalid BREAKER_MAX_FAILURES: %w", err)
		}
		cfg.BreakerMaxFailures = n
	}

	if recovery := os.Getenv("BREAKER_RECOVERY_TIMEOUT"); recovery != "" {
		d, err := time.ParseDuration(recovery)
		if err != nil {
			return nil, fmt.Errorf("invalid BREAKER_RECOVERY_TIMEOUT: %w", err)
		}
		cfg.BreakerRecoveryTimeout = d
	}

	// API rate limit
	if limit := os.Getenv("API_RATE_LIMIT"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			return nil, fmt.Errorf("invalid API_RATE_LIMIT: %w", err)
		}
		cfg.APIRateLimit = n
	}

	if window := os.Getenv("API_RATE_LIMIT_WINDOW"); window != "" {
		d, err := time.ParseDuration(window)
		if err != nil {
			return nil, fmt.Errorf("invalid API_RATE_LIMIT_WINDOW: %w", err)
		}
		cfg.APIRateLimitWindow = d
	}

	if secret := os.Getenv("API_AUTH_SECRET"); secret != "" {
		cfg.APIAuthSecret = secret
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}
