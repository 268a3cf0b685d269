package config

import (
	"errors"
	"fmt"
	"log"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"

	BackendOpenAI   = "openai"
	BackendOllama   = "ollama"
	BackendTemplate = "template"
)

// Config holds the application configuration.
type Config struct {
	Env         string `envconfig:"ENV" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogEncoding string `envconfig:"LOG_ENCODING" default:"json"`

	// HTTP
	ServerHost            string        `envconfig:"SERVER_HOST" default:"0.0.0.0"`
	ServerPort            string        `envconfig:"SERVER_PORT" default:"8000"`
	ServerReadTimeout     time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"15s"`
	ServerWriteTimeout    time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"30s"`
	ServerIdleTimeout     time.Duration `envconfig:"SERVER_IDLE_TIMEOUT" default:"60s"`
	ServerShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`
	APIPrefix             string        `envconfig:"API_PREFIX" default:"/api"`
	CORSAllowedOrigins    string        `envconfig:"ALLOWED_ORIGINS" default:"*"`
	SecureCookies         bool          `envconfig:"SECURE_COOKIES" default:"false"`

	// Storage
	StorageDriver       string        `envconfig:"STORAGE_DRIVER" default:"postgres"`
	DBHost              string        `envconfig:"DB_HOST" default:"localhost"`
	DBPort              string        `envconfig:"DB_PORT" default:"5432"`
	DBUser              string        `envconfig:"DB_USER" default:"postgres"`
	DBName              string        `envconfig:"DB_NAME" default:"cyoa"`
	DBSSLMode           string        `envconfig:"DB_SSL_MODE" default:"disable"`
	DBMaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	DBIdleTimeout       time.Duration `envconfig:"DB_IDLE_TIMEOUT" default:"5m"`
	DBConnectAttempts   int           `envconfig:"DB_CONNECT_ATTEMPTS" default:"5"`
	DBConnectRetryDelay time.Duration `envconfig:"DB_CONNECT_RETRY_DELAY" default:"3s"`
	// Секрет: env DB_PASSWORD или /run/secrets/db_password
	DBPassword string `envconfig:"DB_PASSWORD"`

	// Redis cache, пустой адрес отключает кэш
	RedisAddr     string        `envconfig:"REDIS_ADDR"`
	RedisDB       int           `envconfig:"REDIS_DB" default:"0"`
	RedisPassword string        `envconfig:"REDIS_PASSWORD"`
	CacheTTL      time.Duration `envconfig:"CACHE_TTL" default:"1h"`

	// RabbitMQ, пустой URL отключает публикацию событий
	RabbitMQURL       string `envconfig:"RABBITMQ_URL"`
	JobEventsExchange string `envconfig:"JOB_EVENTS_EXCHANGE" default:"cyoa.job_events"`

	// Generation backend
	GenerationBackend string        `envconfig:"GENERATION_BACKEND" default:"openai"`
	AIBaseURL         string        `envconfig:"AI_BASE_URL" default:"https://api.openai.com/v1"`
	AIModel           string        `envconfig:"AI_MODEL" default:"gpt-4o-mini"`
	AITimeout         time.Duration `envconfig:"AI_TIMEOUT" default:"60s"`
	AITemperature     float32       `envconfig:"AI_TEMPERATURE" default:"0.8"`
	AIMaxTokens       int           `envconfig:"AI_MAX_TOKENS" default:"800"`
	AIJSONMode        bool          `envconfig:"AI_JSON_MODE" default:"true"`
	// Секрет: env AI_API_KEY или /run/secrets/ai_api_key
	AIAPIKey string `envconfig:"AI_API_KEY"`

	GenerationMaxAttempts    int           `envconfig:"GENERATION_MAX_ATTEMPTS" default:"3"`
	GenerationBaseRetryDelay time.Duration `envconfig:"GENERATION_BASE_RETRY_DELAY" default:"1s"`
	GenerationMaxRetryDelay  time.Duration `envconfig:"GENERATION_MAX_RETRY_DELAY" default:"30s"`
	BackendConcurrency       int           `envconfig:"BACKEND_CONCURRENCY" default:"4"`

	// Orchestrator
	WorkerCount        int           `envconfig:"WORKER_COUNT" default:"4"`
	WorkerQueueSize    int           `envconfig:"WORKER_QUEUE_SIZE" default:"100"`
	PersistMaxAttempts int           `envconfig:"PERSIST_MAX_ATTEMPTS" default:"3"`
	PersistRetryDelay  time.Duration `envconfig:"PERSIST_RETRY_DELAY" default:"200ms"`
	RecoveryBatchSize  int           `envconfig:"RECOVERY_BATCH_SIZE" default:"500"`
	SessionListLimit   int           `envconfig:"SESSION_LIST_LIMIT" default:"50"`

	// Story limits
	DefaultMaxDepth        int `envconfig:"DEFAULT_MAX_DEPTH" default:"3"`
	DefaultBranchingFactor int `envconfig:"DEFAULT_BRANCHING_FACTOR" default:"2"`
	MaxStoryDepth          int `envconfig:"MAX_STORY_DEPTH" default:"6"`
	MaxBranchingFactor     int `envconfig:"MAX_BRANCHING_FACTOR" default:"4"`
	MaxPromptLength        int `envconfig:"MAX_PROMPT_LENGTH" default:"1000"`
}

// Load читает .env (если есть), переменные окружения и секреты.
func Load(envFilePath string) (*Config, error) {
	if envFilePath != "" {
		if _, err := os.Stat(envFilePath); err == nil {
			if err := godotenv.Load(envFilePath); err != nil {
				log.Printf("Warning: could not load %s: %v", envFilePath, err)
			}
		} else if !os.IsNotExist(err) {
			log.Printf("Warning: error checking %s: %v", envFilePath, err)
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env vars: %w", err)
	}

	cfg.DBPassword = secretOr(cfg.DBPassword, "db_password")
	cfg.RedisPassword = secretOr(cfg.RedisPassword, "redis_password")
	cfg.AIAPIKey = secretOr(cfg.AIAPIKey, "ai_api_key")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate проверяет согласованность настроек. Ошибки собираются все сразу.
func (c *Config) Validate() error {
	var errs []error

	switch c.StorageDriver {
	case StorageDriverPostgres, StorageDriverMemory:
	default:
		errs = append(errs, fmt.Errorf("STORAGE_DRIVER: unsupported value %q", c.StorageDriver))
	}

	switch c.GenerationBackend {
	case BackendOpenAI:
		if c.AIAPIKey == "" {
			errs = append(errs, errors.New("AI_API_KEY is required for the openai backend"))
		}
	case BackendOllama, BackendTemplate:
	default:
		errs = append(errs, fmt.Errorf("GENERATION_BACKEND: unsupported value %q", c.GenerationBackend))
	}
	if c.GenerationBackend != BackendTemplate {
		if _, err := url.ParseRequestURI(c.AIBaseURL); err != nil {
			errs = append(errs, fmt.Errorf("AI_BASE_URL: %w", err))
		}
	}

	if !strings.HasPrefix(c.APIPrefix, "/") {
		errs = append(errs, errors.New("API_PREFIX must start with '/'"))
	}

	positive := map[string]int{
		"GENERATION_MAX_ATTEMPTS":  c.GenerationMaxAttempts,
		"BACKEND_CONCURRENCY":      c.BackendConcurrency,
		"WORKER_COUNT":             c.WorkerCount,
		"WORKER_QUEUE_SIZE":        c.WorkerQueueSize,
		"PERSIST_MAX_ATTEMPTS":     c.PersistMaxAttempts,
		"DEFAULT_MAX_DEPTH":        c.DefaultMaxDepth,
		"DEFAULT_BRANCHING_FACTOR": c.DefaultBranchingFactor,
		"MAX_STORY_DEPTH":          c.MaxStoryDepth,
		"MAX_BRANCHING_FACTOR":     c.MaxBranchingFactor,
		"MAX_PROMPT_LENGTH":        c.MaxPromptLength,
	}
	for name, v := range positive {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	if c.DefaultMaxDepth > c.MaxStoryDepth {
		errs = append(errs, errors.New("DEFAULT_MAX_DEPTH exceeds MAX_STORY_DEPTH"))
	}
	if c.DefaultBranchingFactor > c.MaxBranchingFactor {
		errs = append(errs, errors.New("DEFAULT_BRANCHING_FACTOR exceeds MAX_BRANCHING_FACTOR"))
	}
	if c.GenerationMaxRetryDelay < c.GenerationBaseRetryDelay {
		errs = append(errs, errors.New("GENERATION_MAX_RETRY_DELAY is less than GENERATION_BASE_RETRY_DELAY"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// ListenAddr адрес для http.Server.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.ServerHost, c.ServerPort)
}

// GetDSN строка подключения к PostgreSQL.
func (c *Config) GetDSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DBUser, c.DBPassword),
		Host:     net.JoinHostPort(c.DBHost, c.DBPort),
		Path:     c.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(c.DBSSLMode),
	}
	return u.String()
}

// MaskedDSN для логов.
func (c *Config) MaskedDSN() string {
	return fmt.Sprintf("postgres://%s:***@%s/%s?sslmode=%s",
		c.DBUser, net.JoinHostPort(c.DBHost, c.DBPort), c.DBName, c.DBSSLMode)
}

// GetAllowedOrigins splits ALLOWED_ORIGINS into a slice.
func (c *Config) GetAllowedOrigins() []string {
	if c.CORSAllowedOrigins == "" {
		return nil
	}
	parts := strings.Split(strings.ReplaceAll(c.CORSAllowedOrigins, " ", ""), ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			origins = append(origins, p)
		}
	}
	return origins
}

// AllowAllOrigins true, если в списке origin'ов есть "*".
func (c *Config) AllowAllOrigins() bool {
	for _, o := range c.GetAllowedOrigins() {
		if o == "*" {
			return true
		}
	}
	return false
}

// IsDevelopment для включения dev-логгера и gin debug режима.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development" || c.Env == "dev" || c.Env == "local"
}
