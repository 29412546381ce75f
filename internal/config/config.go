package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

const (
	BackendBadger = "badger"
	BackendCouch  = "couch"
)

type Config struct {
	Server    ServerConfig
	Remote    RemoteConfig
	Store     StoreConfig
	Sync      SyncConfig
	History   HistoryConfig
	JWT       JWTConfig
	WebSocket WebSocketConfig
	CORS      CORSConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Port string
	Host string
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%s", s.Host, s.Port)
}

type RemoteConfig struct {
	BaseURL        string
	WebSocketURL   string
	Token          string
	RequestTimeout time.Duration
}

type StoreConfig struct {
	Backend    string
	Path       string
	InMemory   bool
	SyncWrites bool
	GCInterval time.Duration
	Couch      CouchConfig
}

type CouchConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
}

func (c CouchConfig) URL() string {
	return fmt.Sprintf("http://%s:%s@%s:%s", c.User, c.Password, c.Host, c.Port)
}

type SyncConfig struct {
	ClientID         string
	BackoffMin       time.Duration
	BackoffMax       time.Duration
	DisconnectGrace  time.Duration
	ErrorWindow      time.Duration
	ErrorThreshold   int
	MonitorInterval  time.Duration
	ReadOnlyFailsafe bool
}

type HistoryConfig struct {
	MaxEntries int
}

type JWTConfig struct {
	Secret     string
	Expiration time.Duration
}

type WebSocketConfig struct {
	ReadBufferSize  int
	WriteBufferSize int
	MaxMessageSize  int64
	WriteWait       time.Duration
	PongWait        time.Duration
	PingPeriod      time.Duration
	MaxConnPerUser  int
}

type CORSConfig struct {
	AllowedOrigins string
	AllowedMethods string
	AllowedHeaders string
}

type LoggingConfig struct {
	Level string
}

func Load() (*Config, error) {
	godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port: getEnv("PORT", "7420"),
			Host: getEnv("HOST", "127.0.0.1"),
		},
		Remote: RemoteConfig{
			BaseURL:        strings.TrimRight(getEnv("REMOTE_BASE_URL", "http://localhost:8080"), "/"),
			WebSocketURL:   getEnv("REMOTE_WS_URL", ""),
			Token:          getEnv("REMOTE_TOKEN", ""),
			RequestTimeout: getEnvAsDuration("REMOTE_REQUEST_TIMEOUT", 10*time.Second),
		},
		Store: StoreConfig{
			Backend:    strings.ToLower(getEnv("STORE_BACKEND", BackendBadger)),
			Path:       getEnv("STORE_PATH", "./data/syncd"),
			InMemory:   getEnvAsBool("STORE_IN_MEMORY", false),
			SyncWrites: getEnvAsBool("STORE_SYNC_WRITES", true),
			GCInterval: getEnvAsDuration("STORE_GC_INTERVAL", 10*time.Minute),
			Couch: CouchConfig{
				Host:     getEnv("COUCH_HOST", "localhost"),
				Port:     getEnv("COUCH_PORT", "5984"),
				User:     getEnv("COUCH_USER", "admin"),
				Password: getEnv("COUCH_PASSWORD", "password"),
				Name:     getEnv("COUCH_DB", "canvas_sync"),
			},
		},
		Sync: SyncConfig{
			ClientID:         getEnv("CLIENT_ID", ""),
			BackoffMin:       getEnvAsDuration("BACKOFF_MIN", time.Second),
			BackoffMax:       getEnvAsDuration("BACKOFF_MAX", 30*time.Second),
			DisconnectGrace:  getEnvAsDuration("DISCONNECT_GRACE", 5*time.Second),
			ErrorWindow:      getEnvAsDuration("ERROR_WINDOW", 30*time.Second),
			ErrorThreshold:   getEnvAsInt("ERROR_THRESHOLD", 5),
			MonitorInterval:  getEnvAsDuration("MONITOR_INTERVAL", time.Second),
			ReadOnlyFailsafe: getEnvAsBool("READONLY_FAILSAFE", false),
		},
		History: HistoryConfig{
			MaxEntries: getEnvAsInt("HISTORY_MAX_ENTRIES", 100),
		},
		JWT: JWTConfig{
			Secret:     getEnv("JWT_SECRET", "dev-secret-change-in-production"),
			Expiration: getEnvAsDuration("JWT_EXPIRATION", 24*time.Hour),
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  getEnvAsInt("WS_READ_BUFFER_SIZE", 4096),
			WriteBufferSize: getEnvAsInt("WS_WRITE_BUFFER_SIZE", 4096),
			MaxMessageSize:  int64(getEnvAsInt("WS_MAX_MESSAGE_SIZE", 10485760)),
			WriteWait:       getEnvAsDuration("WS_WRITE_WAIT", 10*time.Second),
			PongWait:        getEnvAsDuration("WS_PONG_WAIT", 60*time.Second),
			PingPeriod:      getEnvAsDuration("WS_PING_PERIOD", 54*time.Second),
			MaxConnPerUser:  getEnvAsInt("WS_MAX_CONN_PER_USER", 5),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
			AllowedMethods: getEnv("CORS_ALLOWED_METHODS", "GET,POST,PUT,PATCH,DELETE,OPTIONS"),
			AllowedHeaders: getEnv("CORS_ALLOWED_HEADERS", "Content-Type,Authorization"),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}

	if cfg.Sync.ClientID == "" {
		cfg.Sync.ClientID = uuid.New().String()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Backend {
	case BackendBadger, BackendCouch:
	default:
		errs = append(errs, fmt.Errorf("invalid STORE_BACKEND %q: want %s or %s", c.Store.Backend, BackendBadger, BackendCouch))
	}
	if c.Store.Backend == BackendBadger && !c.Store.InMemory && c.Store.Path == "" {
		errs = append(errs, errors.New("STORE_PATH is required unless STORE_IN_MEMORY is set"))
	}
	if c.Remote.BaseURL == "" {
		errs = append(errs, errors.New("REMOTE_BASE_URL is required"))
	}

	positive := []struct {
		name  string
		value time.Duration
	}{
		{"REMOTE_REQUEST_TIMEOUT", c.Remote.RequestTimeout},
		{"BACKOFF_MIN", c.Sync.BackoffMin},
		{"BACKOFF_MAX", c.Sync.BackoffMax},
		{"DISCONNECT_GRACE", c.Sync.DisconnectGrace},
		{"ERROR_WINDOW", c.Sync.ErrorWindow},
		{"MONITOR_INTERVAL", c.Sync.MonitorInterval},
	}
	for _, p := range positive {
		if p.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", p.name))
		}
	}
	if c.Sync.BackoffMax < c.Sync.BackoffMin {
		errs = append(errs, errors.New("BACKOFF_MAX must not be below BACKOFF_MIN"))
	}
	if c.Sync.ErrorThreshold <= 0 {
		errs = append(errs, errors.New("ERROR_THRESHOLD must be positive"))
	}
	if c.History.MaxEntries <= 0 {
		errs = append(errs, errors.New("HISTORY_MAX_ENTRIES must be positive"))
	}

	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
