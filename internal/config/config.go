package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix          = "DOCRELAY"
	defaultHTTPAddress = "0.0.0.0:8080"
	defaultDriver      = "sqlite"
	defaultDatabaseDSN = "docrelay.db"
	defaultLogLevel    = "info"
	defaultIssuer      = "docrelay-auth"
	defaultAudience    = "docrelay-relay"
	defaultRedisTopic  = "docrelay:document-edited"
)

// AppConfig captures runtime configuration for the relay server.
type AppConfig struct {
	HTTPAddress    string   `validate:"required"`
	AllowedOrigins []string `validate:"required,min=1"`
	DatabaseDriver string   `validate:"oneof=sqlite postgres"`
	DatabaseDSN    string   `validate:"required"`
	LogLevel       string   `validate:"oneof=debug info warn warning error"`

	SigningSecret string        `validate:"required"`
	Issuer        string        `validate:"required"`
	Audience      string        `validate:"required"`
	TokenTTL      time.Duration `validate:"gt=0"`

	Relay       RelayConfig
	Persistence PersistenceConfig

	RedisURL     string
	RedisChannel string
	MeiliURL     string
	MeiliAPIKey  string
}

// RelayConfig holds connection and session limits.
type RelayConfig struct {
	MaxFrameBytes     int64         `validate:"gt=0"`
	SendQueueFrames   int           `validate:"gt=0"`
	SendQueueBytes    int64         `validate:"gt=0"`
	KeepAliveInterval time.Duration `validate:"gt=0"`
	IdleTimeout       time.Duration `validate:"gtfield=KeepAliveInterval"`
	PresenceTick      time.Duration `validate:"gt=0"`
	AwarenessTimeout  time.Duration `validate:"gtfield=PresenceTick"`
}

// PersistenceConfig holds snapshot scheduling and blob retention policies.
type PersistenceConfig struct {
	Debounce    time.Duration `validate:"gt=0"`
	MaxDelay    time.Duration `validate:"gtfield=Debounce"`
	RetryBase   time.Duration `validate:"gt=0"`
	RetryMax    time.Duration `validate:"gtefield=RetryBase"`
	AlertAfter  int           `validate:"gt=0"`
	Workers     int           `validate:"gt=0"`
	QueueSize   int           `validate:"gt=0"`
	GCInterval  time.Duration `validate:"gt=0"`
	GCRetention time.Duration `validate:"gt=0"`
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{"*"})
	configViper.SetDefault("database.driver", defaultDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("log.level", defaultLogLevel)

	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.audience", defaultAudience)
	configViper.SetDefault("auth.token_ttl", 30*time.Minute)

	configViper.SetDefault("relay.max_frame_bytes", 16<<20)
	configViper.SetDefault("relay.send_queue_frames", 256)
	configViper.SetDefault("relay.send_queue_bytes", 4<<20)
	configViper.SetDefault("relay.keepalive_interval", 20*time.Second)
	configViper.SetDefault("relay.idle_timeout", 60*time.Second)
	configViper.SetDefault("relay.presence_tick", time.Second)
	configViper.SetDefault("relay.awareness_timeout", 30*time.Second)

	configViper.SetDefault("persistence.debounce", 2*time.Second)
	configViper.SetDefault("persistence.max_delay", 15*time.Second)
	configViper.SetDefault("persistence.retry_base", time.Second)
	configViper.SetDefault("persistence.retry_max", time.Minute)
	configViper.SetDefault("persistence.alert_after", 3)
	configViper.SetDefault("persistence.workers", 4)
	configViper.SetDefault("persistence.queue_size", 256)
	configViper.SetDefault("persistence.gc_interval", time.Hour)
	configViper.SetDefault("persistence.gc_retention", 30*24*time.Hour)

	configViper.SetDefault("redis.url", "")
	configViper.SetDefault("redis.channel", defaultRedisTopic)
	configViper.SetDefault("meili.url", "")
	configViper.SetDefault("meili.api_key", "")
}

// LoadDotEnv exports the variables of the given .env files into the process environment. Missing
// files are ignored; variables already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		AllowedOrigins: splitList(configViper.GetStringSlice("http.allowed_origins")),
		DatabaseDriver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:    strings.TrimSpace(configViper.GetString("database.dsn")),
		LogLevel:       strings.ToLower(strings.TrimSpace(configViper.GetString("log.level"))),

		SigningSecret: strings.TrimSpace(configViper.GetString("auth.signing_secret")),
		Issuer:        configViper.GetString("auth.issuer"),
		Audience:      configViper.GetString("auth.audience"),
		TokenTTL:      configViper.GetDuration("auth.token_ttl"),

		Relay: RelayConfig{
			MaxFrameBytes:     configViper.GetInt64("relay.max_frame_bytes"),
			SendQueueFrames:   configViper.GetInt("relay.send_queue_frames"),
			SendQueueBytes:    configViper.GetInt64("relay.send_queue_bytes"),
			KeepAliveInterval: configViper.GetDuration("relay.keepalive_interval"),
			IdleTimeout:       configViper.GetDuration("relay.idle_timeout"),
			PresenceTick:      configViper.GetDuration("relay.presence_tick"),
			AwarenessTimeout:  configViper.GetDuration("relay.awareness_timeout"),
		},
		Persistence: PersistenceConfig{
			Debounce:    configViper.GetDuration("persistence.debounce"),
			MaxDelay:    configViper.GetDuration("persistence.max_delay"),
			RetryBase:   configViper.GetDuration("persistence.retry_base"),
			RetryMax:    configViper.GetDuration("persistence.retry_max"),
			AlertAfter:  configViper.GetInt("persistence.alert_after"),
			Workers:     configViper.GetInt("persistence.workers"),
			QueueSize:   configViper.GetInt("persistence.queue_size"),
			GCInterval:  configViper.GetDuration("persistence.gc_interval"),
			GCRetention: configViper.GetDuration("persistence.gc_retention"),
		},

		RedisURL:     strings.TrimSpace(configViper.GetString("redis.url")),
		RedisChannel: configViper.GetString("redis.channel"),
		MeiliURL:     strings.TrimSpace(configViper.GetString("meili.url")),
		MeiliAPIKey:  configViper.GetString("meili.api_key"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	err := validator.New().Struct(c)
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}
	messages := make([]string, 0, len(validationErrors))
	for _, fieldErr := range validationErrors {
		messages = append(messages, fmt.Sprintf("%s failed %s", fieldErr.Namespace(), fieldErr.Tag()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(messages, "; "))
}

// splitList accepts both list values and a single comma-separated env string.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}
