package config

import (
	"net"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration. It is built once at
// startup and handed to the pipeline and adapters; nothing reads it from
// ambient state.
type Config struct {
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Mail     MailConfig     `yaml:"mail" mapstructure:"mail"`
	Vision   VisionConfig   `yaml:"vision" mapstructure:"vision"`
	Pipeline PipelineConfig `yaml:"pipeline" mapstructure:"pipeline"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // "sqlite" or "postgres"
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// MailConfig holds IMAP connection settings for the inbox being watched.
type MailConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	Username string `yaml:"username" mapstructure:"username"`
	Password string `yaml:"password" mapstructure:"password"` // app password / auth code
	Mailbox  string `yaml:"mailbox" mapstructure:"mailbox"`
}

// Addr returns the host:port dial address for the IMAP server.
func (m MailConfig) Addr() string {
	return net.JoinHostPort(m.Host, strconv.Itoa(m.Port))
}

// VisionConfig holds recognition service settings.
type VisionConfig struct {
	Key            string  `yaml:"key" mapstructure:"key"`
	Model          string  `yaml:"model" mapstructure:"model"`
	MaxTokens      int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	RequestsPerMin float64 `yaml:"requests_per_min" mapstructure:"requests_per_min"`
}

// PipelineConfig configures the per-cycle behavior.
type PipelineConfig struct {
	DownloadDir   string `yaml:"download_dir" mapstructure:"download_dir"`
	ExportDir     string `yaml:"export_dir" mapstructure:"export_dir"`
	MaxConcurrent int    `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	RetryAttempts int    `yaml:"retry_attempts" mapstructure:"retry_attempts"`
}

// ServerConfig configures the webhook trigger server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("REMITSCAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "remitscan.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("mail.host", "")
	v.SetDefault("mail.port", 993)
	v.SetDefault("mail.username", "")
	v.SetDefault("mail.password", "")
	v.SetDefault("mail.mailbox", "INBOX")
	v.SetDefault("vision.key", "")
	v.SetDefault("vision.model", "claude-haiku-4-5-20251001")
	v.SetDefault("vision.max_tokens", 1024)
	v.SetDefault("vision.requests_per_min", 60)
	v.SetDefault("pipeline.download_dir", "download")
	v.SetDefault("pipeline.export_dir", "exports")
	v.SetDefault("pipeline.max_concurrent", 4)
	v.SetDefault("pipeline.retry_attempts", 3)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that the settings required for a full pipeline cycle are
// present. The store defaults are always usable, so only the external
// collaborators are checked.
func (c *Config) Validate() error {
	if c.Mail.Host == "" || c.Mail.Username == "" || c.Mail.Password == "" {
		return eris.New("config: mail.host, mail.username and mail.password are required")
	}
	if c.Vision.Key == "" {
		return eris.New("config: vision.key is required")
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
