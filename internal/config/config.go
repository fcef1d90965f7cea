package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Storage StorageConfig `yaml:"storage" mapstructure:"storage"`
	Secrets SecretsConfig `yaml:"secrets" mapstructure:"secrets"`
	ETL     ETLConfig     `yaml:"etl" mapstructure:"etl"`
	RunLog  RunLogConfig  `yaml:"runlog" mapstructure:"runlog"`
	Search  SearchConfig  `yaml:"search" mapstructure:"search"`
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
}

// StorageConfig selects the storage account and the three containers.
// Credentials are resolved in order: a connection string secret, an account
// key secret, then the default Azure credential chain.
type StorageConfig struct {
	AccountName            string `yaml:"account_name" mapstructure:"account_name"`
	ConnectionStringSecret string `yaml:"connection_string_secret" mapstructure:"connection_string_secret"`
	AccountKeySecret       string `yaml:"account_key_secret" mapstructure:"account_key_secret"`
	SourceContainer        string `yaml:"source_container" mapstructure:"source_container"`
	ArchiveContainer       string `yaml:"archive_container" mapstructure:"archive_container"`
	LakeContainer          string `yaml:"lake_container" mapstructure:"lake_container"`
	ArchiveTier            string `yaml:"archive_tier" mapstructure:"archive_tier"`
}

// SecretsConfig configures the secret provider. An empty vault URL falls
// back to environment variables.
type SecretsConfig struct {
	VaultURL string `yaml:"vault_url" mapstructure:"vault_url"`
}

// ETLConfig configures the pipeline.
type ETLConfig struct {
	DateLayout   string   `yaml:"date_layout" mapstructure:"date_layout"`
	Delimiter    string   `yaml:"delimiter" mapstructure:"delimiter"`
	KeepColumns  []string `yaml:"keep_columns" mapstructure:"keep_columns"`
	GroupColumns []string `yaml:"group_columns" mapstructure:"group_columns"`
	Directory    string   `yaml:"directory" mapstructure:"directory"`
	Prefix       string   `yaml:"prefix" mapstructure:"prefix"`
	Format       string   `yaml:"format" mapstructure:"format"`
	Concurrency  int      `yaml:"concurrency" mapstructure:"concurrency"`
	TimeoutSecs  int      `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// RunLogConfig configures the optional Postgres run ledger.
type RunLogConfig struct {
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// SearchConfig configures the web search trigger.
type SearchConfig struct {
	KeySecret string  `yaml:"key_secret" mapstructure:"key_secret"`
	BaseURL   string  `yaml:"base_url" mapstructure:"base_url"`
	Market    string  `yaml:"market" mapstructure:"market"`
	Count     int     `yaml:"count" mapstructure:"count"`
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// ServerConfig configures the HTTP trigger server. LegacyStatus restores
// the behavior of answering 200 even when a run fails.
type ServerConfig struct {
	Port         int  `yaml:"port" mapstructure:"port"`
	LegacyStatus bool `yaml:"legacy_status" mapstructure:"legacy_status"`
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
	v.SetEnvPrefix("SALESETL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.legacy_status", false)
	v.SetDefault("storage.account_name", "")
	v.SetDefault("storage.connection_string_secret", "")
	v.SetDefault("storage.account_key_secret", "")
	v.SetDefault("storage.source_container", "sales-landing")
	v.SetDefault("storage.archive_container", "sales-archive")
	v.SetDefault("storage.lake_container", "datalake")
	v.SetDefault("storage.archive_tier", "Cool")
	v.SetDefault("secrets.vault_url", "")
	v.SetDefault("etl.date_layout", "2006-01-02")
	v.SetDefault("etl.delimiter", ",")
	v.SetDefault("etl.keep_columns", []string{"segment", "country", "units_sold", "gross_sales", "date"})
	v.SetDefault("etl.group_columns", []string{"segment", "country", "sale_year", "sale_month"})
	v.SetDefault("etl.directory", "sales/aggregated")
	v.SetDefault("etl.prefix", "sales_summary")
	v.SetDefault("etl.format", "parquet")
	v.SetDefault("etl.concurrency", 4)
	v.SetDefault("etl.timeout_secs", 300)
	v.SetDefault("runlog.database_url", "")
	v.SetDefault("search.key_secret", "bing-search-key")
	v.SetDefault("search.base_url", "https://api.bing.microsoft.com/v7.0/search")
	v.SetDefault("search.market", "en-US")
	v.SetDefault("search.count", 10)
	v.SetDefault("search.rate_limit", 3)

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

// Validate checks the settings a command needs. Mode is one of "etl",
// "serve" or "runlog". All problems are reported together.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "etl", "serve":
		errs = append(errs, c.validateETL()...)
		if mode == "serve" && c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	case "runlog":
		if c.RunLog.DatabaseURL == "" {
			errs = append(errs, "runlog.database_url is required")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateETL() []string {
	var errs []string
	if c.Storage.AccountName == "" && c.Storage.ConnectionStringSecret == "" {
		errs = append(errs, "storage.account_name or storage.connection_string_secret is required")
	}
	if c.Storage.SourceContainer == "" || c.Storage.ArchiveContainer == "" || c.Storage.LakeContainer == "" {
		errs = append(errs, "storage source, archive and lake containers are required")
	}
	if len([]rune(c.ETL.Delimiter)) != 1 {
		errs = append(errs, fmt.Sprintf("etl.delimiter must be a single character, got %q", c.ETL.Delimiter))
	}
	if c.ETL.Concurrency < 1 || c.ETL.Concurrency > 64 {
		errs = append(errs, "etl.concurrency must be between 1 and 64")
	}
	if c.ETL.TimeoutSecs < 0 {
		errs = append(errs, "etl.timeout_secs must be >= 0")
	}
	if c.ETL.Prefix == "" {
		errs = append(errs, "etl.prefix is required")
	}
	switch c.Storage.ArchiveTier {
	case "Hot", "Cool", "Cold", "Archive":
	default:
		errs = append(errs, fmt.Sprintf("storage.archive_tier %q is not one of Hot, Cool, Cold, Archive", c.Storage.ArchiveTier))
	}
	return errs
}

// DelimiterRune returns the configured delimiter as a rune.
func (c ETLConfig) DelimiterRune() rune {
	r := []rune(c.Delimiter)
	if len(r) == 0 {
		return ','
	}
	return r[0]
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
