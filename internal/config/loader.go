package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/rpattn/imgexplorer/internal/db"
	"github.com/rpattn/imgexplorer/internal/facets"
)

// Config is the full process configuration.
type Config struct {
	Database    db.Config         `mapstructure:"database"`
	Warehouse   db.Config         `mapstructure:"warehouse"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	Index       IndexConfig       `mapstructure:"index"`
	Aggregation AggregationConfig `mapstructure:"aggregation"`
	Manifest    ManifestConfig    `mapstructure:"manifest"`
	Catalog     CatalogConfig     `mapstructure:"catalog"`
}

type HTTPConfig struct {
	Port           int           `mapstructure:"port"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
}

// IndexConfig points at the document index (Solr) query service.
type IndexConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	Timeout  time.Duration `mapstructure:"timeout"`
	RetryMax int           `mapstructure:"retry_max"`
}

type AggregationConfig struct {
	PollAttempts    int           `mapstructure:"poll_attempts"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	CaseInsensitive bool          `mapstructure:"case_insensitive"`
	Canonical       []facets.Rule `mapstructure:"canonical"`
}

type ManifestConfig struct {
	SyncRowThreshold int64         `mapstructure:"sync_row_threshold"`
	ExportDir        string        `mapstructure:"export_dir"`
	DownloadTTL      time.Duration `mapstructure:"download_ttl"`
	PublishTimeout   time.Duration `mapstructure:"publish_timeout"`
	S3Bucket         string        `mapstructure:"s3_bucket"`
	S3Region         string        `mapstructure:"s3_region"`
	S3Prefix         string        `mapstructure:"s3_prefix"`
	S3Endpoint       string        `mapstructure:"s3_endpoint"`
	SigningKey       string        `mapstructure:"signing_key"`
	URLColumn        string        `mapstructure:"url_column"`
	KafkaBrokers     []string      `mapstructure:"kafka_brokers"`
	KafkaTopic       string        `mapstructure:"kafka_topic"`
}

// CatalogConfig selects where the attribute catalog snapshot is loaded from.
// File takes precedence over the database when set.
type CatalogConfig struct {
	File    string `mapstructure:"file"`
	Migrate bool   `mapstructure:"migrate"`
}

// Default returns the configuration used when neither file nor env override a key.
func Default() Config {
	warehouse := db.DefaultConfig()
	warehouse.DBName = "imgexplorer_warehouse"
	return Config{
		Database:  db.DefaultConfig(),
		Warehouse: warehouse,
		HTTP: HTTPConfig{
			Port:           8080,
			AllowedOrigins: []string{"http://localhost:3000"},
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   60 * time.Second,
		},
		Index: IndexConfig{
			BaseURL:  "http://localhost:8983/solr/",
			Timeout:  30 * time.Second,
			RetryMax: 3,
		},
		Aggregation: AggregationConfig{
			PollAttempts:    10,
			PollInterval:    time.Second,
			CaseInsensitive: true,
			Canonical: []facets.Rule{
				{Attribute: "BodyPartExamined", Canonical: "KIDNEY", Variants: []string{"Kidney"}},
			},
		},
		Manifest: ManifestConfig{
			SyncRowThreshold: 65000,
			ExportDir:        filepath.Join(os.TempDir(), "imgexplorer-manifests"),
			DownloadTTL:      5 * time.Minute,
			PublishTimeout:   30 * time.Second,
			KafkaTopic:       "manifest-jobs",
			URLColumn:        "series_aws_url",
		},
		Catalog: CatalogConfig{Migrate: true},
	}
}

// FlagKeys maps command line flag names to the config keys they override.
var FlagKeys = map[string]string{
	"port":    "http.port",
	"migrate": "catalog.migrate",
	"catalog": "catalog.file",
}

// Load reads config.yaml from configPath (if present) and applies IMGX_*
// environment overrides on top of Default. Flags named in FlagKeys that were
// set on the command line override everything else; flags may be nil.
func Load(configPath string, flags *pflag.FlagSet) (Config, error) {
	defaults := Default()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.SetEnvPrefix("IMGX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv() // IMGX_DATABASE_HOST, IMGX_INDEX_BASE_URL, ...

	setDefaults(v, defaults)
	if flags != nil {
		for name, key := range FlagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("bind flag %q: %w", name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		log.Info().Str("path", configPath).Msg("no config.yaml found, using defaults and env vars")
	} else {
		log.Info().Str("file", v.ConfigFileUsed()).Msg("loaded config")
	}

	cfg := defaults
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Aggregation.PollAttempts <= 0 {
		cfg.Aggregation.PollAttempts = defaults.Aggregation.PollAttempts
	}
	if cfg.Aggregation.PollInterval <= 0 {
		cfg.Aggregation.PollInterval = defaults.Aggregation.PollInterval
	}
	return cfg, nil
}

// setDefaults registers scalar defaults so AutomaticEnv can override keys that
// the config file never mentions.
func setDefaults(v *viper.Viper, cfg Config) {
	for prefix, dbc := range map[string]db.Config{"database": cfg.Database, "warehouse": cfg.Warehouse} {
		v.SetDefault(prefix+".host", dbc.Host)
		v.SetDefault(prefix+".port", dbc.Port)
		v.SetDefault(prefix+".user", dbc.User)
		v.SetDefault(prefix+".password", dbc.Password)
		v.SetDefault(prefix+".dbname", dbc.DBName)
		v.SetDefault(prefix+".sslmode", dbc.SSLMode)
		v.SetDefault(prefix+".max_conns", dbc.MaxConns)
	}
	v.SetDefault("http.port", cfg.HTTP.Port)
	v.SetDefault("http.allowed_origins", cfg.HTTP.AllowedOrigins)
	v.SetDefault("http.read_timeout", cfg.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", cfg.HTTP.WriteTimeout)
	v.SetDefault("index.base_url", cfg.Index.BaseURL)
	v.SetDefault("index.username", cfg.Index.Username)
	v.SetDefault("index.password", cfg.Index.Password)
	v.SetDefault("index.timeout", cfg.Index.Timeout)
	v.SetDefault("index.retry_max", cfg.Index.RetryMax)
	v.SetDefault("aggregation.poll_attempts", cfg.Aggregation.PollAttempts)
	v.SetDefault("aggregation.poll_interval", cfg.Aggregation.PollInterval)
	v.SetDefault("aggregation.case_insensitive", cfg.Aggregation.CaseInsensitive)
	v.SetDefault("manifest.sync_row_threshold", cfg.Manifest.SyncRowThreshold)
	v.SetDefault("manifest.export_dir", cfg.Manifest.ExportDir)
	v.SetDefault("manifest.download_ttl", cfg.Manifest.DownloadTTL)
	v.SetDefault("manifest.publish_timeout", cfg.Manifest.PublishTimeout)
	v.SetDefault("manifest.s3_bucket", cfg.Manifest.S3Bucket)
	v.SetDefault("manifest.s3_region", cfg.Manifest.S3Region)
	v.SetDefault("manifest.s3_prefix", cfg.Manifest.S3Prefix)
	v.SetDefault("manifest.s3_endpoint", cfg.Manifest.S3Endpoint)
	v.SetDefault("manifest.signing_key", cfg.Manifest.SigningKey)
	v.SetDefault("manifest.url_column", cfg.Manifest.URLColumn)
	v.SetDefault("manifest.kafka_brokers", cfg.Manifest.KafkaBrokers)
	v.SetDefault("manifest.kafka_topic", cfg.Manifest.KafkaTopic)
	v.SetDefault("catalog.file", cfg.Catalog.File)
	v.SetDefault("catalog.migrate", cfg.Catalog.Migrate)
}
