// Package config loads tripload settings from a config file, TRIPLOAD_*
// environment variables and command-line flags, in increasing priority.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"tripload/internal/dbclient"
	"tripload/internal/domain"
	"tripload/internal/etl"
	"tripload/internal/logger"
)

// EnvPrefix prefixes every environment variable, e.g. TRIPLOAD_SINK_HOST.
const EnvPrefix = "TRIPLOAD"

// ReleaseURLPrefix is where the monthly trip files are published.
const ReleaseURLPrefix = "https://github.com/DataTalksClub/nyc-tlc-data/releases/download"

// Config is the user-facing configuration.
type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	Source  SourceConfig  `mapstructure:"source"`
	Schema  SchemaConfig  `mapstructure:"schema"`
	Sink    SinkConfig    `mapstructure:"sink"`
	Run     RunConfig     `mapstructure:"run"`
	Store   StoreConfig   `mapstructure:"store"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SourceConfig locates the input. URL wins over Color/Year/Month.
type SourceConfig struct {
	URL         string        `mapstructure:"url"`
	Color       string        `mapstructure:"color"`
	Year        int           `mapstructure:"year"`
	Month       int           `mapstructure:"month"`
	Timeout     time.Duration `mapstructure:"timeout"`
	HTTPRetries int           `mapstructure:"http-retries"`
	S3Region    string        `mapstructure:"s3-region"`
	S3Endpoint  string        `mapstructure:"s3-endpoint"`
	TempDir     string        `mapstructure:"temp-dir"`
}

// SchemaConfig names a preset, or declares columns inline. Columns are a
// list rather than a map because config keys are case-insensitive.
type SchemaConfig struct {
	Preset          string         `mapstructure:"preset"`
	Columns         []ColumnConfig `mapstructure:"columns"`
	Temporal        []string       `mapstructure:"temporal"`
	TimestampLayout string         `mapstructure:"timestamp-layout"`
	NullMarkers     []string       `mapstructure:"null-markers"`
	UnknownColumns  string         `mapstructure:"unknown-columns"`
}

// ColumnConfig declares one column; Type may be omitted for temporal columns.
type ColumnConfig struct {
	Name string `mapstructure:"name"`
	Type string `mapstructure:"type"`
}

type SinkConfig struct {
	Driver    string            `mapstructure:"driver"`
	Host      string            `mapstructure:"host"`
	Port      int               `mapstructure:"port"`
	User      string            `mapstructure:"user"`
	Password  string            `mapstructure:"password"`
	Database  string            `mapstructure:"database"`
	SSLMode   string            `mapstructure:"sslmode"`
	Params    map[string]string `mapstructure:"params"`
	Namespace string            `mapstructure:"namespace"`
	Table     string            `mapstructure:"table"`
	Timeout   time.Duration     `mapstructure:"timeout"`
}

type RunConfig struct {
	ChunkSize         int    `mapstructure:"chunk-size"`
	OnMalformedRecord string `mapstructure:"on-malformed-record"`
	OnCoercionError   string `mapstructure:"on-coercion-error"`
	Pipelined         bool   `mapstructure:"pipelined"`
	QueueDepth        int    `mapstructure:"queue-depth"`
}

// StoreConfig locates the SQLite file holding jobs and run history.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// SetDefaults registers every key with its default. Keys must be known
// here for TRIPLOAD_* variables to reach Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", logger.FormatConsole)

	v.SetDefault("source.url", "")
	v.SetDefault("source.color", "yellow")
	v.SetDefault("source.year", 2021)
	v.SetDefault("source.month", 1)
	v.SetDefault("source.timeout", 60*time.Second)
	v.SetDefault("source.http-retries", 0)
	v.SetDefault("source.s3-region", "")
	v.SetDefault("source.s3-endpoint", "")
	v.SetDefault("source.temp-dir", "")

	v.SetDefault("schema.preset", "")
	v.SetDefault("schema.unknown-columns", string(domain.UnknownColumnsDrop))
	v.SetDefault("schema.timestamp-layout", domain.DefaultTimestampLayout)

	v.SetDefault("sink.driver", string(domain.DatabaseDriverPostgres))
	v.SetDefault("sink.host", "localhost")
	v.SetDefault("sink.port", 5432)
	v.SetDefault("sink.user", "root")
	v.SetDefault("sink.password", "root")
	v.SetDefault("sink.database", "ny_taxi")
	v.SetDefault("sink.sslmode", "disable")
	v.SetDefault("sink.timeout", 5*time.Minute)
	v.SetDefault("sink.namespace", "")
	v.SetDefault("sink.table", "")

	v.SetDefault("run.chunk-size", etl.DefaultChunkSize)
	v.SetDefault("run.on-malformed-record", string(etl.PolicyAbort))
	v.SetDefault("run.on-coercion-error", string(etl.PolicyAbort))
	v.SetDefault("run.pipelined", false)
	v.SetDefault("run.queue-depth", etl.DefaultQueueDepth)

	v.SetDefault("store.path", filepath.Join(".tripload", "tripload.db"))
	v.SetDefault("metrics.addr", "")
}

// Load reads configuration into a Config. file may be empty; flags may be
// nil. Flag names are the dotted keys, e.g. --sink.host.
func Load(v *viper.Viper, file string, flags *pflag.FlagSet) (*Config, error) {
	SetDefaults(v)
	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, errors.Wrap(err, "bind flags")
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "reading configuration file '%s'", file)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, errors.Wrap(err, "decode configuration")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the config is usable.
func (c *Config) Validate() error {
	if _, err := logger.New(c.Log.Level, c.Log.Format); err != nil {
		return err
	}
	if c.Run.ChunkSize <= 0 {
		return errors.Errorf("run.chunk-size must be positive, got %d", c.Run.ChunkSize)
	}
	if c.Run.QueueDepth <= 0 {
		return errors.Errorf("run.queue-depth must be positive, got %d", c.Run.QueueDepth)
	}
	if _, err := etl.ParsePolicy(c.Run.OnMalformedRecord); err != nil {
		return errors.Wrap(err, "run.on-malformed-record")
	}
	if _, err := etl.ParsePolicy(c.Run.OnCoercionError); err != nil {
		return errors.Wrap(err, "run.on-coercion-error")
	}
	switch domain.UnknownColumnPolicy(c.Schema.UnknownColumns) {
	case domain.UnknownColumnsDrop, domain.UnknownColumnsReject:
	default:
		return errors.Errorf("schema.unknown-columns must be drop or reject, got %q", c.Schema.UnknownColumns)
	}
	switch domain.DatabaseDriver(c.Sink.Driver) {
	case domain.DatabaseDriverPostgres, domain.DatabaseDriverMySQL, domain.DatabaseDriverSQLite, domain.DatabaseDriverMongoDB:
	default:
		return errors.Errorf("sink.driver %q is not one of postgres, mysql, sqlite, mongodb", c.Sink.Driver)
	}
	if c.Source.URL == "" {
		if c.Source.Color == "" {
			return errors.Errorf("source.url or source.color is required")
		}
		if c.Source.Month < 1 || c.Source.Month > 12 {
			return errors.Errorf("source.month must be 1-12, got %d", c.Source.Month)
		}
	}
	if c.Source.HTTPRetries < 0 {
		return errors.Errorf("source.http-retries must not be negative")
	}
	return nil
}

// Locator returns the source URL, or the release URL for Color/Year/Month.
func (c *Config) Locator() string {
	if c.Source.URL != "" {
		return c.Source.URL
	}
	color := c.Source.Color
	return fmt.Sprintf("%s/%s/%s_tripdata_%d-%02d.csv.gz", ReleaseURLPrefix, color, color, c.Source.Year, c.Source.Month)
}

// Target returns the sink table, defaulting to <color>_taxi_data_<year>_<month>.
func (c *Config) Target() domain.SinkTarget {
	table := c.Sink.Table
	if table == "" {
		table = fmt.Sprintf("%s_taxi_data_%d_%d", c.Source.Color, c.Source.Year, c.Source.Month)
	}
	return domain.SinkTarget{Namespace: c.Sink.Namespace, Table: table}
}

// Connection returns the sink connection without its password.
func (c *Config) Connection() domain.DatabaseConnection {
	port := c.Sink.Port
	driver := domain.DatabaseDriver(c.Sink.Driver)
	// The postgres default port means "unset" for other drivers.
	if driver != domain.DatabaseDriverPostgres && port == dbclient.DefaultPort(domain.DatabaseDriverPostgres) {
		port = 0
	}
	return domain.DatabaseConnection{
		Driver:   driver,
		Host:     c.Sink.Host,
		Port:     port,
		Database: c.Sink.Database,
		Username: c.Sink.User,
		SSLMode:  c.Sink.SSLMode,
		Params:   c.Sink.Params,
	}
}

// PresetName returns the configured preset, defaulting to <color>_taxi.
func (c *Config) PresetName() string {
	if c.Schema.Preset != "" {
		return c.Schema.Preset
	}
	return c.Source.Color + "_taxi"
}

// BuildSchema resolves the declared schema: inline columns when given,
// otherwise the preset.
func (c *Config) BuildSchema() (*domain.SchemaSpec, error) {
	opts := []domain.SchemaOption{
		domain.WithTimestampLayout(c.Schema.TimestampLayout),
		domain.WithUnknownColumns(domain.UnknownColumnPolicy(c.Schema.UnknownColumns)),
	}
	if len(c.Schema.NullMarkers) > 0 {
		opts = append(opts, domain.WithNullMarkers(c.Schema.NullMarkers))
	}
	if len(c.Schema.Columns) > 0 || len(c.Schema.Temporal) > 0 {
		types := make(map[string]string, len(c.Schema.Columns))
		order := make([]string, 0, len(c.Schema.Columns))
		seen := make(map[string]bool, len(c.Schema.Columns))
		for _, col := range c.Schema.Columns {
			if seen[col.Name] {
				return nil, errors.Errorf("schema.columns: duplicate column %q", col.Name)
			}
			seen[col.Name] = true
			order = append(order, col.Name)
			if col.Type != "" {
				types[col.Name] = col.Type
			}
		}
		return domain.SchemaFromMap(types, c.Schema.Temporal, order, opts...)
	}
	return domain.Preset(c.PresetName(), opts...)
}

// RunOptions converts the run, source and sink settings for the engine.
func (c *Config) RunOptions() etl.RunOptions {
	return etl.RunOptions{
		ChunkSize:         c.Run.ChunkSize,
		OnMalformedRecord: etl.Policy(c.Run.OnMalformedRecord),
		OnCoercionError:   etl.Policy(c.Run.OnCoercionError),
		UnknownColumns:    domain.UnknownColumnPolicy(c.Schema.UnknownColumns),
		Pipelined:         c.Run.Pipelined,
		QueueDepth:        c.Run.QueueDepth,
		SourceTimeout:     c.Source.Timeout,
		SinkTimeout:       c.Sink.Timeout,
		HTTPRetries:       c.Source.HTTPRetries,
		S3Region:          c.Source.S3Region,
		S3Endpoint:        c.Source.S3Endpoint,
		TempDir:           c.Source.TempDir,
	}
}
