package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/HerbHall/memwatcher/internal/host"
	"github.com/HerbHall/memwatcher/pkg/models"
)

// EnvPrefix prefixes every environment override, e.g. MEMWATCHER_INTERVAL
// or MEMWATCHER_SINKS_SEQ_URL.
const EnvPrefix = "MEMWATCHER"

const redacted = "REDACTED"

// Settings is the effective memwatcher configuration.
type Settings struct {
	Interval     time.Duration   `mapstructure:"interval" yaml:"interval"`
	Installation string          `mapstructure:"installation" yaml:"installation"`
	Sampler      SamplerSettings `mapstructure:"sampler" yaml:"sampler"`
	Log          LogSettings     `mapstructure:"log" yaml:"log"`
	Sinks        SinkSettings    `mapstructure:"sinks" yaml:"sinks"`
	HTTP         HTTPSettings    `mapstructure:"http" yaml:"http"`
}

type SamplerSettings struct {
	Schema  string   `mapstructure:"schema" yaml:"schema"`
	Metrics []string `mapstructure:"metrics" yaml:"metrics,omitempty"`
}

// LogSettings configures the process logger. File is optional; when set,
// output is rotated by size and age.
type LogSettings struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Development bool   `mapstructure:"development" yaml:"development"`
	File        string `mapstructure:"file" yaml:"file,omitempty"`
	MaxSizeMB   int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

type SinkSettings struct {
	File       FileSinkSettings       `mapstructure:"file" yaml:"file"`
	Seq        SeqSinkSettings        `mapstructure:"seq" yaml:"seq"`
	Console    ConsoleSinkSettings    `mapstructure:"console" yaml:"console"`
	MQTT       MQTTSinkSettings       `mapstructure:"mqtt" yaml:"mqtt"`
	Prometheus PrometheusSinkSettings `mapstructure:"prometheus" yaml:"prometheus"`
}

type FileSinkSettings struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	Path       string `mapstructure:"path" yaml:"path"`
	TimeFormat string `mapstructure:"time_format" yaml:"time_format"`
}

type SeqSinkSettings struct {
	Enabled            bool          `mapstructure:"enabled" yaml:"enabled"`
	URL                string        `mapstructure:"url" yaml:"url"`
	APIKey             string        `mapstructure:"api_key" yaml:"api_key"`
	Installation       string        `mapstructure:"installation" yaml:"installation,omitempty"`
	Message            string        `mapstructure:"message" yaml:"message"`
	Timeout            time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxEventsPerSecond float64       `mapstructure:"max_events_per_second" yaml:"max_events_per_second"`
}

type ConsoleSinkSettings struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

type MQTTSinkSettings struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Broker   string        `mapstructure:"broker" yaml:"broker"`
	ClientID string        `mapstructure:"client_id" yaml:"client_id,omitempty"`
	Topic    string        `mapstructure:"topic" yaml:"topic"`
	QoS      int           `mapstructure:"qos" yaml:"qos"`
	Username string        `mapstructure:"username" yaml:"username,omitempty"`
	Password string        `mapstructure:"password" yaml:"password,omitempty"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type PrometheusSinkSettings struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

type HTTPSettings struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
}

// SetDefaults registers the default value of every key. Keys must be known
// to viper for environment overrides to reach Unmarshal.
func SetDefaults(v *viper.Viper) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "memwatcher"
	}

	v.SetDefault("interval", 30*time.Second)
	v.SetDefault("installation", hostname)

	v.SetDefault("sampler.schema", models.SystemMonitorSchema.Name)
	v.SetDefault("sampler.metrics", []string{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)

	v.SetDefault("sinks.file.enabled", true)
	v.SetDefault("sinks.file.path", "memwatcher.csv")
	v.SetDefault("sinks.file.time_format", time.RFC3339Nano)

	v.SetDefault("sinks.seq.enabled", false)
	v.SetDefault("sinks.seq.url", "")
	v.SetDefault("sinks.seq.api_key", "")
	v.SetDefault("sinks.seq.installation", "")
	v.SetDefault("sinks.seq.message", "MemoryWatchReport")
	v.SetDefault("sinks.seq.timeout", 10*time.Second)
	v.SetDefault("sinks.seq.max_events_per_second", 0)

	v.SetDefault("sinks.console.enabled", true)

	v.SetDefault("sinks.mqtt.enabled", false)
	v.SetDefault("sinks.mqtt.broker", "")
	v.SetDefault("sinks.mqtt.client_id", "")
	v.SetDefault("sinks.mqtt.topic", "memwatcher/samples")
	v.SetDefault("sinks.mqtt.qos", 0)
	v.SetDefault("sinks.mqtt.username", "")
	v.SetDefault("sinks.mqtt.password", "")
	v.SetDefault("sinks.mqtt.timeout", 10*time.Second)

	v.SetDefault("sinks.prometheus.enabled", false)

	v.SetDefault("http.enabled", false)
	v.SetDefault("http.addr", "127.0.0.1:9273")
}

// Load reads configuration from path, or from memwatcher.yaml in the working
// directory or /etc/memwatcher when path is empty. A missing default file is
// not an error; a missing explicit file is.
func Load(path string) (*Config, error) {
	return LoadFs(afero.NewOsFs(), path)
}

// LoadFs is Load reading config files from fs.
func LoadFs(fs afero.Fs, path string) (*Config, error) {
	v := viper.New()
	v.SetFs(fs)
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("memwatcher")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/memwatcher")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return New(v), nil
}

// Settings decodes and validates the configuration.
func (c *Config) Settings() (Settings, error) {
	var s Settings
	if err := c.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("decode config: %w", err)
	}
	if s.Sinks.Seq.Installation == "" {
		s.Sinks.Seq.Installation = s.Installation
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate reports every invalid setting at once.
func (s Settings) Validate() error {
	var errs []error
	if s.Interval <= 0 {
		errs = append(errs, fmt.Errorf("interval must be positive, got %s", s.Interval))
	}
	if _, err := s.Schema(); err != nil {
		errs = append(errs, err)
	}
	if _, err := zapcore.ParseLevel(s.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if s.Sinks.File.Enabled && s.Sinks.File.Path == "" {
		errs = append(errs, errors.New("sinks.file.path is required when the file sink is enabled"))
	}
	if s.Sinks.Seq.Enabled {
		if s.Sinks.Seq.URL == "" {
			errs = append(errs, errors.New("sinks.seq.url is required when the seq sink is enabled"))
		}
		if s.Sinks.Seq.Installation == "" {
			errs = append(errs, errors.New("sinks.seq.installation is required when the seq sink is enabled"))
		}
		if s.Sinks.Seq.MaxEventsPerSecond < 0 {
			errs = append(errs, errors.New("sinks.seq.max_events_per_second must not be negative"))
		}
	}
	if s.Sinks.MQTT.Enabled {
		if s.Sinks.MQTT.Broker == "" {
			errs = append(errs, errors.New("sinks.mqtt.broker is required when the mqtt sink is enabled"))
		}
		if s.Sinks.MQTT.Topic == "" {
			errs = append(errs, errors.New("sinks.mqtt.topic is required when the mqtt sink is enabled"))
		}
		if s.Sinks.MQTT.QoS < 0 || s.Sinks.MQTT.QoS > 2 {
			errs = append(errs, fmt.Errorf("sinks.mqtt.qos must be 0, 1 or 2, got %d", s.Sinks.MQTT.QoS))
		}
	}
	if s.HTTP.Enabled && s.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required when the http server is enabled"))
	}
	return errors.Join(errs...)
}

// Schema resolves the metric set. An explicit metric list overrides the
// named built-in schema; every metric in it must be readable on a host.
func (s Settings) Schema() (models.Schema, error) {
	if len(s.Sampler.Metrics) == 0 {
		schema, err := models.SchemaByName(s.Sampler.Schema)
		if err != nil {
			return models.Schema{}, fmt.Errorf("sampler.schema: %w", err)
		}
		return schema, nil
	}

	for _, m := range s.Sampler.Metrics {
		if !host.Supported(m) {
			return models.Schema{}, fmt.Errorf("sampler.metrics: %q: %w", m, host.ErrUnknownMetric)
		}
	}
	name := s.Sampler.Schema
	if name == "" {
		name = "custom"
	}
	schema, err := models.NewSchema(name, s.Sampler.Metrics...)
	if err != nil {
		return models.Schema{}, fmt.Errorf("sampler.metrics: %w", err)
	}
	return schema, nil
}

// Enabled lists the names of the enabled sinks in export order.
func (s SinkSettings) Enabled() []string {
	var names []string
	if s.File.Enabled {
		names = append(names, "file")
	}
	if s.Seq.Enabled {
		names = append(names, "seq")
	}
	if s.Console.Enabled {
		names = append(names, "console")
	}
	if s.MQTT.Enabled {
		names = append(names, "mqtt")
	}
	if s.Prometheus.Enabled {
		names = append(names, "prometheus")
	}
	return names
}

// YAML renders the settings with credentials replaced.
func (s Settings) YAML() ([]byte, error) {
	if s.Sinks.Seq.APIKey != "" {
		s.Sinks.Seq.APIKey = redacted
	}
	if s.Sinks.MQTT.Password != "" {
		s.Sinks.MQTT.Password = redacted
	}
	return yaml.Marshal(s)
}
