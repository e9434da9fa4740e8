package config

import (
	"fmt"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"go.mongodb.org/mongo-driver/bson"
)

// StreamStatus represents the current status of a change stream
type StreamStatus string

const (
	StreamStatusStopped     StreamStatus = "stopped"
	StreamStatusStarting    StreamStatus = "starting"
	StreamStatusRunning     StreamStatus = "running"
	StreamStatusInvalidated StreamStatus = "invalidated"
	StreamStatusError       StreamStatus = "error"
	StreamStatusStopping    StreamStatus = "stopping"
)

// TargetType represents the type of an estuary
type TargetType string

const (
	TargetTypeStdout   TargetType = "stdout"
	TargetTypeKafka    TargetType = "kafka"
	TargetTypeElastic  TargetType = "elasticsearch"
	TargetTypeMongoDB  TargetType = "mongodb"
	TargetTypeMySQL    TargetType = "mysql"
	TargetTypeCosmosDB TargetType = "cosmosdb"
)

// Authentication methods for the oplog source
const (
	AuthMethodConnectionString = "connection_string"
	AuthMethodEntra            = "entra"
)

// SourceConfig represents the MongoDB replica set the oplog is read from and
// the namespace being watched
type SourceConfig struct {
	URI          string        `json:"uri" yaml:"uri" mapstructure:"uri" validate:"required"`
	Database     string        `json:"database" yaml:"database" mapstructure:"database" validate:"required"`
	Collection   string        `json:"collection" yaml:"collection" mapstructure:"collection" validate:"required"`
	AuthMethod   string        `json:"auth_method,omitempty" yaml:"auth_method,omitempty" mapstructure:"auth_method" validate:"omitempty,oneof=connection_string entra"`
	TenantID     string        `json:"tenant_id,omitempty" yaml:"tenant_id,omitempty" mapstructure:"tenant_id"`
	ClientID     string        `json:"client_id,omitempty" yaml:"client_id,omitempty" mapstructure:"client_id"`
	Scopes       []string      `json:"scopes,omitempty" yaml:"scopes,omitempty" mapstructure:"scopes"`
	MaxAwaitTime time.Duration `json:"max_await_time,omitempty" yaml:"max_await_time,omitempty" mapstructure:"max_await_time"`
	BatchSize    int32         `json:"batch_size,omitempty" yaml:"batch_size,omitempty" mapstructure:"batch_size" validate:"gte=0"`
}

// Namespace returns the watched "db.coll"
func (s SourceConfig) Namespace() string {
	return s.Database + "." + s.Collection
}

// TargetConfig represents configuration for an estuary.
// Collection names the topic, index, table or container depending on Type.
type TargetConfig struct {
	Type       TargetType             `json:"type" yaml:"type" mapstructure:"type" validate:"required,oneof=stdout kafka elasticsearch mongodb mysql cosmosdb"`
	URI        string                 `json:"uri,omitempty" yaml:"uri,omitempty" mapstructure:"uri"`
	Host       string                 `json:"host,omitempty" yaml:"host,omitempty" mapstructure:"host"`
	Port       int                    `json:"port,omitempty" yaml:"port,omitempty" mapstructure:"port" validate:"gte=0,lte=65535"`
	Database   string                 `json:"database,omitempty" yaml:"database,omitempty" mapstructure:"database"`
	Collection string                 `json:"collection,omitempty" yaml:"collection,omitempty" mapstructure:"collection"`
	Username   string                 `json:"username,omitempty" yaml:"username,omitempty" mapstructure:"username"`
	Password   string                 `json:"password,omitempty" yaml:"password,omitempty" mapstructure:"password"`
	Options    map[string]interface{} `json:"options,omitempty" yaml:"options,omitempty" mapstructure:"options"`
}

// TransformationConfig holds the kazaam rules applied to events before delivery
type TransformationConfig struct {
	Enabled bool                 `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Rules   []TransformationRule `json:"rules" yaml:"rules" mapstructure:"rules" validate:"dive"`
}

// TransformationRule is one kazaam spec. OperationTypes limits the rule to
// some event kinds, empty means all of them.
type TransformationRule struct {
	Name           string   `json:"name" yaml:"name" mapstructure:"name" validate:"required"`
	OperationTypes []string `json:"operation_types,omitempty" yaml:"operation_types,omitempty" mapstructure:"operation_types"`
	Spec           string   `json:"spec" yaml:"spec" mapstructure:"spec" validate:"required"`
}

// StreamConfig represents the complete configuration for one change stream.
// ChangeStream is the value of the $changeStream stage, e.g.
// {fullDocument: "updateLookup"}.
type StreamConfig struct {
	Name           string                 `json:"name" yaml:"name" mapstructure:"name" validate:"required"`
	Enabled        bool                   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Source         SourceConfig           `json:"source" yaml:"source" mapstructure:"source"`
	ChangeStream   map[string]interface{} `json:"change_stream,omitempty" yaml:"change_stream,omitempty" mapstructure:"change_stream"`
	Transformation *TransformationConfig  `json:"transformation,omitempty" yaml:"transformation,omitempty" mapstructure:"transformation"`
	Targets        []TargetConfig         `json:"targets" yaml:"targets" mapstructure:"targets" validate:"required,min=1,dive"`
}

// ChangeStreamSpec renders ChangeStream as an ordered document. A map has no
// order, keys are sorted.
func (s StreamConfig) ChangeStreamSpec() bson.D {
	keys := make([]string, 0, len(s.ChangeStream))
	for k := range s.ChangeStream {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	spec := make(bson.D, 0, len(keys))
	for _, k := range keys {
		spec = append(spec, bson.E{Key: k, Value: s.ChangeStream[k]})
	}
	return spec
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host            string        `json:"host" yaml:"host" mapstructure:"host"`
	Port            int           `json:"port" yaml:"port" mapstructure:"port" validate:"gte=1,lte=65535"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout" mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// MetricsConfig represents metrics configuration
type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Path      string `json:"path" yaml:"path" mapstructure:"path"`
	Namespace string `json:"namespace" yaml:"namespace" mapstructure:"namespace"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" mapstructure:"level" validate:"oneof=debug info warn error"` // debug, info, warn, error
	Format string `json:"format" yaml:"format" mapstructure:"format" validate:"oneof=json text"`        // json, text
}

// TelemetryConfig represents OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled        bool              `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	ServiceName    string            `json:"service_name" yaml:"service_name" mapstructure:"service_name"`
	ServiceVersion string            `json:"service_version" yaml:"service_version" mapstructure:"service_version"`
	Environment    string            `json:"environment" yaml:"environment" mapstructure:"environment"`
	TracingEnabled bool              `json:"tracing_enabled" yaml:"tracing_enabled" mapstructure:"tracing_enabled"`
	Labels         map[string]string `json:"labels" yaml:"labels" mapstructure:"labels"`
}

// Config represents the main application configuration
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server" mapstructure:"server"`
	Streams   []StreamConfig  `json:"streams" yaml:"streams" mapstructure:"streams" validate:"dive"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics" mapstructure:"metrics"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging" mapstructure:"logging"`
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry" mapstructure:"telemetry"`
}

// Global is the global configuration variable
var Global *Config

// GetConfig returns the current global configuration
func GetConfig() *Config {
	return Global
}

// SetConfig sets the global configuration
func SetConfig(config *Config) {
	Global = config
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "changestream",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Enabled:        true,
			ServiceName:    "changestream",
			ServiceVersion: "1.0.0",
			Environment:    "development",
			TracingEnabled: true,
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	streamNames := make(map[string]bool)
	for _, stream := range c.Streams {
		if stream.Name == "" {
			return fmt.Errorf("stream name cannot be empty")
		}
		if streamNames[stream.Name] {
			return fmt.Errorf("duplicate stream name: %s", stream.Name)
		}
		streamNames[stream.Name] = true

		if err := ValidateStreamConfig(&stream); err != nil {
			return fmt.Errorf("invalid stream %s: %w", stream.Name, err)
		}
	}

	return nil
}

// SetLogLevel sets the zerolog global level from a config level name
func SetLogLevel(name string) {
	level := zerolog.InfoLevel
	switch name {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)
}

// LoadConfiguration loads configuration using viper
func LoadConfiguration() *Config {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.shutdown_timeout", "10s")

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")
	viper.SetDefault("metrics.namespace", "changestream")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")

	viper.SetDefault("telemetry.enabled", true)
	viper.SetDefault("telemetry.service_name", "changestream")
	viper.SetDefault("telemetry.service_version", "1.0.0")
	viper.SetDefault("telemetry.environment", "development")
	viper.SetDefault("telemetry.tracing_enabled", true)

	viper.SetConfigName("changestream.conf")   // name of config file (without extension)
	viper.AddConfigPath("/etc/changestream/")  // path to look for the config file in
	viper.AddConfigPath("$HOME/.changestream") // call multiple times to add many search paths
	viper.AddConfigPath("./conf")              // optionally look for config in the working directory
	err := viper.ReadInConfig()                // Find and read the config file
	if err != nil {                            // Handle errors reading the config file
		log.Error().Err(err).Msg("Fatal error config file")
	}

	viper.WatchConfig()
	viper.OnConfigChange(reloadConfig)

	cfg := DefaultConfig()
	err = viper.Unmarshal(cfg)
	if err != nil {
		log.Error().Err(err).Msg("unable to decode into struct")
	}

	log.Debug().Int("streams", len(cfg.Streams)).Msg("configuration loaded")

	SetLogLevel(cfg.Logging.Level)

	Global = cfg
	return cfg
}

// reloadConfig only swaps Global and the log level. Running streams keep the
// configuration they were started with.
func reloadConfig(e fsnotify.Event) {
	log.Info().Msgf("Config file changed: %v", e.Name)
	cfg := DefaultConfig()
	err := viper.Unmarshal(cfg)
	if err != nil {
		log.Error().Err(err).Msg("unable to decode into struct")
		return
	}
	SetLogLevel(cfg.Logging.Level)
	Global = cfg
}
