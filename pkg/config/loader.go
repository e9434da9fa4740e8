package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Loader handles configuration loading and validation
type Loader struct {
	validator *validator.Validate
}

// LoaderOptions represents options for the configuration loader
type LoaderOptions struct {
	// Environment variables prefix (e.g., "CHANGESTREAM_")
	EnvPrefix string
	// Default configuration file paths to search
	DefaultPaths []string
	// Whether to require configuration file to exist
	RequireFile bool
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		validator: validator.New(),
	}
}

// LoadFromFile loads configuration from a specific file
func (l *Loader) LoadFromFile(filename string) (*Config, error) {
	if filename == "" {
		return nil, fmt.Errorf("filename cannot be empty")
	}

	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file %s: %w", filename, err)
	}
	defer file.Close()

	return l.LoadFromReader(file, filepath.Ext(filename))
}

// LoadFromReader loads configuration from an io.Reader, fileExt selects the format
func (l *Loader) LoadFromReader(reader io.Reader, fileExt string) (*Config, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}

	// Start with default config to ensure all defaults are set
	config := DefaultConfig()

	switch strings.ToLower(fileExt) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", fileExt)
	}

	return config, nil
}

// Load loads configuration using the specified options
func (l *Loader) Load(opts LoaderOptions) (*Config, error) {
	var config *Config
	var err error

	// Try to load from environment variable first
	if configFile := os.Getenv(opts.EnvPrefix + "CONFIG_FILE"); configFile != "" {
		config, err = l.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from env var specified file %s: %w", configFile, err)
		}
	} else {
		for _, path := range opts.DefaultPaths {
			if _, err := os.Stat(path); err == nil {
				config, err = l.LoadFromFile(path)
				if err != nil {
					return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
				}
				break
			}
		}

		if config == nil && opts.RequireFile {
			return nil, fmt.Errorf("no configuration file found in paths: %v", opts.DefaultPaths)
		}

		if config == nil {
			config = DefaultConfig()
		}
	}

	// Override with environment variables
	l.loadFromEnvironment(config, opts.EnvPrefix)

	if err := l.Validate(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// LoadDefault loads configuration with sensible defaults
func (l *Loader) LoadDefault() (*Config, error) {
	return l.Load(LoaderOptions{
		EnvPrefix: "CHANGESTREAM_",
		DefaultPaths: []string{
			"./config.yaml",
			"./config.yml",
			"./config.json",
			"./conf/config.yaml",
			"./conf/config.yml",
			"./conf/config.json",
			"/etc/changestream/config.yaml",
			"/etc/changestream/config.yml",
			"/etc/changestream/config.json",
		},
		RequireFile: false,
	})
}

// Validate validates the configuration using struct tags, then the rules
// tags cannot express
func (l *Loader) Validate(config *Config) error {
	if err := l.validator.Struct(config); err != nil {
		return l.formatValidationErrors(err)
	}

	return config.Validate()
}

// loadFromEnvironment loads configuration values from environment variables
func (l *Loader) loadFromEnvironment(config *Config, prefix string) {
	if port := os.Getenv(prefix + "SERVER_PORT"); port != "" {
		if portInt, err := strconv.Atoi(port); err == nil {
			config.Server.Port = portInt
		}
	}
	if host := os.Getenv(prefix + "SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	if logLevel := os.Getenv(prefix + "LOG_LEVEL"); logLevel != "" {
		config.Logging.Level = logLevel
	}

	if enabled := os.Getenv(prefix + "METRICS_ENABLED"); enabled != "" {
		config.Metrics.Enabled = strings.ToLower(enabled) == "true"
	}

	// Source overrides apply to every stream
	if connStr := os.Getenv(prefix + "MONGODB_CONNECTION_STRING"); connStr != "" {
		for i := range config.Streams {
			config.Streams[i].Source.URI = connStr
		}
	}
	if tenantID := os.Getenv(prefix + "AZURE_TENANT_ID"); tenantID != "" {
		for i := range config.Streams {
			if config.Streams[i].Source.AuthMethod == AuthMethodEntra {
				config.Streams[i].Source.TenantID = tenantID
			}
		}
	}
	if clientID := os.Getenv(prefix + "AZURE_CLIENT_ID"); clientID != "" {
		for i := range config.Streams {
			if config.Streams[i].Source.AuthMethod == AuthMethodEntra {
				config.Streams[i].Source.ClientID = clientID
			}
		}
	}
}

// formatValidationErrors formats validator errors into a readable format
func (l *Loader) formatValidationErrors(err error) error {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		var messages []string
		for _, validationError := range validationErrors {
			messages = append(messages, fmt.Sprintf(
				"field '%s' failed validation: %s",
				validationError.Namespace(),
				validationError.Tag(),
			))
		}
		return fmt.Errorf("validation errors: %s", strings.Join(messages, "; "))
	}
	return err
}

// SaveToFile saves configuration to a file
func (l *Loader) SaveToFile(config *Config, filename string) error {
	if filename == "" {
		return fmt.Errorf("filename cannot be empty")
	}

	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create config file %s: %w", filename, err)
	}
	defer file.Close()

	ext := filepath.Ext(filename)
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		encoder := yaml.NewEncoder(file)
		encoder.SetIndent(2)
		if err := encoder.Encode(config); err != nil {
			return fmt.Errorf("failed to encode YAML config: %w", err)
		}
	case ".json":
		encoder := json.NewEncoder(file)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(config); err != nil {
			return fmt.Errorf("failed to encode JSON config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", ext)
	}

	return nil
}

// GenerateTemplate returns an example configuration with one stream per estuary kind
func (l *Loader) GenerateTemplate() *Config {
	config := DefaultConfig()
	config.Streams = []StreamConfig{
		{
			Name:    "orders",
			Enabled: true,
			Source: SourceConfig{
				URI:        "mongodb://localhost:27017/?replicaSet=rs0",
				Database:   "shop",
				Collection: "orders",
				AuthMethod: AuthMethodConnectionString,
			},
			ChangeStream: map[string]interface{}{"fullDocument": "default"},
			Targets: []TargetConfig{
				{Type: TargetTypeStdout},
				{Type: TargetTypeKafka, Host: "localhost", Port: 9092, Collection: "shop.orders"},
			},
		},
		{
			Name:    "inventory-audit",
			Enabled: false,
			Source: SourceConfig{
				URI:        "mongodb://cosmos-account.mongo.cosmos.azure.com:10255/",
				Database:   "shop",
				Collection: "inventory",
				AuthMethod: AuthMethodEntra,
				TenantID:   "00000000-0000-0000-0000-000000000000",
			},
			Targets: []TargetConfig{
				{Type: TargetTypeElastic, URI: "http://localhost:9200", Collection: "inventory-changes"},
				{Type: TargetTypeMySQL, URI: "user:password@tcp(localhost:3306)/audit", Collection: "change_events"},
			},
		},
	}
	return config
}
