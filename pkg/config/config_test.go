package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/cohenjo/changestream/pkg/changestream"
)

const yamlConfig = `
server:
  port: 9000
logging:
  level: debug
  format: json
streams:
  - name: orders
    enabled: true
    source:
      uri: mongodb://localhost:27017/?replicaSet=rs0
      database: shop
      collection: orders
      max_await_time: 5s
    change_stream:
      fullDocument: updateLookup
    transformation:
      enabled: true
      rules:
        - name: drop-id
          operation_types: [insert]
          spec: '[{"operation": "delete", "spec": {"paths": ["_id"]}}]'
    targets:
      - type: stdout
      - type: kafka
        host: localhost
        port: 9092
        collection: shop.orders
`

func validStream() StreamConfig {
	return StreamConfig{
		Name:    "orders",
		Enabled: true,
		Source: SourceConfig{
			URI:        "mongodb://localhost:27017",
			Database:   "shop",
			Collection: "orders",
		},
		Targets: []TargetConfig{{Type: TargetTypeStdout}},
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, "changestream", cfg.Telemetry.ServiceName)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromReaderYAML(t *testing.T) {
	loader := NewLoader()
	cfg, err := loader.LoadFromReader(strings.NewReader(yamlConfig), ".yaml")
	require.NoError(t, err)
	require.NoError(t, loader.Validate(cfg))

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout, "defaults survive partial files")
	require.Len(t, cfg.Streams, 1)

	stream := cfg.Streams[0]
	assert.Equal(t, "shop.orders", stream.Source.Namespace())
	assert.Equal(t, 5*time.Second, stream.Source.MaxAwaitTime)
	assert.Equal(t, bson.D{{Key: "fullDocument", Value: "updateLookup"}}, stream.ChangeStreamSpec())
	require.NotNil(t, stream.Transformation)
	assert.Equal(t, []string{"insert"}, stream.Transformation.Rules[0].OperationTypes)
	require.Len(t, stream.Targets, 2)
	assert.Equal(t, TargetTypeKafka, stream.Targets[1].Type)
}

func TestLoadFromReaderRejectsUnknownFormat(t *testing.T) {
	_, err := NewLoader().LoadFromReader(strings.NewReader("x"), ".toml")
	assert.Error(t, err)
}

func TestChangeStreamSpecIsSorted(t *testing.T) {
	stream := validStream()
	stream.ChangeStream = map[string]interface{}{"zeta": 1, "alpha": 2}

	spec := stream.ChangeStreamSpec()
	require.Len(t, spec, 2)
	assert.Equal(t, "alpha", spec[0].Key)
	assert.Equal(t, "zeta", spec[1].Key)
}

func TestValidateStreamConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*StreamConfig)
		wantErr error
		errText string
	}{
		{name: "valid", mutate: func(*StreamConfig) {}},
		{name: "missing_collection", mutate: func(s *StreamConfig) { s.Source.Collection = "" }, errText: "collection is required"},
		{name: "missing_targets", mutate: func(s *StreamConfig) { s.Targets = nil }, errText: "at least one target"},
		{
			name:    "unknown_change_stream_option",
			mutate:  func(s *StreamConfig) { s.ChangeStream = map[string]interface{}{"resumeAfter": "x"} },
			wantErr: changestream.ErrInvalidOption,
		},
		{
			name:    "bad_full_document",
			mutate:  func(s *StreamConfig) { s.ChangeStream = map[string]interface{}{"fullDocument": "always"} },
			wantErr: changestream.ErrInvalidOption,
		},
		{
			name:    "non_string_full_document",
			mutate:  func(s *StreamConfig) { s.ChangeStream = map[string]interface{}{"fullDocument": 1} },
			wantErr: changestream.ErrTypeMismatch,
		},
		{
			name: "entra_without_tenant",
			mutate: func(s *StreamConfig) {
				s.Source.AuthMethod = AuthMethodEntra
			},
			errText: "tenant_id is required",
		},
		{
			name: "kafka_without_topic",
			mutate: func(s *StreamConfig) {
				s.Targets = []TargetConfig{{Type: TargetTypeKafka, Host: "localhost"}}
			},
			errText: "topic",
		},
		{
			name: "invalid_kazaam_spec",
			mutate: func(s *StreamConfig) {
				s.Transformation = &TransformationConfig{
					Enabled: true,
					Rules:   []TransformationRule{{Name: "broken", Spec: "not json"}},
				}
			},
			errText: "invalid kazaam spec",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stream := validStream()
			tt.mutate(&stream)

			err := ValidateStreamConfig(&stream)
			switch {
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
			case tt.errText != "":
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errText)
			default:
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfigValidateDuplicateStreams(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Streams = []StreamConfig{validStream(), validStream()}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate stream name")
}

func TestLoaderValidateStructTags(t *testing.T) {
	cfg := DefaultConfig()
	stream := validStream()
	stream.Targets = []TargetConfig{{Type: "carrier-pigeon"}}
	cfg.Streams = []StreamConfig{stream}

	err := NewLoader().Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oneof")
}

func TestLoadWithEnvironmentOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlConfig), 0o600))

	t.Setenv("CSTEST_CONFIG_FILE", path)
	t.Setenv("CSTEST_SERVER_PORT", "9100")
	t.Setenv("CSTEST_LOG_LEVEL", "warn")
	t.Setenv("CSTEST_MONGODB_CONNECTION_STRING", "mongodb://override:27017")

	cfg, err := NewLoader().Load(LoaderOptions{EnvPrefix: "CSTEST_"})
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "mongodb://override:27017", cfg.Streams[0].Source.URI)
}

func TestLoadRequireFile(t *testing.T) {
	_, err := NewLoader().Load(LoaderOptions{
		EnvPrefix:    "CSTEST_MISSING_",
		DefaultPaths: []string{filepath.Join(t.TempDir(), "absent.yaml")},
		RequireFile:  true,
	})
	assert.Error(t, err)
}

func TestSaveAndReloadTemplate(t *testing.T) {
	loader := NewLoader()
	template := loader.GenerateTemplate()
	require.NoError(t, loader.Validate(template))

	for _, ext := range []string{".yaml", ".json"} {
		t.Run(ext, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config"+ext)
			require.NoError(t, loader.SaveToFile(template, path))

			loaded, err := loader.LoadFromFile(path)
			require.NoError(t, err)
			require.NoError(t, loader.Validate(loaded))
			assert.Equal(t, len(template.Streams), len(loaded.Streams))
			assert.Equal(t, template.Streams[0].Source, loaded.Streams[0].Source)
		})
	}
}

func TestSetLogLevel(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	SetLogLevel("debug")
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
	SetLogLevel("bogus")
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}
