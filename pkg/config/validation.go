package config

import (
	"fmt"

	"github.com/qntfy/kazaam/v4"

	"github.com/cohenjo/changestream/pkg/changestream"
)

// ValidateStreamConfig validates stream configuration
func ValidateStreamConfig(cfg *StreamConfig) error {
	if cfg == nil {
		return fmt.Errorf("stream config cannot be nil")
	}

	if cfg.Name == "" {
		return fmt.Errorf("stream name is required")
	}

	if err := ValidateSourceConfig(&cfg.Source); err != nil {
		return fmt.Errorf("source config validation failed: %w", err)
	}

	// Reject bad $changeStream options at load time rather than at stream start.
	if _, err := changestream.ParseOptionsD(cfg.ChangeStreamSpec()); err != nil {
		return fmt.Errorf("change stream options: %w", err)
	}

	if len(cfg.Targets) == 0 {
		return fmt.Errorf("at least one target is required")
	}
	for i := range cfg.Targets {
		if err := ValidateTargetConfig(&cfg.Targets[i]); err != nil {
			return fmt.Errorf("target %d validation failed: %w", i, err)
		}
	}

	if cfg.Transformation != nil && cfg.Transformation.Enabled {
		if err := ValidateTransformation(cfg.Transformation); err != nil {
			return fmt.Errorf("transformation validation failed: %w", err)
		}
	}

	return nil
}

// ValidateSourceConfig validates source configuration
func ValidateSourceConfig(cfg *SourceConfig) error {
	if cfg == nil {
		return fmt.Errorf("source config cannot be nil")
	}

	if cfg.URI == "" {
		return fmt.Errorf("uri is required")
	}

	if cfg.Database == "" {
		return fmt.Errorf("database is required")
	}

	if cfg.Collection == "" {
		return fmt.Errorf("collection is required")
	}

	switch cfg.AuthMethod {
	case "", AuthMethodConnectionString:
	case AuthMethodEntra:
		if cfg.TenantID == "" {
			return fmt.Errorf("tenant_id is required for entra authentication")
		}
	default:
		return fmt.Errorf("unsupported auth method: %s", cfg.AuthMethod)
	}

	return nil
}

// ValidateTargetConfig validates target configuration
func ValidateTargetConfig(cfg *TargetConfig) error {
	if cfg == nil {
		return fmt.Errorf("target config cannot be nil")
	}

	switch cfg.Type {
	case TargetTypeStdout:
	case TargetTypeKafka:
		if cfg.Host == "" && cfg.URI == "" {
			return fmt.Errorf("Kafka host or URI is required")
		}
		if cfg.Collection == "" {
			return fmt.Errorf("Kafka topic (collection) is required")
		}
	case TargetTypeElastic:
		if cfg.Host == "" && cfg.URI == "" {
			return fmt.Errorf("Elasticsearch host or URL is required")
		}
		if cfg.Collection == "" {
			return fmt.Errorf("Elasticsearch index (collection) is required")
		}
	case TargetTypeMongoDB:
		if cfg.URI == "" {
			return fmt.Errorf("MongoDB connection string is required")
		}
		if cfg.Database == "" || cfg.Collection == "" {
			return fmt.Errorf("MongoDB database and collection are required")
		}
	case TargetTypeMySQL:
		if cfg.URI == "" && cfg.Host == "" {
			return fmt.Errorf("MySQL DSN or host is required")
		}
		if cfg.Collection == "" {
			return fmt.Errorf("MySQL table (collection) is required")
		}
	case TargetTypeCosmosDB:
		if cfg.URI == "" {
			return fmt.Errorf("Cosmos DB endpoint or connection string is required")
		}
		if cfg.Database == "" || cfg.Collection == "" {
			return fmt.Errorf("Cosmos DB database and container are required")
		}
	default:
		return fmt.Errorf("unsupported target type: %s", cfg.Type)
	}

	return nil
}

// ValidateTransformation checks that every rule compiles as a kazaam spec
func ValidateTransformation(cfg *TransformationConfig) error {
	if cfg == nil {
		return fmt.Errorf("transformation config cannot be nil")
	}

	names := make(map[string]bool)
	for i, rule := range cfg.Rules {
		if rule.Name == "" {
			return fmt.Errorf("rule %d: name is required", i)
		}
		if names[rule.Name] {
			return fmt.Errorf("duplicate rule name: %s", rule.Name)
		}
		names[rule.Name] = true

		if _, err := kazaam.NewKazaam(rule.Spec); err != nil {
			return fmt.Errorf("rule %s: invalid kazaam spec: %w", rule.Name, err)
		}
	}

	return nil
}
