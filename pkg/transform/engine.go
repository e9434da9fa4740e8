package transform

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/qntfy/kazaam/v4"
	"github.com/rs/zerolog/log"

	"github.com/cohenjo/changestream/pkg/config"
	"github.com/cohenjo/changestream/pkg/events"
)

// Engine rewrites the JSON of change events with kazaam before delivery.
// Rules run in configuration order, each on the output of the previous one.
type Engine struct {
	rules   []compiledRule
	metrics *EngineMetrics
}

type compiledRule struct {
	name       string
	operations map[string]bool
	kazaam     *kazaam.Kazaam
}

// EngineMetrics tracks transformation engine metrics
type EngineMetrics struct {
	mutex                sync.RWMutex
	TotalTransformations int64            `json:"total_transformations"`
	FailedTransforms     int64            `json:"failed_transforms"`
	SkippedTransforms    int64            `json:"skipped_transforms"`
	RuleApplications     map[string]int64 `json:"rule_applications"`
	LastTransformationAt *time.Time       `json:"last_transformation_at,omitempty"`
}

// NewEngine compiles every rule of cfg. A nil or disabled config yields an
// engine that passes events through.
func NewEngine(cfg *config.TransformationConfig) (*Engine, error) {
	engine := &Engine{
		metrics: &EngineMetrics{RuleApplications: make(map[string]int64)},
	}
	if cfg == nil || !cfg.Enabled {
		return engine, nil
	}

	for _, rule := range cfg.Rules {
		if rule.Name == "" {
			return nil, ErrInvalidRuleName
		}
		k, err := kazaam.NewKazaam(rule.Spec)
		if err != nil {
			return nil, fmt.Errorf("%w: rule %s: %v", ErrInvalidActionSpec, rule.Name, err)
		}

		compiled := compiledRule{name: rule.Name, kazaam: k}
		if len(rule.OperationTypes) > 0 {
			compiled.operations = make(map[string]bool, len(rule.OperationTypes))
			for _, op := range rule.OperationTypes {
				compiled.operations[op] = true
			}
		}
		engine.rules = append(engine.rules, compiled)
	}

	log.Debug().Int("rules", len(engine.rules)).Msg("Transformation engine ready")
	return engine, nil
}

// Enabled reports whether any rule is configured
func (e *Engine) Enabled() bool {
	return len(e.rules) > 0
}

func (r compiledRule) matches(action string) bool {
	return r.operations == nil || r.operations[action]
}

// Apply rewrites record.Data in place. On failure the record is left untouched.
func (e *Engine) Apply(ctx context.Context, record *events.RecordEvent) error {
	if !e.Enabled() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data := record.Data
	applied := make([]string, 0, len(e.rules))
	for _, rule := range e.rules {
		if !rule.matches(record.Action) {
			continue
		}
		out, err := rule.kazaam.Transform(data)
		if err != nil {
			e.recordFailure()
			return fmt.Errorf("%w: rule %s: %v", ErrTransformationFailed, rule.name, err)
		}
		data = out
		applied = append(applied, rule.name)
	}

	e.recordSuccess(applied)
	record.Data = data
	return nil
}

func (e *Engine) recordSuccess(applied []string) {
	e.metrics.mutex.Lock()
	defer e.metrics.mutex.Unlock()

	now := time.Now()
	e.metrics.TotalTransformations++
	e.metrics.LastTransformationAt = &now
	if len(applied) == 0 {
		e.metrics.SkippedTransforms++
	}
	for _, name := range applied {
		e.metrics.RuleApplications[name]++
	}
}

func (e *Engine) recordFailure() {
	e.metrics.mutex.Lock()
	defer e.metrics.mutex.Unlock()

	e.metrics.TotalTransformations++
	e.metrics.FailedTransforms++
}

// Metrics returns a copy of the engine metrics
func (e *Engine) Metrics() EngineMetrics {
	e.metrics.mutex.RLock()
	defer e.metrics.mutex.RUnlock()

	applications := make(map[string]int64, len(e.metrics.RuleApplications))
	for name, n := range e.metrics.RuleApplications {
		applications[name] = n
	}
	return EngineMetrics{
		TotalTransformations: e.metrics.TotalTransformations,
		FailedTransforms:     e.metrics.FailedTransforms,
		SkippedTransforms:    e.metrics.SkippedTransforms,
		RuleApplications:     applications,
		LastTransformationAt: e.metrics.LastTransformationAt,
	}
}
