package mapping

import (
	"fmt"

	"github.com/rowmill/rowmill/expr"
)

// ConfigError reports an invalid mapping definition. Validate returns it
// so that broken mappings are rejected synchronously at enqueue, never at
// run time.
type ConfigError struct {
	MappingRef string
	Rule       string
	Message    string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("mapping %s: %s: %s", e.MappingRef, e.Rule, e.Message)
}

// Validation rule identifiers carried on ConfigError.
const (
	RuleMissingSource      = "missing-source"
	RuleMissingTarget      = "missing-target"
	RuleNoColumns          = "no-columns"
	RuleBadColumn          = "bad-column"
	RuleBadLoadMode        = "bad-load-mode"
	RuleBadStrategy        = "bad-strategy"
	RuleKeyNeedsColumn     = "key-needs-checkpoint-column"
	RuleOrdinalNeedsOrder  = "ordinal-needs-order-by"
	RuleUpsertNeedsKeys    = "upsert-needs-key-columns"
	RuleBadBatchSize       = "bad-batch-size"
	RuleBadExpression      = "bad-derivation-expression"
)

func configErr(ref, rule, format string, args ...any) *ConfigError {
	return &ConfigError{MappingRef: ref, Rule: rule, Message: fmt.Sprintf(format, args...)}
}

// Validate checks a definition against every authoring rule. It returns nil
// for a valid mapping and a *ConfigError naming the violated rule otherwise.
func Validate(d *Definition) *ConfigError {
	if d.SourceConnRef == "" || d.SourceQuery == "" {
		return configErr(d.MappingRef, RuleMissingSource, "source connection and query are required")
	}
	if d.TargetConnRef == "" || d.TargetTable == "" {
		return configErr(d.MappingRef, RuleMissingTarget, "target connection and table are required")
	}
	if len(d.Columns) == 0 {
		return configErr(d.MappingRef, RuleNoColumns, "at least one column mapping is required")
	}
	if d.LoadMode != "" && !d.LoadMode.Valid() {
		return configErr(d.MappingRef, RuleBadLoadMode, "unknown load mode %q", d.LoadMode)
	}
	if d.Strategy != "" && !d.Strategy.Valid() {
		return configErr(d.MappingRef, RuleBadStrategy, "unknown checkpoint strategy %q", d.Strategy)
	}
	// Zero means unset; EffectiveBatchSize substitutes the default.
	if d.BatchSize < 0 {
		return configErr(d.MappingRef, RuleBadBatchSize, "batch size must not be negative, got %d", d.BatchSize)
	}

	switch d.EffectiveStrategy() {
	case StrategyKey:
		if d.CheckpointColumn == "" {
			return configErr(d.MappingRef, RuleKeyNeedsColumn, "KEY strategy requires a checkpoint column")
		}
	case StrategyOrdinal:
		if !d.HasOrderBy() {
			return configErr(d.MappingRef, RuleOrdinalNeedsOrder,
				"ORDINAL strategy requires the source query to carry an ORDER BY on a stable tuple")
		}
	}

	if d.LoadMode == LoadUpsert && len(d.KeyColumns()) == 0 {
		return configErr(d.MappingRef, RuleUpsertNeedsKeys, "UPSERT load mode requires at least one key column")
	}

	for i, c := range d.Columns {
		if c.TargetColumn == "" {
			return configErr(d.MappingRef, RuleBadColumn, "column %d has no target column", i)
		}
		if !c.TargetType.Valid() {
			return configErr(d.MappingRef, RuleBadColumn,
				"column %s has unknown target type %q", c.TargetColumn, c.TargetType)
		}
		if c.SourceColumn == "" && !c.Derived() && c.Audit == AuditNone {
			return configErr(d.MappingRef, RuleBadColumn,
				"column %s needs a source column, a derivation, or an audit role", c.TargetColumn)
		}
		if c.Derived() {
			if _, err := expr.Parse(c.Derivation); err != nil {
				return configErr(d.MappingRef, RuleBadExpression,
					"column %s: %v", c.TargetColumn, err)
			}
		}
	}

	return nil
}
