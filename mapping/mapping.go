// Package mapping defines the metadata that describes a single
// source-to-target data movement: the source query, the target table, the
// ordered column mappings with optional derivation expressions, the load
// mode, and the checkpoint policy.
//
// Definitions are authored in the metadata store and are read-only to the
// executor: at claim time the dispatcher captures a Snapshot that stays
// immutable for the duration of the run.
package mapping

import (
	"sort"
	"strings"
)

// LoadMode is the policy for writing to the target.
type LoadMode string

const (
	// LoadInsert appends rows; duplicate keys fail the row.
	LoadInsert LoadMode = "INSERT"

	// LoadTruncate empties the target once before the first chunk, then
	// behaves like LoadInsert.
	LoadTruncate LoadMode = "TRUNCATE_LOAD"

	// LoadUpsert inserts or updates keyed on the mapping's key columns.
	LoadUpsert LoadMode = "UPSERT"
)

// Valid reports whether m is a known load mode.
func (m LoadMode) Valid() bool {
	switch m {
	case LoadInsert, LoadTruncate, LoadUpsert:
		return true
	}
	return false
}

// Strategy is the configured checkpoint strategy.
type Strategy string

const (
	StrategyAuto    Strategy = "AUTO"
	StrategyKey     Strategy = "KEY"
	StrategyOrdinal Strategy = "ORDINAL"
	StrategyNone    Strategy = "NONE"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyAuto, StrategyKey, StrategyOrdinal, StrategyNone:
		return true
	}
	return false
}

// SemanticType is the controlled set of target column types.
type SemanticType string

const (
	TypeInteger   SemanticType = "integer"
	TypeDecimal   SemanticType = "decimal"
	TypeText      SemanticType = "text"
	TypeTimestamp SemanticType = "timestamp"
	TypeBoolean   SemanticType = "boolean"
	TypeBinary    SemanticType = "binary"
)

// Valid reports whether t is a known semantic type.
func (t SemanticType) Valid() bool {
	switch t {
	case TypeInteger, TypeDecimal, TypeText, TypeTimestamp, TypeBoolean, TypeBinary:
		return true
	}
	return false
}

// AuditRole marks columns the orchestrator fills automatically. Audit
// columns always sort after non-audit columns and cannot be removed by the
// mapping author.
type AuditRole string

const (
	AuditNone      AuditRole = ""
	AuditCreatedBy AuditRole = "CREATED_BY"
	AuditCreatedAt AuditRole = "CREATED_AT"
	AuditUpdatedBy AuditRole = "UPDATED_BY"
	AuditUpdatedAt AuditRole = "UPDATED_AT"
)

// Column maps one target column to a source column or a derivation
// expression.
type Column struct {
	// SourceColumn is the source column copied directly; empty for purely
	// derived or audit columns.
	SourceColumn string

	// TargetColumn is the column written on the target table.
	TargetColumn string

	// TargetType is the semantic type values are coerced to before load.
	TargetType SemanticType

	// Length bounds text values; zero means unbounded.
	Length int

	// Key marks the column as part of the upsert / dedup key.
	Key bool

	// KeySequence orders key columns within the key.
	KeySequence int

	// Derivation is the optional expression evaluated over the source row.
	Derivation string

	// Required rejects NULL values for this column.
	Required bool

	// Audit is the audit role, if any.
	Audit AuditRole

	// Sequence orders columns in the effective column list.
	Sequence int
}

// Derived reports whether the column's value comes from an expression.
func (c Column) Derived() bool { return c.Derivation != "" }

// Definition describes one source-to-target movement.
type Definition struct {
	MappingRef       string
	SourceConnRef    string
	SourceQuery      string
	TargetConnRef    string
	TargetSchema     string
	TargetTable      string
	Columns          []Column
	LoadMode         LoadMode
	Strategy         Strategy
	CheckpointColumn string
	BatchSize        int
	TruncateTarget   bool
}

// DefaultBatchSize applies when a mapping does not set one.
const DefaultBatchSize = 1000

// EffectiveStrategy resolves AUTO: KEY when a checkpoint column is set,
// ORDINAL otherwise.
func (d *Definition) EffectiveStrategy() Strategy {
	if d.Strategy != StrategyAuto {
		return d.Strategy
	}
	if d.CheckpointColumn != "" {
		return StrategyKey
	}
	return StrategyOrdinal
}

// EffectiveBatchSize returns the batch size with the default applied.
func (d *Definition) EffectiveBatchSize() int {
	if d.BatchSize > 0 {
		return d.BatchSize
	}
	return DefaultBatchSize
}

// KeyColumns returns the target names of key columns ordered by key
// sequence.
func (d *Definition) KeyColumns() []string {
	var keys []Column
	for _, c := range d.Columns {
		if c.Key {
			keys = append(keys, c)
		}
	}
	sort.SliceStable(keys, func(i, j int) bool { return keys[i].KeySequence < keys[j].KeySequence })
	names := make([]string, len(keys))
	for i, c := range keys {
		names[i] = c.TargetColumn
	}
	return names
}

// NonKeyColumns returns the target names of all non-key columns in
// effective order.
func (d *Definition) NonKeyColumns() []string {
	var names []string
	for _, c := range d.Columns {
		if !c.Key {
			names = append(names, c.TargetColumn)
		}
	}
	return names
}

// HasOrderBy reports whether the source query carries an ORDER BY clause.
// Required for the ORDINAL strategy, where row windows are positional.
func (d *Definition) HasOrderBy() bool {
	return strings.Contains(strings.ToLower(d.SourceQuery), "order by")
}

// Normalize sorts the column list into the effective order: non-audit
// columns by sequence first, audit columns after them, also by sequence.
func (d *Definition) Normalize() {
	sort.SliceStable(d.Columns, func(i, j int) bool {
		a, b := d.Columns[i], d.Columns[j]
		aAudit := a.Audit != AuditNone
		bAudit := b.Audit != AuditNone
		if aAudit != bAudit {
			return !aAudit
		}
		return a.Sequence < b.Sequence
	})
}

// Snapshot returns a deep copy of the definition with the effective column
// order and batch size applied. The copy is what a run holds; mutations to
// the authored definition never reach a running execution.
func (d *Definition) Snapshot() *Definition {
	cp := *d
	cp.Columns = make([]Column, len(d.Columns))
	copy(cp.Columns, d.Columns)
	cp.Normalize()
	cp.BatchSize = d.EffectiveBatchSize()
	return &cp
}
