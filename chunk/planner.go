// Package chunk splits a source query into ordered, disjoint chunks. A plan
// is deterministic given the source query, strategy, batch size, and the
// checkpoint it starts from.
package chunk

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rowmill/rowmill/dialect"
	"github.com/rowmill/rowmill/mapping"
)

// Stats describes the source relation after the checkpoint filter. MinKey
// and MaxKey are only set for numeric checkpoint columns; when nil the KEY
// strategy cannot estimate steps and the planner falls back.
type Stats struct {
	Count  int64
	MinKey *int64
	MaxKey *int64
}

// Descriptor is one chunk of the plan.
type Descriptor struct {
	Index    int
	Strategy mapping.Strategy
	SQL      string

	// KEY bounds: rows with Lower < key <= Upper.
	Lower int64
	Upper int64

	// OrdinalBase is the number of rows positioned before this chunk within
	// the run. Exact for ORDINAL, estimated for parallel KEY chunks.
	OrdinalBase int64
}

// Plan builds the chunk list for one run. The checkpoint is the resume
// marker read at run start: a key value for KEY, a processed-row count for
// ORDINAL, nil to start from scratch.
func Plan(d *mapping.Definition, dial dialect.Dialect, checkpoint *string, stats Stats) ([]Descriptor, error) {
	if stats.Count <= 0 {
		return nil, nil
	}
	batch := int64(d.EffectiveBatchSize())

	switch d.EffectiveStrategy() {
	case mapping.StrategyKey:
		if stats.MinKey == nil || stats.MaxKey == nil {
			// Step estimation unavailable for this key. Positional windows
			// still work when the query carries a stable order.
			if d.HasOrderBy() {
				return planOrdinal(d, dial, nil, stats.Count, batch)
			}
			return planNone(d), nil
		}
		var last int64
		if checkpoint != nil {
			v, err := strconv.ParseInt(*checkpoint, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("checkpoint %q is not a key value: %w", *checkpoint, err)
			}
			last = v
		} else {
			last = *stats.MinKey - 1
		}
		return planKey(d, dial, last, *stats.MaxKey, stats.Count, batch)

	case mapping.StrategyOrdinal:
		return planOrdinal(d, dial, checkpoint, stats.Count, batch)

	default:
		return planNone(d), nil
	}
}

// planKey produces half-open key ranges (lower, upper]. The step is sized
// from key density so each chunk yields about one batch of rows.
func planKey(d *mapping.Definition, dial dialect.Dialect, last, max, count, batch int64) ([]Descriptor, error) {
	span := max - last
	if span <= 0 {
		return nil, nil
	}
	step := (span*batch + count - 1) / count
	if step < 1 {
		step = 1
	}

	var plan []Descriptor
	var ordinalBase int64
	for lower := last; lower < max; lower += step {
		upper := lower + step
		if upper > max {
			upper = max
		}
		plan = append(plan, Descriptor{
			Index:       len(plan),
			Strategy:    mapping.StrategyKey,
			SQL:         keySQL(d, dial, lower, upper),
			Lower:       lower,
			Upper:       upper,
			OrdinalBase: ordinalBase,
		})
		ordinalBase += batch
	}
	return plan, nil
}

func keySQL(d *mapping.Definition, dial dialect.Dialect, lower, upper int64) string {
	col := dial.QuoteIdent(d.CheckpointColumn)
	return fmt.Sprintf("SELECT * FROM (%s) src WHERE %s > %d AND %s <= %d ORDER BY %s",
		strings.TrimRight(strings.TrimSpace(d.SourceQuery), ";"), col, lower, col, upper, col)
}

// planOrdinal produces positional windows of one batch each, starting at
// the processed-row count recorded in the checkpoint.
func planOrdinal(d *mapping.Definition, dial dialect.Dialect, checkpoint *string, count, batch int64) ([]Descriptor, error) {
	var start int64
	if checkpoint != nil {
		v, err := strconv.ParseInt(*checkpoint, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("checkpoint %q is not a row count: %w", *checkpoint, err)
		}
		start = v
	}
	src := strings.TrimRight(strings.TrimSpace(d.SourceQuery), ";")

	var plan []Descriptor
	for offset := start; offset < count; offset += batch {
		limit := batch
		if offset+limit > count {
			limit = count - offset
		}
		plan = append(plan, Descriptor{
			Index:       len(plan),
			Strategy:    mapping.StrategyOrdinal,
			SQL:         src + " " + dial.LimitOffset(offset, limit),
			Lower:       offset,
			Upper:       offset + limit,
			OrdinalBase: offset - start,
		})
	}
	return plan, nil
}

// planNone is one synthetic chunk covering the whole result.
func planNone(d *mapping.Definition) []Descriptor {
	return []Descriptor{{
		Index:    0,
		Strategy: mapping.StrategyNone,
		SQL:      strings.TrimRight(strings.TrimSpace(d.SourceQuery), ";"),
	}}
}

// StatsSQL builds the estimation query run against the source before
// planning: row count plus key bounds after the checkpoint filter.
func StatsSQL(d *mapping.Definition, dial dialect.Dialect, checkpoint *string) (string, error) {
	src := strings.TrimRight(strings.TrimSpace(d.SourceQuery), ";")
	if d.EffectiveStrategy() == mapping.StrategyKey && d.CheckpointColumn != "" {
		col := dial.QuoteIdent(d.CheckpointColumn)
		filter := ""
		if checkpoint != nil {
			v, err := strconv.ParseInt(*checkpoint, 10, 64)
			if err != nil {
				return "", fmt.Errorf("checkpoint %q is not a key value: %w", *checkpoint, err)
			}
			filter = fmt.Sprintf(" WHERE %s > %d", col, v)
		}
		return fmt.Sprintf("SELECT COUNT(*), MIN(%s), MAX(%s) FROM (%s) src%s", col, col, src, filter), nil
	}
	return fmt.Sprintf("SELECT COUNT(*) FROM (%s) src", src), nil
}
