package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/rowmill/rowmill/mapping"
)

// GetMapping loads a mapping definition with its column list, normalized
// into effective order. Returns ErrNotFound for an unknown reference.
func (g *Gateway) GetMapping(ctx context.Context, mappingRef string) (*mapping.Definition, error) {
	sql := fmt.Sprintf(`
		SELECT mapping_ref, source_conn_ref, source_query, target_conn_ref,
			target_schema, target_table, load_mode, checkpoint_strategy,
			checkpoint_column, checkpoint_enabled, batch_size, truncate_target
		FROM %s WHERE mapping_ref = $1`,
		g.table("mapping_def"))

	var d mapping.Definition
	var checkpointColumn *string
	var checkpointEnabled bool
	err := g.pool.QueryRow(ctx, sql, mappingRef).Scan(
		&d.MappingRef, &d.SourceConnRef, &d.SourceQuery, &d.TargetConnRef,
		&d.TargetSchema, &d.TargetTable, &d.LoadMode, &d.Strategy,
		&checkpointColumn, &checkpointEnabled, &d.BatchSize, &d.TruncateTarget)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("mapping %s: %w", mappingRef, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load mapping %s: %w", mappingRef, err)
	}
	if checkpointColumn != nil {
		d.CheckpointColumn = *checkpointColumn
	}
	if !checkpointEnabled {
		d.Strategy = mapping.StrategyNone
	}

	colSQL := fmt.Sprintf(`
		SELECT source_column, target_column, target_type, length, key_flag,
			key_sequence, derivation, required_flag, audit_role, sequence
		FROM %s WHERE mapping_ref = $1 ORDER BY sequence, target_column`,
		g.table("mapping_col"))
	rows, err := g.pool.Query(ctx, colSQL, mappingRef)
	if err != nil {
		return nil, fmt.Errorf("failed to load columns of mapping %s: %w", mappingRef, err)
	}
	defer rows.Close()

	for rows.Next() {
		var c mapping.Column
		var source, derivation, audit *string
		if err := rows.Scan(&source, &c.TargetColumn, &c.TargetType, &c.Length, &c.Key,
			&c.KeySequence, &derivation, &c.Required, &audit, &c.Sequence); err != nil {
			return nil, fmt.Errorf("failed to scan column of mapping %s: %w", mappingRef, err)
		}
		if source != nil {
			c.SourceColumn = *source
		}
		if derivation != nil {
			c.Derivation = *derivation
		}
		if audit != nil {
			c.Audit = mapping.AuditRole(*audit)
		}
		d.Columns = append(d.Columns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	d.Normalize()
	return &d, nil
}

// PutMapping stores a mapping header and replaces its column list. Used by
// seeding tools and tests; authoring UIs are out of scope.
func (g *Gateway) PutMapping(ctx context.Context, d *mapping.Definition) error {
	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin mapping write: %w", err)
	}
	defer tx.Rollback(ctx)

	loadMode := d.LoadMode
	if loadMode == "" {
		loadMode = mapping.LoadInsert
	}
	strategy := d.Strategy
	if strategy == "" {
		strategy = mapping.StrategyAuto
	}
	headSQL := fmt.Sprintf(`
		INSERT INTO %s (mapping_ref, source_conn_ref, source_query, target_conn_ref,
			target_schema, target_table, load_mode, checkpoint_strategy,
			checkpoint_column, batch_size, truncate_target)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (mapping_ref) DO UPDATE SET
			source_conn_ref = EXCLUDED.source_conn_ref,
			source_query = EXCLUDED.source_query,
			target_conn_ref = EXCLUDED.target_conn_ref,
			target_schema = EXCLUDED.target_schema,
			target_table = EXCLUDED.target_table,
			load_mode = EXCLUDED.load_mode,
			checkpoint_strategy = EXCLUDED.checkpoint_strategy,
			checkpoint_column = EXCLUDED.checkpoint_column,
			batch_size = EXCLUDED.batch_size,
			truncate_target = EXCLUDED.truncate_target`,
		g.table("mapping_def"))
	var checkpointColumn *string
	if d.CheckpointColumn != "" {
		checkpointColumn = &d.CheckpointColumn
	}
	_, err = tx.Exec(ctx, headSQL, d.MappingRef, d.SourceConnRef, d.SourceQuery, d.TargetConnRef,
		d.TargetSchema, d.TargetTable, loadMode, strategy, checkpointColumn,
		d.EffectiveBatchSize(), d.TruncateTarget)
	if err != nil {
		return fmt.Errorf("failed to store mapping %s: %w", d.MappingRef, err)
	}

	delSQL := fmt.Sprintf(`DELETE FROM %s WHERE mapping_ref = $1`, g.table("mapping_col"))
	if _, err := tx.Exec(ctx, delSQL, d.MappingRef); err != nil {
		return fmt.Errorf("failed to replace columns of mapping %s: %w", d.MappingRef, err)
	}
	colSQL := fmt.Sprintf(`
		INSERT INTO %s (mapping_ref, target_column, source_column, target_type, length,
			key_flag, key_sequence, derivation, required_flag, audit_role, sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		g.table("mapping_col"))
	for _, c := range d.Columns {
		var source, derivation, audit *string
		if c.SourceColumn != "" {
			source = &c.SourceColumn
		}
		if c.Derivation != "" {
			derivation = &c.Derivation
		}
		if c.Audit != mapping.AuditNone {
			a := string(c.Audit)
			audit = &a
		}
		_, err := tx.Exec(ctx, colSQL, d.MappingRef, c.TargetColumn, source, c.TargetType, c.Length,
			c.Key, c.KeySequence, derivation, c.Required, audit, c.Sequence)
		if err != nil {
			return fmt.Errorf("failed to store column %s of mapping %s: %w", c.TargetColumn, d.MappingRef, err)
		}
	}
	return tx.Commit(ctx)
}
