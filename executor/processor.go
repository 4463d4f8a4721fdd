package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"

	"github.com/rowmill/rowmill/chunk"
	"github.com/rowmill/rowmill/common"
	"github.com/rowmill/rowmill/dialect"
	"github.com/rowmill/rowmill/expr"
	"github.com/rowmill/rowmill/mapping"
	"github.com/rowmill/rowmill/pool"
)

// Error codes recorded on failed rows.
const (
	CodeTypeCoercion = "TYPE_COERCION"
	CodeDuplicateKey = "DUPLICATE_KEY"
	CodeConstraint   = "CONSTRAINT"
	CodeDerivation   = "DERIVATION"
)

// Processor executes chunks for one mapping snapshot: it borrows source and
// target connections, streams the chunk's rows, applies column mappings and
// derivations, coerces values, and loads them inside one transaction with a
// savepoint per row.
type Processor struct {
	pools    *pool.Manager
	def      *mapping.Definition
	programs map[string]*expr.Program
	audit    string
	timeout  time.Duration
	log      *logrus.Logger
}

// NewProcessor parses the mapping's derivation expressions once and keeps
// them for the whole run. audit is the value written into CREATED_BY and
// UPDATED_BY columns.
func NewProcessor(pools *pool.Manager, def *mapping.Definition, audit string,
	acquireTimeout time.Duration, log *logrus.Logger) (*Processor, error) {
	if log == nil {
		log = common.Logger
	}
	programs := map[string]*expr.Program{}
	for _, c := range def.Columns {
		if !c.Derived() {
			continue
		}
		p, err := expr.Parse(c.Derivation)
		if err != nil {
			return nil, fmt.Errorf("mapping %s, column %s: %w", def.MappingRef, c.TargetColumn, err)
		}
		programs[c.TargetColumn] = p
	}
	return &Processor{
		pools:    pools,
		def:      def,
		programs: programs,
		audit:    audit,
		timeout:  acquireTimeout,
		log:      log,
	}, nil
}

// Plan runs the estimation query on the source and builds the chunk list.
func (p *Processor) Plan(ctx context.Context, checkpointValue *string) ([]chunk.Descriptor, chunk.Stats, error) {
	src, err := p.pools.Acquire(ctx, p.def.SourceConnRef, p.timeout)
	if err != nil {
		return nil, chunk.Stats{}, err
	}
	defer src.Release()

	statsSQL, err := chunk.StatsSQL(p.def, src.Dialect, checkpointValue)
	if err != nil {
		return nil, chunk.Stats{}, err
	}

	var stats chunk.Stats
	if p.def.EffectiveStrategy() == mapping.StrategyKey && p.def.CheckpointColumn != "" {
		var minKey, maxKey *int64
		if err := src.QueryRow(ctx, statsSQL).Scan(&stats.Count, &minKey, &maxKey); err != nil {
			// Non-numeric key columns fail the MIN/MAX scan; count alone
			// still allows a positional fallback.
			countSQL := fmt.Sprintf("SELECT COUNT(*) FROM (%s) src",
				strings.TrimRight(strings.TrimSpace(p.def.SourceQuery), ";"))
			if err := src.QueryRow(ctx, countSQL).Scan(&stats.Count); err != nil {
				return nil, chunk.Stats{}, fmt.Errorf("failed to estimate source of %s: %w", p.def.MappingRef, err)
			}
		} else {
			stats.MinKey, stats.MaxKey = minKey, maxKey
		}
	} else {
		if err := src.QueryRow(ctx, statsSQL).Scan(&stats.Count); err != nil {
			return nil, chunk.Stats{}, fmt.Errorf("failed to estimate source of %s: %w", p.def.MappingRef, err)
		}
	}

	plan, err := chunk.Plan(p.def, src.Dialect, checkpointValue, stats)
	if err != nil {
		return nil, chunk.Stats{}, err
	}
	return plan, stats, nil
}

// TruncateTarget empties the target table.
func (p *Processor) TruncateTarget(ctx context.Context) error {
	tgt, err := p.pools.Acquire(ctx, p.def.TargetConnRef, p.timeout)
	if err != nil {
		return err
	}
	defer tgt.Release()

	table := qualifiedTarget(p.def, tgt.Dialect)
	if _, err := tgt.Exec(ctx, tgt.Dialect.Truncate(table)); err != nil {
		return fmt.Errorf("failed to truncate %s: %w", table, err)
	}
	p.log.WithField("mapping_ref", p.def.MappingRef).WithField("table", table).Info("target truncated")
	return nil
}

// Process executes one chunk end to end. Row-level failures roll back to a
// savepoint and processing continues; chunk-level failures roll back the
// whole transaction and surface in ChunkResult.Err for the retry
// controller.
func (p *Processor) Process(ctx context.Context, c chunk.Descriptor) ChunkResult {
	res := ChunkResult{Index: c.Index}

	src, err := p.pools.Acquire(ctx, p.def.SourceConnRef, p.timeout)
	if err != nil {
		res.Err = err
		return res
	}
	defer src.Release()
	tgt, err := p.pools.Acquire(ctx, p.def.TargetConnRef, p.timeout)
	if err != nil {
		res.Err = err
		return res
	}
	defer tgt.Release()

	insertSQL, targetCols, err := buildInsert(p.def, tgt.Dialect)
	if err != nil {
		res.Err = err
		return res
	}

	tx, err := tgt.Begin(ctx)
	if err != nil {
		res.Err = fmt.Errorf("failed to begin chunk transaction: %w", err)
		return res
	}
	defer tx.Rollback(ctx)

	rows, err := src.Query(ctx, c.SQL)
	if err != nil {
		res.Err = fmt.Errorf("failed to read chunk %d: %w", c.Index, err)
		return res
	}
	defer rows.Close()

	sourceCols := make([]string, len(rows.FieldDescriptions()))
	for i, fd := range rows.FieldDescriptions() {
		sourceCols[i] = fd.Name
	}

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			res.Err = fmt.Errorf("failed to scan row of chunk %d: %w", c.Index, err)
			return res
		}
		res.RowsRead++
		ordinal := c.OrdinalBase + res.RowsRead

		args, failure := p.buildRow(sourceCols, values, targetCols)
		if failure != nil {
			failure.Ordinal = ordinal
			failure.Data = serializeRow(sourceCols, values)
			res.RowErrors = append(res.RowErrors, *failure)
			res.RowsFailed++
			continue
		}

		rowFailure, err := insertRow(ctx, tx, insertSQL, args)
		if err != nil {
			res.Err = fmt.Errorf("chunk %d row %d: %w", c.Index, ordinal, err)
			return res
		}
		if rowFailure != nil {
			rowFailure.Ordinal = ordinal
			rowFailure.Data = serializeRow(sourceCols, values)
			res.RowErrors = append(res.RowErrors, *rowFailure)
			res.RowsFailed++
			continue
		}
		res.RowsSucceeded++

		if p.def.EffectiveStrategy() == mapping.StrategyKey {
			if v := lookupValue(sourceCols, values, p.def.CheckpointColumn); v != nil {
				res.LastKey = fmt.Sprintf("%v", v)
			}
		}
	}
	if err := rows.Err(); err != nil {
		res.Err = fmt.Errorf("chunk %d source cursor failed: %w", c.Index, err)
		return res
	}
	// The cursor must be drained and closed before the commit.
	rows.Close()

	if err := tx.Commit(ctx); err != nil {
		res.Err = fmt.Errorf("failed to commit chunk %d: %w", c.Index, err)
		return res
	}
	return res
}

// buildRow computes the target argument list for one source row: direct
// copies, derivation expressions, coercion, and audit values.
func (p *Processor) buildRow(sourceCols []string, values []any, targetCols []mapping.Column) ([]any, *RowFailure) {
	env := expr.NewEnv(sourceCols, values)
	args := make([]any, len(targetCols))
	for i, col := range targetCols {
		var raw any
		switch {
		case col.Audit != mapping.AuditNone:
			raw = p.auditValue(col.Audit)
		case col.Derived():
			v, err := p.programs[col.TargetColumn].Eval(env)
			if err != nil {
				return nil, &RowFailure{Code: CodeDerivation,
					Message: fmt.Sprintf("column %s: %v", col.TargetColumn, err)}
			}
			raw = v
		default:
			raw = lookupValue(sourceCols, values, col.SourceColumn)
		}

		coerced, err := mapping.Coerce(raw, col)
		if err != nil {
			return nil, &RowFailure{Code: CodeTypeCoercion, Message: err.Error()}
		}
		args[i] = coerced
	}
	return args, nil
}

func (p *Processor) auditValue(role mapping.AuditRole) any {
	switch role {
	case mapping.AuditCreatedBy, mapping.AuditUpdatedBy:
		return p.audit
	case mapping.AuditCreatedAt, mapping.AuditUpdatedAt:
		return time.Now().UTC()
	}
	return nil
}

// insertRow writes one row inside a savepoint so a failure discards only
// that row. pgx nests Begin as SAVEPOINT on an open transaction. A non-nil
// error is a chunk-level fault and aborts the whole chunk; only data and
// integrity violations come back as row failures.
func insertRow(ctx context.Context, tx pgx.Tx, sql string, args []any) (*RowFailure, error) {
	sp, err := tx.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open row savepoint: %w", err)
	}
	if _, err := sp.Exec(ctx, sql, args...); err != nil {
		_ = sp.Rollback(ctx)
		if f := classifyRowError(err); f != nil {
			return f, nil
		}
		return nil, err
	}
	if err := sp.Commit(ctx); err != nil {
		if f := classifyRowError(err); f != nil {
			return f, nil
		}
		return nil, err
	}
	return nil, nil
}

// classifyRowError maps data and integrity violations to row-level failure
// codes. Everything else (missing table, syntax, deadlock, connection loss)
// is not a property of the row and returns nil, so the chunk fails and the
// retry controller decides.
func classifyRowError(err error) *RowFailure {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return nil
	}
	switch {
	case pgErr.Code == "23505":
		return &RowFailure{Code: CodeDuplicateKey, Message: pgErr.Message}
	case strings.HasPrefix(pgErr.Code, "23"):
		return &RowFailure{Code: CodeConstraint, Message: pgErr.Message}
	case strings.HasPrefix(pgErr.Code, "22"):
		return &RowFailure{Code: CodeTypeCoercion, Message: pgErr.Message}
	}
	return nil
}

// buildInsert renders the INSERT statement for the mapping's effective
// column order, with the dialect's upsert suffix under UPSERT.
func buildInsert(def *mapping.Definition, d dialect.Dialect) (string, []mapping.Column, error) {
	cols := def.Columns
	names := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	for i, c := range cols {
		names[i] = d.QuoteIdent(c.TargetColumn)
		placeholders[i] = d.Placeholder(i + 1)
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		qualifiedTarget(def, d), strings.Join(names, ", "), strings.Join(placeholders, ", "))

	if def.LoadMode == mapping.LoadUpsert {
		suffix, err := d.UpsertSuffix(def.TargetTable, def.KeyColumns(), def.NonKeyColumns())
		if err != nil {
			return "", nil, err
		}
		sql += " " + suffix
	}
	return sql, cols, nil
}

func qualifiedTarget(def *mapping.Definition, d dialect.Dialect) string {
	if def.TargetSchema != "" {
		return d.QuoteIdent(def.TargetSchema) + "." + d.QuoteIdent(def.TargetTable)
	}
	return d.QuoteIdent(def.TargetTable)
}

func lookupValue(cols []string, values []any, name string) any {
	for i, c := range cols {
		if strings.EqualFold(c, name) {
			return values[i]
		}
	}
	return nil
}

// serializeRow renders the source row as bounded JSON for diagnostics.
func serializeRow(cols []string, values []any) []byte {
	m := make(map[string]any, len(cols))
	for i, c := range cols {
		v := values[i]
		if s, ok := v.(string); ok && len(s) > 256 {
			v = s[:256]
		}
		m[c] = v
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	if len(data) > 4096 {
		return []byte(`{"row_data_truncated":true}`)
	}
	return data
}

// NewRunnerFactory returns the production factory used by the orchestrator.
func NewRunnerFactory(pools *pool.Manager, audit string, acquireTimeout time.Duration, log *logrus.Logger) RunnerFactory {
	return func(def *mapping.Definition) (Runner, error) {
		return NewProcessor(pools, def, audit, acquireTimeout, log)
	}
}
