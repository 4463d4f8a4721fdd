package mapping

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_OK(t *testing.T) {
	assert.Nil(t, Validate(orderMapping()))
}

func TestValidate_Rules(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Definition)
		rule   string
	}{
		{"missing source query", func(d *Definition) { d.SourceQuery = "" }, RuleMissingSource},
		{"missing source conn", func(d *Definition) { d.SourceConnRef = "" }, RuleMissingSource},
		{"missing target table", func(d *Definition) { d.TargetTable = "" }, RuleMissingTarget},
		{"no columns", func(d *Definition) { d.Columns = nil }, RuleNoColumns},
		{"bad load mode", func(d *Definition) { d.LoadMode = "REPLACE" }, RuleBadLoadMode},
		{"bad strategy", func(d *Definition) { d.Strategy = "OFFSET" }, RuleBadStrategy},
		{"negative batch", func(d *Definition) { d.BatchSize = -1 }, RuleBadBatchSize},
		{"key without checkpoint column", func(d *Definition) {
			d.Strategy = StrategyKey
			d.CheckpointColumn = ""
		}, RuleKeyNeedsColumn},
		{"ordinal without order by", func(d *Definition) {
			d.Strategy = StrategyOrdinal
			d.SourceQuery = "SELECT order_id FROM orders"
		}, RuleOrdinalNeedsOrder},
		{"upsert without keys", func(d *Definition) {
			for i := range d.Columns {
				d.Columns[i].Key = false
			}
		}, RuleUpsertNeedsKeys},
		{"column without target", func(d *Definition) { d.Columns[0].TargetColumn = "" }, RuleBadColumn},
		{"column with bad type", func(d *Definition) { d.Columns[0].TargetType = "varchar" }, RuleBadColumn},
		{"column without any source", func(d *Definition) {
			d.Columns[0].SourceColumn = ""
			d.Columns[0].Derivation = ""
			d.Columns[0].Audit = AuditNone
		}, RuleBadColumn},
		{"broken derivation", func(d *Definition) { d.Columns[0].Derivation = "upper(" }, RuleBadExpression},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := orderMapping()
			tc.mutate(d)
			err := Validate(d)
			require.NotNil(t, err)
			assert.Equal(t, tc.rule, err.Rule)
		})
	}
}

func TestValidate_ZeroBatchSizeMeansDefault(t *testing.T) {
	d := orderMapping()
	d.BatchSize = 0
	assert.Nil(t, Validate(d))
	assert.Equal(t, 1000, d.EffectiveBatchSize())
}

func TestValidate_DerivationParses(t *testing.T) {
	d := orderMapping()
	d.Columns[0].SourceColumn = ""
	d.Columns[0].Derivation = "coalesce(status, 'UNKNOWN')"
	assert.Nil(t, Validate(d))
}
