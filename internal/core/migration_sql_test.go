package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeIdent(t *testing.T) {
	assert.Equal(t, "issues", sanitizeIdent("issues"))
	assert.Equal(t, "my_table_2", sanitizeIdent("my-table 2"))
	assert.Equal(t, "schema_table", sanitizeIdent("schema.table"))
}

func TestQuoteIdentAndLiteral(t *testing.T) {
	assert.Equal(t, `"issues"`, quoteIdent("issues"))
	assert.Equal(t, `"weird""name"`, quoteIdent(`weird"name`))
	assert.Equal(t, `'it''s'`, quoteLiteral("it's"))
}

func TestQuoteIdentAll(t *testing.T) {
	got := quoteIdentAll([]string{"a", "b"})
	assert.Equal(t, []string{`"a"`, `"b"`}, got)
}

func TestFilterClause(t *testing.T) {
	assert.Equal(t, "", filterClause(""))
	assert.Equal(t, " WHERE status = 'open'", filterClause("status = 'open'"))
	assert.Equal(t, "", filterClauseAnd(""))
	assert.Equal(t, " AND status = 'open'", filterClauseAnd("status = 'open'"))
}

func TestNewValuePlaceholders(t *testing.T) {
	got := newValuePlaceholders([]string{"a", "b", "c"})
	assert.Equal(t, `NEW."a", NEW."b", NEW."c"`, got)
}

func TestAssignmentList(t *testing.T) {
	got := assignmentList([]string{"a", "b"})
	assert.Equal(t, `"a" = NEW."a", "b" = NEW."b"`, got)
}

func TestSchemaAliasForIsStableAndSanitized(t *testing.T) {
	a := schemaAliasFor("issues.legacy")
	b := schemaAliasFor("issues.legacy")
	assert.Equal(t, a, b)
	assert.Equal(t, "lattice_src_issues_legacy", a)
}

func TestBaseTableName(t *testing.T) {
	e := &MigrationEngine{}
	assert.Equal(t, "issues__lattice_base", e.baseTableName("issues"))
}
