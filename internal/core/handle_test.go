package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsReadOnlyNilMainStatementIsReadOnly(t *testing.T) {
	h := &HandleBase{}
	assert.True(t, h.IsReadOnly())
}

func TestIsReadOnlyClassifiesByLeadingKeyword(t *testing.T) {
	cases := map[string]bool{
		"SELECT * FROM issues":        true,
		"  select id from issues":     true,
		"PRAGMA table_info(issues)":   true,
		"EXPLAIN QUERY PLAN SELECT 1": true,
		"INSERT INTO issues VALUES (1)": false,
		"UPDATE issues SET a = 1":       false,
		"DELETE FROM issues":            false,
	}
	for sqlText, want := range cases {
		h := &HandleBase{main: &preparedStatement{sqlText: sqlText}}
		assert.Equalf(t, want, h.IsReadOnly(), "sqlText %q", sqlText)
	}
}

func TestEnterLeaveDetectsConcurrentMisuse(t *testing.T) {
	h := &HandleBase{}
	is := assert.New(t)

	is.NoError(h.enter())
	err := h.enter()
	is.Error(err)
	is.True(isMisuseErr(err))

	h.leave()
	is.NoError(h.enter())
	h.leave()
}

func isMisuseErr(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == KindMisuse
}
