package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	cause := errors.New("disk error")
	wrapped := wrapError(KindIOErr, SeverityError, cause, "write %q", "foo.db")
	assert.Equal(t, `ioerr: write "foo.db": disk error`, wrapped.Error())

	bare := newError(KindMisuse, SeverityError, "bad call")
	assert.Equal(t, "misuse: bad call", bare.Error())
}

func TestErrorIsMatchesOnKind(t *testing.T) {
	a := newError(KindBusy, SeverityWarning, "busy a")
	b := newError(KindBusy, SeverityWarning, "busy b")
	c := newError(KindLocked, SeverityWarning, "locked")

	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, c))
	assert.True(t, errors.Is(a, ErrBusy))
}

func TestIsBusyAndIsCorrupt(t *testing.T) {
	assert.True(t, IsBusy(newError(KindBusy, SeverityWarning, "x")))
	assert.True(t, IsBusy(newError(KindLocked, SeverityWarning, "x")))
	assert.False(t, IsBusy(newError(KindError, SeverityError, "x")))
	assert.False(t, IsBusy(errors.New("plain")))

	assert.True(t, IsCorrupt(newError(KindCorrupt, SeverityFatal, "x")))
	assert.True(t, IsCorrupt(newError(KindNotADatabase, SeverityFatal, "x")))
	assert.False(t, IsCorrupt(newError(KindBusy, SeverityWarning, "x")))
}

func TestWithInfoChaining(t *testing.T) {
	err := newError(KindConstraint, SeverityError, "unique violation").
		WithInfo("table", "issues").
		WithInfo("column", "id")

	assert.Equal(t, "issues", err.Info["table"])
	assert.Equal(t, "id", err.Info["column"])
}

func TestUnwrapReachesCause(t *testing.T) {
	cause := fmt.Errorf("root cause")
	wrapped := wrapError(KindError, SeverityError, cause, "context")
	assert.Same(t, cause, errors.Unwrap(wrapped))
}

func TestErrKindPreservesInnerErrorKind(t *testing.T) {
	inner := newError(KindNotADatabase, SeverityFatal, "cipher mismatch")
	assert.Equal(t, KindNotADatabase, errKind(inner))
	assert.Equal(t, KindError, errKind(errors.New("plain")))
}

func TestClassifyDriverErr(t *testing.T) {
	cases := map[string]Kind{
		"database is locked":     KindLocked,
		"SQLITE_BUSY: busy":      KindBusy,
		"database disk image is malformed": KindCorrupt,
		"file is not a database": KindNotADatabase,
		"UNIQUE constraint failed: t.a": KindConstraint,
		"interrupted":             KindInterrupt,
		"disk full":               KindFull,
		"library routine called out of sequence (misuse)": KindMisuse,
		"some other failure":      KindIOErr,
	}
	for msg, want := range cases {
		got := classifyDriverErr(errors.New(msg))
		assert.Equalf(t, want, got, "classifying %q", msg)
	}
	assert.Equal(t, KindOK, classifyDriverErr(nil))
}
