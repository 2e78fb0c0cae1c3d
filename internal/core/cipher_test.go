package core

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstallCipherConfigRegistersHighestPriority(t *testing.T) {
	r := NewConfigRegistry()
	installCipherConfig(r, []byte{0x01, 0x02}, 4096, 4)

	ordered := r.ordered()
	require.Len(t, ordered, 1)
	assert.Equal(t, configCipherName, ordered[0].name)
	assert.Equal(t, PriorityHighest, ordered[0].priority)
}

func TestInstallCipherConfigNilKeyRemoves(t *testing.T) {
	r := NewConfigRegistry()
	installCipherConfig(r, []byte{0x01, 0x02}, 4096, 4)
	installCipherConfig(r, nil, 4096, 4)

	assert.Empty(t, r.ordered())
}

func TestCipherDigestVariesWithEachParameter(t *testing.T) {
	base := cipherDigest([]byte{0x01, 0x02}, 4096, 4)
	assert.NotEqual(t, base, cipherDigest([]byte{0x03, 0x04}, 4096, 4), "digest must vary with key")
	assert.NotEqual(t, base, cipherDigest([]byte{0x01, 0x02}, 8192, 4), "digest must vary with page size")
	assert.NotEqual(t, base, cipherDigest([]byte{0x01, 0x02}, 4096, 3), "digest must vary with cipher version")
}

// TestConfigCipherWrongKeyOnReopenIsNotADatabase reproduces the
// configCipher(key, pageSize, version) scenario: a database opened under one
// key, closed, then reopened under a different key must fail with
// KindNotADatabase, the same classification a real wrong-key open surfaces.
func TestConfigCipherWrongKeyOnReopenIsNotADatabase(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ciphered.db")
	ctx := context.Background()

	d1, err := Open(dbPath, "cipher-test", DefaultOptions())
	require.NoError(t, err)
	d1.ConfigCipher([]byte{0x01, 0x02, 0x03}, 4096, 4)

	h1, err := d1.Checkout(ctx, CategoryNormal)
	require.NoError(t, err)
	require.NoError(t, h1.Execute(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY)"))
	d1.Return(h1)
	require.NoError(t, d1.Close())

	d2, err := Open(dbPath, "cipher-test", DefaultOptions())
	require.NoError(t, err)
	defer d2.Close()
	d2.ConfigCipher([]byte{0xff, 0xee, 0xdd}, 4096, 4)

	_, err = d2.Checkout(ctx, CategoryNormal)
	require.Error(t, err)
	assert.True(t, IsCorrupt(err), "wrong-key reopen must classify as corrupt/NotADatabase")

	var lerr *Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, KindNotADatabase, lerr.Kind)
}
