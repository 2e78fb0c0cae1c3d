package lattice_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/latticedb/lattice"
)

func TestOpenAndExecuteRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := lattice.Open(dbPath, "test", lattice.Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	h, err := db.Checkout(ctx, lattice.CategoryNormal)
	if err != nil {
		t.Fatalf("Checkout failed: %v", err)
	}
	defer db.Return(h)

	if err := h.Execute(ctx, "CREATE TABLE issues (id INTEGER PRIMARY KEY, title TEXT)"); err != nil {
		t.Fatalf("Execute CREATE TABLE failed: %v", err)
	}
	if err := h.Execute(ctx, "INSERT INTO issues (title) VALUES (?)", "first bug"); err != nil {
		t.Fatalf("Execute INSERT failed: %v", err)
	}

	n, err := h.GetChanges(ctx)
	if err != nil {
		t.Fatalf("GetChanges failed: %v", err)
	}
	if n != 1 {
		t.Errorf("GetChanges = %d, want 1", n)
	}
}

// Test that exported constants have correct values.
func TestConstants(t *testing.T) {
	if lattice.CategoryNormal != 0 {
		t.Errorf("CategoryNormal = %v, want zero value", lattice.CategoryNormal)
	}

	if lattice.KindOK != 0 {
		t.Errorf("KindOK = %v, want zero value", lattice.KindOK)
	}

	if lattice.ErrBusy == nil {
		t.Error("ErrBusy should not be nil")
	}
	if lattice.ErrCorrupt == nil {
		t.Error("ErrCorrupt should not be nil")
	}

	if !lattice.IsBusy(lattice.ErrBusy) {
		t.Error("IsBusy(ErrBusy) should be true")
	}
	if !lattice.IsCorrupt(lattice.ErrCorrupt) {
		t.Error("IsCorrupt(ErrCorrupt) should be true")
	}
}

func TestDefaultOptionsAreSane(t *testing.T) {
	opts := lattice.DefaultOptions()
	if opts.MaxHandles <= 0 {
		t.Errorf("DefaultOptions().MaxHandles = %d, want > 0", opts.MaxHandles)
	}
}
