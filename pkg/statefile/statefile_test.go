package statefile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type testState struct {
	Names []string `json:"names"`
}

func newTestFile(t *testing.T) *File[testState] {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.json")
	return New(path, func(s *testState) error {
		seen := make(map[string]struct{})
		for _, name := range s.Names {
			if name == "" {
				return errors.New("empty name")
			}
			if _, dup := seen[name]; dup {
				return errors.New("duplicate name " + name)
			}
			seen[name] = struct{}{}
		}
		return nil
	})
}

func TestLoadMissingFile(t *testing.T) {
	f := newTestFile(t)
	_, found, err := f.Load()
	if err != nil {
		t.Fatalf("load missing: %v", err)
	}
	if found {
		t.Fatal("expected found=false for missing file")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	f := newTestFile(t)
	if err := f.Save(&testState{Names: []string{"alpha"}}); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, found, err := f.Load()
	if err != nil || !found {
		t.Fatalf("load: found=%v err=%v", found, err)
	}
	if len(got.Names) != 1 || got.Names[0] != "alpha" {
		t.Fatalf("unexpected state: %+v", got)
	}
}

func TestSnapshotHoldsPreWriteState(t *testing.T) {
	f := newTestFile(t)
	if err := f.Save(&testState{Names: []string{"alpha"}}); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if err := f.Save(&testState{Names: []string{"alpha", "beta"}}); err != nil {
		t.Fatalf("second save: %v", err)
	}

	snap, err := os.ReadFile(f.SnapshotPath())
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	live, err := os.ReadFile(f.Path())
	if err != nil {
		t.Fatalf("read live: %v", err)
	}
	if string(snap) == string(live) {
		t.Fatal("snapshot identical to live file after mutating save")
	}
}

func TestNoOpSaveLeavesSnapshotAlone(t *testing.T) {
	f := newTestFile(t)
	if err := f.Save(&testState{Names: []string{"alpha"}}); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if err := f.Save(&testState{Names: []string{"alpha"}}); err != nil {
		t.Fatalf("identical save: %v", err)
	}
	if _, err := os.Stat(f.SnapshotPath()); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected no snapshot for no-op save, got %v", err)
	}
}

func TestLoadRejectsInvalidState(t *testing.T) {
	f := newTestFile(t)
	if err := os.WriteFile(f.Path(), []byte(`{"names":["a","a"]}`), 0o600); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	_, _, err := f.Load()
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestLoadRejectsGarbage(t *testing.T) {
	f := newTestFile(t)
	if err := os.WriteFile(f.Path(), []byte("not json"), 0o600); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	_, _, err := f.Load()
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}
