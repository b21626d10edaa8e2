package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFileStorageRoundTrip(t *testing.T) {
	st, err := newFileStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	if _, ok, err := st.Load("missing"); err != nil || ok {
		t.Fatalf("missing key: ok=%v err=%v, want absent without error", ok, err)
	}

	if err := st.Save(storageKeyProfiles, `[{"id":"p1"}]`); err != nil {
		t.Fatal(err)
	}
	got, ok, err := st.Load(storageKeyProfiles)
	if err != nil || !ok {
		t.Fatalf("load after save: ok=%v err=%v", ok, err)
	}
	if got != `[{"id":"p1"}]` {
		t.Errorf("got %q", got)
	}

	// Overwrites replace the value.
	if err := st.Save(storageKeyProfiles, `[]`); err != nil {
		t.Fatal(err)
	}
	got, _, _ = st.Load(storageKeyProfiles)
	if got != `[]` {
		t.Errorf("after overwrite: %q", got)
	}
}

func TestFileStorageLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	st, err := newFileStorage(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Save("k", "v"); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestNewFileStorageCreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")
	if _, err := newFileStorage(dir); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("state dir not created: %v", err)
	}

	if _, err := newFileStorage(""); err == nil {
		t.Error("empty dir must be rejected")
	}
}
