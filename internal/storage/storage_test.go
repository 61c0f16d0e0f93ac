package storage

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/go-logr/logr"
)

func exerciseStorage(t *testing.T, s Storage) {
	t.Helper()
	if _, ok, err := s.Get("valuation_session:missing"); err != nil || ok {
		t.Fatalf("expected miss for unknown key, ok=%v err=%v", ok, err)
	}
	for key, value := range map[string]string{
		"valuation_session:val_001": `{"a":1}`,
		"valuation_session:val_002": `{"a":2}`,
		"valuation_exists:val_001":  `true`,
		"valuation_session_x:other": `x`,
	} {
		if err := s.Set(key, value); err != nil {
			t.Fatalf("set %s: %v", key, err)
		}
	}
	value, ok, err := s.Get("valuation_session:val_002")
	if err != nil || !ok || value != `{"a":2}` {
		t.Fatalf("unexpected get result value=%q ok=%v err=%v", value, ok, err)
	}
	if err := s.Set("valuation_session:val_002", `{"a":3}`); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if value, _, _ := s.Get("valuation_session:val_002"); value != `{"a":3}` {
		t.Fatalf("expected overwrite to stick, got %q", value)
	}

	keys, err := s.Keys("valuation_session:")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	want := []string{"valuation_session:val_001", "valuation_session:val_002"}
	if !reflect.DeepEqual(keys, want) {
		t.Fatalf("expected keys %v, got %v", want, keys)
	}

	if err := s.Remove("valuation_session:val_001"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := s.Remove("valuation_session:never"); err != nil {
		t.Fatalf("remove of a missing key should be a no-op: %v", err)
	}
	if _, ok, _ := s.Get("valuation_session:val_001"); ok {
		t.Fatalf("expected removed key to be gone")
	}
	if err := s.Set("", "x"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty key, got %v", err)
	}
}

func TestMemoryStorage(t *testing.T) {
	s := NewMemory()
	exerciseStorage(t, s)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, _, err := s.Get("x"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
}

func TestFileStoragePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cache.json")
	s, err := NewFile(path, FileOptions{})
	if err != nil {
		t.Fatalf("new file storage: %v", err)
	}
	exerciseStorage(t, s)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewFile(path, FileOptions{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	value, ok, err := reopened.Get("valuation_session:val_002")
	if err != nil || !ok || value != `{"a":3}` {
		t.Fatalf("expected persisted value, got %q ok=%v err=%v", value, ok, err)
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the cache file to remain, got %d entries", len(entries))
	}
}

func TestFileStorageKeepsOtherWritersEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	first, err := NewFile(path, FileOptions{Logger: logr.Discard()})
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	defer first.Close()
	second, err := NewFile(path, FileOptions{Logger: logr.Discard()})
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	defer second.Close()

	if err := first.Set("valuation_session:val_a", "a"); err != nil {
		t.Fatalf("first set: %v", err)
	}
	// second never saw val_a; its write must not drop it.
	if err := second.Set("valuation_session:val_b", "b"); err != nil {
		t.Fatalf("second set: %v", err)
	}
	if err := first.Set("valuation_session:val_c", "c"); err != nil {
		t.Fatalf("first set: %v", err)
	}
	if err := second.Remove("valuation_session:val_c"); err != nil {
		t.Fatalf("second remove: %v", err)
	}

	reopened, err := NewFile(path, FileOptions{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	keys, err := reopened.Keys("valuation_session:")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	want := []string{"valuation_session:val_a", "valuation_session:val_b"}
	if !reflect.DeepEqual(keys, want) {
		t.Fatalf("expected %v, got %v", want, keys)
	}
	if value, ok, _ := second.Get("valuation_session:val_a"); !ok || value != "a" {
		t.Fatalf("expected second to pick up val_a on its last write, got %q ok=%v", value, ok)
	}
}

func TestFileStorageRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := NewFile(path, FileOptions{}); err == nil {
		t.Fatalf("expected corrupt file to fail to open")
	}
}

func TestFileStorageReloadsExternalWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	watched, err := NewFile(path, FileOptions{Watch: true, Logger: logr.Discard()})
	if err != nil {
		t.Fatalf("new watched storage: %v", err)
	}
	defer watched.Close()

	writer, err := NewFile(path, FileOptions{})
	if err != nil {
		t.Fatalf("new writer storage: %v", err)
	}
	defer writer.Close()
	if err := writer.Set("valuation_exists:val_009", "true"); err != nil {
		t.Fatalf("external set: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if value, ok, _ := watched.Get("valuation_exists:val_009"); ok && value == "true" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected watched storage to observe the external write")
}

func TestSQLiteStorage(t *testing.T) {
	s, err := NewSQLite(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("new sqlite storage: %v", err)
	}
	defer s.Close()
	exerciseStorage(t, s)
}

func TestSQLiteKeysTreatsWildcardsLiterally(t *testing.T) {
	s, err := NewSQLite(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("new sqlite storage: %v", err)
	}
	defer s.Close()
	_ = s.Set("a_b:1", "x")
	_ = s.Set("axb:1", "y")
	keys, err := s.Keys("a_b:")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 1 || keys[0] != "a_b:1" {
		t.Fatalf("expected only the literal prefix match, got %v", keys)
	}
}

func TestLikePrefixEscapesMetacharacters(t *testing.T) {
	if got := likePrefix(`val_%\`); got != `val\_\%\\%` {
		t.Fatalf("unexpected escaped prefix %q", got)
	}
}
