package session

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"beaconsync/internal/errs"
)

func TestLoad_missingFile(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "none.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := s.APIKey(); !errors.Is(err, errs.ErrNotAuthorized) {
		t.Errorf("APIKey err = %v, want ErrNotAuthorized", err)
	}
	if s.Authorized() {
		t.Error("empty session authorized")
	}
}

func TestSession_roundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "session.yaml")
	s := New(path)
	if err := s.Set("me@example.com", "secret"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	synced := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := s.MarkSynced(synced); err != nil {
		t.Fatalf("MarkSynced: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	key, err := loaded.APIKey()
	if err != nil || key != "secret" {
		t.Errorf("APIKey = %q, %v", key, err)
	}
	if loaded.Email() != "me@example.com" || !loaded.LastSync().Equal(synced) {
		t.Errorf("loaded = %q %v", loaded.Email(), loaded.LastSync())
	}

	if err := loaded.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	again, err := Load(path)
	if err != nil {
		t.Fatalf("Load after clear: %v", err)
	}
	if again.Authorized() || again.Email() != "" {
		t.Error("session not cleared on disk")
	}
}

func TestLoad_invalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("email: [unterminated"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSession_inMemory(t *testing.T) {
	s := New("")
	if err := s.Set("a@b.c", "k"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !s.Authorized() {
		t.Error("in-memory session not authorized")
	}
}

func TestSession_concurrentSavesKeepLatest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.yaml")
	for i := 0; i < 50; i++ {
		s := New(path)
		if err := s.Set("me@example.com", "secret"); err != nil {
			t.Fatalf("Set: %v", err)
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = s.MarkSynced(time.Date(2024, 3, 1, 12, 0, i, 0, time.UTC))
		}()
		go func() {
			defer wg.Done()
			_ = s.Clear()
		}()
		wg.Wait()

		loaded, err := Load(path)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if loaded.Authorized() != s.Authorized() || !loaded.LastSync().Equal(s.LastSync()) {
			t.Fatalf("iteration %d: file authorized=%v last_sync=%v, memory authorized=%v last_sync=%v",
				i, loaded.Authorized(), loaded.LastSync(), s.Authorized(), s.LastSync())
		}
		if s.Authorized() {
			t.Fatalf("iteration %d: still authorized after Clear", i)
		}
	}
}
