package file

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loykin/plugind/internal/store/storetest"
)

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.yaml")
	s, err := New(path)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	storetest.Exercise(t, s)

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	if !strings.Contains(string(b), "destination: /tmp/a.bin") {
		t.Fatalf("state file missing resume entry:\n%s", b)
	}
}

func TestFileStoreCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")
	if err := os.WriteFile(path, []byte("resumes: [unterminated"), 0o600); err != nil {
		t.Fatal(err)
	}
	s, _ := New(path)
	if _, err := s.LoadResumes(context.Background()); err == nil {
		t.Fatalf("expected decode error")
	}
}
