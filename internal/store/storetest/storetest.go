// Package storetest holds the behaviour every store backend must share.
package storetest

import (
	"context"
	"testing"

	"github.com/loykin/plugind/internal/store"
)

// Exercise runs the common round trip against s. s must be freshly opened and empty.
func Exercise(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	// idempotent
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema twice: %v", err)
	}

	got, err := s.LoadResumes(ctx)
	if err != nil {
		t.Fatalf("load empty resumes: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no resumes, got %+v", got)
	}

	entries := []store.ResumeEntry{
		{Destination: "/tmp/b.bin", Source: "http://x/b", Hash: "h2"},
		{Destination: "/tmp/a.bin", Source: "http://x/a", Hash: ""},
	}
	if err := s.SaveResumes(ctx, entries); err != nil {
		t.Fatalf("save resumes: %v", err)
	}
	got, err = s.LoadResumes(ctx)
	if err != nil {
		t.Fatalf("load resumes: %v", err)
	}
	if len(got) != 2 || got[0] != entries[0] || got[1] != entries[1] {
		t.Fatalf("resume order not preserved: %+v", got)
	}

	// replace semantics
	if err := s.SaveResumes(ctx, entries[1:]); err != nil {
		t.Fatalf("save shorter resumes: %v", err)
	}
	got, _ = s.LoadResumes(ctx)
	if len(got) != 1 || got[0].Destination != "/tmp/a.bin" {
		t.Fatalf("expected single remaining entry, got %+v", got)
	}

	configs := map[string]string{"Alpha": `{"x":1}`, "Beta": `{}`}
	if err := s.SaveConfigurations(ctx, configs); err != nil {
		t.Fatalf("save configurations: %v", err)
	}
	cfg, err := s.LoadConfigurations(ctx)
	if err != nil {
		t.Fatalf("load configurations: %v", err)
	}
	if len(cfg) != 2 || cfg["Alpha"] != `{"x":1}` || cfg["Beta"] != `{}` {
		t.Fatalf("unexpected configurations: %+v", cfg)
	}
	if err := s.SaveConfigurations(ctx, map[string]string{"Beta": `{"y":2}`}); err != nil {
		t.Fatalf("resave configurations: %v", err)
	}
	cfg, _ = s.LoadConfigurations(ctx)
	if _, ok := cfg["Alpha"]; ok || cfg["Beta"] != `{"y":2}` {
		t.Fatalf("expected replaced configurations, got %+v", cfg)
	}
}
