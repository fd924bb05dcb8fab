package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/MrWong99/encore/pkg/music"
	"github.com/MrWong99/encore/pkg/store/sqlite"
	"github.com/MrWong99/encore/pkg/store/storetest"
)

func TestConformance(t *testing.T) {
	s, err := sqlite.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	storetest.Run(t, s)
}

func TestPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "encore.db")

	s, err := sqlite.Open(ctx, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.SetPreferences(ctx, "user-1", music.Preferences{Volume: 0.25, BassBoost: true}); err != nil {
		t.Fatalf("SetPreferences: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = sqlite.Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	p, err := s.Preferences(ctx, "user-1")
	if err != nil {
		t.Fatalf("Preferences: %v", err)
	}
	if p.Volume != 0.25 || !p.BassBoost {
		t.Errorf("Preferences after reopen = %+v", p)
	}
}
