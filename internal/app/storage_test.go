package app_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/MrWong99/encore/internal/app"
	"github.com/MrWong99/encore/internal/config"
)

func TestOpenStore(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     config.StorageConfig
		wantErr bool
	}{
		{name: "default is memory", cfg: config.StorageConfig{}},
		{name: "memory", cfg: config.StorageConfig{Driver: config.StorageMemory}},
		{name: "sqlite file", cfg: config.StorageConfig{Driver: config.StorageSQLite, DSN: filepath.Join(t.TempDir(), "encore.db")}},
		{name: "unknown driver", cfg: config.StorageConfig{Driver: "mongo"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := app.OpenStore(context.Background(), tt.cfg)
			if tt.wantErr {
				if err == nil {
					_ = s.Close()
					t.Fatal("OpenStore() succeeded, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("OpenStore() error = %v", err)
			}
			defer s.Close()
			if err := s.Ping(context.Background()); err != nil {
				t.Errorf("Ping() = %v", err)
			}
		})
	}
}
