package scripts

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/techquiry/techquiry/internal/config"
	"github.com/techquiry/techquiry/internal/sqlrunner"
)

func TestNewSourceEmbedded(t *testing.T) {
	source, err := NewSource(config.ScriptsConfig{Source: config.ScriptsEmbedded}, nil, nil)
	if err != nil {
		t.Fatalf("NewSource() error = %v", err)
	}
	names, err := source.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	for _, want := range []string{Schema, "inquiry/select.sql", "user_login/insert.sql"} {
		if !slices.Contains(names, want) {
			t.Fatalf("List() = %v, missing %s", names, want)
		}
	}

	rc, err := source.Open(context.Background(), "/"+Schema)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer func() { _ = rc.Close() }()
	raw, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(sqlrunner.Split(string(raw))) != 6 {
		t.Fatalf("schema statements = %d", len(sqlrunner.Split(string(raw))))
	}
}

func TestNewSourceDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "report"), 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "report", "daily.sql"), []byte("SELECT 1"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	source, err := NewSource(config.ScriptsConfig{Source: config.ScriptsDir, Dir: dir}, nil, nil)
	if err != nil {
		t.Fatalf("NewSource() error = %v", err)
	}
	names, err := source.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(names) != 1 || names[0] != "report/daily.sql" {
		t.Fatalf("List() = %v", names)
	}
	if _, err := source.Open(context.Background(), "report/weekly.sql"); !errors.Is(err, sqlrunner.ErrScriptNotFound) {
		t.Fatalf("Open() error = %v, want ErrScriptNotFound", err)
	}
}

func TestNewSourceRejectsBadConfig(t *testing.T) {
	tests := []config.ScriptsConfig{
		{Source: config.ScriptsDir},
		{Source: config.ScriptsDir, Dir: filepath.Join(t.TempDir(), "missing")},
		{Source: config.ScriptsS3},
		{Source: "ftp"},
	}
	for _, cfg := range tests {
		if _, err := NewSource(cfg, nil, nil); err == nil {
			t.Fatalf("NewSource(%+v) expected error", cfg)
		}
	}
}
