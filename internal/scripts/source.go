package scripts

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/techquiry/techquiry/internal/config"
	"github.com/techquiry/techquiry/internal/sqlrunner"
	"github.com/techquiry/techquiry/internal/storage"
)

// Source is the script root selected by configuration.
type Source struct {
	sqlrunner.ScriptSource
	// Kind is one of the config.Scripts* values.
	Kind string
	list func(ctx context.Context) ([]string, error)
}

// List returns the names of every script in the source, sorted.
func (s Source) List(ctx context.Context) ([]string, error) {
	return s.list(ctx)
}

// NewSource selects the embedded root, a directory or the object store. store
// is only used, and then required, for the s3 source.
func NewSource(cfg config.ScriptsConfig, store storage.ObjectStore, logger *slog.Logger) (Source, error) {
	switch cfg.Source {
	case "", config.ScriptsEmbedded:
		return fsSource(config.ScriptsEmbedded, FS()), nil
	case config.ScriptsDir:
		if cfg.Dir == "" {
			return Source{}, fmt.Errorf("script directory is required")
		}
		info, err := os.Stat(cfg.Dir)
		if err != nil {
			return Source{}, fmt.Errorf("open script directory: %w", err)
		}
		if !info.IsDir() {
			return Source{}, fmt.Errorf("script directory %q is not a directory", cfg.Dir)
		}
		return fsSource(config.ScriptsDir, os.DirFS(cfg.Dir)), nil
	case config.ScriptsS3:
		remote, err := storage.NewScriptSource(store, storage.CacheOptions{TTL: cfg.CacheTTL, MaxSize: cfg.CacheSize}, logger)
		if err != nil {
			return Source{}, err
		}
		return Source{ScriptSource: remote, Kind: config.ScriptsS3, list: remote.List}, nil
	default:
		return Source{}, fmt.Errorf("unknown script source %q", cfg.Source)
	}
}

func fsSource(kind string, fsys fs.FS) Source {
	return Source{
		ScriptSource: sqlrunner.FSSource{FS: fsys},
		Kind:         kind,
		list: func(context.Context) ([]string, error) {
			return storage.ListFS(fsys)
		},
	}
}
