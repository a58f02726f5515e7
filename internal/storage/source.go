package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/maypok86/otter/v2"

	"github.com/techquiry/techquiry/internal/sqlrunner"
)

type CacheOptions struct {
	TTL     time.Duration
	MaxSize int
}

type cachedScript struct {
	text     []byte
	etag     string
	checksum string
	fetched  time.Time
}

// ScriptSource serves scripts from an object store. Fetched script text is
// served from memory for CacheOptions.TTL; after that the next Open checks
// the object's checksum or ETag and fetches it again only when it changed.
type ScriptSource struct {
	store  ObjectStore
	cache  *otter.Cache[string, cachedScript]
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

var _ sqlrunner.ScriptSource = (*ScriptSource)(nil)

func NewScriptSource(store ObjectStore, opts CacheOptions, logger *slog.Logger) (*ScriptSource, error) {
	if store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = 256
	}
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cache, err := otter.New(&otter.Options[string, cachedScript]{
		MaximumSize: opts.MaxSize,
	})
	if err != nil {
		return nil, fmt.Errorf("create script cache: %w", err)
	}
	return &ScriptSource{store: store, cache: cache, ttl: opts.TTL, now: time.Now, logger: logger}, nil
}

// Checksum returns the content checksum recorded on published scripts.
func Checksum(text []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(text))
}

func (s *ScriptSource) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	key, err := ScriptKey(name)
	if err != nil {
		return nil, err
	}
	if cached, ok := s.cache.GetIfPresent(key); ok {
		if s.now().Sub(cached.fetched) < s.ttl {
			return io.NopCloser(bytes.NewReader(cached.text)), nil
		}
		unchanged, err := s.revalidate(ctx, key, cached)
		if err != nil {
			if errors.Is(err, ErrObjectNotFound) {
				s.Invalidate(key)
				return nil, fmt.Errorf("%w: %s", sqlrunner.ErrScriptNotFound, key)
			}
			return nil, err
		}
		if unchanged {
			return io.NopCloser(bytes.NewReader(cached.text)), nil
		}
		s.Invalidate(key)
	}
	return s.fetch(ctx, key)
}

// revalidate reports whether the stored object still matches cached and, if
// so, restarts its TTL.
func (s *ScriptSource) revalidate(ctx context.Context, key string, cached cachedScript) (bool, error) {
	info, err := s.store.Stat(ctx, key)
	if err != nil {
		return false, err
	}
	var unchanged bool
	switch {
	case info.Checksum != "":
		unchanged = info.Checksum == cached.checksum
	case info.ETag != "":
		unchanged = info.ETag == cached.etag
	}
	if !unchanged {
		return false, nil
	}
	cached.fetched = s.now()
	s.cache.Set(key, cached)
	s.logger.DebugContext(ctx, "script revalidated", slog.String("script", key))
	return true, nil
}

func (s *ScriptSource) fetch(ctx context.Context, key string) (io.ReadCloser, error) {
	reader, info, err := s.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: %s", sqlrunner.ErrScriptNotFound, key)
		}
		return nil, err
	}
	defer func() { _ = reader.Close() }()

	text, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read script object %q: %w", key, err)
	}
	entry := cachedScript{text: text, etag: info.ETag, checksum: Checksum(text), fetched: s.now()}
	if info.Checksum != "" && info.Checksum != entry.checksum {
		s.logger.WarnContext(ctx, "script content does not match its recorded checksum",
			slog.String("script", key),
			slog.String("recorded", info.Checksum),
			slog.String("checksum", entry.checksum),
		)
	}
	s.cache.Set(key, entry)
	s.logger.DebugContext(ctx, "script fetched from object store",
		slog.String("script", key),
		slog.String("etag", entry.etag),
		slog.String("checksum", entry.checksum),
	)
	return io.NopCloser(bytes.NewReader(text)), nil
}

// Invalidate drops a cached script so the next Open fetches it again.
func (s *ScriptSource) Invalidate(name string) {
	key, err := ScriptKey(name)
	if err != nil {
		return
	}
	s.cache.Invalidate(key)
}

// List returns the names of the scripts in the store, sorted.
func (s *ScriptSource) List(ctx context.Context) ([]string, error) {
	objects, err := s.store.List(ctx, "")
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(objects))
	for _, object := range objects {
		if path.Ext(object.Key) == ".sql" {
			names = append(names, object.Key)
		}
	}
	sort.Strings(names)
	return names, nil
}

// ListFS returns the names of the scripts in fsys, sorted.
func ListFS(fsys fs.FS) ([]string, error) {
	var names []string
	err := fs.WalkDir(fsys, ".", func(name string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.IsDir() && path.Ext(name) == ".sql" {
			names = append(names, name)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list scripts: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// Publish uploads every script in fsys to store and returns the uploaded
// keys. Objects whose content already matches are skipped.
func Publish(ctx context.Context, store ObjectStore, fsys fs.FS) ([]string, error) {
	names, err := ListFS(fsys)
	if err != nil {
		return nil, err
	}
	var uploaded []string
	for _, name := range names {
		key, err := ScriptKey(name)
		if err != nil {
			return uploaded, err
		}
		text, err := fs.ReadFile(fsys, name)
		if err != nil {
			return uploaded, fmt.Errorf("read script %q: %w", name, err)
		}
		checksum := Checksum(text)
		if same, err := sameContent(ctx, store, key, text, checksum); err != nil {
			return uploaded, err
		} else if same {
			continue
		}
		opts := PutOptions{ContentType: ScriptContentType, Checksum: checksum}
		if _, err := store.Put(ctx, key, bytes.NewReader(text), int64(len(text)), opts); err != nil {
			return uploaded, err
		}
		uploaded = append(uploaded, key)
	}
	return uploaded, nil
}

// Prune deletes the scripts in store that fsys no longer holds and returns
// their keys. Objects that are not scripts are left alone.
func Prune(ctx context.Context, store ObjectStore, fsys fs.FS) ([]string, error) {
	names, err := ListFS(fsys)
	if err != nil {
		return nil, err
	}
	local := make(map[string]struct{}, len(names))
	for _, name := range names {
		local[name] = struct{}{}
	}
	objects, err := store.List(ctx, "")
	if err != nil {
		return nil, err
	}
	var deleted []string
	for _, object := range objects {
		if path.Ext(object.Key) != ".sql" {
			continue
		}
		if _, ok := local[object.Key]; ok {
			continue
		}
		if err := store.Delete(ctx, object.Key); err != nil {
			return deleted, fmt.Errorf("delete script %q: %w", object.Key, err)
		}
		deleted = append(deleted, object.Key)
	}
	sort.Strings(deleted)
	return deleted, nil
}

// sameContent compares against the recorded checksum when the object has
// one and against the stored bytes otherwise.
func sameContent(ctx context.Context, store ObjectStore, key string, text []byte, checksum string) (bool, error) {
	info, err := store.Stat(ctx, key)
	if errors.Is(err, ErrObjectNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if info.Size != int64(len(text)) {
		return false, nil
	}
	if info.Checksum != "" {
		return info.Checksum == checksum, nil
	}
	reader, _, err := store.Get(ctx, key)
	if err != nil {
		return false, err
	}
	defer func() { _ = reader.Close() }()
	existing, err := io.ReadAll(reader)
	if err != nil {
		return false, fmt.Errorf("read script object %q: %w", key, err)
	}
	return bytes.Equal(existing, text), nil
}
