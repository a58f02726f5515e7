package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/techquiry/techquiry/internal/sqlrunner"
)

func TestScriptSourceCachesFetchedScripts(t *testing.T) {
	store := newMemStore()
	store.objects["user_login/select.sql"] = "SELECT 1;"
	source, err := NewScriptSource(store, CacheOptions{TTL: time.Hour, MaxSize: 8}, nil)
	if err != nil {
		t.Fatalf("NewScriptSource() error = %v", err)
	}

	for range 3 {
		if got := readScript(t, source, "/user_login/select.sql"); got != "SELECT 1;" {
			t.Fatalf("script = %q", got)
		}
	}
	if store.gets != 1 {
		t.Fatalf("store gets = %d, want 1", store.gets)
	}

	store.objects["user_login/select.sql"] = "SELECT 2;"
	if got := readScript(t, source, "user_login/select.sql"); got != "SELECT 1;" {
		t.Fatalf("cached script = %q", got)
	}
	source.Invalidate("user_login/select.sql")
	if got := readScript(t, source, "user_login/select.sql"); got != "SELECT 2;" {
		t.Fatalf("script after invalidate = %q", got)
	}
}

func TestScriptSourceMissingScript(t *testing.T) {
	source, err := NewScriptSource(newMemStore(), CacheOptions{}, nil)
	if err != nil {
		t.Fatalf("NewScriptSource() error = %v", err)
	}
	if _, err := source.Open(context.Background(), "nope.sql"); !errors.Is(err, sqlrunner.ErrScriptNotFound) {
		t.Fatalf("Open() error = %v, want ErrScriptNotFound", err)
	}
	if _, err := source.Open(context.Background(), "../nope.sql"); err == nil {
		t.Fatal("expected invalid name error")
	}
}

func TestPublishUploadsChangedScripts(t *testing.T) {
	store := newMemStore()
	store.objects["schema.sql"] = "CREATE TABLE a (id INTEGER);"
	fsys := fstest.MapFS{
		"schema.sql":           {Data: []byte("CREATE TABLE a (id INTEGER);")},
		"user_login/count.sql": {Data: []byte("SELECT COUNT(*) AS users_count FROM user_login;")},
		"README.md":            {Data: []byte("not a script")},
	}

	uploaded, err := Publish(context.Background(), store, fsys)
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if strings.Join(uploaded, ",") != "user_login/count.sql" {
		t.Fatalf("uploaded = %v", uploaded)
	}
	if _, ok := store.objects["README.md"]; ok {
		t.Fatal("non-script file was uploaded")
	}

	source, err := NewScriptSource(store, CacheOptions{}, nil)
	if err != nil {
		t.Fatalf("NewScriptSource() error = %v", err)
	}
	names, err := source.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if strings.Join(names, ",") != "schema.sql,user_login/count.sql" {
		t.Fatalf("names = %v", names)
	}
}

func TestScriptSourceRevalidatesAfterTTL(t *testing.T) {
	store := newMemStore()
	store.objects["report.sql"] = "SELECT 1;"
	source, err := NewScriptSource(store, CacheOptions{TTL: time.Minute}, nil)
	if err != nil {
		t.Fatalf("NewScriptSource() error = %v", err)
	}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	source.now = func() time.Time { return now }

	if got := readScript(t, source, "report.sql"); got != "SELECT 1;" {
		t.Fatalf("script = %q", got)
	}

	now = now.Add(2 * time.Minute)
	if got := readScript(t, source, "report.sql"); got != "SELECT 1;" {
		t.Fatalf("revalidated script = %q", got)
	}
	if store.gets != 1 || store.stats != 1 {
		t.Fatalf("gets/stats = %d/%d, want 1/1", store.gets, store.stats)
	}

	now = now.Add(30 * time.Second)
	readScript(t, source, "report.sql")
	if store.stats != 1 {
		t.Fatalf("stats = %d, revalidation should restart the TTL", store.stats)
	}

	store.objects["report.sql"] = "SELECT 2;"
	now = now.Add(2 * time.Minute)
	if got := readScript(t, source, "report.sql"); got != "SELECT 2;" {
		t.Fatalf("changed script = %q", got)
	}
	if store.gets != 2 {
		t.Fatalf("gets = %d, want 2", store.gets)
	}

	delete(store.objects, "report.sql")
	now = now.Add(2 * time.Minute)
	if _, err := source.Open(context.Background(), "report.sql"); !errors.Is(err, sqlrunner.ErrScriptNotFound) {
		t.Fatalf("Open(deleted) error = %v, want ErrScriptNotFound", err)
	}
}

func TestPublishSkipsByRecordedChecksum(t *testing.T) {
	store := newMemStore()
	fsys := fstest.MapFS{"a.sql": {Data: []byte("SELECT 1;")}}

	if _, err := Publish(context.Background(), store, fsys); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if store.checksums["a.sql"] != Checksum([]byte("SELECT 1;")) {
		t.Fatalf("recorded checksum = %q", store.checksums["a.sql"])
	}

	uploaded, err := Publish(context.Background(), store, fsys)
	if err != nil {
		t.Fatalf("second Publish() error = %v", err)
	}
	if len(uploaded) != 0 || store.gets != 0 {
		t.Fatalf("uploaded = %v, gets = %d; unchanged scripts need no download", uploaded, store.gets)
	}

	fsys["a.sql"] = &fstest.MapFile{Data: []byte("SELECT 2;")}
	uploaded, err = Publish(context.Background(), store, fsys)
	if err != nil {
		t.Fatalf("third Publish() error = %v", err)
	}
	if strings.Join(uploaded, ",") != "a.sql" {
		t.Fatalf("uploaded = %v", uploaded)
	}
}

func TestPruneDeletesScriptsMissingLocally(t *testing.T) {
	store := newMemStore()
	store.objects["keep.sql"] = "SELECT 1;"
	store.objects["old/gone.sql"] = "SELECT 2;"
	store.objects["notes.txt"] = "kept"

	deleted, err := Prune(context.Background(), store, fstest.MapFS{"keep.sql": {Data: []byte("SELECT 1;")}})
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if strings.Join(deleted, ",") != "old/gone.sql" {
		t.Fatalf("deleted = %v", deleted)
	}
	if _, ok := store.objects["notes.txt"]; !ok {
		t.Fatal("non-script object was deleted")
	}
	if _, ok := store.objects["keep.sql"]; !ok {
		t.Fatal("local script was deleted")
	}
}

func TestListFS(t *testing.T) {
	names, err := ListFS(fstest.MapFS{
		"b/two.sql": {Data: []byte("SELECT 2")},
		"a.sql":     {Data: []byte("SELECT 1")},
		"notes.txt": {Data: []byte("x")},
	})
	if err != nil {
		t.Fatalf("ListFS() error = %v", err)
	}
	if strings.Join(names, ",") != "a.sql,b/two.sql" {
		t.Fatalf("names = %v", names)
	}
}

func readScript(t *testing.T, source *ScriptSource, name string) string {
	t.Helper()
	rc, err := source.Open(context.Background(), name)
	if err != nil {
		t.Fatalf("Open(%q) error = %v", name, err)
	}
	defer func() { _ = rc.Close() }()
	raw, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	return string(raw)
}

type memStore struct {
	objects   map[string]string
	checksums map[string]string
	gets      int
	stats     int
}

func newMemStore() *memStore {
	return &memStore{objects: map[string]string{}, checksums: map[string]string{}}
}

func (m *memStore) info(key string) ObjectInfo {
	body := m.objects[key]
	return ObjectInfo{Key: key, Size: int64(len(body)), ETag: "etag-" + Checksum([]byte(body)), Checksum: m.checksums[key]}
}

func (m *memStore) Put(_ context.Context, key string, body io.Reader, _ int64, opts PutOptions) (ObjectInfo, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(body); err != nil {
		return ObjectInfo{}, err
	}
	m.objects[key] = buf.String()
	m.checksums[key] = opts.Checksum
	return m.info(key), nil
}

func (m *memStore) Get(_ context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	m.gets++
	body, ok := m.objects[key]
	if !ok {
		return nil, ObjectInfo{}, ErrObjectNotFound
	}
	return io.NopCloser(strings.NewReader(body)), m.info(key), nil
}

func (m *memStore) Stat(_ context.Context, key string) (ObjectInfo, error) {
	m.stats++
	if _, ok := m.objects[key]; !ok {
		return ObjectInfo{}, ErrObjectNotFound
	}
	return m.info(key), nil
}

func (m *memStore) Delete(_ context.Context, key string) error {
	delete(m.objects, key)
	delete(m.checksums, key)
	return nil
}

func (m *memStore) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, m.info(key))
		}
	}
	return out, nil
}
