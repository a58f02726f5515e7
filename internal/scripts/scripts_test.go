package scripts

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/techquiry/techquiry/internal/sqlrunner"
	"github.com/techquiry/techquiry/internal/storage"
)

func newRunner(t *testing.T) *sqlrunner.Runner {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "scripts.db"))
	if err != nil {
		t.Fatalf("sql.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	runner := sqlrunner.New(db, sqlrunner.Options{
		Dialect: sqlrunner.Dialect{Name: "sqlite", ExplainOnLoad: true},
		Scripts: sqlrunner.FSSource{FS: FS()},
	})
	results, err := runner.RunScript(context.Background(), Schema)
	if err != nil {
		t.Fatalf("RunScript(schema) error = %v", err)
	}
	if err := results.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	return runner
}

func TestEveryScriptSplitsIntoStatements(t *testing.T) {
	err := fs.WalkDir(FS(), ".", func(path string, entry fs.DirEntry, err error) error {
		if err != nil || entry.IsDir() {
			return err
		}
		if !strings.HasSuffix(path, ".sql") {
			t.Fatalf("unexpected file %s", path)
		}
		raw, err := fs.ReadFile(FS(), path)
		if err != nil {
			return err
		}
		if len(sqlrunner.Split(string(raw))) == 0 {
			t.Fatalf("%s holds no statements", path)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WalkDir() error = %v", err)
	}
}

func TestSchemaCanBeAppliedTwice(t *testing.T) {
	runner := newRunner(t)
	results, err := runner.RunScript(context.Background(), "/"+Schema)
	if err != nil {
		t.Fatalf("second RunScript(schema) error = %v", err)
	}
	if len(results) != 6 {
		t.Fatalf("len(results) = %d, want one per table", len(results))
	}
}

func TestUserLoginScripts(t *testing.T) {
	runner := newRunner(t)
	ctx := context.Background()

	results, err := runner.RunScript(ctx, "user_login/insert.sql", "alice", "aGFzaA==", "c2FsdA==")
	if err != nil {
		t.Fatalf("insert error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("insert results = %d", len(results))
	}
	rows, err := results[1].Rows().Collect()
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	userID, ok := rows[0].Value("user_id").(int64)
	if !ok || userID <= 0 {
		t.Fatalf("user_id = %#v", rows[0].Value("user_id"))
	}

	if _, err := runner.RunScript(ctx, "user_login/insert.sql", "alice", "x", "y"); !errors.Is(err, sqlrunner.ErrExecute) {
		t.Fatalf("duplicate username error = %v, want ErrExecute", err)
	}

	results, err = runner.RunScript(ctx, "user_login/update.sql", "alice2", "aGFzaA==", "c2FsdA==", userID)
	if err != nil {
		t.Fatalf("update error = %v", err)
	}
	if results[0].HasRows() {
		t.Fatal("update should have no rows")
	}

	results, err = runner.RunScript(ctx, "user_login/select_username.sql", "alice2")
	if err != nil {
		t.Fatalf("select_username error = %v", err)
	}
	rows, err = results[0].Rows().Collect()
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if len(rows) != 1 || rows[0].Value("user_id") != userID {
		t.Fatalf("select_username rows = %d", len(rows))
	}

	results, err = runner.RunScript(ctx, "user_login/range.sql", 0, 10)
	if err != nil {
		t.Fatalf("range error = %v", err)
	}
	rows, err = results[0].Rows().Collect()
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if len(rows) != 1 || rows[0].Value("username") != "alice2" {
		t.Fatalf("range rows = %d", len(rows))
	}

	if _, err := runner.RunScript(ctx, "user_login/delete.sql", userID); err != nil {
		t.Fatalf("delete error = %v", err)
	}
	results, err = runner.RunScript(ctx, "user_login/count.sql")
	if err != nil {
		t.Fatalf("count error = %v", err)
	}
	rows, err = results[0].Rows().Collect()
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if rows[0].Value("users_count") != int64(0) {
		t.Fatalf("users_count = %#v", rows[0].Value("users_count"))
	}
}

func TestObserverScripts(t *testing.T) {
	runner := newRunner(t)
	ctx := context.Background()

	mustRun := func(name string, params ...any) sqlrunner.Results {
		t.Helper()
		results, err := runner.RunScript(ctx, name, params...)
		if err != nil {
			t.Fatalf("RunScript(%s) error = %v", name, err)
		}
		return results
	}
	single := func(results sqlrunner.Results, index int, column string) any {
		t.Helper()
		rows, err := results[index].Rows().Collect()
		if err != nil {
			t.Fatalf("Collect() error = %v", err)
		}
		if len(rows) != 1 {
			t.Fatalf("rows = %d", len(rows))
		}
		return rows[0].Value(column)
	}

	userID := single(mustRun("user_login/insert.sql", "bob", "h", "s"), 1, "user_id")
	inquiryID := single(mustRun("inquiry/insert.sql", userID, "Why?", "Because.", 0), 1, "inquiry_id")

	if got := single(mustRun("observer/check.sql", inquiryID, userID), 0, "exist"); got != int64(0) {
		t.Fatalf("exist before insert = %#v", got)
	}
	mustRun("observer/insert.sql", inquiryID, userID)
	if got := single(mustRun("observer/check.sql", inquiryID, userID), 0, "exist"); got != int64(1) {
		t.Fatalf("exist after insert = %#v", got)
	}
	if got := single(mustRun("observer/count_inquiry_id.sql", inquiryID), 0, "observer_count"); got != int64(1) {
		t.Fatalf("observer_count = %#v", got)
	}
	if _, err := runner.RunScript(ctx, "observer/insert.sql", inquiryID); !errors.Is(err, sqlrunner.ErrArity) {
		t.Fatalf("short params error = %v, want ErrArity", err)
	}
}

func TestEveryScriptLoadsAgainstSchema(t *testing.T) {
	runner := newRunner(t)
	names, err := storage.ListFS(FS())
	if err != nil {
		t.Fatalf("ListFS() error = %v", err)
	}
	for _, name := range names {
		if _, err := runner.CheckScript(context.Background(), name); err != nil {
			t.Fatalf("CheckScript(%s) error = %v", name, err)
		}
	}
}

func TestUserDataAndResponseScripts(t *testing.T) {
	runner := newRunner(t)
	ctx := context.Background()

	mustRun := func(name string, params ...any) sqlrunner.Results {
		t.Helper()
		results, err := runner.RunScript(ctx, name, params...)
		if err != nil {
			t.Fatalf("RunScript(%s) error = %v", name, err)
		}
		return results
	}
	collect := func(results sqlrunner.Results, index int) []sqlrunner.Row {
		t.Helper()
		rows, err := results[index].Rows().Collect()
		if err != nil {
			t.Fatalf("Collect() error = %v", err)
		}
		return rows
	}

	userID := collect(mustRun("user_login/insert.sql", "carol", "h", "s"), 1)[0].Value("user_id")
	mustRun("user_data/insert.sql", userID, "Carol", "Jones", []byte{0x89, 0x50})
	mustRun("user_data/update.sql", "Caroline", "Jones", nil, userID)
	data := collect(mustRun("user_data/select.sql", userID), 0)
	if len(data) != 1 || data[0].Value("first_name") != "Caroline" || data[0].Value("icon") != nil {
		t.Fatalf("user_data rows = %v", data)
	}

	inquiryID := collect(mustRun("inquiry/insert.sql", userID, "Title", "Body", 1), 1)[0].Value("inquiry_id")
	mustRun("inquiry/insert.sql", userID, "Public", "Body", 0)
	if rows := collect(mustRun("inquiry/select_user_id.sql", userID), 0); len(rows) != 2 {
		t.Fatalf("select_user_id rows = %d", len(rows))
	}
	public := collect(mustRun("inquiry/select_user_id_non_anonymous.sql", userID), 0)
	if len(public) != 1 || public[0].Value("title") != "Public" {
		t.Fatalf("select_user_id_non_anonymous rows = %v", public)
	}

	responseID := collect(mustRun("response/insert.sql", inquiryID, userID, 0, "Answer"), 1)[0].Value("response_id")
	mustRun("response/update.sql", inquiryID, userID, 1, "Better answer", responseID)
	response := collect(mustRun("response/select.sql", responseID), 0)
	if len(response) != 1 || response[0].Value("content") != "Better answer" || response[0].Value("anonymous") != int64(1) {
		t.Fatalf("response rows = %v", response)
	}
	if rows := collect(mustRun("response/select_inquiry_id.sql", inquiryID), 0); len(rows) != 1 || rows[0].Value("response_id") != responseID {
		t.Fatalf("select_inquiry_id rows = %v", rows)
	}
	if got := collect(mustRun("response/count_inquiry_id.sql", inquiryID), 0)[0].Value("response_count"); got != int64(1) {
		t.Fatalf("response_count = %#v", got)
	}

	mustRun("observer/insert.sql", inquiryID, userID)
	if rows := collect(mustRun("observer/select_inquiry_id.sql", inquiryID), 0); len(rows) != 1 || rows[0].Value("user_id") != userID {
		t.Fatalf("observer select_inquiry_id rows = %v", rows)
	}
	if rows := collect(mustRun("observer/select_user_id.sql", userID), 0); len(rows) != 1 || rows[0].Value("inquiry_id") != inquiryID {
		t.Fatalf("observer select_user_id rows = %v", rows)
	}

	mustRun("upvote/insert.sql", responseID, userID)
	if rows := collect(mustRun("upvote/select_response_id.sql", responseID), 0); len(rows) != 1 || rows[0].Value("user_id") != userID {
		t.Fatalf("upvote select_response_id rows = %v", rows)
	}
	if rows := collect(mustRun("upvote/select_user_id.sql", userID), 0); len(rows) != 1 || rows[0].Value("response_id") != responseID {
		t.Fatalf("upvote select_user_id rows = %v", rows)
	}

	mustRun("response/delete.sql", responseID)
	if got := collect(mustRun("response/count_inquiry_id.sql", inquiryID), 0)[0].Value("response_count"); got != int64(0) {
		t.Fatalf("response_count after delete = %#v", got)
	}
	mustRun("user_data/delete.sql", userID)
	if rows := collect(mustRun("user_data/select.sql", userID), 0); len(rows) != 0 {
		t.Fatalf("user_data rows after delete = %d", len(rows))
	}
}
