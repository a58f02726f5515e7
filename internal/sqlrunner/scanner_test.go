package sqlrunner

import (
	"reflect"
	"testing"
)

func TestSplitStripsCommentsAndEmptyStatements(t *testing.T) {
	script := "INSERT INTO test (id, username) /* c */ VALUES (?, ?);;\n SELECT * -- c\n FROM test WHERE id = ?"

	got := Split(script)
	want := []Statement{
		{Ordinal: 0, Text: "INSERT INTO test (id, username) VALUES (?, ?)", Placeholders: 2},
		{Ordinal: 1, Text: "SELECT * FROM test WHERE id = ?", Placeholders: 1},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Split() = %#v, want %#v", got, want)
	}
}

func TestSplitKeepsTrailingStatementWithoutTerminator(t *testing.T) {
	got := Split("SELECT 1;\nSELECT 2")
	if len(got) != 2 {
		t.Fatalf("len(Split()) = %d", len(got))
	}
	if got[1].Text != "SELECT 2" || got[1].Ordinal != 1 {
		t.Fatalf("last statement = %#v", got[1])
	}
}

func TestSplitOnlyTerminatorsAndComments(t *testing.T) {
	for _, script := range []string{"", "   ", ";;;", "-- only a comment", "/* block */ ; \n ;", ";\t--x\n;"} {
		if got := Split(script); len(got) != 0 {
			t.Fatalf("Split(%q) = %#v, want none", script, got)
		}
	}
}

func TestSplitIgnoresStructureInsideLiterals(t *testing.T) {
	script := `INSERT INTO notes (body, title) VALUES ('a;b -- not a comment /* nor this */ ?', "x;?");SELECT 'it''s;' FROM t`

	got := Split(script)
	if len(got) != 2 {
		t.Fatalf("len(Split()) = %d: %#v", len(got), got)
	}
	wantFirst := `INSERT INTO notes (body, title) VALUES ('a;b -- not a comment /* nor this */ ?', "x;?")`
	if got[0].Text != wantFirst {
		t.Fatalf("first = %q, want %q", got[0].Text, wantFirst)
	}
	if got[0].Placeholders != 0 {
		t.Fatalf("first placeholders = %d, want 0", got[0].Placeholders)
	}
	if got[1].Text != `SELECT 'it''s;' FROM t` {
		t.Fatalf("second = %q", got[1].Text)
	}
}

func TestSplitPreservesWhitespaceInsideLiterals(t *testing.T) {
	got := Split("SELECT 'two  spaces\n'   FROM\n\t t")
	if len(got) != 1 {
		t.Fatalf("len(Split()) = %d", len(got))
	}
	if got[0].Text != "SELECT 'two  spaces\n' FROM t" {
		t.Fatalf("Text = %q", got[0].Text)
	}
}

func TestSplitBlockCommentSeparatesTokens(t *testing.T) {
	got := Split("SELECT/**/1")
	if len(got) != 1 || got[0].Text != "SELECT 1" {
		t.Fatalf("Split() = %#v", got)
	}
}

func TestSplitUnterminatedBlockCommentRunsToEnd(t *testing.T) {
	got := Split("SELECT 1; /* dangling ; SELECT 2")
	if len(got) != 1 || got[0].Text != "SELECT 1" {
		t.Fatalf("Split() = %#v", got)
	}
}

func TestSplitCommentMarkersInsideComments(t *testing.T) {
	got := Split("SELECT 1 -- a /* b ; c\n; /* -- ; */ SELECT ?")
	if len(got) != 2 {
		t.Fatalf("len(Split()) = %d: %#v", len(got), got)
	}
	if got[1].Text != "SELECT ?" || got[1].Placeholders != 1 {
		t.Fatalf("second = %#v", got[1])
	}
}

func TestCountPlaceholders(t *testing.T) {
	cases := []struct {
		text string
		want int
	}{
		{"SELECT 1", 0},
		{"SELECT ? , ?", 2},
		{"SELECT '?' , ?", 1},
		{`SELECT "?" FROM t WHERE a = ?`, 1},
		{"SELECT ? -- ?\n", 1},
		{"SELECT /* ? */ ?", 1},
		{"SELECT 'it''s ?' , ?", 1},
	}
	for _, tc := range cases {
		if got := CountPlaceholders(tc.text); got != tc.want {
			t.Fatalf("CountPlaceholders(%q) = %d, want %d", tc.text, got, tc.want)
		}
	}
}

func TestRebindDollar(t *testing.T) {
	got := Rebind("UPDATE t SET a = ?, b = '?' WHERE id = ?", BindDollar)
	want := "UPDATE t SET a = $1, b = '?' WHERE id = $2"
	if got != want {
		t.Fatalf("Rebind() = %q, want %q", got, want)
	}
}

func TestRebindQuestionIsIdentity(t *testing.T) {
	text := "SELECT ? FROM t"
	if got := Rebind(text, BindQuestion); got != text {
		t.Fatalf("Rebind() = %q", got)
	}
}

func TestFirstKeyword(t *testing.T) {
	cases := map[string]string{
		"explain query plan SELECT 1": "EXPLAIN",
		"(SELECT 1) UNION (SELECT 2)": "SELECT",
		"WITH x AS (SELECT 1) SELECT": "WITH",
		"":                            "",
	}
	for text, want := range cases {
		if got := FirstKeyword(text); got != want {
			t.Fatalf("FirstKeyword(%q) = %q, want %q", text, got, want)
		}
	}
}

func TestHasKeywordSkipsLiterals(t *testing.T) {
	if !HasKeyword("INSERT INTO t VALUES (1) returning id", "RETURNING") {
		t.Fatal("expected RETURNING to be found")
	}
	if HasKeyword(`INSERT INTO t VALUES ('returning', "returning")`, "RETURNING") {
		t.Fatal("RETURNING inside literals must be ignored")
	}
	if HasKeyword("UPDATE t SET returning_user = 1", "RETURNING") {
		t.Fatal("RETURNING must match a whole word")
	}
}
