package scripts

import (
	"embed"
	"io/fs"
)

//go:embed sql
var embeddedFS embed.FS

// Schema is the script applied when the database is set up.
const Schema = "schema.sql"

// FS returns the embedded script root. Script names are relative to it, for
// example "user_login/insert.sql".
func FS() fs.FS {
	sub, err := fs.Sub(embeddedFS, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}
