package storage

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/techquiry/techquiry/internal/sqlrunner"
)

const ScriptContentType = "application/sql"

var pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// ScriptKey maps a script name such as "/user_login/insert.sql" to its object
// key.
func ScriptKey(name string) (string, error) {
	cleaned, err := sqlrunner.CleanScriptName(name)
	if err != nil {
		return "", err
	}
	if path.Ext(cleaned) != ".sql" {
		return "", fmt.Errorf("script name must end in .sql: %q", name)
	}
	for _, part := range strings.Split(cleaned, "/") {
		if err := validatePathComponent(part, "script path component"); err != nil {
			return "", err
		}
	}
	return cleaned, nil
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}
