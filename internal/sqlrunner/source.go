package sqlrunner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"
)

// ScriptSource opens named scripts below a script root.
type ScriptSource interface {
	Open(ctx context.Context, name string) (io.ReadCloser, error)
}

// FSSource serves scripts from a file system such as an embed.FS or os.DirFS.
type FSSource struct {
	FS fs.FS
}

func (s FSSource) Open(_ context.Context, name string) (io.ReadCloser, error) {
	if s.FS == nil {
		return nil, fmt.Errorf("script file system is required")
	}
	cleaned, err := CleanScriptName(name)
	if err != nil {
		return nil, err
	}
	file, err := s.FS.Open(cleaned)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrScriptNotFound, cleaned)
		}
		return nil, fmt.Errorf("open script %q: %w", cleaned, err)
	}
	return file, nil
}

// CleanScriptName turns "/user_login/select.sql" style names into a relative,
// slash-separated path and rejects names that escape the script root.
func CleanScriptName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("script name is required")
	}
	if strings.Contains(name, `\`) {
		return "", fmt.Errorf("invalid script name: %q", name)
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return "", fmt.Errorf("invalid script name: %q", name)
		}
	}
	cleaned := strings.TrimPrefix(path.Clean("/"+name), "/")
	if cleaned == "" {
		return "", fmt.Errorf("invalid script name: %q", name)
	}
	return cleaned, nil
}
