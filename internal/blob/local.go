package blob

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// Local writes objects under a base directory and returns file:// URIs.
type Local struct {
	baseDir string
}

func NewLocal(baseDir string) *Local {
	if baseDir == "" {
		baseDir = "./data/blobs"
	}
	return &Local{baseDir: baseDir}
}

func (l *Local) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, filepath.FromSlash(sanitizeKey(key)))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", eris.Wrap(err, "create dirs")
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", eris.Wrap(err, "write file")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", eris.Wrap(err, "resolve path")
	}
	return "file://" + filepath.ToSlash(abs), nil
}

func (l *Local) Open(_ context.Context, uri string) (io.ReadCloser, error) {
	path, ok := strings.CutPrefix(uri, "file://")
	if !ok {
		return nil, eris.Errorf("not a file uri: %s", uri)
	}
	f, err := os.Open(filepath.FromSlash(path))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrapf(ErrNotFound, "%s", uri)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "open %s", uri)
	}
	return f, nil
}
