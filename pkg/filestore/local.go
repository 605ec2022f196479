package filestore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Local stores artifacts as plain files under a base directory. Keys are
// treated as relative paths under BaseDir.
type Local struct {
	baseDir string
}

var _ Store = (*Local)(nil)

type LocalConfig struct {
	BaseDir string
}

func (c LocalConfig) Validate() error {
	if strings.TrimSpace(c.BaseDir) == "" {
		return fmt.Errorf("base dir is required")
	}
	return nil
}

func NewLocal(cfg LocalConfig) (*Local, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Local{baseDir: filepath.Clean(cfg.BaseDir)}, nil
}

func (l *Local) Close() error { return nil }

func (l *Local) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	_ = ctx
	_ = size
	full, err := l.fullPath(key)
	if err != nil {
		return l.wrapError("Put", key, err)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return l.wrapError("Put", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), "uws-put-*")
	if err != nil {
		return l.wrapError("Put", key, err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := io.Copy(tmp, body); err != nil {
		return l.wrapError("Put", key, err)
	}
	if err := tmp.Close(); err != nil {
		return l.wrapError("Put", key, err)
	}

	if err := os.Rename(tmpName, full); err != nil {
		return l.wrapError("Put", key, err)
	}
	return nil
}

func (l *Local) Get(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	_ = ctx
	full, err := l.fullPath(key)
	if err != nil {
		return nil, 0, l.wrapError("Get", key, err)
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, 0, l.wrapError("Get", key, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, l.wrapError("Get", key, err)
	}
	if st.IsDir() {
		_ = f.Close()
		return nil, 0, &StoreError{Op: "Get", Backend: "local", Key: key, Err: ErrNotFound}
	}
	return f, st.Size(), nil
}

func (l *Local) Move(ctx context.Context, fromKey, toKey string) error {
	_ = ctx
	from, err := l.fullPath(fromKey)
	if err != nil {
		return l.wrapError("Move", fromKey, err)
	}
	to, err := l.fullPath(toKey)
	if err != nil {
		return l.wrapError("Move", toKey, err)
	}
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return l.wrapError("Move", toKey, err)
	}
	if err := os.Rename(from, to); err != nil {
		return l.wrapError("Move", fromKey, err)
	}
	return nil
}

func (l *Local) Delete(ctx context.Context, key string) error {
	_ = ctx
	full, err := l.fullPath(key)
	if err != nil {
		return l.wrapError("Delete", key, err)
	}
	if err := os.Remove(full); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return l.wrapError("Delete", key, err)
	}
	return nil
}

func (l *Local) DeleteAll(ctx context.Context, prefix string) error {
	_ = ctx
	full, err := l.fullPath(prefix)
	if err != nil {
		return l.wrapError("DeleteAll", prefix, err)
	}
	if err := os.RemoveAll(full); err != nil {
		return l.wrapError("DeleteAll", prefix, err)
	}
	return nil
}

func (l *Local) fullPath(key string) (string, error) {
	key = strings.TrimSpace(key)
	key = strings.TrimPrefix(key, "/")
	// A key naming a parent segment is rejected, not silently rewritten
	// to a sibling path under the base directory.
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return "", fmt.Errorf("invalid key path %q", key)
		}
	}
	clean := filepath.Clean("/" + key)
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" || clean == "." {
		return "", fmt.Errorf("invalid key path %q", key)
	}
	return filepath.Join(l.baseDir, filepath.FromSlash(clean)), nil
}

func (l *Local) wrapError(op, key string, err error) error {
	wrapped := &StoreError{Op: op, Backend: "local", Key: key, Err: err}
	if err == nil {
		wrapped.Err = fmt.Errorf("unknown error")
	}
	// Normalize common filesystem errors to store sentinels.
	if os.IsNotExist(err) {
		wrapped.Err = ErrNotFound
	}
	if os.IsPermission(err) {
		wrapped.Err = ErrAccessDenied
	}
	return wrapped
}
