// Package blob stores attachment bytes on the local filesystem.
package blob

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrNotFound is returned by Open for unknown keys.
var ErrNotFound = errors.New("blob not found")

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// FileStore keeps blobs under a root directory, one file per key.
type FileStore struct {
	root string
}

// NewFileStore creates the root directory if needed.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, errors.Wrap(err, "create blob dir")
	}
	return &FileStore{root: root}, nil
}

// Put stores r under a fresh key derived from name and returns the key
// and the number of bytes written.
func (f *FileStore) Put(ctx context.Context, name string, r io.Reader) (string, int64, error) {
	key := uuid.New().String() + "/" + SanitizeName(name)
	path := filepath.Join(f.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", 0, errors.Wrap(err, "create blob dir")
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return "", 0, errors.Wrap(err, "create blob")
	}
	n, err := io.Copy(file, &ctxReader{ctx: ctx, r: r})
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.RemoveAll(filepath.Dir(path))
		return "", 0, errors.Wrap(err, "write blob")
	}
	return key, n, nil
}

// Open returns a reader for the blob stored under key.
func (f *FileStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if !validKey(key) {
		return nil, ErrNotFound
	}
	file, err := os.Open(filepath.Join(f.root, filepath.FromSlash(key)))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "open blob")
	}
	return file, nil
}

// SanitizeName reduces a client-supplied file name to a safe path element.
func SanitizeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = unsafeName.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._")
	if name == "" {
		return "file"
	}
	return name
}

func validKey(key string) bool {
	parts := strings.Split(key, "/")
	if len(parts) != 2 {
		return false
	}
	if _, err := uuid.Parse(parts[0]); err != nil {
		return false
	}
	return parts[1] == SanitizeName(parts[1])
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
