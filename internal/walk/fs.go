package walk

import (
	"context"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Entry is a regular file found by a walk.
type Entry interface {
	// Path is the file path prefixed with the name of the walked root.
	Path() string
	// Rel is the path relative to the walked root.
	Rel() string
	Open() (io.ReadCloser, error)
	Stat() (fs.FileInfo, error)
}

// Root is a convenience wrapper around FS for os.Root. See FS for details.
func Root(ctx context.Context, root *os.Root) iter.Seq2[Entry, error] {
	return FS(ctx, root.FS(), root.Name())
}

// FS recursively walks the filesystem rooted at root and return a handle for every regular file found.
// Or an error if file information retrieval fails.
// Each Entry's Path() is prefixed with name of a filesystem. It does not follow symlinks.
func FS(ctx context.Context, root fs.FS, name string) iter.Seq2[Entry, error] {
	if root == nil {
		panic("root is nil")
	}

	return func(yield func(Entry, error) bool) {
		fn := func(path string, d fs.DirEntry, err error) error {
			if ctx.Err() != nil {
				return fs.SkipAll
			}
			var e = entry{
				root:    root,
				abspath: filepath.Join(name, path),
				path:    path,
			}
			var yieldErr error
			if err != nil {
				yieldErr = err
			} else {
				info, err := d.Info()
				if err != nil {
					e.infoErr = err
					yieldErr = err
				} else {
					if !info.Mode().IsRegular() {
						return nil
					}
					e.info = info
				}
			}

			if !yield(e, yieldErr) {
				return fs.SkipAll
			}
			return nil
		}
		_ = fs.WalkDir(root, ".", fn)
	}
}

// Ext keeps entries with one of the extensions, compared case-insensitively.
// Errors are passed through.
func Ext(seq iter.Seq2[Entry, error], exts ...string) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		for e, err := range seq {
			if err == nil && !slices.ContainsFunc(exts, func(ext string) bool {
				return strings.EqualFold(filepath.Ext(e.Rel()), ext)
			}) {
				continue
			}
			if !yield(e, err) {
				return
			}
		}
	}
}

// entry opens files through the walked filesystem
type entry struct {
	root    fs.FS
	abspath string
	path    string
	info    fs.FileInfo
	infoErr error
}

func (e entry) Path() string {
	return e.abspath
}

func (e entry) Rel() string {
	return e.path
}

func (e entry) Open() (io.ReadCloser, error) {
	if e.infoErr != nil {
		return nil, e.infoErr
	}
	return e.root.Open(e.path)
}

func (e entry) Stat() (fs.FileInfo, error) {
	return e.info, e.infoErr
}
