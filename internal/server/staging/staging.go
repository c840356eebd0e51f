// Package staging keeps uploaded attachment bytes on local disk until the
// upload scheduler has committed them to object storage and the ledger.
//
// Layout: <root>/<documentID>/<fileName>. Files are written to a hidden
// temporary name and renamed into place, so a listed file is always complete.
package staging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/dmitrijs2005/doccatalog/internal/common"
)

const (
	tmpPrefix  = ".tmp-"
	maxNameLen = 255
	dirPerm    = 0o770
)

// Area is a staging directory tree.
type Area struct {
	fs afero.Fs
	// mu serializes creation and removal of per-document directories.
	mu sync.Mutex
}

// New wraps an arbitrary afero filesystem; tests pass afero.NewMemMapFs().
func New(fs afero.Fs) *Area {
	return &Area{fs: fs}
}

// NewOS roots an Area at dir on the local filesystem, creating it if needed.
// A relative dir is resolved against the working directory.
func NewOS(dir string) (*Area, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("staging: resolve %s: %w", dir, err)
	}
	if err := os.MkdirAll(abs, dirPerm); err != nil {
		return nil, fmt.Errorf("staging: mkdir %s: %w", abs, err)
	}
	return New(afero.NewBasePathFs(afero.NewOsFs(), abs)), nil
}

// ValidateName rejects names that cannot be used as a single path element
// or object key suffix.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty file name", common.ErrValidation)
	case len(name) > maxNameLen:
		return fmt.Errorf("%w: file name longer than %d bytes", common.ErrValidation, maxNameLen)
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("%w: file name %q starts with a dot", common.ErrValidation, name)
	case strings.ContainsAny(name, "/\\\x00"):
		return fmt.Errorf("%w: file name %q contains a path separator", common.ErrValidation, name)
	}
	return nil
}

func docDir(documentID string) string {
	return string(filepath.Separator) + documentID
}

func filePath(documentID, name string) string {
	return filepath.Join(docDir(documentID), name)
}

// Write stores r as documentID/name, replacing an existing file atomically.
// It returns the number of bytes written.
func (a *Area) Write(documentID, name string, r io.Reader) (int64, error) {
	if err := ValidateName(name); err != nil {
		return 0, err
	}

	a.mu.Lock()
	if err := a.fs.MkdirAll(docDir(documentID), dirPerm); err != nil {
		a.mu.Unlock()
		return 0, fmt.Errorf("staging: mkdir: %w", err)
	}
	tmp, err := afero.TempFile(a.fs, docDir(documentID), tmpPrefix+"*")
	a.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("staging: create temp: %w", err)
	}

	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = a.fs.Remove(tmp.Name())
		return 0, fmt.Errorf("staging: write %s: %w", name, err)
	}
	if err := a.fs.Rename(tmp.Name(), filePath(documentID, name)); err != nil {
		_ = a.fs.Remove(tmp.Name())
		return 0, fmt.Errorf("staging: rename %s: %w", name, err)
	}
	return n, nil
}

// Open returns the staged file and its size. A missing file yields
// common.ErrStagedFileMissing.
func (a *Area) Open(documentID, name string) (afero.File, int64, error) {
	f, err := a.fs.Open(filePath(documentID, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, fmt.Errorf("%w: %s/%s", common.ErrStagedFileMissing, documentID, name)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("staging: open %s: %w", name, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, fmt.Errorf("staging: stat %s: %w", name, err)
	}
	return f, st.Size(), nil
}

func (a *Area) Exists(documentID, name string) (bool, error) {
	return afero.Exists(a.fs, filePath(documentID, name))
}

// Remove deletes a staged file and drops the document directory once it is
// empty. Removing a file that is already gone is not an error.
func (a *Area) Remove(documentID, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.fs.Remove(filePath(documentID, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("staging: remove %s: %w", name, err)
	}
	empty, err := afero.IsEmpty(a.fs, docDir(documentID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("staging: inspect %s: %w", documentID, err)
	}
	if empty {
		if err := a.fs.Remove(docDir(documentID)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("staging: remove dir %s: %w", documentID, err)
		}
	}
	return nil
}

// Pending lists the complete staged files of a document in name order.
func (a *Area) Pending(documentID string) ([]string, error) {
	infos, err := afero.ReadDir(a.fs, docDir(documentID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("staging: list %s: %w", documentID, err)
	}
	var names []string
	for _, fi := range infos {
		if fi.IsDir() || strings.HasPrefix(fi.Name(), tmpPrefix) {
			continue
		}
		names = append(names, fi.Name())
	}
	sort.Strings(names)
	return names, nil
}

// ListPending maps every document that still has staged files to its names.
func (a *Area) ListPending() (map[string][]string, error) {
	infos, err := afero.ReadDir(a.fs, string(filepath.Separator))
	if err != nil {
		return nil, fmt.Errorf("staging: list root: %w", err)
	}
	out := make(map[string][]string)
	for _, fi := range infos {
		if !fi.IsDir() {
			continue
		}
		names, err := a.Pending(fi.Name())
		if err != nil {
			return nil, err
		}
		if len(names) > 0 {
			out[fi.Name()] = names
		}
	}
	return out, nil
}

// SweepTemp removes temporary files left behind by interrupted writes.
// Files modified within olderThan are kept: a running server may still be
// writing them. Zero removes every temporary file.
func (a *Area) SweepTemp(olderThan time.Duration) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	err := afero.Walk(a.fs, string(filepath.Separator), func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !fi.IsDir() && strings.HasPrefix(fi.Name(), tmpPrefix) && !fi.ModTime().After(cutoff) {
			if err := a.fs.Remove(path); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("staging: sweep: %w", err)
	}
	return removed, nil
}
