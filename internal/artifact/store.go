package artifact

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/spf13/afero"
)

// Store is the on-disk layout for workspaces and published artifacts.
type Store struct {
	fs   afero.Fs
	root string
}

// NewStore returns a Store rooted at root. A nil fs means the OS filesystem.
func NewStore(fsys afero.Fs, root string) *Store {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	return &Store{fs: fsys, root: root}
}

// Fs returns the filesystem the store writes to.
func (s *Store) Fs() afero.Fs {
	return s.fs
}

// WorkDir returns the workspace directory of a run.
func (s *Store) WorkDir(runID int64) string {
	return filepath.Join(s.root, "work", strconv.FormatInt(runID, 10))
}

// RunDir returns the directory holding a run's published artifacts.
func (s *Store) RunDir(runID int64) string {
	return filepath.Join(s.root, "artifacts", strconv.FormatInt(runID, 10))
}

// PrepareWorkDir creates the workspace of a run and returns its path.
func (s *Store) PrepareWorkDir(runID int64) (string, error) {
	dir := s.WorkDir(runID)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return "", &Error{Kind: IO, Err: err}
	}
	return dir, nil
}

// RemoveWorkDir deletes the workspace of a finished run.
func (s *Store) RemoveWorkDir(runID int64) error {
	return s.fs.RemoveAll(s.WorkDir(runID))
}

// List returns the published artifacts of a run as sorted slash-separated
// paths. A run without artifacts yields an empty list.
func (s *Store) List(runID int64) ([]string, error) {
	return s.listFiles(s.RunDir(runID))
}

// Open opens one published artifact.
func (s *Store) Open(runID int64, name string) (afero.File, error) {
	cleaned := path.Clean("/" + name)[1:]
	if cleaned == "" {
		return nil, os.ErrNotExist
	}
	return s.fs.Open(filepath.Join(s.RunDir(runID), filepath.FromSlash(cleaned)))
}

func (s *Store) listFiles(dir string) ([]string, error) {
	var out []string
	err := afero.Walk(s.fs, dir, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	slices.Sort(out)
	return out, nil
}

func (s *Store) copyFile(src, dst string) error {
	in, err := s.fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	return s.writeFile(dst, in)
}

func (s *Store) writeFile(dst string, r io.Reader) error {
	if err := s.fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := s.fs.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
