// Package docstore persists uploaded documents under a working directory,
// keyed by their original file name.
package docstore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/xhad/ragchat/internal/models"
)

var ErrInvalidName = errors.New("invalid document name")

type Store struct {
	dir string
}

func New(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) Dir() string {
	return s.dir
}

// cleanName keeps only the final path element so an upload can never write
// outside the store directory.
func cleanName(name string) (string, error) {
	base := filepath.Base(filepath.Clean("/" + filepath.ToSlash(name)))
	if base == "" || base == "." || base == ".." || base == "/" || base == string(filepath.Separator) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return base, nil
}

// Path returns where a document with this name is stored.
func (s *Store) Path(name string) (string, error) {
	base, err := cleanName(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.dir, base), nil
}

// Save writes r to the store under name, replacing any document with the
// same name. The content is written to a temporary file first and renamed
// into place, so readers never observe a partial document.
func (s *Store) Save(name string, r io.Reader) (models.Document, error) {
	path, err := s.Path(name)
	if err != nil {
		return models.Document{}, err
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return models.Document{}, fmt.Errorf("failed to create document directory: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return models.Document{}, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	size, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return models.Document{}, fmt.Errorf("failed to write document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return models.Document{}, fmt.Errorf("failed to write document: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return models.Document{}, fmt.Errorf("failed to store document: %w", err)
	}

	return models.Document{
		Name: filepath.Base(path),
		Path: path,
		Size: size,
	}, nil
}

// Open opens a stored document for reading.
func (s *Store) Open(name string) (*os.File, error) {
	path, err := s.Path(name)
	if err != nil {
		return nil, err
	}
	return os.Open(path)
}
