// Package chunkstore keeps uploaded chunk blobs on the local filesystem.
//
// Chunks live under <root>/<uploadID>/chunk_<index>. The store is a dumb blob
// store: it never decides whether a chunk is complete, the session registry does.
package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

var (
	ErrInvalidUploadID = errors.New("invalid upload id")
	ErrChunkNotFound   = errors.New("chunk not found")
)

const (
	chunkPrefix = "chunk_"
	dirPerm     = 0o750
	filePerm    = 0o640
)

type Store struct {
	root string
}

func New(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("chunk root is required")
	}

	if err := os.MkdirAll(root, dirPerm); err != nil {
		return nil, err
	}

	return &Store{root: root}, nil
}

// Root returns the directory holding all session directories
func (s *Store) Root() string {
	return s.root
}

// Put writes the chunk atomically: the data goes to a temp file that is
// renamed to chunk_<index> only after a successful sync.
func (s *Store) Put(ctx context.Context, uploadID string, index int, r io.Reader) (int64, error) {
	dir, err := s.sessionDir(uploadID)
	if err != nil {
		return 0, err
	}

	if index < 0 {
		return 0, fmt.Errorf("negative chunk index %d", index)
	}

	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return 0, err
	}

	tmpName := tmp.Name()

	n, err := io.Copy(tmp, r)
	if err == nil {
		err = tmp.Sync()
	}

	if cerr := tmp.Close(); err == nil {
		err = cerr
	}

	if err == nil {
		err = ctx.Err()
	}

	if err == nil {
		err = os.Chmod(tmpName, filePerm)
	}

	if err == nil {
		err = os.Rename(tmpName, filepath.Join(dir, chunkName(index)))
	}

	if err != nil {
		_ = os.Remove(tmpName)

		return 0, err
	}

	return n, nil
}

// Open returns a reader for the chunk. Missing chunks yield ErrChunkNotFound.
func (s *Store) Open(uploadID string, index int) (io.ReadCloser, error) {
	dir, err := s.sessionDir(uploadID)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(filepath.Join(dir, chunkName(index)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: index %d", ErrChunkNotFound, index)
		}

		return nil, err
	}

	return f, nil
}

// RemoveSession deletes the session directory and everything in it.
// A directory that is already gone is not an error.
func (s *Store) RemoveSession(uploadID string) error {
	dir, err := s.sessionDir(uploadID)
	if err != nil {
		return err
	}

	return os.RemoveAll(dir)
}

// Exists reports whether the session directory is present
func (s *Store) Exists(uploadID string) bool {
	dir, err := s.sessionDir(uploadID)
	if err != nil {
		return false
	}

	_, err = os.Stat(dir)

	return err == nil
}

func (s *Store) sessionDir(uploadID string) (string, error) {
	if uploadID == "" || uploadID == "." ||
		strings.Contains(uploadID, "/") || strings.Contains(uploadID, "\\") || strings.Contains(uploadID, "..") {
		return "", ErrInvalidUploadID
	}

	return filepath.Join(s.root, uploadID), nil
}

func chunkName(index int) string {
	return chunkPrefix + strconv.Itoa(index)
}
