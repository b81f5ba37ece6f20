/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

package seal

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/afero"
)

// ErrNotFound is returned if no sealed data exists yet.
var ErrNotFound = errors.New("no sealed data found")

const lockRetryDelay = 100 * time.Millisecond

// FileStore stores a single sealed blob in a file.
// Access is serialized across processes with a file lock next to the blob.
type FileStore struct {
	fs   afero.Afero
	dir  string
	name string
	lock *flock.Flock
}

// NewFileStore creates a store for dir/name. lockDir holds the lock file and must be on the host file system.
func NewFileStore(fs afero.Fs, dir, name, lockDir string) *FileStore {
	return &FileStore{
		fs:   afero.Afero{Fs: fs},
		dir:  dir,
		name: name,
		lock: flock.New(filepath.Join(lockDir, name+".lock")),
	}
}

// Path returns the path of the blob.
func (s *FileStore) Path() string {
	return filepath.Join(s.dir, s.name)
}

// Write replaces the stored blob.
func (s *FileStore) Write(ctx context.Context, data []byte) error {
	unlock, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.fs.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("creating seal directory: %w", err)
	}
	tmp := s.Path() + ".tmp"
	if err := s.fs.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing sealed data: %w", err)
	}
	if err := s.fs.Rename(tmp, s.Path()); err != nil {
		return fmt.Errorf("replacing sealed data: %w", err)
	}
	return nil
}

// Read returns the stored blob or [ErrNotFound].
func (s *FileStore) Read(ctx context.Context) ([]byte, error) {
	unlock, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	data, err := s.fs.ReadFile(s.Path())
	if errors.Is(err, afero.ErrFileNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading sealed data: %w", err)
	}
	return data, nil
}

func (s *FileStore) acquire(ctx context.Context) (func(), error) {
	locked, err := s.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("locking %s: %w", s.lock.Path(), err)
	}
	if !locked {
		return nil, fmt.Errorf("locking %s: lock held by another process", s.lock.Path())
	}
	return func() { _ = s.lock.Unlock() }, nil
}
