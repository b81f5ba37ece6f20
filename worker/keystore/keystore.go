/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

// Package keystore owns the network master key held in enclave memory.
package keystore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cesslab/ceseal/internal/secret"
	"github.com/cesslab/ceseal/worker/constants"
	"go.uber.org/zap"
)

var (
	// ErrNotProvisioned is returned if no master key has been installed.
	ErrNotProvisioned = errors.New("master key not provisioned")
	// ErrInvalidKey is returned for keys of the wrong size.
	ErrInvalidKey = errors.New("invalid master key")
)

// Source records how the current master key was obtained.
type Source string

// Key sources.
const (
	SourceHandover  Source = "handover"
	SourceInjected  Source = "injected"
	SourceDev       Source = "dev"
	SourceSealed    Source = "sealed"
	SourceGenerated Source = "generated"
)

// Persister stores installed keys, e.g., sealed on disk.
type Persister interface {
	Save(ctx context.Context, key []byte, source string) error
}

// Keystore holds the master key. Install takes the write lock, readers share the read lock.
type Keystore struct {
	// installMut serializes installs, including persisting.
	installMut sync.Mutex
	mut        sync.RWMutex
	key        *secret.Bytes
	source     Source
	persister  Persister
	log        *zap.Logger
}

// New creates an empty keystore. persister may be nil.
func New(persister Persister, log *zap.Logger) *Keystore {
	return &Keystore{persister: persister, log: log}
}

// Install persists key and then replaces the master key with it. It takes ownership of key.
// The previous key is erased before Install returns.
// If persisting fails, key is erased and the previous key stays installed.
func (k *Keystore) Install(ctx context.Context, key *secret.Bytes, source Source) error {
	if size := key.Len(); size != constants.MasterKeySize {
		key.Destroy()
		return fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKey, constants.MasterKeySize, size)
	}

	k.installMut.Lock()
	defer k.installMut.Unlock()

	if k.persister != nil && source != SourceSealed {
		if err := key.Use(func(b []byte) error {
			return k.persister.Save(ctx, b, string(source))
		}); err != nil {
			key.Destroy()
			k.log.Error("Persisting master key failed", zap.Error(err))
			return fmt.Errorf("persisting master key: %w", err)
		}
	}

	k.mut.Lock()
	old := k.key
	k.key, k.source = key, source
	old.Destroy()
	k.mut.Unlock()
	k.log.Info("Installed master key", zap.String("source", string(source)), zap.Bool("replaced", old != nil))
	return nil
}

// Use calls fn with the current key under the read lock. fn must not retain the slice.
func (k *Keystore) Use(fn func(key []byte) error) error {
	k.mut.RLock()
	defer k.mut.RUnlock()
	if k.key == nil {
		return ErrNotProvisioned
	}
	return k.key.Use(fn)
}

// Current returns a copy of the current key. The caller must destroy it.
func (k *Keystore) Current() (*secret.Bytes, error) {
	k.mut.RLock()
	defer k.mut.RUnlock()
	if k.key == nil {
		return nil, ErrNotProvisioned
	}
	return k.key.Clone()
}

// Source returns how the current key was obtained.
func (k *Keystore) Source() (Source, error) {
	k.mut.RLock()
	defer k.mut.RUnlock()
	if k.key == nil {
		return "", ErrNotProvisioned
	}
	return k.source, nil
}

// Provisioned reports whether a key is installed.
func (k *Keystore) Provisioned() bool {
	k.mut.RLock()
	defer k.mut.RUnlock()
	return k.key != nil
}

// Destroy erases the key. The keystore is empty afterwards.
func (k *Keystore) Destroy() {
	k.mut.Lock()
	defer k.mut.Unlock()
	k.key.Destroy()
	k.key = nil
	k.source = ""
}
