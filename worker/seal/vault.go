/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

package seal

import (
	"context"
	"fmt"
	"time"

	"github.com/cesslab/ceseal/internal/canonical"
	"github.com/cesslab/ceseal/internal/secret"
	"go.uber.org/zap"
)

const metadataVersion = 1

// Metadata is stored in plain text next to the sealed master key.
type Metadata struct {
	Version uint8  `cbor:"1,keyasint"`
	Source  string `cbor:"2,keyasint"`
	// SealedAt is a Unix timestamp in seconds.
	SealedAt int64 `cbor:"3,keyasint"`
}

// Vault persists the master key sealed to the enclave.
type Vault struct {
	sealer Sealer
	store  *FileStore
	now    func() time.Time
	log    *zap.Logger
}

// NewVault creates a vault.
func NewVault(sealer Sealer, store *FileStore, log *zap.Logger) *Vault {
	return &Vault{sealer: sealer, store: store, now: time.Now, log: log}
}

// Save seals key and replaces the stored key.
func (v *Vault) Save(ctx context.Context, key []byte, source string) error {
	metadata, err := canonical.Marshal(Metadata{Version: metadataVersion, Source: source, SealedAt: v.now().Unix()})
	if err != nil {
		return err
	}
	sealed, err := v.sealer.Seal(metadata, key)
	if err != nil {
		return err
	}
	if err := v.store.Write(ctx, sealed); err != nil {
		return err
	}
	v.log.Info("Sealed master key", zap.String("path", v.store.Path()), zap.String("source", source))
	return nil
}

// Load unseals the stored key. It returns [ErrNotFound] if no key was saved yet.
func (v *Vault) Load(ctx context.Context) (*secret.Bytes, Metadata, error) {
	sealed, err := v.store.Read(ctx)
	if err != nil {
		return nil, Metadata{}, err
	}
	rawMetadata, plaintext, err := v.sealer.Unseal(sealed)
	if err != nil {
		return nil, Metadata{}, err
	}
	key := secret.Take(plaintext)

	var metadata Metadata
	if err := canonical.Unmarshal(rawMetadata, &metadata); err != nil {
		key.Destroy()
		return nil, Metadata{}, fmt.Errorf("decoding sealed key metadata: %w", err)
	}
	if metadata.Version != metadataVersion {
		key.Destroy()
		return nil, Metadata{}, fmt.Errorf("unsupported sealed key version %d", metadata.Version)
	}
	return key, metadata, nil
}
