/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

package keystore

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/cesslab/ceseal/internal/secret"
	"github.com/cesslab/ceseal/util"
	"github.com/cesslab/ceseal/worker/constants"
	"github.com/cesslab/ceseal/worker/seal"
	"go.uber.org/zap"
)

// BootstrapOptions selects how a key is obtained at startup.
type BootstrapOptions struct {
	// InjectKey is a hex encoded key supplied by the operator.
	InjectKey string
	// UseDevKey installs the fixed dev key.
	UseDevKey bool
	// Generate creates a fresh key if nothing else provides one.
	// Only the designated first holder of a network sets this.
	Generate bool
}

// SealedLoader loads a previously sealed key.
type SealedLoader interface {
	Load(ctx context.Context) (*secret.Bytes, seal.Metadata, error)
}

// Bootstrap installs a key without a handover. Operator supplied keys take precedence over
// a sealed key, which takes precedence over generating a new one.
// It returns [ErrNotProvisioned] if the key must be obtained by a handover.
func (k *Keystore) Bootstrap(ctx context.Context, opts BootstrapOptions, loader SealedLoader) (Source, error) {
	if opts.InjectKey != "" && opts.UseDevKey {
		return "", errors.New("inject key and dev key are mutually exclusive")
	}

	switch {
	case opts.InjectKey != "":
		raw, err := util.DecodeHexKey(opts.InjectKey, constants.MasterKeySize)
		if err != nil {
			return "", fmt.Errorf("decoding injected key: %w", err)
		}
		return SourceInjected, k.Install(ctx, secret.Take(raw), SourceInjected)
	case opts.UseDevKey:
		k.log.Warn("Using the dev master key. Never do this in production")
		return SourceDev, k.Install(ctx, secret.Take(constants.DevMasterKey()), SourceDev)
	}

	if loader != nil {
		key, metadata, err := loader.Load(ctx)
		switch {
		case err == nil:
			k.log.Info("Loaded sealed master key", zap.String("sealedSource", metadata.Source), zap.Int64("sealedAt", metadata.SealedAt))
			return SourceSealed, k.Install(ctx, key, SourceSealed)
		case !errors.Is(err, seal.ErrNotFound):
			return "", fmt.Errorf("loading sealed master key: %w", err)
		}
	}

	if opts.Generate {
		key := secret.New(constants.MasterKeySize)
		if err := key.Use(func(b []byte) error {
			_, err := rand.Read(b)
			return err
		}); err != nil {
			key.Destroy()
			return "", fmt.Errorf("generating master key: %w", err)
		}
		return SourceGenerated, k.Install(ctx, key, SourceGenerated)
	}
	return "", ErrNotProvisioned
}
