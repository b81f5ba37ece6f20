/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

package seal

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cesslab/ceseal/worker/constants"
	"github.com/gofrs/flock"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestFileStore(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	fs := afero.NewMemMapFs()
	store := NewFileStore(fs, "/data/protected_files", constants.SealedMasterKeyFile, t.TempDir())

	_, err := store.Read(ctx)
	assert.ErrorIs(err, ErrNotFound)

	require.NoError(store.Write(ctx, []byte("first")))
	require.NoError(store.Write(ctx, []byte("second")))
	data, err := store.Read(ctx)
	require.NoError(err)
	assert.Equal([]byte("second"), data)

	exists, err := afero.Exists(fs, store.Path()+".tmp")
	require.NoError(err)
	assert.False(exists)
	assert.Equal("/data/protected_files/master_key.sealed", store.Path())
}

func TestFileStoreLocked(t *testing.T) {
	require := require.New(t)

	lockDir := t.TempDir()
	store := NewFileStore(afero.NewMemMapFs(), "/data", constants.SealedMasterKeyFile, lockDir)

	other := flock.New(filepath.Join(lockDir, constants.SealedMasterKeyFile+".lock"))
	locked, err := other.TryLock()
	require.NoError(err)
	require.True(locked)
	defer other.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 3*lockRetryDelay)
	defer cancel()
	assert.Error(t, store.Write(ctx, []byte("data")))
}

func TestVault(t *testing.T) {
	testCases := map[string]struct {
		sealer      Sealer
		corrupt     func(afero.Fs, string)
		wantLoadErr bool
	}{
		"no enclave sealer": {
			sealer: NewNoEnclaveSealer(bytes.Repeat([]byte{0x42}, 16)),
		},
		"mock sealer": {
			sealer: &MockSealer{},
		},
		"tampered file": {
			sealer: NewNoEnclaveSealer(bytes.Repeat([]byte{0x42}, 16)),
			corrupt: func(fs afero.Fs, path string) {
				data, _ := afero.ReadFile(fs, path)
				data[len(data)-1] ^= 1
				_ = afero.WriteFile(fs, path, data, 0o600)
			},
			wantLoadErr: true,
		},
		"unseal error": {
			sealer:      &MockSealer{UnsealError: &UnsealError{Err: assert.AnError}},
			wantLoadErr: true,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)
			ctx := context.Background()

			fs := afero.NewMemMapFs()
			store := NewFileStore(fs, "/data", constants.SealedMasterKeyFile, t.TempDir())
			vault := NewVault(tc.sealer, store, zaptest.NewLogger(t))
			vault.now = func() time.Time { return time.Unix(1700000000, 0) }

			_, _, err := vault.Load(ctx)
			assert.ErrorIs(err, ErrNotFound)

			key := bytes.Repeat([]byte{0xab}, constants.MasterKeySize)
			require.NoError(vault.Save(ctx, key, "handover"))
			if tc.corrupt != nil {
				tc.corrupt(fs, store.Path())
			}

			loaded, metadata, err := vault.Load(ctx)
			if tc.wantLoadErr {
				assert.Error(err)
				return
			}
			require.NoError(err)
			defer loaded.Destroy()
			assert.True(loaded.Equal(key))
			assert.Equal(Metadata{Version: 1, Source: "handover", SealedAt: 1700000000}, metadata)
		})
	}
}
