/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

// Package seal implements sealing of the master key to the local enclave.
package seal

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/edgelesssys/ego/ecrypto"
)

// UnsealError occurs if sealed data cannot be decrypted, e.g., because it was sealed by another enclave.
type UnsealError struct {
	Err error
}

func (e *UnsealError) Error() string {
	return fmt.Sprintf("cannot unseal master key: %s", e.Err)
}

func (e *UnsealError) Unwrap() error {
	return e.Err
}

var (
	// ErrMissingEncryptionKey occurs if a NoEnclaveSealer has no key.
	ErrMissingEncryptionKey = errors.New("encryption key not set")
	// ErrSealingDisabled occurs if data is sealed with ModeDisabled.
	ErrSealingDisabled = errors.New("sealing disabled")
)

// Sealer handles encryption and decryption of data.
// The metadata is stored in plain text and authenticated with the encrypted data.
type Sealer interface {
	Seal(metadata, plaintext []byte) (sealed []byte, err error)
	Unseal(sealed []byte) (metadata, plaintext []byte, err error)
}

// EnclaveSealer seals data with a key derived by the SGX CPU for this enclave.
type EnclaveSealer struct {
	mode Mode
}

// NewEnclaveSealer creates an EnclaveSealer using the key selected by mode.
func NewEnclaveSealer(mode Mode) *EnclaveSealer {
	return &EnclaveSealer{mode: mode}
}

// Seal implements Sealer.
func (s *EnclaveSealer) Seal(metadata, plaintext []byte) ([]byte, error) {
	var cipherText []byte
	var err error
	switch s.mode {
	case ModeProductKey:
		cipherText, err = ecrypto.SealWithProductKey(plaintext, metadata)
	case ModeUniqueKey:
		cipherText, err = ecrypto.SealWithUniqueKey(plaintext, metadata)
	default:
		return nil, ErrSealingDisabled
	}
	if err != nil {
		return nil, fmt.Errorf("sealing data: %w", err)
	}
	return frame(metadata, cipherText), nil
}

// Unseal implements Sealer.
func (s *EnclaveSealer) Unseal(sealed []byte) ([]byte, []byte, error) {
	metadata, cipherText, err := prepareCipherText(sealed)
	if err != nil {
		return nil, nil, err
	}
	plaintext, err := ecrypto.Unseal(cipherText, metadata)
	if err != nil {
		return metadata, nil, &UnsealError{Err: err}
	}
	return metadata, plaintext, nil
}

// NoEnclaveSealer encrypts data with a given AES key. It is used when running outside an enclave.
type NoEnclaveSealer struct {
	encryptionKey []byte
}

// NewNoEnclaveSealer creates a NoEnclaveSealer with a 16, 24 or 32 byte AES key.
func NewNoEnclaveSealer(encryptionKey []byte) *NoEnclaveSealer {
	return &NoEnclaveSealer{encryptionKey: encryptionKey}
}

// Seal implements Sealer.
func (s *NoEnclaveSealer) Seal(metadata, plaintext []byte) ([]byte, error) {
	if s.encryptionKey == nil {
		return nil, fmt.Errorf("encrypting data: %w", ErrMissingEncryptionKey)
	}
	cipherText, err := ecrypto.Encrypt(plaintext, s.encryptionKey, metadata)
	if err != nil {
		return nil, fmt.Errorf("encrypting data: %w", err)
	}
	return frame(metadata, cipherText), nil
}

// Unseal implements Sealer.
func (s *NoEnclaveSealer) Unseal(sealed []byte) ([]byte, []byte, error) {
	metadata, cipherText, err := prepareCipherText(sealed)
	if err != nil {
		return nil, nil, err
	}
	if s.encryptionKey == nil {
		return metadata, nil, fmt.Errorf("decrypting sealed data: %w", ErrMissingEncryptionKey)
	}
	plaintext, err := ecrypto.Decrypt(cipherText, s.encryptionKey, metadata)
	if err != nil {
		return metadata, nil, &UnsealError{Err: err}
	}
	return metadata, plaintext, nil
}

// prepareCipherText validates format of the given sealed data.
// It returns the unencrypted metadata and the cipher text.
func prepareCipherText(sealedData []byte) (metadata []byte, cipherText []byte, err error) {
	if len(sealedData) <= 4 {
		return nil, nil, errors.New("sealed data is missing data")
	}

	metadataLength := binary.LittleEndian.Uint32(sealedData[:4])
	if uint64(metadataLength)+4 > uint64(len(sealedData)) {
		return nil, nil, errors.New("sealed data is corrupted, embedded length does not fit the data")
	}

	if metadataLength != 0 {
		metadata = sealedData[4 : 4+metadataLength]
	}
	cipherText = sealedData[4+metadataLength:]
	return metadata, cipherText, nil
}

// frame prefixes the cipher text with the metadata and its length.
//
// Format: uint32(littleEndian(len(metadata))) || metadata || cipherText
func frame(metadata, cipherText []byte) []byte {
	out := make([]byte, 4, 4+len(metadata)+len(cipherText))
	binary.LittleEndian.PutUint32(out, uint32(len(metadata)))
	out = append(out, metadata...)
	return append(out, cipherText...)
}
