/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

// Package keyagree implements ephemeral X25519 key agreement and the
// authenticated session cipher derived from it.
package keyagree

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/cesslab/ceseal/internal/secret"
	"github.com/cesslab/ceseal/util"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

const (
	// PublicKeySize is the size of an encoded public key.
	PublicKeySize = curve25519.PointSize
	// SessionKeySize is the size of a derived session key.
	SessionKeySize = chacha20poly1305.KeySize
	// NonceSize is the size of the nonce returned by [SessionKey.Seal].
	NonceSize = chacha20poly1305.NonceSizeX
)

var (
	// ErrInvalidPeerKey is returned if the peer public key is malformed or of low order.
	ErrInvalidPeerKey = errors.New("invalid peer public key")
	// ErrAuthentication is returned if a ciphertext fails authentication.
	ErrAuthentication = errors.New("ciphertext authentication failed")
)

// PrivateKey is an ephemeral private key. It never leaves this package.
type PrivateKey struct {
	scalar *secret.Bytes
	public []byte
}

// GenerateEphemeral creates a fresh key pair.
func GenerateEphemeral() ([]byte, *PrivateKey, error) {
	scalar := secret.New(curve25519.ScalarSize)
	var public []byte
	err := scalar.Use(func(s []byte) error {
		if _, err := rand.Read(s); err != nil {
			return err
		}
		var err error
		public, err = curve25519.X25519(s, curve25519.Basepoint)
		return err
	})
	if err != nil {
		scalar.Destroy()
		return nil, nil, fmt.Errorf("generating ephemeral key: %w", err)
	}
	return bytes.Clone(public), &PrivateKey{scalar: scalar, public: public}, nil
}

// Public returns the public half.
func (k *PrivateKey) Public() []byte {
	return bytes.Clone(k.public)
}

// Destroy erases the private key.
func (k *PrivateKey) Destroy() {
	if k == nil {
		return
	}
	k.scalar.Destroy()
}

// DeriveSessionKey computes the shared secret with peerPublic and derives a session key from it.
// The context string separates keys of different protocols. Both parties derive the same key
// because the transcript is bound in a canonical order.
func DeriveSessionKey(local *PrivateKey, peerPublic []byte, context string) (*SessionKey, error) {
	if len(peerPublic) != PublicKeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidPeerKey, PublicKeySize, len(peerPublic))
	}

	var key []byte
	err := local.scalar.Use(func(s []byte) error {
		shared, err := curve25519.X25519(s, peerPublic)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidPeerKey, err)
		}
		defer util.Wipe(shared)

		key, err = util.DeriveKey(shared, nil, transcript(context, local.public, peerPublic), SessionKeySize)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &SessionKey{key: secret.Take(key)}, nil
}

func transcript(context string, a, b []byte) []byte {
	if bytes.Compare(a, b) > 0 {
		a, b = b, a
	}
	info := make([]byte, 0, len(context)+1+len(a)+len(b))
	info = append(info, context...)
	info = append(info, 0)
	info = append(info, a...)
	return append(info, b...)
}

// SessionKey is a symmetric key shared by both parties of one exchange.
type SessionKey struct {
	key *secret.Bytes
}

// Seal encrypts plaintext with a random nonce. additionalData is authenticated but not encrypted.
func (k *SessionKey) Seal(plaintext, additionalData []byte) (nonce, ciphertext []byte, err error) {
	err = k.key.Use(func(key []byte) error {
		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			return err
		}
		nonce = make([]byte, aead.NonceSize())
		if _, err := rand.Read(nonce); err != nil {
			return err
		}
		ciphertext = aead.Seal(nil, nonce, plaintext, additionalData)
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("sealing: %w", err)
	}
	return nonce, ciphertext, nil
}

// Open decrypts and authenticates ciphertext.
// The returned buffer must be destroyed by the caller.
func (k *SessionKey) Open(nonce, ciphertext, additionalData []byte) (*secret.Bytes, error) {
	var plaintext []byte
	err := k.key.Use(func(key []byte) error {
		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			return err
		}
		if len(nonce) != aead.NonceSize() {
			return ErrAuthentication
		}
		plaintext, err = aead.Open(nil, nonce, ciphertext, additionalData)
		if err != nil {
			return ErrAuthentication
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return secret.Take(plaintext), nil
}

// Destroy erases the session key.
func (k *SessionKey) Destroy() {
	if k == nil {
		return
	}
	k.key.Destroy()
}

// Destroyed reports whether the session key was erased.
func (k *SessionKey) Destroyed() bool {
	return k == nil || k.key.Destroyed()
}
