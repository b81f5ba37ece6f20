/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

package handover

import (
	"crypto/rand"
	"fmt"

	"github.com/cesslab/ceseal/internal/canonical"
	"github.com/cesslab/ceseal/worker/attestation"
	"github.com/cesslab/ceseal/worker/chain"
)

// NonceSize is the size of a challenge nonce.
const NonceSize = 32

// Nonce identifies one challenge.
type Nonce [NonceSize]byte

func newNonce() (Nonce, error) {
	var n Nonce
	_, err := rand.Read(n[:])
	return n, err
}

// ChallengeRequest asks a holder to start an attempt.
type ChallengeRequest struct {
	// Requester is the identity the requester is registered with on chain.
	Requester chain.AccountID `cbor:"1,keyasint"`
	Role      chain.Role      `cbor:"2,keyasint"`
}

// Challenge is issued by the holder.
type Challenge struct {
	Nonce            Nonce             `cbor:"1,keyasint"`
	BlockNumber      chain.BlockNumber `cbor:"2,keyasint"`
	HolderECDHPubkey [32]byte          `cbor:"3,keyasint"`
	// IssuedAt is a Unix timestamp in seconds.
	IssuedAt int64 `cbor:"4,keyasint"`
}

// ChallengeHandlerInfo is the requester's answer to a challenge.
// Its canonical hash is embedded in the requester's attestation.
type ChallengeHandlerInfo struct {
	RequesterECDHPubkey [32]byte `cbor:"1,keyasint"`
	EchoedNonce         Nonce    `cbor:"2,keyasint"`
	// BlockNumber is the chain height observed by the requester.
	BlockNumber chain.BlockNumber `cbor:"3,keyasint"`
}

// Digest returns the application data an attestation of h must carry.
func (h ChallengeHandlerInfo) Digest() ([]byte, error) {
	return canonical.Hash(h)
}

// ChallengeResponse carries the handler info and the attestation bound to it.
type ChallengeResponse struct {
	HandlerInfo ChallengeHandlerInfo `cbor:"1,keyasint"`
	Attestation *attestation.Report  `cbor:"2,keyasint"`
}

// KeyStaffs carries the master key encrypted under the session key.
type KeyStaffs struct {
	// Nonce is the nonce of the challenge the key staffs answer.
	// It is also the additional data of the encryption.
	Nonce      Nonce  `cbor:"1,keyasint"`
	IV         []byte `cbor:"2,keyasint"`
	Ciphertext []byte `cbor:"3,keyasint"`
	// Attestation is the holder's optional attestation bound to [KeyStaffs.Digest].
	Attestation *attestation.Report `cbor:"4,keyasint,omitempty"`
}

type sealedKey struct {
	Nonce      Nonce  `cbor:"1,keyasint"`
	IV         []byte `cbor:"2,keyasint"`
	Ciphertext []byte `cbor:"3,keyasint"`
}

// Digest returns the application data the holder's attestation must carry.
// It covers the ciphertext together with its IV and nonce.
func (k *KeyStaffs) Digest() ([]byte, error) {
	return canonical.Hash(sealedKey{Nonce: k.Nonce, IV: k.IV, Ciphertext: k.Ciphertext})
}

// Message is any handover message.
type Message interface {
	ChallengeRequest | Challenge | ChallengeResponse | KeyStaffs
}

// Encode returns the canonical encoding of msg.
func Encode[M Message](msg *M) ([]byte, error) {
	return canonical.Marshal(msg)
}

// Decode decodes a canonically encoded message.
func Decode[M Message](data []byte) (*M, error) {
	msg := new(M)
	if err := canonical.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	return msg, nil
}
