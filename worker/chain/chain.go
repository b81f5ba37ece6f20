/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

// Package chain defines the boundary between the worker and the blockchain:
// the adapter the worker queries for freshness and authorization, the
// registration records it reads, and the payloads it hands back for submission.
package chain

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrNotRegistered is returned by [Adapter.LookupRegistration] for unknown identities.
var ErrNotRegistered = errors.New("worker not registered")

// BlockNumber is a chain height.
type BlockNumber = uint32

// AccountID identifies an account or a worker identity key on chain.
type AccountID [32]byte

// String returns the hex encoding of the account ID.
func (a AccountID) String() string {
	return hex.EncodeToString(a[:])
}

// ParseAccountID parses a hex encoded account ID. A leading 0x is accepted.
func ParseAccountID(s string) (AccountID, error) {
	var a AccountID
	return a, decodeHex32(s, a[:])
}

// Hash is a block hash.
type Hash [32]byte

// String returns the hex encoding of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ParseHash parses a hex encoded hash. A leading 0x is accepted.
func ParseHash(s string) (Hash, error) {
	var h Hash
	return h, decodeHex32(s, h[:])
}

func decodeHex32(s string, dst []byte) error {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return err
	}
	if len(b) != len(dst) {
		return fmt.Errorf("expected %d bytes, got %d", len(dst), len(b))
	}
	copy(dst, b)
	return nil
}

// Role is the role a worker declares at registration.
type Role uint8

const (
	// RoleFull serves both verifier and marker APIs.
	RoleFull Role = iota
	// RoleVerifier serves only verifier APIs.
	RoleVerifier
	// RoleMarker serves only marker APIs.
	RoleMarker
)

var roleNames = [...]string{"full", "verifier", "marker"}

// String returns the lower-case role name.
func (r Role) String() string {
	if int(r) < len(roleNames) {
		return roleNames[r]
	}
	return fmt.Sprintf("Role(%d)", r)
}

// ParseRole parses a role name case-insensitively.
func ParseRole(s string) (Role, error) {
	for i, name := range roleNames {
		if strings.EqualFold(s, name) {
			return Role(i), nil
		}
	}
	return 0, fmt.Errorf("unknown worker role %q", s)
}

// WorkerRegistrationInfo is the chain-anchored identity record of a worker.
type WorkerRegistrationInfo struct {
	Version          uint32     `cbor:"1,keyasint"`
	MachineID        []byte     `cbor:"2,keyasint"`
	Pubkey           AccountID  `cbor:"3,keyasint"`
	ECDHPubkey       [32]byte   `cbor:"4,keyasint"`
	StashAccount     *AccountID `cbor:"5,keyasint"`
	GenesisBlockHash Hash       `cbor:"6,keyasint"`
	Features         []uint32   `cbor:"7,keyasint"`
	Role             Role       `cbor:"8,keyasint"`
	Endpoint         string     `cbor:"9,keyasint,omitempty"`
}

// Adapter is the worker's view of the chain.
type Adapter interface {
	// CurrentBlockHeight returns the latest block number the adapter has seen.
	CurrentBlockHeight(ctx context.Context) (BlockNumber, error)
	// LookupRegistration returns the registration of a worker identity.
	// It returns [ErrNotRegistered] if the identity is unknown.
	LookupRegistration(ctx context.Context, identity AccountID) (*WorkerRegistrationInfo, error)
	// GenesisHash returns the hash of the chain's genesis block.
	GenesisHash(ctx context.Context) (Hash, error)
}
