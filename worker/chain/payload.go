/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

package chain

import (
	"context"

	"github.com/cesslab/ceseal/internal/canonical"
)

// MasterKeyApplyPayload announces that a worker holds the master key.
type MasterKeyApplyPayload struct {
	Pubkey      AccountID `cbor:"1,keyasint"`
	ECDHPubkey  [32]byte  `cbor:"2,keyasint"`
	SigningTime uint64    `cbor:"3,keyasint"`
}

// Encode returns the canonical encoding of the payload.
func (p MasterKeyApplyPayload) Encode() ([]byte, error) {
	return canonical.Marshal(p)
}

// MasterKeyDistributePayload records the original distribution of the master key by a designated distributor.
type MasterKeyDistributePayload struct {
	Distributor        AccountID `cbor:"1,keyasint"`
	Target             AccountID `cbor:"2,keyasint"`
	ECDHPubkey         [32]byte  `cbor:"3,keyasint"`
	EncryptedMasterKey []byte    `cbor:"4,keyasint"`
	IV                 []byte    `cbor:"5,keyasint"`
	SigningTime        uint64    `cbor:"6,keyasint"`
}

// Encode returns the canonical encoding of the payload.
func (p MasterKeyDistributePayload) Encode() ([]byte, error) {
	return canonical.Marshal(p)
}

// PayloadSink submits payloads to the chain.
type PayloadSink interface {
	SubmitApply(ctx context.Context, payload MasterKeyApplyPayload) error
	SubmitDistribute(ctx context.Context, payload MasterKeyDistributePayload) error
}
