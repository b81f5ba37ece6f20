/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

package handover

import (
	"context"
	"errors"
	"fmt"

	"github.com/cesslab/ceseal/worker/chain"
	"github.com/cesslab/ceseal/worker/constants"
	"github.com/cesslab/ceseal/worker/keyagree"
	"github.com/cesslab/ceseal/worker/keystore"
	"k8s.io/utils/clock"
)

// Distribute encrypts the master key to the registered ECDH key of target and submits
// the distribution payload. It is used by the designated distributor of a new network,
// before any holder exists that target could request a handover from.
func Distribute(
	ctx context.Context, keys KeyReader, distributor chain.AccountID, target *chain.WorkerRegistrationInfo,
	sink chain.PayloadSink, clock clock.PassiveClock,
) (*chain.MasterKeyDistributePayload, error) {
	public, ecdh, err := keyagree.GenerateEphemeral()
	if err != nil {
		return nil, err
	}
	session, err := keyagree.DeriveSessionKey(ecdh, target.ECDHPubkey[:], constants.DistributeContext)
	ecdh.Destroy()
	if err != nil {
		return nil, err
	}
	defer session.Destroy()

	payload := &chain.MasterKeyDistributePayload{
		Distributor: distributor,
		Target:      target.Pubkey,
		SigningTime: uint64(clock.Now().UnixMilli()),
	}
	copy(payload.ECDHPubkey[:], public)
	if err := keys.Use(func(key []byte) error {
		payload.IV, payload.EncryptedMasterKey, err = session.Seal(key, target.Pubkey[:])
		return err
	}); err != nil {
		return nil, fmt.Errorf("encrypting master key: %w", err)
	}

	if err := sink.SubmitDistribute(ctx, *payload); err != nil {
		return nil, fmt.Errorf("submitting distribute payload: %w", err)
	}
	return payload, nil
}

// ReceiveDistributed decrypts a distribution addressed to identity with the worker's
// long-term ECDH key and installs the master key.
func ReceiveDistributed(
	ctx context.Context, payload *chain.MasterKeyDistributePayload, identity chain.AccountID,
	local *keyagree.PrivateKey, installer KeyInstaller,
) error {
	if payload.Target != identity {
		return fmt.Errorf("%w: distribution addressed to %s", ErrUnauthorizedPeer, payload.Target)
	}
	session, err := keyagree.DeriveSessionKey(local, payload.ECDHPubkey[:], constants.DistributeContext)
	if err != nil {
		return err
	}
	defer session.Destroy()

	key, err := session.Open(payload.IV, payload.EncryptedMasterKey, identity[:])
	if errors.Is(err, keyagree.ErrAuthentication) {
		return fmt.Errorf("%w: %w", ErrKeyStaffsTampered, err)
	} else if err != nil {
		return err
	}
	return installer.Install(ctx, key, keystore.SourceHandover)
}
