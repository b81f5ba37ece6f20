/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

package handover

import (
	"errors"
	"fmt"

	"github.com/cesslab/ceseal/worker/attestation"
	"github.com/cesslab/ceseal/worker/chain"
	"github.com/cesslab/ceseal/worker/collateral"
	"github.com/cesslab/ceseal/worker/keyagree"
	"github.com/cesslab/ceseal/worker/keystore"
)

var (
	// ErrChallengeExpired is returned if a block number is outside the recency window.
	ErrChallengeExpired = errors.New("challenge expired")
	// ErrReplay is returned if a nonce was already consumed.
	ErrReplay = errors.New("nonce already consumed")
	// ErrUnknownChallenge is returned if a response echoes a nonce that was never issued.
	ErrUnknownChallenge = errors.New("unknown challenge")
	// ErrNonceMismatch is returned if an echoed nonce differs from the issued one.
	ErrNonceMismatch = errors.New("echoed nonce does not match challenge")
	// ErrDuplicateAttempt is returned if the peer already has an attempt in flight.
	ErrDuplicateAttempt = errors.New("handover attempt already in flight")
	// ErrKeyStaffsTampered is returned if the encrypted master key fails authentication.
	ErrKeyStaffsTampered = errors.New("key staffs failed authentication")
	// ErrHolderAttestationMissing is returned if key staffs carry no attestation but one is required.
	ErrHolderAttestationMissing = errors.New("key staffs carry no holder attestation")
	// ErrUnauthorizedPeer is returned if the peer is not a registered worker of this chain.
	ErrUnauthorizedPeer = errors.New("peer not authorized")
	// ErrMalformedMessage is returned for messages that fail to decode.
	ErrMalformedMessage = errors.New("malformed handover message")
	// ErrTimeout is returned if an attempt exceeded its deadline.
	ErrTimeout = errors.New("handover attempt timed out")
	// ErrAborted is returned if an attempt was aborted locally, e.g., on shutdown.
	ErrAborted = errors.New("handover attempt aborted")
	// ErrInvalidState is returned if an operation is called in the wrong state.
	ErrInvalidState = errors.New("invalid handover state")
)

// Class is the error class of a failed operation.
type Class int

// Error classes. Only ClassDuplicateAttempt is resolved locally; every other class ends the attempt.
const (
	ClassInternal Class = iota
	// ClassExpiredReplay covers stale block numbers, reused or unknown nonces and timeouts.
	ClassExpiredReplay
	// ClassAttestationRejected covers invalid reports, rejected measurements and revoked platforms.
	ClassAttestationRejected
	// ClassCryptoFailure covers authentication failures and invalid peer keys.
	ClassCryptoFailure
	// ClassPlatformUnavailable is fatal for the process.
	ClassPlatformUnavailable
	// ClassNotProvisioned means the keystore is empty.
	ClassNotProvisioned
	// ClassDuplicateAttempt means the peer already has an attempt in flight.
	ClassDuplicateAttempt
)

var classNames = [...]string{
	"internal",
	"expired or replayed",
	"attestation rejected",
	"crypto failure",
	"platform unavailable",
	"not provisioned",
	"duplicate attempt",
}

func (c Class) String() string {
	if c >= 0 && int(c) < len(classNames) {
		return classNames[c]
	}
	return fmt.Sprintf("Class(%d)", int(c))
}

// ParseClass is the inverse of [Class.String].
func ParseClass(s string) (Class, bool) {
	for i, name := range classNames {
		if name == s {
			return Class(i), true
		}
	}
	return ClassInternal, false
}

var classes = []struct {
	class Class
	errs  []error
}{
	{ClassDuplicateAttempt, []error{ErrDuplicateAttempt}},
	{ClassNotProvisioned, []error{keystore.ErrNotProvisioned}},
	{ClassPlatformUnavailable, []error{attestation.ErrPlatformUnavailable, attestation.ErrQuoteGeneration}},
	{ClassCryptoFailure, []error{ErrKeyStaffsTampered, ErrMalformedMessage, keyagree.ErrInvalidPeerKey, keyagree.ErrAuthentication}},
	{ClassAttestationRejected, []error{
		attestation.ErrAttestationInvalid, attestation.ErrMeasurementRejected,
		attestation.ErrStaleOrRevoked, attestation.ErrDataBindingMismatch,
		ErrHolderAttestationMissing, ErrUnauthorizedPeer,
	}},
	{ClassExpiredReplay, []error{ErrChallengeExpired, ErrReplay, ErrUnknownChallenge, ErrNonceMismatch, ErrTimeout}},
}

// Classify maps err to its class.
func Classify(err error) Class {
	for _, c := range classes {
		for _, target := range c.errs {
			if errors.Is(err, target) {
				return c.class
			}
		}
	}
	return ClassInternal
}

// Sentinel returns the representative error of class c.
// It is used to restore a class from its name on the other side of a connection.
func (c Class) Sentinel() error {
	for _, entry := range classes {
		if entry.class == c {
			return entry.errs[0]
		}
	}
	return nil
}

// AttemptError describes a failed handover attempt. It never carries key material.
type AttemptError struct {
	AttemptID string
	// Role is the local role, "holder" or "requester".
	Role string
	Peer chain.AccountID
	// PeerAddress is the network address of the peer, if known.
	PeerAddress string
	// Stage is the state the attempt was in when it failed.
	Stage          string
	ChallengeBlock chain.BlockNumber
	ResponseBlock  chain.BlockNumber
	Err            error
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("%s handover attempt %s with peer %s failed in state %s: %s", e.Role, e.AttemptID, e.PeerName(), e.Stage, e.Err)
}

// PeerName returns the peer's identity, or its address if the identity is unknown.
func (e *AttemptError) PeerName() string {
	if e.Peer != (chain.AccountID{}) {
		return e.Peer.String()
	}
	if e.PeerAddress != "" {
		return e.PeerAddress
	}
	return "unknown"
}

func (e *AttemptError) Unwrap() error {
	return e.Err
}

// Class returns the class of the underlying error.
func (e *AttemptError) Class() Class {
	return Classify(e.Err)
}

// Check returns the name of the check that rejected the attempt, if known.
func (e *AttemptError) Check() string {
	var policyErr *attestation.PolicyError
	if errors.As(e.Err, &policyErr) {
		return policyErr.Check
	}
	var rejectionErr *collateral.RejectionError
	if errors.As(e.Err, &rejectionErr) {
		return "collateral " + rejectionErr.Check
	}
	for _, check := range []struct {
		err  error
		name string
	}{
		{attestation.ErrDataBindingMismatch, "data binding"},
		{ErrChallengeExpired, "freshness"},
		{ErrReplay, "replay"},
		{ErrNonceMismatch, "nonce echo"},
		{ErrKeyStaffsTampered, "key staffs authentication"},
		{ErrUnauthorizedPeer, "registration"},
	} {
		if errors.Is(e.Err, check.err) {
			return check.name
		}
	}
	return ""
}
