/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

package attestation

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"

	"github.com/cesslab/ceseal/internal/canonical"
	"github.com/cesslab/ceseal/internal/tcb"
	"github.com/edgelesssys/ego/attestation/tcbstatus"
	"go.uber.org/zap"
)

// simulatedKey signs all simulated reports. It is derived from a public seed.
var simulatedKey = ed25519.NewKeyFromSeed(func() []byte {
	seed := sha256.Sum256([]byte("ceseal simulated attestation key"))
	return seed[:]
}())

// SimulatedIdentity is the enclave identity a [SimulatedEngine] claims.
type SimulatedIdentity struct {
	UniqueID        [32]byte `cbor:"1,keyasint"`
	SignerID        [32]byte `cbor:"2,keyasint"`
	ProductID       uint16   `cbor:"3,keyasint"`
	SecurityVersion uint16   `cbor:"4,keyasint"`
	Debug           bool     `cbor:"5,keyasint"`
	// TCBStatus is a PCS status name. Empty means UpToDate.
	TCBStatus  string   `cbor:"6,keyasint,omitempty"`
	Advisories []string `cbor:"7,keyasint,omitempty"`
}

type simulatedBody struct {
	Identity   SimulatedIdentity `cbor:"1,keyasint"`
	ReportData []byte            `cbor:"2,keyasint"`
}

// SimulatedEngine produces reports signed with a fixed, publicly known key.
// It lets the handover protocol run without SGX hardware and must only be used in dev mode and tests.
type SimulatedEngine struct {
	identity SimulatedIdentity
	log      *zap.Logger
}

// NewSimulatedEngine creates an engine claiming identity.
func NewSimulatedEngine(identity SimulatedIdentity, log *zap.Logger) *SimulatedEngine {
	return &SimulatedEngine{identity: identity, log: log}
}

// Provider implements Engine.
func (e *SimulatedEngine) Provider() Provider {
	return ProviderSimulated
}

// Generate implements Engine.
func (e *SimulatedEngine) Generate(_ context.Context, data []byte) (*Report, error) {
	rd, err := reportData(data)
	if err != nil {
		return nil, err
	}
	body, err := canonical.Marshal(simulatedBody{Identity: e.identity, ReportData: rd[:]})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQuoteGeneration, err)
	}
	return &Report{Simulated: &SimulatedReport{
		Body:      body,
		Signature: ed25519.Sign(simulatedKey, body),
	}}, nil
}

// Verify implements Engine.
func (e *SimulatedEngine) Verify(_ context.Context, report *Report, expectedData []byte, policy TrustPolicy) (*VerifiedIdentity, error) {
	provider, err := report.Provider()
	if err != nil {
		return nil, err
	}
	if provider != ProviderSimulated {
		return nil, fmt.Errorf("%w: simulated engine can't verify %s reports", ErrAttestationInvalid, provider)
	}
	sim := report.Simulated
	if !ed25519.Verify(simulatedKey.Public().(ed25519.PublicKey), sim.Body, sim.Signature) {
		return nil, fmt.Errorf("%w: signature invalid", ErrAttestationInvalid)
	}
	var body simulatedBody
	if err := canonical.Unmarshal(sim.Body, &body); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAttestationInvalid, err)
	}

	status := tcbstatus.UpToDate
	if body.Identity.TCBStatus != "" {
		if status, err = tcb.ParseStatus(body.Identity.TCBStatus); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrAttestationInvalid, err)
		}
	}
	id := &VerifiedIdentity{
		Provider:        ProviderSimulated,
		UniqueID:        bytes.Clone(body.Identity.UniqueID[:]),
		SignerID:        bytes.Clone(body.Identity.SignerID[:]),
		ProductID:       body.Identity.ProductID,
		SecurityVersion: body.Identity.SecurityVersion,
		Debug:           body.Identity.Debug,
		TCBStatus:       status,
		Advisories:      body.Identity.Advisories,
		ReportData:      body.ReportData,
	}
	e.log.Debug("Verified simulated report", zap.Binary("uniqueID", id.UniqueID))
	return finish(id, expectedData, policy, nil)
}
