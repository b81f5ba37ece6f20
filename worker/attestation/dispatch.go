/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

package attestation

import (
	"context"
	"fmt"
)

// Dispatcher generates reports with a local engine and verifies reports of any registered provider.
// Peers in one network may attest with different providers.
type Dispatcher struct {
	local     Engine
	verifiers map[Provider]Engine
}

// NewDispatcher creates a dispatcher generating with local. local also verifies its own provider.
func NewDispatcher(local Engine, verifiers ...Engine) *Dispatcher {
	d := &Dispatcher{local: local, verifiers: map[Provider]Engine{local.Provider(): local}}
	for _, v := range verifiers {
		d.verifiers[v.Provider()] = v
	}
	return d
}

// Provider implements Engine.
func (d *Dispatcher) Provider() Provider {
	return d.local.Provider()
}

// Generate implements Engine.
func (d *Dispatcher) Generate(ctx context.Context, data []byte) (*Report, error) {
	return d.local.Generate(ctx, data)
}

// Verify implements Engine.
func (d *Dispatcher) Verify(ctx context.Context, report *Report, expectedData []byte, policy TrustPolicy) (*VerifiedIdentity, error) {
	provider, err := report.Provider()
	if err != nil {
		return nil, err
	}
	verifier, ok := d.verifiers[provider]
	if !ok {
		return nil, fmt.Errorf("%w: no verifier for %s reports", ErrAttestationInvalid, provider)
	}
	return verifier.Verify(ctx, report, expectedData, policy)
}
