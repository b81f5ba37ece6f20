/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

// Package attestation generates and verifies remote attestation reports
// that bind caller-supplied data to a measured SGX enclave.
package attestation

import (
	"context"
	"errors"
	"fmt"

	"github.com/cesslab/ceseal/worker/collateral"
)

var (
	// ErrPlatformUnavailable is returned if the process does not run on the expected TEE platform.
	ErrPlatformUnavailable = errors.New("TEE platform unavailable")
	// ErrQuoteGeneration is returned if the platform failed to produce a quote.
	ErrQuoteGeneration = errors.New("quote generation failed")
	// ErrAttestationInvalid is returned for reports with bad signatures or structure.
	ErrAttestationInvalid = errors.New("attestation invalid")
	// ErrMeasurementRejected is returned if the attested identity does not satisfy the trust policy.
	ErrMeasurementRejected = errors.New("measurement rejected")
	// ErrStaleOrRevoked is returned if TCB evaluation or revocation data marks the platform as compromised.
	ErrStaleOrRevoked = errors.New("attestation stale or revoked")
	// ErrDataBindingMismatch is returned if the report does not carry the expected application data.
	ErrDataBindingMismatch = errors.New("attestation data binding mismatch")
)

// Provider identifies the kind of attestation a report carries.
type Provider string

const (
	// ProviderSgxDcap is an SGX ECDSA quote verified with DCAP collateral.
	ProviderSgxDcap Provider = "sgx-dcap"
	// ProviderSgxIas is an SGX EPID quote verified by the Intel Attestation Service.
	ProviderSgxIas Provider = "sgx-ias"
	// ProviderSimulated is a report signed with a fixed test key. It proves nothing.
	ProviderSimulated Provider = "simulated"
)

// Report is an attestation report. Exactly one variant is set.
type Report struct {
	SgxDcap   *DcapReport      `cbor:"1,keyasint,omitempty"`
	SgxIas    *IasReport       `cbor:"2,keyasint,omitempty"`
	Simulated *SimulatedReport `cbor:"3,keyasint,omitempty"`
}

// DcapReport is a raw SGX ECDSA quote, optionally with the collateral to verify it.
type DcapReport struct {
	Quote      []byte                 `cbor:"1,keyasint"`
	Collateral *collateral.Collateral `cbor:"2,keyasint,omitempty"`
}

// IasReport is an attestation verification report signed by the Intel Attestation Service.
type IasReport struct {
	// RAReport is the JSON report body exactly as returned by IAS.
	RAReport []byte `cbor:"1,keyasint"`
	// Signature is the RSA signature over RAReport.
	Signature []byte `cbor:"2,keyasint"`
	// SigningCert is the DER encoded report signing certificate.
	SigningCert []byte `cbor:"3,keyasint"`
}

// SimulatedReport is produced by [SimulatedEngine].
type SimulatedReport struct {
	Body      []byte `cbor:"1,keyasint"`
	Signature []byte `cbor:"2,keyasint"`
}

// Provider returns the provider of the set variant.
func (r *Report) Provider() (Provider, error) {
	if r == nil {
		return "", fmt.Errorf("%w: empty report", ErrAttestationInvalid)
	}
	var providers []Provider
	if r.SgxDcap != nil {
		providers = append(providers, ProviderSgxDcap)
	}
	if r.SgxIas != nil {
		providers = append(providers, ProviderSgxIas)
	}
	if r.Simulated != nil {
		providers = append(providers, ProviderSimulated)
	}
	if len(providers) != 1 {
		return "", fmt.Errorf("%w: report must carry exactly one variant, got %d", ErrAttestationInvalid, len(providers))
	}
	return providers[0], nil
}

// Engine generates and verifies attestation reports.
type Engine interface {
	// Provider returns the kind of reports the engine generates.
	Provider() Provider
	// Generate produces a report with data embedded in the enclave's report data.
	Generate(ctx context.Context, data []byte) (*Report, error)
	// Verify checks report's signature chain, that it carries expectedData,
	// and that the attested identity satisfies policy.
	Verify(ctx context.Context, report *Report, expectedData []byte, policy TrustPolicy) (*VerifiedIdentity, error)
}
