/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

package attestation

import (
	"context"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/cesslab/ceseal/internal/tcb"
	"github.com/cesslab/ceseal/util"
	"github.com/cesslab/ceseal/worker/collateral"
	"github.com/edgelesssys/ego/attestation"
	"github.com/edgelesssys/ego/enclave"
	"go.uber.org/zap"
)

// CollateralSource fetches the collateral for a platform.
type CollateralSource interface {
	Fetch(ctx context.Context, fmspc, ca string) (*collateral.Collateral, error)
}

// DCAPEngine attests EGo enclaves with SGX ECDSA quotes.
//
// If a collateral validator is configured, quotes are verified in process against its
// pinned root, using the collateral attached to the report or fetched from the source.
// Without a validator, verification is delegated to the platform's quote verification library.
type DCAPEngine struct {
	validator *collateral.Validator
	source    CollateralSource

	getSelfReport      func() (attestation.Report, error)
	getRemoteReport    func([]byte) ([]byte, error)
	verifyRemoteReport func([]byte) (attestation.Report, error)

	log *zap.Logger
}

// NewDCAPEngine creates a DCAP engine. validator and source may be nil.
func NewDCAPEngine(validator *collateral.Validator, source CollateralSource, log *zap.Logger) *DCAPEngine {
	return &DCAPEngine{
		validator:          validator,
		source:             source,
		getSelfReport:      enclave.GetSelfReport,
		getRemoteReport:    enclave.GetRemoteReport,
		verifyRemoteReport: enclave.VerifyRemoteReport,
		log:                log,
	}
}

// Provider implements Engine.
func (e *DCAPEngine) Provider() Provider {
	return ProviderSgxDcap
}

// Generate implements Engine.
func (e *DCAPEngine) Generate(ctx context.Context, data []byte) (*Report, error) {
	rd, err := reportData(data)
	if err != nil {
		return nil, err
	}
	if _, err := e.getSelfReport(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPlatformUnavailable, err)
	}
	raw, err := e.getRemoteReport(rd[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQuoteGeneration, err)
	}
	quote, err := util.StripOEQuoteHeader(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQuoteGeneration, err)
	}

	report := &DcapReport{Quote: quote}
	if e.source != nil {
		q, err := ParseQuote(quote)
		if err != nil {
			return nil, fmt.Errorf("%w: parsing own quote: %w", ErrQuoteGeneration, err)
		}
		chain, err := collateral.ParseChain(q.pckChain)
		if err != nil {
			return nil, fmt.Errorf("%w: parsing own PCK chain: %w", ErrQuoteGeneration, err)
		}
		report.Collateral, err = e.fetchCollateral(ctx, chain[0])
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrQuoteGeneration, err)
		}
	}
	e.log.Debug("Generated DCAP report", zap.Int("quoteSize", len(quote)), zap.Bool("collateral", report.Collateral != nil))
	return &Report{SgxDcap: report}, nil
}

// Verify implements Engine.
func (e *DCAPEngine) Verify(ctx context.Context, report *Report, expectedData []byte, policy TrustPolicy) (*VerifiedIdentity, error) {
	provider, err := report.Provider()
	if err != nil {
		return nil, err
	}
	if provider != ProviderSgxDcap {
		return nil, fmt.Errorf("%w: DCAP engine can't verify %s reports", ErrAttestationInvalid, provider)
	}
	if e.validator == nil {
		return e.verifyWithPlatform(report.SgxDcap.Quote, expectedData, policy)
	}

	q, err := ParseQuote(report.SgxDcap.Quote)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAttestationInvalid, err)
	}
	md, err := q.Verify()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAttestationInvalid, err)
	}

	col := report.SgxDcap.Collateral
	if col == nil {
		if e.source == nil {
			return nil, fmt.Errorf("%w: report carries no collateral", ErrAttestationInvalid)
		}
		if col, err = e.fetchCollateral(ctx, md.PCKChain[0]); err != nil {
			return nil, err
		}
	}

	status, err := e.validator.Validate(col, md)
	if err != nil {
		if errors.Is(err, collateral.ErrStaleOrRevoked) {
			return nil, fmt.Errorf("%w: %w", ErrStaleOrRevoked, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrAttestationInvalid, err)
	}

	id := q.identity(ProviderSgxDcap)
	id.TCBStatus = status.TCBStatus
	id.Advisories = status.Advisories
	return finish(id, expectedData, policy, nil)
}

// verifyWithPlatform verifies the quote with EGo. This only works inside an enclave.
func (e *DCAPEngine) verifyWithPlatform(quote, expectedData []byte, policy TrustPolicy) (*VerifiedIdentity, error) {
	report, verifyErr := e.verifyRemoteReport(util.AddOEQuoteHeader(quote))
	if verifyErr != nil && !errors.Is(verifyErr, attestation.ErrTCBLevelInvalid) {
		return nil, fmt.Errorf("%w: %w", ErrAttestationInvalid, verifyErr)
	}

	var productID uint16
	if len(report.ProductID) >= 2 {
		productID = binary.LittleEndian.Uint16(report.ProductID)
	}
	id := &VerifiedIdentity{
		Provider:        ProviderSgxDcap,
		UniqueID:        report.UniqueID,
		SignerID:        report.SignerID,
		ProductID:       productID,
		SecurityVersion: uint16(report.SecurityVersion),
		Debug:           report.Debug,
		TCBStatus:       report.TCBStatus,
		Advisories:      report.TCBAdvisories,
		ReportData:      report.Data,
	}
	return finish(id, expectedData, policy, func(id *VerifiedIdentity) error {
		validity, err := tcb.CheckStatus(id.TCBStatus, verifyErr, policy.AcceptedTCBStatuses)
		if err != nil {
			return &PolicyError{Check: "tcb status", Err: fmt.Errorf("%w: %w", ErrStaleOrRevoked, err)}
		}
		if validity == tcb.ValidityInvalid {
			e.log.Warn("TCB level invalid, but accepted by trust policy", zap.Stringer("tcbStatus", id.TCBStatus))
		}
		return policy.checkAdvisories(id, report.TCBAdvisoriesErr)
	})
}

func (e *DCAPEngine) fetchCollateral(ctx context.Context, pck *x509.Certificate) (*collateral.Collateral, error) {
	ext, err := collateral.ParsePCKExtensions(pck)
	if err != nil {
		return nil, err
	}
	col, err := e.source.Fetch(ctx, ext.FMSPC, pckCA(pck))
	if err != nil {
		return nil, fmt.Errorf("fetching collateral for FMSPC %s: %w", ext.FMSPC, err)
	}
	return col, nil
}

// pckCA returns the PCS name of the CA that issued a PCK certificate.
func pckCA(pck *x509.Certificate) string {
	if strings.Contains(pck.Issuer.CommonName, "Processor") {
		return "processor"
	}
	return "platform"
}
