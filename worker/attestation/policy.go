/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

package attestation

import (
	"bytes"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"

	"github.com/cesslab/ceseal/internal/tcb"
	"github.com/edgelesssys/ego/attestation/tcbstatus"
)

// ReportDataSize is the size of the report data field of an SGX report.
const ReportDataSize = 64

// TrustPolicy is the set of enclave identities a verifier accepts.
// Either UniqueIDs or the tuple of SignerID, ProductID and MinSecurityVersion must be set.
type TrustPolicy struct {
	// Providers lists the accepted attestation providers. Empty accepts any provider.
	Providers []Provider `yaml:"providers"`
	// UniqueIDs are the accepted hex encoded MRENCLAVE values.
	UniqueIDs []string `yaml:"unique_ids"`
	// SignerID is the hex encoded MRSIGNER.
	SignerID           string  `yaml:"signer_id"`
	ProductID          *uint16 `yaml:"product_id"`
	MinSecurityVersion *uint16 `yaml:"min_security_version"`
	AllowDebug         bool    `yaml:"allow_debug"`
	// AcceptedTCBStatuses lists TCB statuses other than UpToDate that are accepted.
	AcceptedTCBStatuses []string `yaml:"accepted_tcb_statuses"`
	// AcceptedAdvisories restricts the Intel security advisories tolerated for SWHardeningNeeded.
	// Empty accepts all advisories.
	AcceptedAdvisories []string `yaml:"accepted_advisories"`
}

// Validate checks that the policy pins an identity.
func (p TrustPolicy) Validate() error {
	if len(p.UniqueIDs) == 0 {
		if p.SignerID == "" {
			return errors.New("trust policy needs unique_ids or signer_id")
		}
		if p.ProductID == nil {
			return errors.New("trust policy with signer_id needs product_id")
		}
		if p.MinSecurityVersion == nil {
			return errors.New("trust policy with signer_id needs min_security_version")
		}
	}
	for _, id := range p.UniqueIDs {
		if err := checkHexID(id); err != nil {
			return fmt.Errorf("unique_ids: %w", err)
		}
	}
	if p.SignerID != "" {
		if err := checkHexID(p.SignerID); err != nil {
			return fmt.Errorf("signer_id: %w", err)
		}
	}
	for _, s := range p.AcceptedTCBStatuses {
		status, err := tcb.ParseStatus(s)
		if err != nil {
			return err
		}
		if status == tcbstatus.Revoked {
			return errors.New("revoked TCB status can't be accepted")
		}
	}
	return nil
}

func checkHexID(id string) error {
	b, err := hex.DecodeString(id)
	if err != nil {
		return err
	}
	if len(b) != 32 {
		return fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	return nil
}

// VerifiedIdentity is the enclave identity proven by a verified report.
type VerifiedIdentity struct {
	Provider        Provider
	UniqueID        []byte
	SignerID        []byte
	ProductID       uint16
	SecurityVersion uint16
	Debug           bool
	TCBStatus       tcbstatus.Status
	Advisories      []string
	// ReportData is the full report data of the quote.
	ReportData []byte
}

// PolicyError reports which part of the trust policy rejected an identity.
type PolicyError struct {
	Check string
	Err   error
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("trust policy %s check failed: %s", e.Check, e.Err)
}

func (e *PolicyError) Unwrap() error {
	return e.Err
}

func rejectMeasurement(check, format string, args ...any) error {
	return &PolicyError{Check: check, Err: fmt.Errorf("%w: %s", ErrMeasurementRejected, fmt.Sprintf(format, args...))}
}

// reportData embeds data in an SGX report data field.
func reportData(data []byte) ([ReportDataSize]byte, error) {
	var rd [ReportDataSize]byte
	if len(data) > ReportDataSize {
		return rd, fmt.Errorf("application data too large: %d > %d bytes", len(data), ReportDataSize)
	}
	copy(rd[:], data)
	return rd, nil
}

// checkBinding compares the report data of a verified quote with the expected application data.
// The expected data is zero padded to the size of the report data field.
func checkBinding(actual, expected []byte) error {
	want, err := reportData(expected)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDataBindingMismatch, err)
	}
	if len(actual) != ReportDataSize || subtle.ConstantTimeCompare(actual, want[:]) != 1 {
		return ErrDataBindingMismatch
	}
	return nil
}

// checkIdentity checks everything but the TCB status.
func (p TrustPolicy) checkIdentity(id *VerifiedIdentity) error {
	if len(p.Providers) > 0 && !slices.Contains(p.Providers, id.Provider) {
		return rejectMeasurement("provider", "provider %s not accepted", id.Provider)
	}
	if id.Debug && !p.AllowDebug {
		return rejectMeasurement("debug", "debug enclave not allowed")
	}
	if len(p.UniqueIDs) > 0 && !slices.ContainsFunc(p.UniqueIDs, func(want string) bool {
		return idEqual(want, id.UniqueID)
	}) {
		return rejectMeasurement("unique id", "MRENCLAVE %x not accepted", id.UniqueID)
	}
	if p.SignerID != "" && !idEqual(p.SignerID, id.SignerID) {
		return rejectMeasurement("signer id", "MRSIGNER %x not accepted", id.SignerID)
	}
	if p.ProductID != nil && *p.ProductID != id.ProductID {
		return rejectMeasurement("product id", "product ID %d not accepted", id.ProductID)
	}
	if p.MinSecurityVersion != nil && id.SecurityVersion < *p.MinSecurityVersion {
		return rejectMeasurement("security version", "security version %d below minimum %d", id.SecurityVersion, *p.MinSecurityVersion)
	}
	return nil
}

// checkTCB evaluates a TCB status computed from collateral or an IAS report.
func (p TrustPolicy) checkTCB(id *VerifiedIdentity) error {
	if _, err := tcb.Evaluate(id.TCBStatus, p.AcceptedTCBStatuses); err != nil {
		return &PolicyError{Check: "tcb status", Err: fmt.Errorf("%w: %w", ErrStaleOrRevoked, err)}
	}
	return p.checkAdvisories(id, nil)
}

func (p TrustPolicy) checkAdvisories(id *VerifiedIdentity, advisoriesErr error) error {
	notAccepted, err := tcb.CheckAdvisories(id.TCBStatus, id.Advisories, advisoriesErr, p.AcceptedAdvisories)
	if err != nil {
		return &PolicyError{Check: "advisories", Err: fmt.Errorf("%w: %w", ErrStaleOrRevoked, err)}
	}
	if len(notAccepted) > 0 {
		return &PolicyError{Check: "advisories", Err: fmt.Errorf("%w: advisories not accepted: %v", ErrStaleOrRevoked, notAccepted)}
	}
	return nil
}

func idEqual(expectedHex string, actual []byte) bool {
	expected, err := hex.DecodeString(expectedHex)
	if err != nil {
		return false
	}
	return bytes.Equal(expected, actual)
}

// finish runs the checks shared by all engines once a report's signatures are verified.
// The binding is checked first so that a report for another protocol run is always
// reported as such, independent of the policy.
func finish(id *VerifiedIdentity, expectedData []byte, policy TrustPolicy, checkTCB func(*VerifiedIdentity) error) (*VerifiedIdentity, error) {
	if err := checkBinding(id.ReportData, expectedData); err != nil {
		return nil, err
	}
	if err := policy.checkIdentity(id); err != nil {
		return nil, err
	}
	if checkTCB == nil {
		checkTCB = policy.checkTCB
	}
	if err := checkTCB(id); err != nil {
		return nil, err
	}
	return id, nil
}
