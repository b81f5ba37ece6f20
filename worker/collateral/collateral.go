/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

// Package collateral validates the certificate, revocation and TCB evidence
// that backs an SGX DCAP quote against a pinned Intel root certificate.
package collateral

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/edgelesssys/ego/attestation/tcbstatus"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

var (
	// ErrStaleOrRevoked marks rejections caused by revoked certificates or TCB levels, or expired collateral.
	ErrStaleOrRevoked = errors.New("collateral stale or revoked")
	// ErrMissingCollateral is returned if no collateral variant is set.
	ErrMissingCollateral = errors.New("missing collateral")
)

// Collateral is the evidence needed to validate a quote.
// Exactly one variant is set.
type Collateral struct {
	SgxV30 *SgxV30 `cbor:"1,keyasint,omitempty"`
}

// SgxV30 is the collateral of an SGX ECDSA v3 quote as served by Intel's PCS.
type SgxV30 struct {
	// PCKCRLIssuerChain is the PEM chain of the PCK CRL issuer, leaf first.
	PCKCRLIssuerChain []byte `cbor:"1,keyasint"`
	// RootCACRL is the CRL of the Intel SGX Root CA, PEM or DER.
	RootCACRL []byte `cbor:"2,keyasint"`
	// PCKCRL is the CRL of the PCK issuing CA, PEM or DER.
	PCKCRL []byte `cbor:"3,keyasint"`
	// TCBInfoIssuerChain is the PEM chain of the TCB info signer, leaf first.
	TCBInfoIssuerChain []byte `cbor:"4,keyasint"`
	// TCBInfo is the exact JSON text of the signed tcbInfo object.
	TCBInfo []byte `cbor:"5,keyasint"`
	// TCBInfoSignature is the ECDSA P-256 signature over TCBInfo.
	TCBInfoSignature []byte `cbor:"6,keyasint"`
	// QEIdentityIssuerChain is the PEM chain of the QE identity signer, leaf first.
	QEIdentityIssuerChain []byte `cbor:"7,keyasint"`
	// QEIdentity is the exact JSON text of the signed enclaveIdentity object.
	QEIdentity []byte `cbor:"8,keyasint"`
	// QEIdentitySignature is the ECDSA P-256 signature over QEIdentity.
	QEIdentitySignature []byte `cbor:"9,keyasint"`
}

// QEReport holds the quoting enclave's report fields checked against the QE identity.
type QEReport struct {
	MiscSelect uint32
	Attributes [16]byte
	MRSigner   [32]byte
	ISVProdID  uint16
	ISVSVN     uint16
}

// QuoteMetadata is the part of a parsed quote the collateral is validated against.
type QuoteMetadata struct {
	// PCKChain is the certification chain embedded in the quote, leaf first.
	PCKChain []*x509.Certificate
	QE       QEReport
}

// Status is the outcome of a successful validation.
type Status struct {
	// TCBStatus is the combined status of the platform and the quoting enclave.
	TCBStatus tcbstatus.Status
	// PlatformStatus is the status of the matched platform TCB level.
	PlatformStatus tcbstatus.Status
	// QEStatus is the status of the matched QE identity TCB level.
	QEStatus   tcbstatus.Status
	TCBDate    time.Time
	Advisories []string
	FMSPC      string
}

// RejectionError reports which check rejected the collateral.
type RejectionError struct {
	Check string
	Err   error
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("collateral rejected by %s check: %s", e.Check, e.Err)
}

func (e *RejectionError) Unwrap() error {
	return e.Err
}

func reject(check string, err error) error {
	return &RejectionError{Check: check, Err: err}
}

// Validator validates collateral against a pinned root.
type Validator struct {
	root  *x509.Certificate
	clock clock.PassiveClock
	log   *zap.Logger
}

// NewValidator creates a Validator trusting only root.
func NewValidator(root *x509.Certificate, clock clock.PassiveClock, log *zap.Logger) (*Validator, error) {
	if root == nil {
		return nil, errors.New("no root certificate given")
	}
	if !root.IsCA {
		return nil, errors.New("root certificate is not a CA")
	}
	return &Validator{root: root, clock: clock, log: log}, nil
}

// LoadRoot parses a PEM encoded root certificate.
func LoadRoot(pemData []byte) (*x509.Certificate, error) {
	certs, err := ParseChain(pemData)
	if err != nil {
		return nil, err
	}
	if len(certs) != 1 {
		return nil, fmt.Errorf("expected exactly one root certificate, got %d", len(certs))
	}
	return certs[0], nil
}

// Validate walks the PCK chain, both CRLs, the TCB info and the QE identity.
// Any failing check returns a [*RejectionError].
func (v *Validator) Validate(c *Collateral, md QuoteMetadata) (Status, error) {
	if c == nil || c.SgxV30 == nil {
		return Status{}, reject("format", ErrMissingCollateral)
	}
	col := c.SgxV30
	now := v.clock.Now()

	pck, err := v.verifyPCKChain(md.PCKChain, now)
	if err != nil {
		return Status{}, reject("pck chain", err)
	}
	if err := v.verifyCRLs(col, md.PCKChain, now); err != nil {
		return Status{}, reject("revocation", err)
	}
	ext, err := ParsePCKExtensions(pck)
	if err != nil {
		return Status{}, reject("pck extensions", err)
	}

	signer, err := v.verifyIssuerChain(col.TCBInfoIssuerChain, now)
	if err != nil {
		return Status{}, reject("tcb info chain", err)
	}
	if err := verifySignature(signer, col.TCBInfo, col.TCBInfoSignature); err != nil {
		return Status{}, reject("tcb info signature", err)
	}
	platform, err := evaluateTCBInfo(col.TCBInfo, ext, now)
	if err != nil {
		return Status{}, reject("tcb info", err)
	}

	signer, err = v.verifyIssuerChain(col.QEIdentityIssuerChain, now)
	if err != nil {
		return Status{}, reject("qe identity chain", err)
	}
	if err := verifySignature(signer, col.QEIdentity, col.QEIdentitySignature); err != nil {
		return Status{}, reject("qe identity signature", err)
	}
	qeStatus, err := evaluateQEIdentity(col.QEIdentity, md.QE, now)
	if err != nil {
		return Status{}, reject("qe identity", err)
	}

	status := Status{
		TCBStatus:      combineStatus(platform.status, qeStatus),
		PlatformStatus: platform.status,
		QEStatus:       qeStatus,
		TCBDate:        platform.date,
		Advisories:     platform.advisories,
		FMSPC:          ext.FMSPC,
	}
	v.log.Debug("Collateral accepted",
		zap.String("fmspc", status.FMSPC),
		zap.Stringer("tcbStatus", status.TCBStatus),
		zap.Strings("advisories", status.Advisories),
	)
	return status, nil
}

func (v *Validator) verifyPCKChain(chain []*x509.Certificate, now time.Time) (*x509.Certificate, error) {
	if len(chain) == 0 {
		return nil, errors.New("quote carries no PCK certificate")
	}
	intermediates := x509.NewCertPool()
	for _, cert := range chain[1:] {
		intermediates.AddCert(cert)
	}
	if _, err := chain[0].Verify(v.verifyOptions(intermediates, now)); err != nil {
		return nil, fmt.Errorf("verifying PCK certificate: %w", err)
	}
	return chain[0], nil
}

// verifyIssuerChain verifies a PEM chain against the root and returns its leaf.
func (v *Validator) verifyIssuerChain(pemChain []byte, now time.Time) (*x509.Certificate, error) {
	chain, err := ParseChain(pemChain)
	if err != nil {
		return nil, err
	}
	intermediates := x509.NewCertPool()
	for _, cert := range chain[1:] {
		intermediates.AddCert(cert)
	}
	if _, err := chain[0].Verify(v.verifyOptions(intermediates, now)); err != nil {
		return nil, fmt.Errorf("verifying issuer chain: %w", err)
	}
	return chain[0], nil
}

func (v *Validator) verifyOptions(intermediates *x509.CertPool, now time.Time) x509.VerifyOptions {
	roots := x509.NewCertPool()
	roots.AddCert(v.root)
	return x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		CurrentTime:   now,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
}

// ParseChain parses concatenated PEM certificates.
func ParseChain(pemChain []byte) ([]*x509.Certificate, error) {
	var chain []*x509.Certificate
	rest := pemChain
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing certificate: %w", err)
		}
		chain = append(chain, cert)
	}
	if len(chain) == 0 {
		return nil, errors.New("no certificate found in PEM data")
	}
	return chain, nil
}

// combineStatus folds the QE identity status into the platform status.
func combineStatus(platform, qe tcbstatus.Status) tcbstatus.Status {
	if qe == tcbstatus.UpToDate {
		return platform
	}
	switch platform {
	case tcbstatus.ConfigurationNeeded, tcbstatus.ConfigurationAndSWHardeningNeeded, tcbstatus.OutOfDateConfigurationNeeded:
		return tcbstatus.OutOfDateConfigurationNeeded
	case tcbstatus.Revoked:
		return tcbstatus.Revoked
	}
	return tcbstatus.OutOfDate
}
