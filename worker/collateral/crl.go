/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

package collateral

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"
)

// verifyCRLs checks that neither the PCK certificate nor any CA below the root is revoked.
func (v *Validator) verifyCRLs(col *SgxV30, pckChain []*x509.Certificate, now time.Time) error {
	rootCRL, err := parseCRL(col.RootCACRL)
	if err != nil {
		return fmt.Errorf("root CA CRL: %w", err)
	}
	if err := checkCRL(rootCRL, v.root, now); err != nil {
		return fmt.Errorf("root CA CRL: %w", err)
	}

	issuer, err := v.verifyIssuerChain(col.PCKCRLIssuerChain, now)
	if err != nil {
		return fmt.Errorf("PCK CRL issuer: %w", err)
	}
	if isRevoked(rootCRL, issuer) {
		return fmt.Errorf("PCK CRL issuer %s: %w", issuer.Subject.CommonName, ErrStaleOrRevoked)
	}
	pckCRL, err := parseCRL(col.PCKCRL)
	if err != nil {
		return fmt.Errorf("PCK CRL: %w", err)
	}
	if err := checkCRL(pckCRL, issuer, now); err != nil {
		return fmt.Errorf("PCK CRL: %w", err)
	}

	leaf := pckChain[0]
	if !bytes.Equal(leaf.RawIssuer, issuer.RawSubject) {
		return errors.New("PCK CRL issuer did not issue the PCK certificate")
	}
	if isRevoked(pckCRL, leaf) {
		return fmt.Errorf("PCK certificate: %w", ErrStaleOrRevoked)
	}
	for _, cert := range pckChain[1:] {
		if isRevoked(rootCRL, cert) {
			return fmt.Errorf("PCK intermediate %s: %w", cert.Subject.CommonName, ErrStaleOrRevoked)
		}
	}
	return nil
}

func parseCRL(data []byte) (*x509.RevocationList, error) {
	if block, _ := pem.Decode(data); block != nil {
		data = block.Bytes
	}
	crl, err := x509.ParseRevocationList(data)
	if err != nil {
		return nil, fmt.Errorf("parsing CRL: %w", err)
	}
	return crl, nil
}

func checkCRL(crl *x509.RevocationList, issuer *x509.Certificate, now time.Time) error {
	if err := crl.CheckSignatureFrom(issuer); err != nil {
		return fmt.Errorf("checking CRL signature: %w", err)
	}
	if !crl.NextUpdate.IsZero() && now.After(crl.NextUpdate) {
		return fmt.Errorf("CRL expired at %s: %w", crl.NextUpdate, ErrStaleOrRevoked)
	}
	return nil
}

func isRevoked(crl *x509.RevocationList, cert *x509.Certificate) bool {
	for _, entry := range crl.RevokedCertificateEntries {
		if entry.SerialNumber.Cmp(cert.SerialNumber) == 0 {
			return true
		}
	}
	return false
}
