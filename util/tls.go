/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

package util

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"
)

// CertOptions customizes certificates created by [GenerateCert].
type CertOptions struct {
	CommonName string
	DNSNames   []string
	IsCA       bool
	NotBefore  time.Time
	NotAfter   time.Time
	// ExtraExtensions are appended to the certificate as is.
	ExtraExtensions []pkix.Extension
}

// GenerateCert creates a new certificate with the given options.
// If parent is nil, the certificate is self-signed.
func GenerateCert(opts CertOptions, parent *x509.Certificate, parentKey crypto.Signer) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	privk, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generating private key: %w", err)
	}

	serialNumber, err := GenerateCertificateSerialNumber()
	if err != nil {
		return nil, nil, fmt.Errorf("generating serial number: %w", err)
	}

	notBefore, notAfter := opts.NotBefore, opts.NotAfter
	if notBefore.IsZero() {
		notBefore = time.Now().Add(-time.Hour)
	}
	if notAfter.IsZero() {
		notAfter = notBefore.Add(365 * 24 * time.Hour)
	}

	template := &x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               pkix.Name{CommonName: opts.CommonName},
		DNSNames:              opts.DNSNames,
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  opts.IsCA,
		ExtraExtensions:       opts.ExtraExtensions,
	}
	if opts.IsCA {
		template.KeyUsage |= x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	}

	var signer crypto.Signer = privk
	if parent == nil {
		parent = template
	} else {
		signer = parentKey
	}
	certRaw, err := x509.CreateCertificate(rand.Reader, template, parent, &privk.PublicKey, signer)
	if err != nil {
		return nil, nil, fmt.Errorf("creating certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certRaw)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing certificate: %w", err)
	}
	return cert, privk, nil
}

// GenerateCertificateSerialNumber generates a random serial number for an X.509 certificate.
func GenerateCertificateSerialNumber() (*big.Int, error) {
	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	return rand.Int(rand.Reader, serialNumberLimit)
}

// EphemeralTLSConfig returns a TLS config with a fresh self-signed certificate.
// Peers are not authenticated by TLS; authentication happens inside the protocol carried over it.
func EphemeralTLSConfig(commonName string) (*tls.Config, error) {
	cert, privk, err := GenerateCert(CertOptions{CommonName: commonName, DNSNames: []string{commonName}}, nil, nil)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{cert.Raw}, PrivateKey: privk}},
		MinVersion:   tls.VersionTLS13,
	}, nil
}
