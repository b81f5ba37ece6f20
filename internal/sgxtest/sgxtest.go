/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

// Package sgxtest builds a self-contained fake Intel SGX PKI, collateral and
// ECDSA v3 quotes for tests.
package sgxtest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"slices"
	"testing"
	"time"

	"github.com/cesslab/ceseal/util"
	"github.com/cesslab/ceseal/worker/collateral"
)

const (
	// FMSPC of the fake platform.
	FMSPC = "00906ea10000"
	// PCEID of the fake platform.
	PCEID = "0000"
)

// Options customize the generated PKI.
type Options struct {
	// TCBStatus of the TCB level matching the platform. Defaults to UpToDate.
	TCBStatus string
	// QEStatus of the QE identity level matching the QE. Defaults to UpToDate.
	QEStatus string
	// PlatformBehind lowers the platform TCB below the first level.
	PlatformBehind bool
	// RevokePCK puts the PCK certificate on the PCK CRL.
	RevokePCK bool
	// RevokePlatformCA puts the PCK issuing CA on the root CA CRL.
	RevokePlatformCA bool
	// QEMRSigner overrides the signer published in the QE identity.
	QEMRSigner *[32]byte
}

// QE describes the fake quoting enclave.
type QE struct {
	MRSigner   [32]byte
	ISVProdID  uint16
	ISVSVN     uint16
	MiscSelect uint32
	Attributes [16]byte
}

// PKI is a fake Intel SGX PKI with matching collateral.
type PKI struct {
	Root        *x509.Certificate
	RootKey     *ecdsa.PrivateKey
	Platform    *x509.Certificate
	PlatformKey *ecdsa.PrivateKey
	PCK         *x509.Certificate
	PCKKey      *ecdsa.PrivateKey
	Signer      *x509.Certificate
	SignerKey   *ecdsa.PrivateKey

	Components [16]uint8
	PCESVN     uint16
	QE         QE
	Now        time.Time

	collateral *collateral.Collateral
}

// New creates a PKI valid at now.
func New(t testing.TB, now time.Time, opts Options) *PKI {
	t.Helper()
	if opts.TCBStatus == "" {
		opts.TCBStatus = "UpToDate"
	}
	if opts.QEStatus == "" {
		opts.QEStatus = "UpToDate"
	}

	p := &PKI{
		Components: [16]uint8{4, 4, 3, 3, 255, 255, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0},
		PCESVN:     13,
		QE: QE{
			MRSigner:   [32]byte{0x8c, 0x4f, 0x57, 0x75},
			ISVProdID:  1,
			ISVSVN:     8,
			Attributes: [16]byte{0x11},
		},
		Now: now,
	}
	levelComponents := p.Components
	if opts.PlatformBehind {
		levelComponents[0]++
	}

	certOpts := func(cn string, ca bool) util.CertOptions {
		return util.CertOptions{CommonName: cn, IsCA: ca, NotBefore: now.Add(-24 * time.Hour), NotAfter: now.Add(365 * 24 * time.Hour)}
	}
	var err error
	p.Root, p.RootKey, err = util.GenerateCert(certOpts("Intel SGX Root CA", true), nil, nil)
	must(t, err)
	p.Platform, p.PlatformKey, err = util.GenerateCert(certOpts("Intel SGX PCK Platform CA", true), p.Root, p.RootKey)
	must(t, err)
	p.Signer, p.SignerKey, err = util.GenerateCert(certOpts("Intel SGX TCB Signing", false), p.Root, p.RootKey)
	must(t, err)

	pckOpts := certOpts("Intel SGX PCK Certificate", false)
	pckOpts.ExtraExtensions = []pkix.Extension{{Id: collateral.OIDSGXExtension, Value: p.sgxExtension(t)}}
	p.PCK, p.PCKKey, err = util.GenerateCert(pckOpts, p.Platform, p.PlatformKey)
	must(t, err)

	var rootRevoked, pckRevoked []*x509.Certificate
	if opts.RevokePlatformCA {
		rootRevoked = append(rootRevoked, p.Platform)
	}
	if opts.RevokePCK {
		pckRevoked = append(pckRevoked, p.PCK)
	}

	qeSigner := p.QE.MRSigner
	if opts.QEMRSigner != nil {
		qeSigner = *opts.QEMRSigner
	}
	tcbInfo := p.tcbInfo(t, levelComponents, opts.TCBStatus)
	qeIdentity := p.qeIdentity(t, qeSigner, opts.QEStatus)

	p.collateral = &collateral.Collateral{SgxV30: &collateral.SgxV30{
		PCKCRLIssuerChain:     PEMChain(p.Platform, p.Root),
		RootCACRL:             p.crl(t, p.Root, p.RootKey, rootRevoked),
		PCKCRL:                p.crl(t, p.Platform, p.PlatformKey, pckRevoked),
		TCBInfoIssuerChain:    PEMChain(p.Signer, p.Root),
		TCBInfo:               tcbInfo,
		TCBInfoSignature:      Sign(t, p.SignerKey, tcbInfo),
		QEIdentityIssuerChain: PEMChain(p.Signer, p.Root),
		QEIdentity:            qeIdentity,
		QEIdentitySignature:   Sign(t, p.SignerKey, qeIdentity),
	}}
	return p
}

// Collateral returns a copy of the collateral matching the PKI.
func (p *PKI) Collateral() *collateral.Collateral {
	c := *p.collateral.SgxV30
	return &collateral.Collateral{SgxV30: &c}
}

// RootPEM returns the PEM encoded root certificate.
func (p *PKI) RootPEM() []byte {
	return PEMChain(p.Root)
}

// Metadata returns the quote metadata of a quote built by [PKI.Quote].
func (p *PKI) Metadata() collateral.QuoteMetadata {
	return collateral.QuoteMetadata{
		PCKChain: []*x509.Certificate{p.PCK, p.Platform, p.Root},
		QE: collateral.QEReport{
			MiscSelect: p.QE.MiscSelect,
			Attributes: p.QE.Attributes,
			MRSigner:   p.QE.MRSigner,
			ISVProdID:  p.QE.ISVProdID,
			ISVSVN:     p.QE.ISVSVN,
		},
	}
}

func (p *PKI) sgxExtension(t testing.TB) []byte {
	tcb := make([]collateral.ExtensionEntry, 0, 18)
	for i, svn := range p.Components {
		tcb = append(tcb, entry(t, subOID(collateral.OIDTCB, i+1), int(svn)))
	}
	tcb = append(tcb, entry(t, subOID(collateral.OIDTCB, 17), int(p.PCESVN)))
	tcb = append(tcb, entry(t, subOID(collateral.OIDTCB, 18), p.Components[:]))
	tcbRaw, err := asn1.Marshal(tcb)
	must(t, err)

	fmspc, _ := hex.DecodeString(FMSPC)
	pceID, _ := hex.DecodeString(PCEID)
	ext, err := asn1.Marshal([]collateral.ExtensionEntry{
		entry(t, collateral.OIDPPID, make([]byte, 16)),
		{ID: collateral.OIDTCB, Value: asn1.RawValue{FullBytes: tcbRaw}},
		entry(t, collateral.OIDPCEID, pceID),
		entry(t, collateral.OIDFMSPC, fmspc),
	})
	must(t, err)
	return ext
}

type tcbComponent struct {
	SVN uint8 `json:"svn"`
}

type tcbLevel struct {
	TCB struct {
		Components []tcbComponent `json:"sgxtcbcomponents"`
		PCESVN     uint16         `json:"pcesvn"`
	} `json:"tcb"`
	TCBDate     string   `json:"tcbDate"`
	TCBStatus   string   `json:"tcbStatus"`
	AdvisoryIDs []string `json:"advisoryIDs,omitempty"`
}

func (p *PKI) tcbInfo(t testing.TB, components [16]uint8, status string) []byte {
	first := tcbLevel{TCBDate: "2024-03-13T00:00:00Z", TCBStatus: status}
	for _, svn := range components {
		first.TCB.Components = append(first.TCB.Components, tcbComponent{SVN: svn})
	}
	first.TCB.PCESVN = p.PCESVN
	if status == "SWHardeningNeeded" {
		first.AdvisoryIDs = []string{"INTEL-SA-00615"}
	}
	last := tcbLevel{TCBDate: "2018-01-04T00:00:00Z", TCBStatus: "OutOfDate", AdvisoryIDs: []string{"INTEL-SA-00088"}}
	last.TCB.Components = slices.Repeat([]tcbComponent{{}}, 16)

	body, err := json.Marshal(map[string]any{
		"id":                      "SGX",
		"version":                 3,
		"issueDate":               p.Now.Add(-time.Hour).UTC().Format(time.RFC3339),
		"nextUpdate":              p.Now.Add(30 * 24 * time.Hour).UTC().Format(time.RFC3339),
		"fmspc":                   FMSPC,
		"pceId":                   PCEID,
		"tcbType":                 0,
		"tcbEvaluationDataNumber": 16,
		"tcbLevels":               []tcbLevel{first, last},
	})
	must(t, err)
	return body
}

func (p *PKI) qeIdentity(t testing.TB, mrsigner [32]byte, status string) []byte {
	type level struct {
		TCB struct {
			ISVSVN uint16 `json:"isvsvn"`
		} `json:"tcb"`
		TCBDate   string `json:"tcbDate"`
		TCBStatus string `json:"tcbStatus"`
	}
	first := level{TCBDate: "2024-03-13T00:00:00Z", TCBStatus: status}
	first.TCB.ISVSVN = p.QE.ISVSVN
	last := level{TCBDate: "2018-01-04T00:00:00Z", TCBStatus: "OutOfDate"}

	var miscSelect [4]byte
	binary.BigEndian.PutUint32(miscSelect[:], p.QE.MiscSelect)
	body, err := json.Marshal(map[string]any{
		"id":                      "QE",
		"version":                 2,
		"issueDate":               p.Now.Add(-time.Hour).UTC().Format(time.RFC3339),
		"nextUpdate":              p.Now.Add(30 * 24 * time.Hour).UTC().Format(time.RFC3339),
		"tcbEvaluationDataNumber": 16,
		"miscselect":              hex.EncodeToString(miscSelect[:]),
		"miscselectMask":          "ffffffff",
		"attributes":              hex.EncodeToString(p.QE.Attributes[:]),
		"attributesMask":          "fbffffffffffffff0000000000000000",
		"mrsigner":                hex.EncodeToString(mrsigner[:]),
		"isvprodid":               p.QE.ISVProdID,
		"tcbLevels":               []level{first, last},
	})
	must(t, err)
	return body
}

func (p *PKI) crl(t testing.TB, issuer *x509.Certificate, key *ecdsa.PrivateKey, revoked []*x509.Certificate) []byte {
	template := &x509.RevocationList{
		Number:     big.NewInt(1),
		ThisUpdate: p.Now.Add(-time.Hour),
		NextUpdate: p.Now.Add(30 * 24 * time.Hour),
	}
	for _, cert := range revoked {
		template.RevokedCertificateEntries = append(template.RevokedCertificateEntries, x509.RevocationListEntry{
			SerialNumber:   cert.SerialNumber,
			RevocationTime: p.Now.Add(-time.Hour),
		})
	}
	crl, err := x509.CreateRevocationList(rand.Reader, template, issuer, key)
	must(t, err)
	return crl
}

// PEMChain encodes certificates as concatenated PEM blocks.
func PEMChain(certs ...*x509.Certificate) []byte {
	var out []byte
	for _, cert := range certs {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})...)
	}
	return out
}

// Sign returns the raw r||s ECDSA signature over the SHA-256 digest of data.
func Sign(t testing.TB, key *ecdsa.PrivateKey, data []byte) []byte {
	digest := sha256.Sum256(data)
	r, s, err := ecdsa.Sign(rand.Reader, key, digest[:])
	must(t, err)
	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])
	return sig
}

// NewAttestationKey generates a P-256 key.
func NewAttestationKey(t testing.TB) *ecdsa.PrivateKey {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	must(t, err)
	return key
}

func entry(t testing.TB, id asn1.ObjectIdentifier, value any) collateral.ExtensionEntry {
	raw, err := asn1.Marshal(value)
	must(t, err)
	return collateral.ExtensionEntry{ID: id, Value: asn1.RawValue{FullBytes: raw}}
}

func subOID(base asn1.ObjectIdentifier, index int) asn1.ObjectIdentifier {
	return append(slices.Clone(base), index)
}

func must(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}
