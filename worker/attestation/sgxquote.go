/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

package attestation

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/cesslab/ceseal/util"
	"github.com/cesslab/ceseal/worker/collateral"
)

const (
	quoteHeaderSize     = 48
	reportBodySize      = 384
	ecdsaSignatureSize  = 64
	ecdsaPublicKeySize  = 64
	quoteVersion3       = 3
	attestationKeyP256  = 2
	certDataTypePCKPEM  = 5
	debugAttributeFlag  = 0x02
	signedQuoteDataSize = quoteHeaderSize + reportBodySize
)

// ReportBody is the SGX report of an enclave as embedded in a quote.
type ReportBody struct {
	CPUSVN     [16]byte
	MiscSelect uint32
	Attributes [16]byte
	MREnclave  [32]byte
	MRSigner   [32]byte
	ISVProdID  uint16
	ISVSVN     uint16
	ReportData [ReportDataSize]byte
}

// Debug reports whether the enclave runs in debug mode.
func (b ReportBody) Debug() bool {
	return b.Attributes[0]&debugAttributeFlag != 0
}

func parseReportBody(raw []byte) ReportBody {
	var b ReportBody
	copy(b.CPUSVN[:], raw[0:16])
	b.MiscSelect = binary.LittleEndian.Uint32(raw[16:])
	copy(b.Attributes[:], raw[48:64])
	copy(b.MREnclave[:], raw[64:96])
	copy(b.MRSigner[:], raw[128:160])
	b.ISVProdID = binary.LittleEndian.Uint16(raw[256:])
	b.ISVSVN = binary.LittleEndian.Uint16(raw[258:])
	copy(b.ReportData[:], raw[320:384])
	return b
}

// Quote is a parsed SGX ECDSA v3 quote.
type Quote struct {
	Body ReportBody
	QE   ReportBody

	signed         []byte
	signature      []byte
	attestationKey []byte
	qeReport       []byte
	qeSignature    []byte
	qeAuthData     []byte
	pckChain       []byte
}

// ParseQuote parses an SGX ECDSA v3 quote. An OpenEnclave header is removed if present.
func ParseQuote(raw []byte) (*Quote, error) {
	raw, err := util.StripOEQuoteHeader(raw)
	if err != nil {
		return nil, err
	}
	r := reader{data: raw}
	header := r.next(quoteHeaderSize)
	body := r.next(reportBodySize)
	sigLen := r.uint32()
	if r.err != nil {
		return nil, fmt.Errorf("quote too short: %w", r.err)
	}
	if version := binary.LittleEndian.Uint16(header); version != quoteVersion3 {
		return nil, fmt.Errorf("unsupported quote version %d", version)
	}
	if keyType := binary.LittleEndian.Uint16(header[2:]); keyType != attestationKeyP256 {
		return nil, fmt.Errorf("unsupported attestation key type %d", keyType)
	}
	if uint64(sigLen) != uint64(len(raw)-r.pos) {
		return nil, fmt.Errorf("signature data length %d does not match remaining %d bytes", sigLen, len(raw)-r.pos)
	}

	q := &Quote{
		Body:   parseReportBody(body),
		signed: raw[:signedQuoteDataSize],
	}
	q.signature = r.next(ecdsaSignatureSize)
	q.attestationKey = r.next(ecdsaPublicKeySize)
	q.qeReport = r.next(reportBodySize)
	q.qeSignature = r.next(ecdsaSignatureSize)
	q.qeAuthData = r.next(int(r.uint16()))
	certType := r.uint16()
	q.pckChain = r.next(int(r.uint32()))
	if r.err != nil {
		return nil, fmt.Errorf("parsing signature data: %w", r.err)
	}
	if r.pos != len(raw) {
		return nil, fmt.Errorf("%d trailing bytes after certification data", len(raw)-r.pos)
	}
	if certType != certDataTypePCKPEM {
		return nil, fmt.Errorf("unsupported certification data type %d", certType)
	}
	q.QE = parseReportBody(q.qeReport)
	return q, nil
}

// Verify checks the signatures inside the quote: the QE report is signed by the PCK
// certificate, the QE report binds the attestation key, and the attestation key signs
// the enclave report. It returns the metadata the collateral must be checked against.
func (q *Quote) Verify() (collateral.QuoteMetadata, error) {
	chain, err := collateral.ParseChain(q.pckChain)
	if err != nil {
		return collateral.QuoteMetadata{}, fmt.Errorf("parsing PCK chain: %w", err)
	}
	pckKey, ok := chain[0].PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return collateral.QuoteMetadata{}, errors.New("PCK certificate has no ECDSA key")
	}
	if !verifyRawECDSA(pckKey, q.qeReport, q.qeSignature) {
		return collateral.QuoteMetadata{}, errors.New("QE report signature invalid")
	}

	binding := sha256.Sum256(append(append([]byte{}, q.attestationKey...), q.qeAuthData...))
	if !bytes.Equal(q.QE.ReportData[:sha256.Size], binding[:]) {
		return collateral.QuoteMetadata{}, errors.New("QE report does not bind the attestation key")
	}

	attKey := &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(q.attestationKey[:32]),
		Y:     new(big.Int).SetBytes(q.attestationKey[32:]),
	}
	if !verifyRawECDSA(attKey, q.signed, q.signature) {
		return collateral.QuoteMetadata{}, errors.New("quote signature invalid")
	}

	return collateral.QuoteMetadata{
		PCKChain: chain,
		QE: collateral.QEReport{
			MiscSelect: q.QE.MiscSelect,
			Attributes: q.QE.Attributes,
			MRSigner:   q.QE.MRSigner,
			ISVProdID:  q.QE.ISVProdID,
			ISVSVN:     q.QE.ISVSVN,
		},
	}, nil
}

// verifyRawECDSA verifies an r||s signature over the SHA-256 digest of data.
func verifyRawECDSA(key *ecdsa.PublicKey, data, sig []byte) bool {
	if len(sig) != ecdsaSignatureSize {
		return false
	}
	digest := sha256.Sum256(data)
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	return ecdsa.Verify(key, digest[:], r, s)
}

func (q *Quote) identity(provider Provider) *VerifiedIdentity {
	return &VerifiedIdentity{
		Provider:        provider,
		UniqueID:        bytes.Clone(q.Body.MREnclave[:]),
		SignerID:        bytes.Clone(q.Body.MRSigner[:]),
		ProductID:       q.Body.ISVProdID,
		SecurityVersion: q.Body.ISVSVN,
		Debug:           q.Body.Debug(),
		ReportData:      bytes.Clone(q.Body.ReportData[:]),
	}
}

// reader reads little endian fields and remembers the first error.
type reader struct {
	data []byte
	pos  int
	err  error
}

func (r *reader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.data)-r.pos < n {
		r.err = fmt.Errorf("need %d bytes at offset %d, have %d", n, r.pos, len(r.data)-r.pos)
		return nil
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *reader) uint16() uint16 {
	b := r.next(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *reader) uint32() uint32 {
	b := r.next(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}
