/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

package sgxtest

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/binary"
	"testing"
)

// Enclave describes the fake application enclave a quote is built for.
type Enclave struct {
	MRENCLAVE  [32]byte
	MRSIGNER   [32]byte
	ISVProdID  uint16
	ISVSVN     uint16
	Debug      bool
	ReportData [64]byte
}

const (
	headerSize     = 48
	reportBodySize = 384
	certTypePEM    = 5
)

// Quote builds an ECDSA v3 quote for enclave, certified by the PKI's PCK certificate.
func (p *PKI) Quote(t testing.TB, enclave Enclave) []byte {
	t.Helper()
	attKey := NewAttestationKey(t)
	return p.QuoteWithKey(t, enclave, attKey)
}

// QuoteWithKey builds a quote using the given attestation key.
func (p *PKI) QuoteWithKey(t testing.TB, enclave Enclave, attKey *ecdsa.PrivateKey) []byte {
	t.Helper()

	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint16(header[0:], 3) // version
	binary.LittleEndian.PutUint16(header[2:], 2) // ECDSA-256-with-P-256
	binary.LittleEndian.PutUint16(header[8:], p.QE.ISVSVN)
	binary.LittleEndian.PutUint16(header[10:], p.PCESVN)
	copy(header[12:28], []byte{0x93, 0x9a, 0x72, 0x33, 0xf7, 0x9c, 0x4c, 0xa9, 0x94, 0x0a, 0x0d, 0xb3, 0x95, 0x7f, 0x06, 0x07})

	var attributes [16]byte
	if enclave.Debug {
		attributes[0] = 0x02
	}
	body := reportBody(p.Components, 0, attributes, enclave.MRENCLAVE, enclave.MRSIGNER, enclave.ISVProdID, enclave.ISVSVN, enclave.ReportData)

	attPub := make([]byte, 64)
	attKey.X.FillBytes(attPub[:32])
	attKey.Y.FillBytes(attPub[32:])
	qeAuth := make([]byte, 32)
	for i := range qeAuth {
		qeAuth[i] = byte(i)
	}
	var qeData [64]byte
	binding := sha256.Sum256(append(append([]byte{}, attPub...), qeAuth...))
	copy(qeData[:], binding[:])
	qeReport := reportBody(p.Components, p.QE.MiscSelect, p.QE.Attributes, [32]byte{}, p.QE.MRSigner, p.QE.ISVProdID, p.QE.ISVSVN, qeData)

	signed := append(append([]byte{}, header...), body...)
	sigData := Sign(t, attKey, signed)
	sigData = append(sigData, attPub...)
	sigData = append(sigData, qeReport...)
	sigData = append(sigData, Sign(t, p.PCKKey, qeReport)...)
	sigData = binary.LittleEndian.AppendUint16(sigData, uint16(len(qeAuth)))
	sigData = append(sigData, qeAuth...)
	certData := PEMChain(p.PCK, p.Platform, p.Root)
	sigData = binary.LittleEndian.AppendUint16(sigData, certTypePEM)
	sigData = binary.LittleEndian.AppendUint32(sigData, uint32(len(certData)))
	sigData = append(sigData, certData...)

	quote := append(signed, make([]byte, 4)...)
	binary.LittleEndian.PutUint32(quote[len(signed):], uint32(len(sigData)))
	return append(quote, sigData...)
}

func reportBody(cpuSVN [16]uint8, miscSelect uint32, attributes [16]byte, mrenclave, mrsigner [32]byte, prodID, svn uint16, data [64]byte) []byte {
	body := make([]byte, reportBodySize)
	copy(body[0:16], cpuSVN[:])
	binary.LittleEndian.PutUint32(body[16:], miscSelect)
	copy(body[48:64], attributes[:])
	copy(body[64:96], mrenclave[:])
	copy(body[128:160], mrsigner[:])
	binary.LittleEndian.PutUint16(body[256:], prodID)
	binary.LittleEndian.PutUint16(body[258:], svn)
	copy(body[320:384], data[:])
	return body
}
