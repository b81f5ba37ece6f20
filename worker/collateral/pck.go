/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

package collateral

import (
	"crypto/x509"
	"encoding/asn1"
	"encoding/hex"
	"errors"
	"fmt"
)

// Object identifiers of the SGX extension in PCK certificates.
var (
	OIDSGXExtension = asn1.ObjectIdentifier{1, 2, 840, 113741, 1, 13, 1}
	OIDPPID         = asn1.ObjectIdentifier{1, 2, 840, 113741, 1, 13, 1, 1}
	OIDTCB          = asn1.ObjectIdentifier{1, 2, 840, 113741, 1, 13, 1, 2}
	OIDPCEID        = asn1.ObjectIdentifier{1, 2, 840, 113741, 1, 13, 1, 3}
	OIDFMSPC        = asn1.ObjectIdentifier{1, 2, 840, 113741, 1, 13, 1, 4}
)

const (
	tcbComponentCount = 16
	oidPCESVNIndex    = 17
	oidCPUSVNIndex    = 18
)

// PCKExtensions are the platform properties a PCK certificate attests to.
type PCKExtensions struct {
	PPID          []byte
	PCEID         string
	FMSPC         string
	PCESVN        uint16
	CPUSVN        []byte
	TCBComponents [tcbComponentCount]uint8
}

// ExtensionEntry is one element of the SGX extension sequence.
type ExtensionEntry struct {
	ID    asn1.ObjectIdentifier
	Value asn1.RawValue
}

// ParsePCKExtensions extracts the SGX extension of a PCK certificate.
func ParsePCKExtensions(cert *x509.Certificate) (*PCKExtensions, error) {
	var raw []byte
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(OIDSGXExtension) {
			raw = ext.Value
			break
		}
	}
	if raw == nil {
		return nil, errors.New("certificate has no SGX extension")
	}

	var entries []ExtensionEntry
	if rest, err := asn1.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parsing SGX extension: %w", err)
	} else if len(rest) != 0 {
		return nil, errors.New("trailing data after SGX extension")
	}

	ext := &PCKExtensions{}
	var haveTCB, haveFMSPC, havePCEID bool
	for _, entry := range entries {
		switch {
		case entry.ID.Equal(OIDPPID):
			if _, err := asn1.Unmarshal(entry.Value.FullBytes, &ext.PPID); err != nil {
				return nil, fmt.Errorf("parsing PPID: %w", err)
			}
		case entry.ID.Equal(OIDTCB):
			if err := parseTCB(entry.Value.FullBytes, ext); err != nil {
				return nil, err
			}
			haveTCB = true
		case entry.ID.Equal(OIDPCEID):
			var pceID []byte
			if _, err := asn1.Unmarshal(entry.Value.FullBytes, &pceID); err != nil {
				return nil, fmt.Errorf("parsing PCE ID: %w", err)
			}
			ext.PCEID = hex.EncodeToString(pceID)
			havePCEID = true
		case entry.ID.Equal(OIDFMSPC):
			var fmspc []byte
			if _, err := asn1.Unmarshal(entry.Value.FullBytes, &fmspc); err != nil {
				return nil, fmt.Errorf("parsing FMSPC: %w", err)
			}
			ext.FMSPC = hex.EncodeToString(fmspc)
			haveFMSPC = true
		}
	}
	if !haveTCB || !haveFMSPC || !havePCEID {
		return nil, errors.New("SGX extension is missing TCB, FMSPC or PCE ID")
	}
	return ext, nil
}

func parseTCB(raw []byte, ext *PCKExtensions) error {
	var entries []ExtensionEntry
	if _, err := asn1.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("parsing TCB: %w", err)
	}
	seen := 0
	for _, entry := range entries {
		if len(entry.ID) != len(OIDTCB)+1 || !entry.ID[:len(OIDTCB)].Equal(OIDTCB) {
			continue
		}
		switch index := entry.ID[len(OIDTCB)]; {
		case index >= 1 && index <= tcbComponentCount:
			var svn int
			if _, err := asn1.Unmarshal(entry.Value.FullBytes, &svn); err != nil {
				return fmt.Errorf("parsing TCB component %d: %w", index, err)
			}
			if svn < 0 || svn > 0xff {
				return fmt.Errorf("TCB component %d out of range: %d", index, svn)
			}
			ext.TCBComponents[index-1] = uint8(svn)
			seen++
		case index == oidPCESVNIndex:
			var svn int
			if _, err := asn1.Unmarshal(entry.Value.FullBytes, &svn); err != nil {
				return fmt.Errorf("parsing PCE SVN: %w", err)
			}
			if svn < 0 || svn > 0xffff {
				return fmt.Errorf("PCE SVN out of range: %d", svn)
			}
			ext.PCESVN = uint16(svn)
			seen++
		case index == oidCPUSVNIndex:
			if _, err := asn1.Unmarshal(entry.Value.FullBytes, &ext.CPUSVN); err != nil {
				return fmt.Errorf("parsing CPU SVN: %w", err)
			}
		}
	}
	if seen != tcbComponentCount+1 {
		return fmt.Errorf("TCB is incomplete: found %d of %d values", seen, tcbComponentCount+1)
	}
	return nil
}
