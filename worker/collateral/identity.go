/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

package collateral

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/cesslab/ceseal/internal/tcb"
	"github.com/edgelesssys/ego/attestation/tcbstatus"
	"github.com/tidwall/gjson"
)

type platformLevel struct {
	status     tcbstatus.Status
	date       time.Time
	advisories []string
}

// verifySignature checks an ECDSA signature given as raw r||s or ASN.1.
func verifySignature(signer *x509.Certificate, body, sig []byte) error {
	pub, ok := signer.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return errors.New("signer key is not ECDSA")
	}
	digest := sha256.Sum256(body)
	if len(sig) == 64 {
		r := new(big.Int).SetBytes(sig[:32])
		s := new(big.Int).SetBytes(sig[32:])
		if ecdsa.Verify(pub, digest[:], r, s) {
			return nil
		}
		return errors.New("invalid signature")
	}
	if !ecdsa.VerifyASN1(pub, digest[:], sig) {
		return errors.New("invalid signature")
	}
	return nil
}

func checkValidity(doc gjson.Result, now time.Time) error {
	next := doc.Get("nextUpdate")
	if !next.Exists() {
		return errors.New("missing nextUpdate")
	}
	nextUpdate, err := time.Parse(time.RFC3339, next.String())
	if err != nil {
		return fmt.Errorf("parsing nextUpdate: %w", err)
	}
	if now.After(nextUpdate) {
		return fmt.Errorf("expired at %s: %w", nextUpdate, ErrStaleOrRevoked)
	}
	return nil
}

// evaluateTCBInfo finds the highest TCB level the platform satisfies.
func evaluateTCBInfo(body []byte, ext *PCKExtensions, now time.Time) (platformLevel, error) {
	if !gjson.ValidBytes(body) {
		return platformLevel{}, errors.New("TCB info is not valid JSON")
	}
	doc := gjson.ParseBytes(body)
	if id := doc.Get("id"); id.Exists() && id.String() != "SGX" {
		return platformLevel{}, fmt.Errorf("unexpected TCB info id %q", id.String())
	}
	version := doc.Get("version").Int()
	if version != 2 && version != 3 {
		return platformLevel{}, fmt.Errorf("unsupported TCB info version %d", version)
	}
	if err := checkValidity(doc, now); err != nil {
		return platformLevel{}, err
	}
	if !strings.EqualFold(doc.Get("fmspc").String(), ext.FMSPC) {
		return platformLevel{}, fmt.Errorf("TCB info is for FMSPC %s, platform has %s", doc.Get("fmspc").String(), ext.FMSPC)
	}
	if !strings.EqualFold(doc.Get("pceId").String(), ext.PCEID) {
		return platformLevel{}, fmt.Errorf("TCB info is for PCE ID %s, platform has %s", doc.Get("pceId").String(), ext.PCEID)
	}

	for _, level := range doc.Get("tcbLevels").Array() {
		levelTCB := level.Get("tcb")
		if !satisfiesComponents(levelTCB, ext) || uint64(ext.PCESVN) < levelTCB.Get("pcesvn").Uint() {
			continue
		}
		status, err := tcb.ParseStatus(level.Get("tcbStatus").String())
		if err != nil {
			return platformLevel{}, err
		}
		if status == tcbstatus.Revoked {
			return platformLevel{}, fmt.Errorf("platform TCB level: %w", ErrStaleOrRevoked)
		}
		result := platformLevel{status: status}
		if date := level.Get("tcbDate"); date.Exists() {
			result.date, _ = time.Parse(time.RFC3339, date.String())
		}
		for _, advisory := range level.Get("advisoryIDs").Array() {
			result.advisories = append(result.advisories, advisory.String())
		}
		return result, nil
	}
	return platformLevel{}, errors.New("platform TCB is below every known TCB level")
}

func satisfiesComponents(levelTCB gjson.Result, ext *PCKExtensions) bool {
	components := levelTCB.Get("sgxtcbcomponents")
	if components.Exists() {
		svns := components.Array()
		if len(svns) != tcbComponentCount {
			return false
		}
		for i, svn := range svns {
			if uint64(ext.TCBComponents[i]) < svn.Get("svn").Uint() {
				return false
			}
		}
		return true
	}
	for i := range tcbComponentCount {
		field := levelTCB.Get(fmt.Sprintf("sgxtcbcomp%02dsvn", i+1))
		if !field.Exists() || uint64(ext.TCBComponents[i]) < field.Uint() {
			return false
		}
	}
	return true
}

// evaluateQEIdentity checks the quoting enclave against its published identity.
func evaluateQEIdentity(body []byte, qe QEReport, now time.Time) (tcbstatus.Status, error) {
	if !gjson.ValidBytes(body) {
		return tcbstatus.Unknown, errors.New("QE identity is not valid JSON")
	}
	doc := gjson.ParseBytes(body)
	if id := doc.Get("id"); id.Exists() && id.String() != "QE" {
		return tcbstatus.Unknown, fmt.Errorf("unexpected enclave identity id %q", id.String())
	}
	if err := checkValidity(doc, now); err != nil {
		return tcbstatus.Unknown, err
	}

	mrsigner, err := hex.DecodeString(doc.Get("mrsigner").String())
	if err != nil || len(mrsigner) != 32 {
		return tcbstatus.Unknown, errors.New("invalid mrsigner in QE identity")
	}
	if [32]byte(mrsigner) != qe.MRSigner {
		return tcbstatus.Unknown, errors.New("QE signer does not match QE identity")
	}
	if doc.Get("isvprodid").Uint() != uint64(qe.ISVProdID) {
		return tcbstatus.Unknown, errors.New("QE product ID does not match QE identity")
	}

	var miscSelect [4]byte
	binary.LittleEndian.PutUint32(miscSelect[:], qe.MiscSelect)
	if err := checkMasked("miscselect", miscSelect[:], doc.Get("miscselect").String(), doc.Get("miscselectMask").String()); err != nil {
		return tcbstatus.Unknown, err
	}
	if err := checkMasked("attributes", qe.Attributes[:], doc.Get("attributes").String(), doc.Get("attributesMask").String()); err != nil {
		return tcbstatus.Unknown, err
	}

	for _, level := range doc.Get("tcbLevels").Array() {
		if uint64(qe.ISVSVN) < level.Get("tcb.isvsvn").Uint() {
			continue
		}
		status, err := tcb.ParseStatus(level.Get("tcbStatus").String())
		if err != nil {
			return tcbstatus.Unknown, err
		}
		if status == tcbstatus.Revoked {
			return tcbstatus.Unknown, fmt.Errorf("QE TCB level: %w", ErrStaleOrRevoked)
		}
		return status, nil
	}
	return tcbstatus.Unknown, errors.New("QE SVN is below every known QE TCB level")
}

// checkMasked compares value with expected under mask. The identity encodes
// miscselect as big-endian hex, so value is compared in that byte order.
func checkMasked(name string, value []byte, expectedHex, maskHex string) error {
	expected, err := hex.DecodeString(expectedHex)
	if err != nil {
		return fmt.Errorf("decoding %s: %w", name, err)
	}
	mask, err := hex.DecodeString(maskHex)
	if err != nil {
		return fmt.Errorf("decoding %s mask: %w", name, err)
	}
	if len(expected) != len(value) || len(mask) != len(value) {
		return fmt.Errorf("%s has unexpected length", name)
	}
	if name == "miscselect" {
		value = []byte{value[3], value[2], value[1], value[0]}
	}
	for i := range value {
		if value[i]&mask[i] != expected[i]&mask[i] {
			return fmt.Errorf("QE %s does not match QE identity", name)
		}
	}
	return nil
}
