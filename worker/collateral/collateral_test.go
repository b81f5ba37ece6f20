/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

package collateral_test

import (
	"crypto/x509"
	"errors"
	"testing"
	"time"

	"github.com/cesslab/ceseal/internal/sgxtest"
	"github.com/cesslab/ceseal/worker/collateral"
	"github.com/edgelesssys/ego/attestation/tcbstatus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	testingclock "k8s.io/utils/clock/testing"
)

var now = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

func TestValidate(t *testing.T) {
	otherSigner := [32]byte{0xff}

	testCases := map[string]struct {
		opts       sgxtest.Options
		modify     func(p *sgxtest.PKI, c *collateral.SgxV30, md *collateral.QuoteMetadata)
		at         time.Time
		wantStatus tcbstatus.Status
		wantAdvs   []string
		wantCheck  string
		wantStale  bool
	}{
		"up to date": {
			wantStatus: tcbstatus.UpToDate,
		},
		"sw hardening needed": {
			opts:       sgxtest.Options{TCBStatus: "SWHardeningNeeded"},
			wantStatus: tcbstatus.SWHardeningNeeded,
			wantAdvs:   []string{"INTEL-SA-00615"},
		},
		"platform behind falls to lower level": {
			opts:       sgxtest.Options{PlatformBehind: true},
			wantStatus: tcbstatus.OutOfDate,
			wantAdvs:   []string{"INTEL-SA-00088"},
		},
		"out of date QE downgrades platform": {
			opts:       sgxtest.Options{QEStatus: "OutOfDate"},
			wantStatus: tcbstatus.OutOfDate,
		},
		"revoked TCB level": {
			opts:      sgxtest.Options{TCBStatus: "Revoked"},
			wantCheck: "tcb info",
			wantStale: true,
		},
		"revoked PCK certificate": {
			opts:      sgxtest.Options{RevokePCK: true},
			wantCheck: "revocation",
			wantStale: true,
		},
		"revoked platform CA": {
			opts:      sgxtest.Options{RevokePlatformCA: true},
			wantCheck: "revocation",
			wantStale: true,
		},
		"expired collateral": {
			at:        now.Add(40 * 24 * time.Hour),
			wantCheck: "revocation",
			wantStale: true,
		},
		"tampered TCB info": {
			modify: func(_ *sgxtest.PKI, c *collateral.SgxV30, _ *collateral.QuoteMetadata) {
				c.TCBInfo = append([]byte{}, c.TCBInfo...)
				c.TCBInfo[len(c.TCBInfo)-2] ^= 0x01
			},
			wantCheck: "tcb info signature",
		},
		"tampered QE identity signature": {
			modify: func(_ *sgxtest.PKI, c *collateral.SgxV30, _ *collateral.QuoteMetadata) {
				c.QEIdentitySignature = append([]byte{}, c.QEIdentitySignature...)
				c.QEIdentitySignature[0] ^= 0x01
			},
			wantCheck: "qe identity signature",
		},
		"QE signer mismatch": {
			opts:      sgxtest.Options{QEMRSigner: &otherSigner},
			wantCheck: "qe identity",
		},
		"QE product mismatch": {
			modify: func(_ *sgxtest.PKI, _ *collateral.SgxV30, md *collateral.QuoteMetadata) {
				md.QE.ISVProdID = 2
			},
			wantCheck: "qe identity",
		},
		"PCK chain from another root": {
			modify: func(_ *sgxtest.PKI, _ *collateral.SgxV30, md *collateral.QuoteMetadata) {
				foreign := sgxtest.New(t, now, sgxtest.Options{})
				md.PCKChain = []*x509.Certificate{foreign.PCK, foreign.Platform, foreign.Root}
			},
			wantCheck: "pck chain",
		},
		"TCB info signed by foreign signer": {
			modify: func(_ *sgxtest.PKI, c *collateral.SgxV30, _ *collateral.QuoteMetadata) {
				foreign := sgxtest.New(t, now, sgxtest.Options{})
				c.TCBInfoIssuerChain = sgxtest.PEMChain(foreign.Signer, foreign.Root)
			},
			wantCheck: "tcb info chain",
		},
		"missing PCK chain": {
			modify: func(_ *sgxtest.PKI, _ *collateral.SgxV30, md *collateral.QuoteMetadata) {
				md.PCKChain = nil
			},
			wantCheck: "pck chain",
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			pki := sgxtest.New(t, now, tc.opts)
			col := pki.Collateral()
			md := pki.Metadata()
			if tc.modify != nil {
				tc.modify(pki, col.SgxV30, &md)
			}
			at := now
			if !tc.at.IsZero() {
				at = tc.at
			}

			v, err := collateral.NewValidator(pki.Root, testingclock.NewFakePassiveClock(at), zaptest.NewLogger(t))
			require.NoError(err)

			status, err := v.Validate(col, md)
			if tc.wantCheck != "" {
				var rejection *collateral.RejectionError
				require.ErrorAs(err, &rejection)
				assert.Equal(tc.wantCheck, rejection.Check)
				assert.Equal(tc.wantStale, errors.Is(err, collateral.ErrStaleOrRevoked))
				return
			}
			require.NoError(err)
			assert.Equal(tc.wantStatus, status.TCBStatus)
			assert.Equal(tc.wantAdvs, status.Advisories)
			assert.Equal(sgxtest.FMSPC, status.FMSPC)
		})
	}
}

func TestValidateMissingCollateral(t *testing.T) {
	pki := sgxtest.New(t, now, sgxtest.Options{})
	v, err := collateral.NewValidator(pki.Root, testingclock.NewFakePassiveClock(now), zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = v.Validate(nil, pki.Metadata())
	assert.ErrorIs(t, err, collateral.ErrMissingCollateral)
	_, err = v.Validate(&collateral.Collateral{}, pki.Metadata())
	assert.ErrorIs(t, err, collateral.ErrMissingCollateral)
}

func TestNewValidator(t *testing.T) {
	assert := assert.New(t)
	pki := sgxtest.New(t, now, sgxtest.Options{})
	clock := testingclock.NewFakePassiveClock(now)

	_, err := collateral.NewValidator(nil, clock, zaptest.NewLogger(t))
	assert.Error(err)
	_, err = collateral.NewValidator(pki.PCK, clock, zaptest.NewLogger(t))
	assert.Error(err)

	root, err := collateral.LoadRoot(pki.RootPEM())
	assert.NoError(err)
	assert.True(root.Equal(pki.Root))

	_, err = collateral.LoadRoot(sgxtest.PEMChain(pki.Root, pki.Platform))
	assert.Error(err)
}

func TestParsePCKExtensions(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	pki := sgxtest.New(t, now, sgxtest.Options{})

	ext, err := collateral.ParsePCKExtensions(pki.PCK)
	require.NoError(err)
	assert.Equal(sgxtest.FMSPC, ext.FMSPC)
	assert.Equal(sgxtest.PCEID, ext.PCEID)
	assert.Equal(pki.PCESVN, ext.PCESVN)
	assert.Equal(pki.Components, ext.TCBComponents)
	assert.Equal(pki.Components[:], ext.CPUSVN)

	_, err = collateral.ParsePCKExtensions(pki.Platform)
	assert.Error(err)
}
