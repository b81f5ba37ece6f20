/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

package tcb

import (
	"testing"

	"github.com/edgelesssys/ego/attestation"
	"github.com/edgelesssys/ego/attestation/tcbstatus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	testCases := map[string]struct {
		in      string
		want    tcbstatus.Status
		wantErr bool
	}{
		"pcs up to date":     {in: "UpToDate", want: tcbstatus.UpToDate},
		"ias ok":             {in: "OK", want: tcbstatus.UpToDate},
		"pcs hardening":      {in: "SWHardeningNeeded", want: tcbstatus.SWHardeningNeeded},
		"ias hardening":      {in: "SW_HARDENING_NEEDED", want: tcbstatus.SWHardeningNeeded},
		"ias group outdated": {in: "GROUP_OUT_OF_DATE", want: tcbstatus.OutOfDate},
		"pcs revoked":        {in: "Revoked", want: tcbstatus.Revoked},
		"unknown":            {in: "Fine", wantErr: true},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			status, err := ParseStatus(tc.in)
			if tc.wantErr {
				assert.Error(err)
				return
			}
			assert.NoError(err)
			assert.Equal(tc.want, status)
		})
	}
}

func TestEvaluate(t *testing.T) {
	testCases := map[string]struct {
		status       tcbstatus.Status
		accepted     []string
		wantValidity Validity
		wantErr      bool
	}{
		"up to date is always valid": {
			status:       tcbstatus.UpToDate,
			wantValidity: ValidityUnconditional,
		},
		"hardening needed not accepted": {
			status:  tcbstatus.SWHardeningNeeded,
			wantErr: true,
		},
		"hardening needed accepted": {
			status:       tcbstatus.SWHardeningNeeded,
			accepted:     []string{"SWHardeningNeeded"},
			wantValidity: ValidityConditional,
		},
		"out of date accepted": {
			status:       tcbstatus.OutOfDate,
			accepted:     []string{"OutOfDate"},
			wantValidity: ValidityInvalid,
		},
		"revoked can't be accepted": {
			status:   tcbstatus.Revoked,
			accepted: []string{"Revoked"},
			wantErr:  true,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			validity, err := Evaluate(tc.status, tc.accepted)
			if tc.wantErr {
				assert.Error(err)
				return
			}
			assert.NoError(err)
			assert.Equal(tc.wantValidity, validity)
		})
	}
}

func TestCheckStatus(t *testing.T) {
	all := []string{"UpToDate", "OutOfDate", "SWHardeningNeeded"}

	testCases := map[string]struct {
		status       tcbstatus.Status
		tcbErr       error
		accepted     []string
		wantErr      bool
		wantValidity Validity
	}{
		"up to date": {
			status:       tcbstatus.UpToDate,
			wantValidity: ValidityUnconditional,
		},
		"out of date without error is unexpected": {
			status:   tcbstatus.OutOfDate,
			accepted: all,
			wantErr:  true,
		},
		"up to date with invalid error is unexpected": {
			status:   tcbstatus.UpToDate,
			tcbErr:   attestation.ErrTCBLevelInvalid,
			accepted: all,
			wantErr:  true,
		},
		"other errors can't be accepted": {
			status:   tcbstatus.SWHardeningNeeded,
			tcbErr:   assert.AnError,
			accepted: all,
			wantErr:  true,
		},
		"hardening needed not accepted": {
			status:  tcbstatus.SWHardeningNeeded,
			wantErr: true,
		},
		"hardening needed accepted": {
			status:       tcbstatus.SWHardeningNeeded,
			accepted:     []string{"SWHardeningNeeded"},
			wantValidity: ValidityConditional,
		},
		"invalid out of date accepted": {
			status:       tcbstatus.OutOfDate,
			tcbErr:       attestation.ErrTCBLevelInvalid,
			accepted:     []string{"OutOfDate"},
			wantValidity: ValidityInvalid,
		},
		"invalid hardening needed accepted": {
			status:       tcbstatus.SWHardeningNeeded,
			tcbErr:       attestation.ErrTCBLevelInvalid,
			accepted:     []string{"SWHardeningNeeded"},
			wantValidity: ValidityInvalid,
		},
		"invalid out of date not accepted": {
			status:   tcbstatus.OutOfDate,
			tcbErr:   attestation.ErrTCBLevelInvalid,
			accepted: []string{"UpToDate", "SWHardeningNeeded"},
			wantErr:  true,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			validity, err := CheckStatus(tc.status, tc.tcbErr, tc.accepted)
			if tc.wantErr {
				assert.Error(err)
				return
			}
			require.NoError(err)
			assert.Equal(tc.wantValidity, validity)
		})
	}
}

func TestCheckAdvisories(t *testing.T) {
	testCases := map[string]struct {
		status             tcbstatus.Status
		advisories         []string
		acceptedAdvisories []string
		advisoriesErr      error
		wantNotAccepted    []string
		wantErr            bool
	}{
		"empty accepted list accepts all advisories": {
			status:     tcbstatus.SWHardeningNeeded,
			advisories: []string{"INTEL-SA-0001", "INTEL-SA-0002"},
		},
		"some advisories accepted": {
			status:             tcbstatus.SWHardeningNeeded,
			advisories:         []string{"INTEL-SA-0001", "INTEL-SA-0002"},
			acceptedAdvisories: []string{"intel-sa-0001"},
			wantNotAccepted:    []string{"INTEL-SA-0002"},
		},
		"other status than SWHardeningNeeded": {
			status:             tcbstatus.ConfigurationAndSWHardeningNeeded,
			advisories:         []string{"INTEL-SA-0001"},
			acceptedAdvisories: []string{"INTEL-SA-0002"},
		},
		"advisory error with accepted list": {
			status:             tcbstatus.SWHardeningNeeded,
			acceptedAdvisories: []string{"INTEL-SA-0001"},
			advisoriesErr:      assert.AnError,
			wantErr:            true,
		},
		"advisory error without accepted list": {
			status:        tcbstatus.SWHardeningNeeded,
			advisoriesErr: assert.AnError,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			notAccepted, err := CheckAdvisories(tc.status, tc.advisories, tc.advisoriesErr, tc.acceptedAdvisories)
			if tc.wantErr {
				assert.Error(err)
				return
			}
			assert.NoError(err)
			assert.Equal(tc.wantNotAccepted, notAccepted)
		})
	}
}
