/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

package attestation

import (
	"context"
	"encoding/hex"
	"testing"

	"github.com/edgelesssys/ego/attestation/tcbstatus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestSimulatedEngine(t *testing.T) {
	identity := SimulatedIdentity{UniqueID: [32]byte{1}, SignerID: [32]byte{2}, ProductID: 1, SecurityVersion: 5}
	policy := TrustPolicy{UniqueIDs: []string{hex.EncodeToString(identity.UniqueID[:])}}
	data := testData("handler info")

	testCases := map[string]struct {
		identity     func(*SimulatedIdentity)
		modifyReport func(*Report)
		expectedData []byte
		wantErr      error
		wantStatus   tcbstatus.Status
	}{
		"valid": {
			wantStatus: tcbstatus.UpToDate,
		},
		"other enclave": {
			identity: func(i *SimulatedIdentity) { i.UniqueID = [32]byte{9} },
			wantErr:  ErrMeasurementRejected,
		},
		"data bound to other content": {
			expectedData: testData("other handler info"),
			wantErr:      ErrDataBindingMismatch,
		},
		"expected data is a prefix of report data": {
			expectedData: data[:16],
			wantErr:      ErrDataBindingMismatch,
		},
		"tampered body": {
			modifyReport: func(r *Report) { r.Simulated.Body[len(r.Simulated.Body)-1] ^= 1 },
			wantErr:      ErrAttestationInvalid,
		},
		"revoked": {
			identity: func(i *SimulatedIdentity) { i.TCBStatus = "Revoked" },
			wantErr:  ErrStaleOrRevoked,
		},
		"dcap report": {
			modifyReport: func(r *Report) { *r = Report{SgxDcap: &DcapReport{}} },
			wantErr:      ErrAttestationInvalid,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			id := identity
			if tc.identity != nil {
				tc.identity(&id)
			}
			engine := NewSimulatedEngine(id, zaptest.NewLogger(t))
			report, err := engine.Generate(context.Background(), data)
			require.NoError(err)
			if tc.modifyReport != nil {
				tc.modifyReport(report)
			}
			expected := data
			if tc.expectedData != nil {
				expected = tc.expectedData
			}

			// Any engine of the same kind can verify, independent of its own identity.
			verifier := NewSimulatedEngine(SimulatedIdentity{}, zaptest.NewLogger(t))
			verified, err := verifier.Verify(context.Background(), report, expected, policy)
			if tc.wantErr != nil {
				assert.ErrorIs(err, tc.wantErr)
				return
			}
			require.NoError(err)
			assert.Equal(tc.wantStatus, verified.TCBStatus)
			assert.Equal(id.UniqueID[:], verified.UniqueID)
			assert.Equal(id.SecurityVersion, verified.SecurityVersion)
		})
	}
}

func TestSimulatedEngineDeterministic(t *testing.T) {
	engine := NewSimulatedEngine(SimulatedIdentity{UniqueID: [32]byte{1}}, zaptest.NewLogger(t))
	a, err := engine.Generate(context.Background(), []byte("data"))
	require.NoError(t, err)
	b, err := engine.Generate(context.Background(), []byte("data"))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
