/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

package attestation

import (
	"encoding/binary"
	"testing"

	"github.com/cesslab/ceseal/internal/sgxtest"
	"github.com/cesslab/ceseal/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseQuote(t *testing.T) {
	pki := sgxtest.New(t, now, sgxtest.Options{})
	enclave := testEnclave()
	enclave.Debug = true
	copy(enclave.ReportData[:], "report data")
	quote := pki.Quote(t, enclave)

	testCases := map[string]struct {
		quote     func() []byte
		wantErr   bool
		wantValid bool
	}{
		"raw quote": {
			quote:     func() []byte { return quote },
			wantValid: true,
		},
		"with OpenEnclave header": {
			quote:     func() []byte { return util.AddOEQuoteHeader(quote) },
			wantValid: true,
		},
		"wrong version": {
			quote: func() []byte {
				q := append([]byte{}, quote...)
				binary.LittleEndian.PutUint16(q, 4)
				return q
			},
			wantErr: true,
		},
		"trailing bytes": {
			quote:   func() []byte { return append(append([]byte{}, quote...), 0) },
			wantErr: true,
		},
		"truncated": {
			quote:   func() []byte { return quote[:len(quote)-1] },
			wantErr: true,
		},
		"tampered QE report": {
			quote: func() []byte {
				q := append([]byte{}, quote...)
				q[signedQuoteDataSize+4+2*ecdsaSignatureSize+10] ^= 1
				return q
			},
		},
		"tampered enclave report": {
			quote: func() []byte {
				q := append([]byte{}, quote...)
				q[quoteHeaderSize+64] ^= 1
				return q
			},
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			q, err := ParseQuote(tc.quote())
			if tc.wantErr {
				assert.Error(err)
				return
			}
			require.NoError(err)

			md, err := q.Verify()
			if !tc.wantValid {
				assert.Error(err)
				return
			}
			require.NoError(err)
			assert.Equal(enclave.MRENCLAVE, q.Body.MREnclave)
			assert.Equal(enclave.MRSIGNER, q.Body.MRSigner)
			assert.Equal(enclave.ReportData, q.Body.ReportData)
			assert.True(q.Body.Debug())
			assert.Equal(pki.Metadata().QE, md.QE)
			require.Len(md.PCKChain, 3)
			assert.Equal(pki.PCK.Raw, md.PCKChain[0].Raw)
		})
	}
}
