/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

package handover

import (
	"testing"

	"github.com/cesslab/ceseal/worker/attestation"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestEncodeDecode(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	engine := attestation.NewSimulatedEngine(testIdentity(), zaptest.NewLogger(t))
	info := ChallengeHandlerInfo{RequesterECDHPubkey: [32]byte{1}, EchoedNonce: Nonce{2}, BlockNumber: requesterBlock}
	digest, err := info.Digest()
	require.NoError(err)
	report, err := engine.Generate(t.Context(), digest)
	require.NoError(err)
	resp := &ChallengeResponse{HandlerInfo: info, Attestation: report}

	first, err := Encode(resp)
	require.NoError(err)
	second, err := Encode(resp)
	require.NoError(err)
	assert.Equal(first, second)

	decoded, err := Decode[ChallengeResponse](first)
	require.NoError(err)
	assert.Empty(cmp.Diff(resp, decoded))

	redigest, err := decoded.HandlerInfo.Digest()
	require.NoError(err)
	assert.Equal(digest, redigest)
}

func TestDecodeMalformed(t *testing.T) {
	testCases := map[string]struct {
		data []byte
	}{
		"empty":         {data: nil},
		"garbage":       {data: []byte{0xff, 0x00}},
		"trailing data": {data: append(mustEncode(t, &Challenge{BlockNumber: 1}), 0x00)},
		"wrong message": {data: mustEncode(t, &KeyStaffs{IV: []byte{1}, Ciphertext: []byte{2}})},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode[Challenge](tc.data)
			assert.ErrorIs(t, err, ErrMalformedMessage)
			assert.Equal(t, ClassCryptoFailure, Classify(err))
		})
	}
}

func mustEncode[M Message](t *testing.T, msg *M) []byte {
	t.Helper()
	data, err := Encode(msg)
	require.NoError(t, err)
	return data
}

// TestHandlerInfoBindingSensitivity changes every single byte of a handler info and checks that
// an attestation of the original no longer verifies.
func TestHandlerInfoBindingSensitivity(t *testing.T) {
	require := require.New(t)

	engine := attestation.NewSimulatedEngine(testIdentity(), zaptest.NewLogger(t))
	info := ChallengeHandlerInfo{BlockNumber: requesterBlock}
	for i := range info.RequesterECDHPubkey {
		info.RequesterECDHPubkey[i] = byte(i)
		info.EchoedNonce[i] = byte(0x80 + i)
	}
	digest, err := info.Digest()
	require.NoError(err)
	report, err := engine.Generate(t.Context(), digest)
	require.NoError(err)
	_, err = engine.Verify(t.Context(), report, digest, testPolicy())
	require.NoError(err)

	var mutations []func(*ChallengeHandlerInfo)
	for i := range 32 {
		mutations = append(mutations,
			func(h *ChallengeHandlerInfo) { h.RequesterECDHPubkey[i] ^= 0x01 },
			func(h *ChallengeHandlerInfo) { h.EchoedNonce[i] ^= 0x01 },
		)
	}
	for shift := range 4 {
		mutations = append(mutations, func(h *ChallengeHandlerInfo) { h.BlockNumber ^= 1 << (8 * shift) })
	}

	for _, mutate := range mutations {
		changed := info
		mutate(&changed)
		changedDigest, err := changed.Digest()
		require.NoError(err)
		_, err = engine.Verify(t.Context(), report, changedDigest, testPolicy())
		require.ErrorIs(err, attestation.ErrDataBindingMismatch)
	}
}
