/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

package handover

import (
	"context"
	"testing"
	"time"

	"github.com/cesslab/ceseal/worker/attestation"
	"github.com/cesslab/ceseal/worker/chain"
	"github.com/cesslab/ceseal/worker/events"
	"github.com/cesslab/ceseal/worker/keyagree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingEngine counts report generations.
type countingEngine struct {
	attestation.Engine
	generated int
}

func (e *countingEngine) Generate(ctx context.Context, data []byte) (*attestation.Report, error) {
	e.generated++
	return e.Engine.Generate(ctx, data)
}

func TestRequesterHandleChallenge(t *testing.T) {
	testCases := map[string]struct {
		requesterHeight chain.BlockNumber
		wantErr         error
	}{
		"fresh": {
			requesterHeight: requesterBlock,
		},
		"at window edge": {
			requesterHeight: holderBlock + window,
		},
		"challenge too old": {
			requesterHeight: holderBlock + window + 1,
			wantErr:         ErrChallengeExpired,
		},
		"challenge from the future": {
			requesterHeight: holderBlock - window - 1,
			wantErr:         ErrChallengeExpired,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			engine := &countingEngine{}
			env := newTestEnv(t, envOptions{requesterEngine: func(e attestation.Engine) attestation.Engine {
				engine.Engine = e
				return engine
			}})
			env.requesterChain.SetHeight(tc.requesterHeight)

			req, err := env.requester.Begin()
			require.NoError(err)
			challenge, err := env.holder.IssueChallenge(t.Context(), req)
			require.NoError(err)

			resp, err := env.requester.HandleChallenge(t.Context(), challenge)
			if tc.wantErr != nil {
				assert.ErrorIs(err, tc.wantErr)
				assert.Nil(resp)
				assert.Zero(engine.generated)
				assert.Equal(RequesterAborted, env.requester.State())
				return
			}
			require.NoError(err)
			assert.Equal(RequesterResponseSent, env.requester.State())
			assert.Equal(1, engine.generated)
			assert.Equal(challenge.Nonce, resp.HandlerInfo.EchoedNonce)
			assert.Equal(tc.requesterHeight, resp.HandlerInfo.BlockNumber)

			digest, err := resp.HandlerInfo.Digest()
			require.NoError(err)
			_, err = env.holderEngine.Verify(t.Context(), resp.Attestation, digest, testPolicy())
			assert.NoError(err)
		})
	}
}

func TestRequesterDeliverKeyStaffs(t *testing.T) {
	testCases := map[string]struct {
		opts envOptions
		// staffs replaces the key staffs sent by the holder.
		staffs  func(t *testing.T, env *testEnv, challenge *Challenge, staffs *KeyStaffs) *KeyStaffs
		wantErr error
	}{
		"valid": {},
		"valid with holder attestation": {
			opts: envOptions{
				holderCfg:    func(c *HolderConfig) { c.AttestKeyStaffs = true },
				requesterCfg: func(c *RequesterConfig) { c.RequireHolderAttestation = true },
			},
		},
		"tampered ciphertext": {
			staffs: func(_ *testing.T, _ *testEnv, _ *Challenge, s *KeyStaffs) *KeyStaffs {
				s.Ciphertext[0] ^= 1
				return s
			},
			wantErr: ErrKeyStaffsTampered,
		},
		"tampered iv": {
			staffs: func(_ *testing.T, _ *testEnv, _ *Challenge, s *KeyStaffs) *KeyStaffs {
				s.IV[0] ^= 1
				return s
			},
			wantErr: ErrKeyStaffsTampered,
		},
		"truncated iv": {
			staffs: func(_ *testing.T, _ *testEnv, _ *Challenge, s *KeyStaffs) *KeyStaffs {
				s.IV = s.IV[:8]
				return s
			},
			wantErr: ErrKeyStaffsTampered,
		},
		"other nonce": {
			staffs: func(_ *testing.T, _ *testEnv, _ *Challenge, s *KeyStaffs) *KeyStaffs {
				s.Nonce[0] ^= 1
				return s
			},
			wantErr: ErrNonceMismatch,
		},
		"encrypted for another peer": {
			staffs: func(t *testing.T, env *testEnv, challenge *Challenge, _ *KeyStaffs) *KeyStaffs {
				// The holder already consumed the nonce, so a second holder attempt is needed.
				other, err := env.holder.IssueChallenge(t.Context(), &ChallengeRequest{Requester: requesterID, Role: chain.RoleFull})
				require.NoError(t, err)
				staffs, err := env.holder.SubmitResponse(t.Context(), env.respond(t, other, nil, nil))
				require.NoError(t, err)
				staffs.Nonce = challenge.Nonce
				return staffs
			},
			wantErr: ErrKeyStaffsTampered,
		},
		"holder attestation missing": {
			opts: envOptions{
				requesterCfg: func(c *RequesterConfig) { c.RequireHolderAttestation = true },
			},
			wantErr: ErrHolderAttestationMissing,
		},
		"holder attestation bound to other ciphertext": {
			opts: envOptions{
				holderCfg: func(c *HolderConfig) { c.AttestKeyStaffs = true },
			},
			staffs: func(_ *testing.T, _ *testEnv, _ *Challenge, s *KeyStaffs) *KeyStaffs {
				s.Ciphertext[len(s.Ciphertext)-1] ^= 1
				return s
			},
			wantErr: attestation.ErrDataBindingMismatch,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			env := newTestEnv(t, tc.opts)
			req, err := env.requester.Begin()
			require.NoError(err)
			challenge, err := env.holder.IssueChallenge(t.Context(), req)
			require.NoError(err)
			resp, err := env.requester.HandleChallenge(t.Context(), challenge)
			require.NoError(err)
			staffs, err := env.holder.SubmitResponse(t.Context(), resp)
			require.NoError(err)
			if tc.staffs != nil {
				staffs = tc.staffs(t, env, challenge, staffs)
			}

			err = env.requester.DeliverKeyStaffs(t.Context(), staffs)
			if tc.wantErr != nil {
				assert.ErrorIs(err, tc.wantErr)
				assert.Equal(RequesterAborted, env.requester.State())
				assert.False(env.requesterKeys.Provisioned())
				assert.Empty(env.requesterChain.Applied())

				// The attempt is over. Delivering again reports the original failure.
				assert.ErrorIs(env.requester.DeliverKeyStaffs(t.Context(), staffs), tc.wantErr)
				return
			}
			require.NoError(err)
			assert.Equal(RequesterInstalled, env.requester.State())
			assert.NoError(env.requesterKeys.Use(func(key []byte) error {
				assert.Equal(masterKey, key)
				return nil
			}))
		})
	}
}

func TestRequesterOneAttemptAtATime(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	env := newTestEnv(t, envOptions{})
	_, err := env.requester.Begin()
	require.NoError(err)

	_, err = env.requester.Begin()
	assert.ErrorIs(err, ErrDuplicateAttempt)

	attemptErr := env.requester.Abort(ErrAborted)
	assert.ErrorIs(attemptErr, ErrAborted)
	assert.Equal(RequesterAborted, env.requester.State())

	_, err = env.requester.Begin()
	assert.NoError(err)
	assert.Equal(RequesterIdle, env.requester.State())
}

func TestRequesterOperationsOutOfOrder(t *testing.T) {
	assert := assert.New(t)

	env := newTestEnv(t, envOptions{})
	_, err := env.requester.HandleChallenge(t.Context(), &Challenge{BlockNumber: requesterBlock})
	assert.ErrorIs(err, ErrInvalidState)
	assert.ErrorIs(env.requester.DeliverKeyStaffs(t.Context(), &KeyStaffs{}), ErrInvalidState)

	_, err = env.requester.Begin()
	assert.NoError(err)
	assert.ErrorIs(env.requester.DeliverKeyStaffs(t.Context(), &KeyStaffs{}), ErrInvalidState)
}

func TestRequesterRunRejectedByHolder(t *testing.T) {
	assert := assert.New(t)

	otherIdentity := testIdentity()
	otherIdentity.SecurityVersion = 1
	env := newTestEnv(t, envOptions{
		requesterIdentity: &otherIdentity,
		holderCfg: func(c *HolderConfig) {
			productID, minSVN := uint16(1), uint16(3)
			c.DefaultPolicy = attestation.TrustPolicy{SignerID: testPolicySigner(), ProductID: &productID, MinSecurityVersion: &minSVN}
		},
	})

	err := env.requester.Run(t.Context(), &localClient{holder: env.holder})
	assert.ErrorIs(err, attestation.ErrMeasurementRejected)
	assert.Equal(ClassAttestationRejected, Classify(err))
	assert.Equal(RequesterAborted, env.requester.State())
	assert.False(env.requesterKeys.Provisioned())
	assert.Zero(env.holderKeys.reads)
}

type stallingClient struct{}

func (stallingClient) IssueChallenge(ctx context.Context, _ *ChallengeRequest) (*Challenge, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (stallingClient) SubmitResponse(ctx context.Context, _ *ChallengeResponse) (*KeyStaffs, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRequesterRunTimeout(t *testing.T) {
	assert := assert.New(t)

	env := newTestEnv(t, envOptions{requesterCfg: func(c *RequesterConfig) { c.AttemptTimeout = 10 * time.Millisecond }})

	err := env.requester.Run(t.Context(), stallingClient{})
	assert.ErrorIs(err, ErrTimeout)
	assert.Equal(ClassExpiredReplay, Classify(err))
	assert.Equal(RequesterAborted, env.requester.State())
}

type failingSink struct{}

func (failingSink) SubmitApply(context.Context, chain.MasterKeyApplyPayload) error {
	return assert.AnError
}

func (failingSink) SubmitDistribute(context.Context, chain.MasterKeyDistributePayload) error {
	return assert.AnError
}

func TestRequesterApplyPayloadFailure(t *testing.T) {
	wantErr := assert.AnError
	assert := assert.New(t)

	env := newTestEnv(t, envOptions{sink: failingSink{}})

	err := env.requester.Run(t.Context(), &localClient{holder: env.holder})
	assert.ErrorIs(err, wantErr)
	assert.Equal(RequesterInstalled, env.requester.State())
	assert.True(env.requesterKeys.Provisioned())
}

type failingPersister struct {
	err error
}

func (p failingPersister) Save(context.Context, []byte, string) error {
	return p.err
}

func TestRequesterPersistFailure(t *testing.T) {
	wantErr := assert.AnError
	assert := assert.New(t)

	env := newTestEnv(t, envOptions{requesterPersister: failingPersister{err: wantErr}})

	err := env.requester.Run(t.Context(), &localClient{holder: env.holder})
	assert.ErrorIs(err, wantErr)
	assert.Equal(RequesterAborted, env.requester.State())
	assert.False(env.requesterKeys.Provisioned())
	assert.Empty(env.requesterChain.Applied())
}

func TestRequesterErrorNamesHolder(t *testing.T) {
	holderID := chain.AccountID{0x11, 0x22}
	holderAddr := "holder.example:7001"

	testCases := map[string]struct {
		holder       chain.AccountID
		registerOn   chain.Hash
		client       HolderClient
		wantErr      error
		wantPeer     string
		wantAborted  bool
		wantInstalls bool
	}{
		"address only": {
			client:      stallingClient{},
			wantErr:     ErrTimeout,
			wantPeer:    holderAddr,
			wantAborted: true,
		},
		"identity not registered": {
			holder:      holderID,
			client:      stallingClient{},
			wantErr:     ErrUnauthorizedPeer,
			wantPeer:    holderID.String(),
			wantAborted: true,
		},
		"identity registered on another chain": {
			holder:      holderID,
			registerOn:  chain.Hash{0xff},
			client:      stallingClient{},
			wantErr:     ErrUnauthorizedPeer,
			wantPeer:    holderID.String(),
			wantAborted: true,
		},
		"identity registered": {
			holder:       holderID,
			registerOn:   genesis,
			wantPeer:     holderID.String(),
			wantInstalls: true,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			env := newTestEnv(t, envOptions{requesterCfg: func(c *RequesterConfig) {
				c.Holder = tc.holder
				c.HolderAddress = holderAddr
				c.AttemptTimeout = 10 * time.Millisecond
			}})
			if tc.registerOn != (chain.Hash{}) {
				env.requesterChain.Register(chain.WorkerRegistrationInfo{Pubkey: holderID, GenesisBlockHash: tc.registerOn, Role: chain.RoleFull})
			}
			client := tc.client
			if client == nil {
				client = &localClient{holder: env.holder}
			}

			err := env.requester.Run(t.Context(), client)
			var requesterEvents []events.HandoverEvent
			for _, e := range env.events.Events() {
				if e.Handover != nil && e.Handover.Role == roleRequester {
					requesterEvents = append(requesterEvents, *e.Handover)
				}
			}
			require.Len(requesterEvents, 1)
			assert.Equal(tc.wantPeer, requesterEvents[0].Peer)

			if tc.wantAborted {
				assert.ErrorIs(err, tc.wantErr)
				assert.Contains(err.Error(), tc.wantPeer)
				var attemptErr *AttemptError
				require.ErrorAs(err, &attemptErr)
				assert.Equal(tc.holder, attemptErr.Peer)
				assert.Equal(holderAddr, attemptErr.PeerAddress)
				assert.Equal(RequesterAborted, env.requester.State())
				return
			}
			assert.NoError(err)
			assert.Equal(tc.wantInstalls, env.requesterKeys.Provisioned())
		})
	}
}

func TestRequesterErasesEphemeralKeyOnAbort(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	env := newTestEnv(t, envOptions{})
	req, err := env.requester.Begin()
	require.NoError(err)
	challenge, err := env.holder.IssueChallenge(t.Context(), req)
	require.NoError(err)
	_, err = env.requester.HandleChallenge(t.Context(), challenge)
	require.NoError(err)

	env.requester.mut.Lock()
	ecdh := env.requester.attempt.ecdh
	env.requester.mut.Unlock()
	require.NotNil(ecdh)

	env.requester.Abort(ErrAborted)
	_, err = keyagree.DeriveSessionKey(ecdh, challenge.HolderECDHPubkey[:], "test")
	assert.Error(err)
}
