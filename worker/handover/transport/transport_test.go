/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

package transport

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/cesslab/ceseal/internal/secret"
	"github.com/cesslab/ceseal/worker/attestation"
	"github.com/cesslab/ceseal/worker/chain"
	"github.com/cesslab/ceseal/worker/handover"
	"github.com/cesslab/ceseal/worker/keystore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/wrapperspb"
	testingclock "k8s.io/utils/clock/testing"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	now         = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	genesis     = chain.Hash{0x01}
	requesterID = chain.AccountID{0xaa}
	masterKey   = []byte("ceseal handover test master key!")
	identity    = attestation.SimulatedIdentity{UniqueID: [32]byte{0xaa}, SignerID: [32]byte{0xbb}, ProductID: 1}
)

func testPolicy() attestation.TrustPolicy {
	return attestation.TrustPolicy{UniqueIDs: []string{hex.EncodeToString(identity.UniqueID[:])}}
}

// serve runs holder on an in-memory listener and returns a connection to it.
func serve(t *testing.T, holder Holder) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	server := NewServer(holder, insecure.NewCredentials(), prometheus.NewRegistry(), zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, server.Serve(ctx, lis))
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
		cancel()
		wg.Wait()
	})
	return conn
}

func TestHandoverOverGRPC(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	log := zaptest.NewLogger(t)
	clock := testingclock.NewFakeClock(now)

	holderChain := chain.NewStatic(genesis, 1000)
	holderChain.Register(chain.WorkerRegistrationInfo{Pubkey: requesterID, GenesisBlockHash: genesis, Role: chain.RoleFull})
	holderKeys := keystore.New(nil, log)
	require.NoError(holderKeys.Install(t.Context(), secret.Copy(masterKey), keystore.SourceInjected))

	holder, err := handover.NewHolder(
		handover.HolderConfig{RecencyWindow: 50, AttemptTimeout: time.Minute, DefaultPolicy: testPolicy(), AttestKeyStaffs: true},
		attestation.NewSimulatedEngine(identity, log), holderChain, holderKeys, clock, nil, nil, log.Named("holder"),
	)
	require.NoError(err)
	defer holder.Close()

	requesterChain := chain.NewStatic(genesis, 1002)
	requesterKeys := keystore.New(nil, log)
	requester, err := handover.NewRequester(
		handover.RequesterConfig{
			Identity: requesterID, Role: chain.RoleFull, RecencyWindow: 50,
			HolderPolicy: testPolicy(), RequireHolderAttestation: true,
		},
		attestation.NewSimulatedEngine(identity, log), requesterChain, requesterKeys, requesterChain, clock, nil, nil, log.Named("requester"),
	)
	require.NoError(err)

	client, err := NewClient(serve(t, holder), RetryConfig{Interval: time.Second}, log)
	require.NoError(err)
	require.NoError(requester.Run(t.Context(), client))

	assert.Equal(handover.RequesterInstalled, requester.State())
	require.NoError(requesterKeys.Use(func(key []byte) error {
		assert.Equal(masterKey, key)
		return nil
	}))
	assert.Len(requesterChain.Applied(), 1)
}

type stubHolder struct {
	challengeErr error
	responseErr  error
	challenge    *handover.Challenge
	gotRequest   *handover.ChallengeRequest
}

func (s *stubHolder) IssueChallenge(_ context.Context, req *handover.ChallengeRequest) (*handover.Challenge, error) {
	s.gotRequest = req
	return s.challenge, s.challengeErr
}

func (s *stubHolder) SubmitResponse(context.Context, *handover.ChallengeResponse) (*handover.KeyStaffs, error) {
	return nil, s.responseErr
}

func TestErrorClassAcrossConnection(t *testing.T) {
	testCases := map[string]struct {
		err       error
		wantCode  codes.Code
		wantClass handover.Class
	}{
		"expired": {
			err:       fmt.Errorf("checking block: %w", handover.ErrChallengeExpired),
			wantCode:  codes.FailedPrecondition,
			wantClass: handover.ClassExpiredReplay,
		},
		"attestation rejected": {
			err:       &handover.AttemptError{AttemptID: "a", Err: attestation.ErrDataBindingMismatch},
			wantCode:  codes.PermissionDenied,
			wantClass: handover.ClassAttestationRejected,
		},
		"crypto failure": {
			err:       handover.ErrMalformedMessage,
			wantCode:  codes.Unauthenticated,
			wantClass: handover.ClassCryptoFailure,
		},
		"platform unavailable": {
			err:       attestation.ErrPlatformUnavailable,
			wantCode:  codes.Unavailable,
			wantClass: handover.ClassPlatformUnavailable,
		},
		"not provisioned": {
			err:       keystore.ErrNotProvisioned,
			wantCode:  codes.NotFound,
			wantClass: handover.ClassNotProvisioned,
		},
		"duplicate attempt": {
			err:       handover.ErrDuplicateAttempt,
			wantCode:  codes.AlreadyExists,
			wantClass: handover.ClassDuplicateAttempt,
		},
		"internal": {
			err:       errors.New("something broke"),
			wantCode:  codes.Internal,
			wantClass: handover.ClassInternal,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			holder := &stubHolder{challengeErr: tc.err, responseErr: tc.err}
			conn := serve(t, holder)
			client, err := NewClient(conn, RetryConfig{MaxRetries: 3, Interval: time.Hour}, zaptest.NewLogger(t))
			require.NoError(err)

			// A platform failure of the holder is a class, not an unreachable holder. It is not retried.
			_, err = client.IssueChallenge(t.Context(), &handover.ChallengeRequest{Requester: requesterID})
			require.Error(err)
			assert.Equal(tc.wantClass, handover.Classify(err))
			assert.NotErrorIs(err, ErrUnavailable)
			assert.Equal(requesterID, holder.gotRequest.Requester)

			_, err = client.SubmitResponse(t.Context(), &handover.ChallengeResponse{})
			assert.Equal(tc.wantClass, handover.Classify(err))

			var trailer metadata.MD
			err = conn.Invoke(t.Context(), issueChallengeMethod, wrapperspb.Bytes(encode(t, &handover.ChallengeRequest{})), new(wrapperspb.BytesValue), grpc.Trailer(&trailer))
			assert.Equal(tc.wantCode, status.Code(err))
			assert.Equal([]string{tc.wantClass.String()}, trailer.Get(classTrailer))
		})
	}
}

func TestMalformedRequest(t *testing.T) {
	assert := assert.New(t)

	holder := &stubHolder{}
	conn := serve(t, holder)

	var trailer metadata.MD
	err := conn.Invoke(t.Context(), submitResponseMethod, wrapperspb.Bytes([]byte{0xff}), new(wrapperspb.BytesValue), grpc.Trailer(&trailer))
	assert.Equal(codes.Unauthenticated, status.Code(err))
	assert.Equal([]string{handover.ClassCryptoFailure.String()}, trailer.Get(classTrailer))

	assert.Equal(handover.ClassCryptoFailure, handover.Classify(fromStatus(err, trailer)))
}

func TestIssueChallengeRoundTrip(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	want := &handover.Challenge{Nonce: handover.Nonce{1, 2, 3}, BlockNumber: 1000, HolderECDHPubkey: [32]byte{4}, IssuedAt: now.Unix()}
	client, err := NewClient(serve(t, &stubHolder{challenge: want}), RetryConfig{Interval: time.Second}, zaptest.NewLogger(t))
	require.NoError(err)

	got, err := client.IssueChallenge(t.Context(), &handover.ChallengeRequest{Requester: requesterID, Role: chain.RoleVerifier})
	require.NoError(err)
	assert.Equal(want, got)
}

// unavailableConn fails the first failures calls like an unreachable server.
type unavailableConn struct {
	mut      sync.Mutex
	failures int
	calls    int
	reply    []byte
}

func (c *unavailableConn) Invoke(_ context.Context, _ string, _ any, reply any, _ ...grpc.CallOption) error {
	c.mut.Lock()
	defer c.mut.Unlock()
	c.calls++
	if c.calls <= c.failures {
		return status.Error(codes.Unavailable, "connection refused")
	}
	reply.(*wrapperspb.BytesValue).Value = c.reply
	return nil
}

func (c *unavailableConn) NewStream(context.Context, *grpc.StreamDesc, string, ...grpc.CallOption) (grpc.ClientStream, error) {
	return nil, errors.New("not implemented")
}

func (c *unavailableConn) callCount() int {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.calls
}

func TestClientRetry(t *testing.T) {
	const interval = 10 * time.Second

	testCases := map[string]struct {
		failures  int
		retries   int
		wantErr   bool
		wantCalls int
	}{
		"no failure": {
			retries:   2,
			wantCalls: 1,
		},
		"recovers": {
			failures:  2,
			retries:   2,
			wantCalls: 3,
		},
		"gives up": {
			failures:  5,
			retries:   2,
			wantErr:   true,
			wantCalls: 3,
		},
		"no retries": {
			failures:  1,
			wantErr:   true,
			wantCalls: 1,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			conn := &unavailableConn{failures: tc.failures, reply: encode(t, &handover.Challenge{BlockNumber: 1000})}
			clock := testingclock.NewFakeClock(now)
			client, err := NewClient(conn, RetryConfig{MaxRetries: tc.retries, Interval: interval}, zaptest.NewLogger(t))
			require.NoError(err)
			client.clock = clock

			var challenge *handover.Challenge
			done := make(chan struct{})
			go func() {
				defer close(done)
				challenge, err = client.IssueChallenge(context.Background(), &handover.ChallengeRequest{})
			}()

			assert.Eventually(func() bool {
				select {
				case <-done:
					return true
				default:
				}
				if clock.HasWaiters() {
					clock.Step(interval)
				}
				return false
			}, 5*time.Second, time.Millisecond)

			assert.Equal(tc.wantCalls, conn.callCount())
			if tc.wantErr {
				assert.ErrorIs(err, ErrUnavailable)
				assert.Nil(challenge)
				return
			}
			require.NoError(err)
			assert.EqualValues(1000, challenge.BlockNumber)
		})
	}
}

func TestClientRetryCancelled(t *testing.T) {
	conn := &unavailableConn{failures: 10}
	client, err := NewClient(conn, RetryConfig{MaxRetries: 5, Interval: time.Hour}, zaptest.NewLogger(t))
	require.NoError(t, err)
	client.clock = testingclock.NewFakeClock(now)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = client.IssueChallenge(ctx, &handover.ChallengeRequest{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, conn.callCount())
}

func TestRetryConfigValidate(t *testing.T) {
	assert := assert.New(t)
	assert.NoError(RetryConfig{Interval: time.Second}.Validate())
	assert.Error(RetryConfig{}.Validate())
	assert.Error(RetryConfig{MaxRetries: -1, Interval: time.Second}.Validate())
}

func encode[M handover.Message](t *testing.T, msg *M) []byte {
	t.Helper()
	data, err := handover.Encode(msg)
	require.NoError(t, err)
	return data
}
