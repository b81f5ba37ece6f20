/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

package handover

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cesslab/ceseal/internal/secret"
	"github.com/cesslab/ceseal/worker/attestation"
	"github.com/cesslab/ceseal/worker/chain"
	"github.com/cesslab/ceseal/worker/constants"
	"github.com/cesslab/ceseal/worker/events"
	"github.com/cesslab/ceseal/worker/keyagree"
	"github.com/cesslab/ceseal/worker/keystore"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

// KeyInstaller installs a received master key.
type KeyInstaller interface {
	Install(ctx context.Context, key *secret.Bytes, source keystore.Source) error
}

// HolderClient reaches a holder. It is implemented by the transport.
type HolderClient interface {
	IssueChallenge(ctx context.Context, req *ChallengeRequest) (*Challenge, error)
	SubmitResponse(ctx context.Context, resp *ChallengeResponse) (*KeyStaffs, error)
}

// RequesterConfig configures a [Requester].
type RequesterConfig struct {
	// Identity is the worker identity registered on chain.
	Identity chain.AccountID
	// ECDHPubkey is the worker's registered ECDH public key. It is announced in the apply payload.
	ECDHPubkey [32]byte
	Role       chain.Role
	// RecencyWindow is the accepted distance in blocks between a challenge and the local chain height.
	RecencyWindow uint32
	// AttemptTimeout bounds [Requester.Run]. Zero disables the bound.
	AttemptTimeout time.Duration
	// HolderPolicy is the trust policy for holder attestations.
	HolderPolicy attestation.TrustPolicy
	// RequireHolderAttestation rejects key staffs without a holder attestation.
	RequireHolderAttestation bool
	// Holder is the on-chain identity of the holder. If set, the holder must be registered on the local chain.
	Holder chain.AccountID
	// HolderAddress is the network address of the holder. It identifies the peer in errors and logs.
	HolderAddress string
}

// Validate checks the configuration.
func (c RequesterConfig) Validate() error {
	if c.RecencyWindow == 0 {
		return errors.New("recency window must be set")
	}
	if c.RequireHolderAttestation {
		if err := c.HolderPolicy.Validate(); err != nil {
			return fmt.Errorf("holder trust policy: %w", err)
		}
	}
	return nil
}

// requesterAttempt is the state of one attempt. All fields are guarded by Requester.mut.
type requesterAttempt struct {
	id          string
	state       RequesterState
	challenge   Challenge
	handlerInfo ChallengeHandlerInfo
	ecdh        *keyagree.PrivateKey
	session     *keyagree.SessionKey
	err         *AttemptError
}

// Requester obtains the master key from a holder. It runs one attempt at a time.
type Requester struct {
	cfg       RequesterConfig
	engine    attestation.Engine
	chain     chain.Adapter
	installer KeyInstaller
	sink      chain.PayloadSink
	clock     clock.PassiveClock
	events    EventRecorder
	metrics   *metrics
	log       *zap.Logger

	mut     sync.Mutex
	attempt *requesterAttempt
}

// NewRequester creates a requester. sink, recorder and factory may be nil.
func NewRequester(
	cfg RequesterConfig, engine attestation.Engine, adapter chain.Adapter, installer KeyInstaller,
	sink chain.PayloadSink, clock clock.PassiveClock, recorder EventRecorder, factory *promauto.Factory, log *zap.Logger,
) (*Requester, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if cfg.HolderAddress != "" {
		log = log.With(zap.String("holderAddress", cfg.HolderAddress))
	}
	return &Requester{
		cfg:       cfg,
		engine:    engine,
		chain:     adapter,
		installer: installer,
		sink:      sink,
		clock:     clock,
		events:    recorder,
		metrics:   newMetrics(factory),
		log:       log,
	}, nil
}

// Run performs one complete attempt against the holder.
// Failures are not retried. A new call starts a new attempt with a fresh nonce.
func (r *Requester) Run(ctx context.Context, client HolderClient) error {
	if r.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.AttemptTimeout)
		defer cancel()
	}

	req, err := r.Begin()
	if err != nil {
		return err
	}
	if err := r.authorizeHolder(ctx); err != nil {
		return r.Abort(contextErr(ctx, err))
	}
	challenge, err := client.IssueChallenge(ctx, req)
	if err != nil {
		return r.Abort(fmt.Errorf("requesting challenge: %w", contextErr(ctx, err)))
	}
	resp, err := r.HandleChallenge(ctx, challenge)
	if err != nil {
		return err
	}
	if err := r.transition(RequesterResponseSent, RequesterAwaitingKey); err != nil {
		return err
	}
	staffs, err := client.SubmitResponse(ctx, resp)
	if err != nil {
		return r.Abort(fmt.Errorf("submitting response: %w", contextErr(ctx, err)))
	}
	return r.DeliverKeyStaffs(ctx, staffs)
}

// Begin starts a new attempt and returns the request for the holder.
func (r *Requester) Begin() (*ChallengeRequest, error) {
	r.mut.Lock()
	defer r.mut.Unlock()
	if r.attempt != nil && !r.attempt.state.Terminal() {
		r.metrics.rejections.WithLabelValues(roleRequester, ClassDuplicateAttempt.String()).Inc()
		return nil, &AttemptError{
			AttemptID: r.attempt.id, Role: roleRequester, Peer: r.cfg.Holder, PeerAddress: r.cfg.HolderAddress,
			Stage: r.attempt.state.String(), Err: ErrDuplicateAttempt,
		}
	}
	r.attempt = &requesterAttempt{id: uuid.NewString()}
	r.metrics.started.WithLabelValues(roleRequester).Inc()
	r.metrics.inFlight.WithLabelValues(roleRequester).Inc()
	r.log.Info("Starting handover attempt", zap.String("attemptID", r.attempt.id))
	return &ChallengeRequest{Requester: r.cfg.Identity, Role: r.cfg.Role}, nil
}

// HandleChallenge checks the challenge's freshness, attests the answer and returns the response.
func (r *Requester) HandleChallenge(ctx context.Context, challenge *Challenge) (*ChallengeResponse, error) {
	a, err := r.current(RequesterIdle)
	if err != nil {
		return nil, err
	}

	resp, err := r.answer(ctx, a, challenge)
	if err != nil {
		return nil, r.Abort(contextErr(ctx, err))
	}
	if err := r.transition(RequesterChallengeReceived, RequesterResponseSent); err != nil {
		return nil, err
	}
	r.log.Info("Answered challenge", attemptFields(a.id, r.cfg.Holder, RequesterResponseSent.String(), challenge.BlockNumber, resp.HandlerInfo.BlockNumber)...)
	return resp, nil
}

func (r *Requester) answer(ctx context.Context, a *requesterAttempt, challenge *Challenge) (*ChallengeResponse, error) {
	height, err := r.chain.CurrentBlockHeight(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting block height: %w", err)
	}
	r.mut.Lock()
	a.challenge = *challenge
	r.mut.Unlock()
	if !Fresh(height, challenge.BlockNumber, r.cfg.RecencyWindow) {
		return nil, fmt.Errorf("%w: challenge block %d, local height %d, window %d", ErrChallengeExpired, challenge.BlockNumber, height, r.cfg.RecencyWindow)
	}

	public, ecdh, err := keyagree.GenerateEphemeral()
	if err != nil {
		return nil, err
	}
	info := ChallengeHandlerInfo{EchoedNonce: challenge.Nonce, BlockNumber: height}
	copy(info.RequesterECDHPubkey[:], public)

	r.mut.Lock()
	if a.state != RequesterIdle {
		r.mut.Unlock()
		ecdh.Destroy()
		return nil, fmt.Errorf("%w: attempt is %s", ErrInvalidState, a.state)
	}
	a.state = RequesterChallengeReceived
	a.ecdh = ecdh
	a.handlerInfo = info
	r.mut.Unlock()

	digest, err := info.Digest()
	if err != nil {
		return nil, err
	}
	report, err := r.engine.Generate(ctx, digest)
	if err != nil {
		return nil, fmt.Errorf("attesting handler info: %w", err)
	}
	return &ChallengeResponse{HandlerInfo: info, Attestation: report}, nil
}

// DeliverKeyStaffs decrypts the master key and installs it.
func (r *Requester) DeliverKeyStaffs(ctx context.Context, staffs *KeyStaffs) error {
	a, err := r.current(RequesterResponseSent, RequesterAwaitingKey)
	if err != nil {
		return err
	}
	if err := r.install(ctx, a, staffs); err != nil {
		return r.Abort(contextErr(ctx, err))
	}

	r.mut.Lock()
	if a.state.Terminal() {
		r.mut.Unlock()
		return a.err
	}
	r.finishLocked(a, RequesterInstalled)
	challenge, info := a.challenge, a.handlerInfo
	r.mut.Unlock()

	r.metrics.finished.WithLabelValues(roleRequester, "installed").Inc()
	r.events.Handover(events.HandoverEvent{
		AttemptID:      a.id,
		Role:           roleRequester,
		Peer:           r.holderName(),
		Outcome:        RequesterInstalled.String(),
		ChallengeBlock: challenge.BlockNumber,
		ResponseBlock:  info.BlockNumber,
	})
	r.log.Info("Installed master key from handover", zap.String("attemptID", a.id))

	if r.sink == nil {
		return nil
	}
	payload := chain.MasterKeyApplyPayload{
		Pubkey:      r.cfg.Identity,
		ECDHPubkey:  r.cfg.ECDHPubkey,
		SigningTime: uint64(r.clock.Now().UnixMilli()),
	}
	if err := r.sink.SubmitApply(ctx, payload); err != nil {
		r.log.Error("Submitting master key apply payload failed", zap.String("attemptID", a.id), zap.Error(err))
		return fmt.Errorf("submitting apply payload: %w", err)
	}
	return nil
}

// holderName returns the holder identity or address for events. It is empty if neither is configured.
func (r *Requester) holderName() string {
	if r.cfg.Holder == (chain.AccountID{}) && r.cfg.HolderAddress == "" {
		return ""
	}
	return (&AttemptError{Peer: r.cfg.Holder, PeerAddress: r.cfg.HolderAddress}).PeerName()
}

// authorizeHolder checks that the configured holder is a registered worker of the local chain.
func (r *Requester) authorizeHolder(ctx context.Context) error {
	if r.cfg.Holder == (chain.AccountID{}) {
		return nil
	}
	info, err := r.chain.LookupRegistration(ctx, r.cfg.Holder)
	if errors.Is(err, chain.ErrNotRegistered) {
		return fmt.Errorf("%w: %w", ErrUnauthorizedPeer, err)
	} else if err != nil {
		return fmt.Errorf("looking up holder registration: %w", err)
	}
	genesis, err := r.chain.GenesisHash(ctx)
	if err != nil {
		return fmt.Errorf("getting genesis hash: %w", err)
	}
	if info.GenesisBlockHash != genesis {
		return fmt.Errorf("%w: holder registered on chain %s, expected %s", ErrUnauthorizedPeer, info.GenesisBlockHash, genesis)
	}
	return nil
}

func (r *Requester) install(ctx context.Context, a *requesterAttempt, staffs *KeyStaffs) error {
	r.mut.Lock()
	challenge := a.challenge
	r.mut.Unlock()

	if staffs.Nonce != challenge.Nonce {
		return ErrNonceMismatch
	}
	if staffs.Attestation != nil {
		digest, err := staffs.Digest()
		if err != nil {
			return err
		}
		if _, err := r.engine.Verify(ctx, staffs.Attestation, digest, r.cfg.HolderPolicy); err != nil {
			return fmt.Errorf("verifying holder attestation: %w", err)
		}
	} else if r.cfg.RequireHolderAttestation {
		return ErrHolderAttestationMissing
	}

	session, err := r.deriveSession(a, challenge.HolderECDHPubkey[:])
	if err != nil {
		return err
	}
	defer session.Destroy()

	key, err := session.Open(staffs.IV, staffs.Ciphertext, challenge.Nonce[:])
	if errors.Is(err, keyagree.ErrAuthentication) {
		return fmt.Errorf("%w: %w", ErrKeyStaffsTampered, err)
	} else if err != nil {
		return err
	}
	return r.installer.Install(ctx, key, keystore.SourceHandover)
}

func (r *Requester) deriveSession(a *requesterAttempt, peerPublic []byte) (*keyagree.SessionKey, error) {
	r.mut.Lock()
	defer r.mut.Unlock()
	if a.state.Terminal() {
		return nil, a.err
	}
	session, err := keyagree.DeriveSessionKey(a.ecdh, peerPublic, constants.HandoverContext)
	a.ecdh.Destroy()
	a.ecdh = nil
	if err != nil {
		return nil, err
	}
	a.session = session
	return session, nil
}

// Abort ends the current attempt with cause and erases its keys.
// It returns the attempt's error, which is the original error if the attempt had already failed.
func (r *Requester) Abort(cause error) error {
	r.mut.Lock()
	a := r.attempt
	if a == nil {
		r.mut.Unlock()
		return cause
	}
	if a.state.Terminal() {
		r.mut.Unlock()
		if a.err != nil {
			return a.err
		}
		return cause
	}
	a.err = &AttemptError{
		AttemptID:      a.id,
		Role:           roleRequester,
		Peer:           r.cfg.Holder,
		PeerAddress:    r.cfg.HolderAddress,
		Stage:          a.state.String(),
		ChallengeBlock: a.challenge.BlockNumber,
		ResponseBlock:  a.handlerInfo.BlockNumber,
		Err:            cause,
	}
	r.finishLocked(a, RequesterAborted)
	attemptErr := a.err
	r.mut.Unlock()

	class := attemptErr.Class()
	r.metrics.finished.WithLabelValues(roleRequester, "aborted").Inc()
	r.metrics.rejections.WithLabelValues(roleRequester, class.String()).Inc()
	r.events.Handover(failureEvent(attemptErr, RequesterAborted.String()))

	fields := append(attemptFields(attemptErr.AttemptID, attemptErr.Peer, attemptErr.Stage, attemptErr.ChallengeBlock, attemptErr.ResponseBlock),
		zap.String("class", class.String()), zap.String("check", attemptErr.Check()), zap.Error(cause))
	if class == ClassAttestationRejected || class == ClassCryptoFailure {
		r.log.Warn("Security event: handover attempt rejected", fields...)
	} else {
		r.log.Info("Handover attempt aborted", fields...)
	}
	return attemptErr
}

// State returns the state of the current attempt.
func (r *Requester) State() RequesterState {
	r.mut.Lock()
	defer r.mut.Unlock()
	if r.attempt == nil {
		return RequesterIdle
	}
	return r.attempt.state
}

func (r *Requester) current(states ...RequesterState) (*requesterAttempt, error) {
	r.mut.Lock()
	defer r.mut.Unlock()
	a := r.attempt
	if a == nil {
		return nil, fmt.Errorf("%w: no attempt started", ErrInvalidState)
	}
	for _, s := range states {
		if a.state == s {
			return a, nil
		}
	}
	if a.err != nil {
		return nil, a.err
	}
	return nil, fmt.Errorf("%w: attempt is %s", ErrInvalidState, a.state)
}

func (r *Requester) transition(from, to RequesterState) error {
	r.mut.Lock()
	defer r.mut.Unlock()
	a := r.attempt
	if a == nil || a.state != from {
		if a != nil && a.err != nil {
			return a.err
		}
		return fmt.Errorf("%w: expected %s", ErrInvalidState, from)
	}
	a.state = to
	return nil
}

func (r *Requester) finishLocked(a *requesterAttempt, state RequesterState) {
	a.state = state
	a.ecdh.Destroy()
	a.ecdh = nil
	a.session.Destroy()
	r.metrics.inFlight.WithLabelValues(roleRequester).Dec()
}

// contextErr marks errors caused by an expired deadline as timeouts.
func contextErr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}
