/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

package handover

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

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

// KeyReader gives read access to the master key.
type KeyReader interface {
	Use(fn func(key []byte) error) error
	Provisioned() bool
}

// HolderConfig configures a [Holder].
type HolderConfig struct {
	// RecencyWindow is the accepted distance in blocks between a block number and the local chain height.
	RecencyWindow uint32
	// AttemptTimeout bounds an attempt from issuing the challenge to sending the key.
	AttemptTimeout time.Duration
	// Policies holds the trust policy for requesters of a role.
	Policies map[chain.Role]attestation.TrustPolicy
	// DefaultPolicy is used for roles without an entry in Policies.
	DefaultPolicy attestation.TrustPolicy
	// AttestKeyStaffs attaches a holder attestation to the key staffs.
	AttestKeyStaffs bool
	// SkipRegistrationCheck accepts requesters that are not registered on chain. Dev mode only.
	SkipRegistrationCheck bool
}

// Validate checks the configuration.
func (c HolderConfig) Validate() error {
	if c.RecencyWindow == 0 {
		return errors.New("recency window must be set")
	}
	if c.AttemptTimeout <= 0 {
		return errors.New("attempt timeout must be set")
	}
	if err := c.DefaultPolicy.Validate(); err != nil {
		return fmt.Errorf("default trust policy: %w", err)
	}
	for role, policy := range c.Policies {
		if err := policy.Validate(); err != nil {
			return fmt.Errorf("trust policy for role %s: %w", role, err)
		}
	}
	return nil
}

func (c HolderConfig) policy(role chain.Role) attestation.TrustPolicy {
	if policy, ok := c.Policies[role]; ok {
		return policy
	}
	return c.DefaultPolicy
}

// holderAttempt is the state of one attempt. All fields are guarded by Holder.mut.
type holderAttempt struct {
	id        string
	peer      chain.AccountID
	role      chain.Role
	state     HolderState
	challenge Challenge
	// responseBlock is the block number claimed by the requester.
	responseBlock chain.BlockNumber

	ecdh    *keyagree.PrivateKey
	session *keyagree.SessionKey
	timer   clock.Timer
	// cancel cancels the operation currently running for the attempt.
	cancel context.CancelFunc
	err    *AttemptError
}

// Holder hands the master key to attested requesters.
// Attempts of distinct peers proceed in parallel; a peer has at most one attempt in flight.
type Holder struct {
	cfg     HolderConfig
	engine  attestation.Engine
	chain   chain.Adapter
	keys    KeyReader
	clock   clock.WithDelayedExecution
	events  EventRecorder
	metrics *metrics
	log     *zap.Logger

	mut      sync.Mutex
	byPeer   map[chain.AccountID]*holderAttempt
	byNonce  map[Nonce]*holderAttempt
	consumed *nonceSet
}

// NewHolder creates a holder. recorder and factory may be nil.
func NewHolder(
	cfg HolderConfig, engine attestation.Engine, adapter chain.Adapter, keys KeyReader,
	clock clock.WithDelayedExecution, recorder EventRecorder, factory *promauto.Factory, log *zap.Logger,
) (*Holder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Holder{
		cfg:      cfg,
		engine:   engine,
		chain:    adapter,
		keys:     keys,
		clock:    clock,
		events:   recorder,
		metrics:  newMetrics(factory),
		log:      log,
		byPeer:   make(map[chain.AccountID]*holderAttempt),
		byNonce:  make(map[Nonce]*holderAttempt),
		consumed: newNonceSet(),
	}, nil
}

// IssueChallenge starts an attempt for the requester and returns its challenge.
func (h *Holder) IssueChallenge(ctx context.Context, req *ChallengeRequest) (*Challenge, error) {
	a := &holderAttempt{id: uuid.NewString(), peer: req.Requester, role: req.Role}

	h.mut.Lock()
	if _, ok := h.byPeer[req.Requester]; ok {
		h.mut.Unlock()
		h.metrics.rejections.WithLabelValues(roleHolder, ClassDuplicateAttempt.String()).Inc()
		h.log.Warn("Rejected duplicate handover attempt", zap.Stringer("peer", req.Requester))
		return nil, &AttemptError{AttemptID: a.id, Role: roleHolder, Peer: req.Requester, Stage: HolderIdle.String(), Err: ErrDuplicateAttempt}
	}
	h.byPeer[req.Requester] = a
	h.mut.Unlock()

	h.metrics.started.WithLabelValues(roleHolder).Inc()
	h.metrics.inFlight.WithLabelValues(roleHolder).Inc()
	log := h.log.With(zap.String("attemptID", a.id), zap.Stringer("peer", a.peer))
	log.Info("Handover requested", zap.Stringer("role", a.role))

	challenge, err := h.prepareChallenge(ctx, a)
	if err != nil {
		return nil, h.fail(a, err)
	}

	h.mut.Lock()
	defer h.mut.Unlock()
	if a.state == HolderAborted {
		return nil, a.err
	}
	a.challenge = *challenge
	a.state = HolderChallengeIssued
	h.byNonce[challenge.Nonce] = a
	a.timer = h.clock.AfterFunc(h.cfg.AttemptTimeout, func() {
		// abort stops the timer, so it must not run on the clock's callback path.
		go h.abort(a, ErrTimeout)
	})
	log.Info("Issued challenge", zap.Uint32("challengeBlock", challenge.BlockNumber))
	return challenge, nil
}

func (h *Holder) prepareChallenge(ctx context.Context, a *holderAttempt) (*Challenge, error) {
	if !h.keys.Provisioned() {
		return nil, keystore.ErrNotProvisioned
	}
	if err := h.authorize(ctx, a.peer, a.role); err != nil {
		return nil, err
	}
	height, err := h.chain.CurrentBlockHeight(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting block height: %w", err)
	}
	nonce, err := newNonce()
	if err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	public, ecdh, err := keyagree.GenerateEphemeral()
	if err != nil {
		return nil, err
	}

	h.mut.Lock()
	if a.state == HolderAborted {
		h.mut.Unlock()
		ecdh.Destroy()
		return nil, a.err
	}
	a.ecdh = ecdh
	a.challenge.BlockNumber = height
	h.consumed.prune(height, h.cfg.RecencyWindow)
	h.mut.Unlock()

	challenge := &Challenge{
		Nonce:       nonce,
		BlockNumber: height,
		IssuedAt:    h.clock.Now().Unix(),
	}
	copy(challenge.HolderECDHPubkey[:], public)
	return challenge, nil
}

// authorize checks that peer is a registered worker of the local chain with the declared role.
func (h *Holder) authorize(ctx context.Context, peer chain.AccountID, role chain.Role) error {
	if h.cfg.SkipRegistrationCheck {
		return nil
	}
	info, err := h.chain.LookupRegistration(ctx, peer)
	if errors.Is(err, chain.ErrNotRegistered) {
		return fmt.Errorf("%w: %w", ErrUnauthorizedPeer, err)
	} else if err != nil {
		return fmt.Errorf("looking up registration: %w", err)
	}
	genesis, err := h.chain.GenesisHash(ctx)
	if err != nil {
		return fmt.Errorf("getting genesis hash: %w", err)
	}
	if info.GenesisBlockHash != genesis {
		return fmt.Errorf("%w: registered on chain %s, expected %s", ErrUnauthorizedPeer, info.GenesisBlockHash, genesis)
	}
	if info.Role != role {
		return fmt.Errorf("%w: registered as %s, requested as %s", ErrUnauthorizedPeer, info.Role, role)
	}
	return nil
}

// SubmitResponse verifies the requester's response and returns the encrypted master key.
// Every failure aborts the attempt. The requester must start a new attempt.
func (h *Holder) SubmitResponse(ctx context.Context, resp *ChallengeResponse) (*KeyStaffs, error) {
	info := resp.HandlerInfo

	a, err := h.beginVerification(info.EchoedNonce)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	h.mut.Lock()
	if a.state == HolderAborted {
		h.mut.Unlock()
		return nil, a.err
	}
	a.cancel = cancel
	a.responseBlock = info.BlockNumber
	challenge := a.challenge
	h.mut.Unlock()

	log := h.log.With(attemptFields(a.id, a.peer, HolderVerifyingResponse.String(), challenge.BlockNumber, info.BlockNumber)...)
	log.Debug("Verifying handover response")

	staffs, err := h.verifyAndSeal(ctx, a, challenge, resp)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		return nil, h.fail(a, err)
	}

	h.mut.Lock()
	if a.state == HolderAborted {
		h.mut.Unlock()
		return nil, a.err
	}
	a.state = HolderKeySent
	log.Info("Sending master key", zap.String("state", a.state.String()))
	h.finishLocked(a, HolderDone)
	h.mut.Unlock()

	h.metrics.finished.WithLabelValues(roleHolder, "done").Inc()
	h.events.Handover(events.HandoverEvent{
		AttemptID:      a.id,
		Role:           roleHolder,
		Peer:           a.peer.String(),
		Outcome:        HolderDone.String(),
		ChallengeBlock: challenge.BlockNumber,
		ResponseBlock:  info.BlockNumber,
	})
	log.Info("Handover finished")
	return staffs, nil
}

// beginVerification consumes the echoed nonce and moves its attempt to VERIFYING_RESPONSE.
func (h *Holder) beginVerification(nonce Nonce) (*holderAttempt, error) {
	h.mut.Lock()
	defer h.mut.Unlock()

	if h.consumed.contains(nonce) {
		h.metrics.rejections.WithLabelValues(roleHolder, ClassExpiredReplay.String()).Inc()
		h.log.Warn("Rejected replayed nonce")
		return nil, &AttemptError{Role: roleHolder, Stage: HolderIdle.String(), Err: ErrReplay}
	}
	a, ok := h.byNonce[nonce]
	if !ok {
		h.metrics.rejections.WithLabelValues(roleHolder, ClassExpiredReplay.String()).Inc()
		h.log.Warn("Rejected response to unknown challenge")
		return nil, &AttemptError{Role: roleHolder, Stage: HolderIdle.String(), Err: ErrUnknownChallenge}
	}
	h.consumed.consume(nonce, a.challenge.BlockNumber)
	delete(h.byNonce, nonce)
	a.state = HolderVerifyingResponse
	return a, nil
}

func (h *Holder) verifyAndSeal(ctx context.Context, a *holderAttempt, challenge Challenge, resp *ChallengeResponse) (*KeyStaffs, error) {
	info := resp.HandlerInfo
	digest, err := info.Digest()
	if err != nil {
		return nil, err
	}
	identity, err := h.engine.Verify(ctx, resp.Attestation, digest, h.cfg.policy(a.role))
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(info.EchoedNonce[:], challenge.Nonce[:]) != 1 {
		return nil, ErrNonceMismatch
	}

	height, err := h.chain.CurrentBlockHeight(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting block height: %w", err)
	}
	if !Fresh(height, info.BlockNumber, h.cfg.RecencyWindow) {
		return nil, fmt.Errorf("%w: response block %d, local height %d, window %d", ErrChallengeExpired, info.BlockNumber, height, h.cfg.RecencyWindow)
	}
	h.log.Debug("Requester attested", zap.String("attemptID", a.id), zap.String("provider", string(identity.Provider)), zap.Binary("uniqueID", identity.UniqueID))

	session, err := h.deriveSession(a, info.RequesterECDHPubkey[:])
	if err != nil {
		return nil, err
	}
	defer session.Destroy()

	staffs := &KeyStaffs{Nonce: challenge.Nonce}
	if err := h.keys.Use(func(key []byte) error {
		staffs.IV, staffs.Ciphertext, err = session.Seal(key, challenge.Nonce[:])
		return err
	}); err != nil {
		return nil, fmt.Errorf("encrypting master key: %w", err)
	}

	if h.cfg.AttestKeyStaffs {
		digest, err := staffs.Digest()
		if err != nil {
			return nil, err
		}
		if staffs.Attestation, err = h.engine.Generate(ctx, digest); err != nil {
			return nil, fmt.Errorf("attesting key staffs: %w", err)
		}
	}
	return staffs, nil
}

// deriveSession derives the session key and erases the attempt's ephemeral private key.
func (h *Holder) deriveSession(a *holderAttempt, peerPublic []byte) (*keyagree.SessionKey, error) {
	h.mut.Lock()
	defer h.mut.Unlock()
	if a.state == HolderAborted {
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

// fail aborts a with err and returns the resulting error.
// If a was already aborted, the original error is returned.
func (h *Holder) fail(a *holderAttempt, err error) error {
	h.abort(a, err)
	h.mut.Lock()
	defer h.mut.Unlock()
	return a.err
}

// abort moves a to ABORTED and erases its keys. It is a no-op for finished attempts.
func (h *Holder) abort(a *holderAttempt, cause error) {
	h.mut.Lock()
	if a.state.Terminal() {
		h.mut.Unlock()
		return
	}
	a.err = &AttemptError{
		AttemptID:      a.id,
		Role:           roleHolder,
		Peer:           a.peer,
		Stage:          a.state.String(),
		ChallengeBlock: a.challenge.BlockNumber,
		ResponseBlock:  a.responseBlock,
		Err:            cause,
	}
	h.finishLocked(a, HolderAborted)
	attemptErr := a.err
	h.mut.Unlock()

	class := attemptErr.Class()
	h.metrics.finished.WithLabelValues(roleHolder, "aborted").Inc()
	h.metrics.rejections.WithLabelValues(roleHolder, class.String()).Inc()
	h.events.Handover(failureEvent(attemptErr, HolderAborted.String()))

	fields := append(attemptFields(attemptErr.AttemptID, attemptErr.Peer, attemptErr.Stage, attemptErr.ChallengeBlock, attemptErr.ResponseBlock),
		zap.String("class", class.String()), zap.String("check", attemptErr.Check()), zap.Error(cause))
	if class == ClassAttestationRejected || class == ClassCryptoFailure {
		h.log.Warn("Security event: handover attempt rejected", fields...)
		return
	}
	h.log.Info("Handover attempt aborted", fields...)
}

// finishLocked moves a to a terminal state and releases its resources.
func (h *Holder) finishLocked(a *holderAttempt, state HolderState) {
	a.state = state
	if a.timer != nil {
		a.timer.Stop()
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.ecdh.Destroy()
	a.ecdh = nil
	a.session.Destroy()
	if h.byPeer[a.peer] == a {
		delete(h.byPeer, a.peer)
	}
	if h.byNonce[a.challenge.Nonce] == a {
		delete(h.byNonce, a.challenge.Nonce)
	}
	h.metrics.inFlight.WithLabelValues(roleHolder).Dec()
}

// InFlight returns the number of attempts in flight.
func (h *Holder) InFlight() int {
	h.mut.Lock()
	defer h.mut.Unlock()
	return len(h.byPeer)
}

// Close aborts every attempt in flight.
func (h *Holder) Close() {
	h.mut.Lock()
	attempts := make([]*holderAttempt, 0, len(h.byPeer))
	for _, a := range h.byPeer {
		attempts = append(attempts, a)
	}
	h.mut.Unlock()

	for _, a := range attempts {
		h.abort(a, ErrAborted)
	}
}
