/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

package chain

import (
	"context"
	"sync"
)

// Static is an in-memory [Adapter] and [PayloadSink].
// It serves dev mode and tests.
type Static struct {
	mut           sync.RWMutex
	height        BlockNumber
	genesis       Hash
	registrations map[AccountID]WorkerRegistrationInfo

	applied     []MasterKeyApplyPayload
	distributed []MasterKeyDistributePayload
}

// NewStatic creates a new Static adapter at the given height.
func NewStatic(genesis Hash, height BlockNumber) *Static {
	return &Static{
		height:        height,
		genesis:       genesis,
		registrations: make(map[AccountID]WorkerRegistrationInfo),
	}
}

// SetHeight sets the current block height.
func (s *Static) SetHeight(height BlockNumber) {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.height = height
}

// Register adds or replaces a registration.
func (s *Static) Register(info WorkerRegistrationInfo) {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.registrations[info.Pubkey] = info
}

// CurrentBlockHeight implements [Adapter].
func (s *Static) CurrentBlockHeight(context.Context) (BlockNumber, error) {
	s.mut.RLock()
	defer s.mut.RUnlock()
	return s.height, nil
}

// LookupRegistration implements [Adapter].
func (s *Static) LookupRegistration(_ context.Context, identity AccountID) (*WorkerRegistrationInfo, error) {
	s.mut.RLock()
	defer s.mut.RUnlock()
	info, ok := s.registrations[identity]
	if !ok {
		return nil, ErrNotRegistered
	}
	return &info, nil
}

// GenesisHash implements [Adapter].
func (s *Static) GenesisHash(context.Context) (Hash, error) {
	return s.genesis, nil
}

// SubmitApply implements [PayloadSink].
func (s *Static) SubmitApply(_ context.Context, payload MasterKeyApplyPayload) error {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.applied = append(s.applied, payload)
	return nil
}

// SubmitDistribute implements [PayloadSink].
func (s *Static) SubmitDistribute(_ context.Context, payload MasterKeyDistributePayload) error {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.distributed = append(s.distributed, payload)
	return nil
}

// Applied returns the submitted apply payloads.
func (s *Static) Applied() []MasterKeyApplyPayload {
	s.mut.RLock()
	defer s.mut.RUnlock()
	return append([]MasterKeyApplyPayload(nil), s.applied...)
}

// Distributed returns the submitted distribute payloads.
func (s *Static) Distributed() []MasterKeyDistributePayload {
	s.mut.RLock()
	defer s.mut.RUnlock()
	return append([]MasterKeyDistributePayload(nil), s.distributed...)
}
