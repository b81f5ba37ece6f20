/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

package chain

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedAdapter caches registrations and the genesis hash of another [Adapter].
// Block heights are always read through. Registrations are immutable once
// written to the chain, so cached entries never go stale.
type CachedAdapter struct {
	Adapter

	registrations *lru.Cache[AccountID, WorkerRegistrationInfo]

	genesisMut  sync.Mutex
	genesis     Hash
	haveGenesis bool
}

// NewCachedAdapter wraps adapter with a registration cache of the given size.
func NewCachedAdapter(adapter Adapter, size int) (*CachedAdapter, error) {
	cache, err := lru.New[AccountID, WorkerRegistrationInfo](size)
	if err != nil {
		return nil, fmt.Errorf("creating registration cache: %w", err)
	}
	return &CachedAdapter{Adapter: adapter, registrations: cache}, nil
}

// LookupRegistration implements [Adapter].
func (c *CachedAdapter) LookupRegistration(ctx context.Context, identity AccountID) (*WorkerRegistrationInfo, error) {
	if info, ok := c.registrations.Get(identity); ok {
		return &info, nil
	}
	info, err := c.Adapter.LookupRegistration(ctx, identity)
	if err != nil {
		return nil, err
	}
	c.registrations.Add(identity, *info)
	return info, nil
}

// GenesisHash implements [Adapter]. Errors are not cached.
func (c *CachedAdapter) GenesisHash(ctx context.Context) (Hash, error) {
	c.genesisMut.Lock()
	defer c.genesisMut.Unlock()
	if c.haveGenesis {
		return c.genesis, nil
	}
	genesis, err := c.Adapter.GenesisHash(ctx)
	if err != nil {
		return Hash{}, err
	}
	c.genesis, c.haveGenesis = genesis, true
	return genesis, nil
}
