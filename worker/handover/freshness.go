/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

package handover

import "github.com/cesslab/ceseal/worker/chain"

// Fresh reports whether block is within window blocks of current, in either direction.
// Peers may observe the chain a few blocks apart.
func Fresh(current, block chain.BlockNumber, window uint32) bool {
	if current >= block {
		return current-block <= window
	}
	return block-current <= window
}

// nonceSet remembers consumed nonces with the block number of their challenge.
type nonceSet struct {
	consumed map[Nonce]chain.BlockNumber
}

func newNonceSet() *nonceSet {
	return &nonceSet{consumed: make(map[Nonce]chain.BlockNumber)}
}

func (s *nonceSet) contains(n Nonce) bool {
	_, ok := s.consumed[n]
	return ok
}

// consume marks n as used. It returns false if n was already consumed.
func (s *nonceSet) consume(n Nonce, block chain.BlockNumber) bool {
	if s.contains(n) {
		return false
	}
	s.consumed[n] = block
	return true
}

// prune forgets nonces whose challenge can no longer pass the freshness check.
func (s *nonceSet) prune(current chain.BlockNumber, window uint32) {
	for n, block := range s.consumed {
		if block < current && !Fresh(current, block, window) {
			delete(s.consumed, n)
		}
	}
}

func (s *nonceSet) len() int {
	return len(s.consumed)
}
