/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

package handover

import (
	"github.com/cesslab/ceseal/worker/chain"
	"github.com/cesslab/ceseal/worker/events"
	"go.uber.org/zap"
)

// EventRecorder records the outcome of attempts.
type EventRecorder interface {
	Handover(events.HandoverEvent)
}

type nopRecorder struct{}

func (nopRecorder) Handover(events.HandoverEvent) {}

// attemptFields are the only fields logged about an attempt.
// Keys, ciphertexts and nonces are never logged.
func attemptFields(id string, peer chain.AccountID, state string, challengeBlock, responseBlock chain.BlockNumber) []zap.Field {
	fields := []zap.Field{
		zap.String("attemptID", id),
		zap.String("state", state),
	}
	if peer != (chain.AccountID{}) {
		fields = append(fields, zap.Stringer("peer", peer))
	}
	if challengeBlock != 0 {
		fields = append(fields, zap.Uint32("challengeBlock", challengeBlock))
	}
	if responseBlock != 0 {
		fields = append(fields, zap.Uint32("responseBlock", responseBlock))
	}
	return fields
}

// failureEvent builds the event for a failed attempt.
func failureEvent(err *AttemptError, outcome string) events.HandoverEvent {
	var peer string
	if err.Peer != (chain.AccountID{}) || err.PeerAddress != "" {
		peer = err.PeerName()
	}
	return events.HandoverEvent{
		AttemptID:      err.AttemptID,
		Role:           err.Role,
		Peer:           peer,
		Outcome:        outcome,
		Class:          err.Class().String(),
		Check:          err.Check(),
		Error:          err.Err.Error(),
		ChallengeBlock: err.ChallengeBlock,
		ResponseBlock:  err.ResponseBlock,
	}
}
