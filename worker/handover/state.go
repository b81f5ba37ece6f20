/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

package handover

import "fmt"

// HolderState is the state of a holder-side attempt.
type HolderState int

// Holder states.
const (
	HolderIdle HolderState = iota
	HolderChallengeIssued
	HolderVerifyingResponse
	HolderKeySent
	HolderDone
	HolderAborted
)

var holderStateNames = [...]string{"IDLE", "CHALLENGE_ISSUED", "VERIFYING_RESPONSE", "KEY_SENT", "DONE", "ABORTED"}

func (s HolderState) String() string {
	if s >= 0 && int(s) < len(holderStateNames) {
		return holderStateNames[s]
	}
	return fmt.Sprintf("HolderState(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s HolderState) Terminal() bool {
	return s == HolderDone || s == HolderAborted
}

// RequesterState is the state of a requester-side attempt.
type RequesterState int

// Requester states.
const (
	RequesterIdle RequesterState = iota
	RequesterChallengeReceived
	RequesterResponseSent
	RequesterAwaitingKey
	RequesterInstalled
	RequesterAborted
)

var requesterStateNames = [...]string{"IDLE", "CHALLENGE_RECEIVED", "RESPONSE_SENT", "AWAITING_KEY", "INSTALLED", "ABORTED"}

func (s RequesterState) String() string {
	if s >= 0 && int(s) < len(requesterStateNames) {
		return requesterStateNames[s]
	}
	return fmt.Sprintf("RequesterState(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s RequesterState) Terminal() bool {
	return s == RequesterInstalled || s == RequesterAborted
}
