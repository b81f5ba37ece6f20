/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

// Package events implements a log of handover security events.
package events

import (
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// DefaultCapacity is the number of events kept by a log created with capacity 0.
const DefaultCapacity = 1024

// HandoverEvent is logged when a handover attempt ends.
// It never carries key material.
type HandoverEvent struct {
	AttemptID string `json:"attemptID"`
	// Role is the local role in the attempt, "holder" or "requester".
	Role string `json:"role"`
	// Peer is the hex encoded identity of the remote worker, or its address if the identity is unknown.
	Peer string `json:"peer"`
	// Outcome is the final state of the attempt.
	Outcome string `json:"outcome"`
	// Class is the error class of a failed attempt.
	Class string `json:"class,omitempty"`
	// Check names the check that failed, if known.
	Check          string `json:"check,omitempty"`
	Error          string `json:"error,omitempty"`
	ChallengeBlock uint32 `json:"challengeBlock,omitempty"`
	ResponseBlock  uint32 `json:"responseBlock,omitempty"`
}

// Event represents a single event in the event log.
type Event struct {
	Timestamp time.Time      `json:"time"`
	Handover  *HandoverEvent `json:"handover"`
}

// Log is a bounded log of worker events. Once full, the oldest events are dropped.
type Log struct {
	mut      sync.RWMutex
	events   []Event
	capacity int
	clock    clock.PassiveClock
}

// NewLog creates a new log.
func NewLog(capacity int, clock clock.PassiveClock) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{capacity: capacity, clock: clock}
}

// Handover adds a handover event to the log.
func (l *Log) Handover(event HandoverEvent) {
	l.mut.Lock()
	defer l.mut.Unlock()
	if len(l.events) == l.capacity {
		l.events = slices.Delete(l.events, 0, 1)
	}
	l.events = append(l.events, Event{Timestamp: l.clock.Now(), Handover: &event})
}

// Events returns a copy of the logged events.
func (l *Log) Events() []Event {
	l.mut.RLock()
	defer l.mut.RUnlock()
	return slices.Clone(l.events)
}

// Handler returns a http.HandlerFunc which writes the log as JSON array.
func (l *Log) Handler() http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		events := l.Events()
		if events == nil {
			events = []Event{}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(events)
	})
}
