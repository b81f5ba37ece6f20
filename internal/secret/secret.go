/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

// Package secret provides an owned byte buffer for key material that is
// overwritten when released.
package secret

import (
	"crypto/subtle"
	"sync"

	"github.com/cesslab/ceseal/util"
)

// Bytes owns a buffer of key material.
// The zero value is an empty, destroyed buffer.
// Destroy must be called on every path once the buffer is no longer needed.
type Bytes struct {
	mut       sync.Mutex
	b         []byte
	destroyed bool
}

// New allocates a zeroed buffer of size n.
func New(n int) *Bytes {
	return &Bytes{b: make([]byte, n)}
}

// Take wraps b without copying. The caller must not use b afterwards.
func Take(b []byte) *Bytes {
	return &Bytes{b: b}
}

// Copy wraps a copy of b.
func Copy(b []byte) *Bytes {
	return &Bytes{b: append([]byte(nil), b...)}
}

// Len returns the buffer length, or 0 after Destroy.
func (s *Bytes) Len() int {
	if s == nil {
		return 0
	}
	s.mut.Lock()
	defer s.mut.Unlock()
	return len(s.b)
}

// Use calls fn with the buffer contents.
// fn must not retain the slice.
func (s *Bytes) Use(fn func([]byte) error) error {
	if s == nil {
		return ErrDestroyed
	}
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.destroyed {
		return ErrDestroyed
	}
	return fn(s.b)
}

// Clone returns an independent copy.
func (s *Bytes) Clone() (*Bytes, error) {
	var c *Bytes
	err := s.Use(func(b []byte) error {
		c = Copy(b)
		return nil
	})
	return c, err
}

// Equal reports whether both buffers hold the same bytes, in constant time.
func (s *Bytes) Equal(other []byte) bool {
	equal := false
	_ = s.Use(func(b []byte) error {
		equal = subtle.ConstantTimeCompare(b, other) == 1
		return nil
	})
	return equal
}

// Destroy overwrites the buffer and releases it. It is safe to call more than once.
func (s *Bytes) Destroy() {
	if s == nil {
		return
	}
	s.mut.Lock()
	defer s.mut.Unlock()
	util.Wipe(s.b)
	s.b = nil
	s.destroyed = true
}

// Destroyed reports whether Destroy was called.
func (s *Bytes) Destroyed() bool {
	if s == nil {
		return true
	}
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.destroyed
}
