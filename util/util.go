/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

// Package util provides helpers shared by the ceseal worker packages.
package util

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"
)

const (
	oeHeaderSize       = 16
	oeHeaderVersion    = 1
	oeReportTypeRemote = 2
)

// DeriveKey derives a key from a secret.
// info binds the derived key to a usage context.
func DeriveKey(secret, salt, info []byte, length uint) ([]byte, error) {
	hkdf := hkdf.New(sha256.New, secret, salt, info)
	key := make([]byte, length)
	if _, err := io.ReadFull(hkdf, key); err != nil {
		Wipe(key)
		return nil, err
	}
	return key, nil
}

// Wipe overwrites b with zeros.
func Wipe(b []byte) {
	clear(b)
}

// Getenv returns the environment variable `name` if it exists or the handed fallback value elsewise.
func Getenv(name string, fallback string) string {
	value := os.Getenv(name)
	if len(value) == 0 {
		return fallback
	}
	return value
}

// GetenvDuration parses the environment variable `name` as a duration.
// The fallback is returned if the variable is unset.
func GetenvDuration(name string, fallback time.Duration) (time.Duration, error) {
	value := os.Getenv(name)
	if len(value) == 0 {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", name, err)
	}
	return d, nil
}

// DecodeHexKey decodes a hex encoded key of the given size.
// A leading 0x is accepted.
func DecodeHexKey(s string, size int) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) != 2*size {
		return nil, fmt.Errorf("key must be %d bytes hex encoded, got %d characters", size, len(s))
	}
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding key: %w", err)
	}
	return key, nil
}

// AddOEQuoteHeader adds an OpenEnclave quote header to the given quote.
// If the quote already has a header, this is a no-op.
func AddOEQuoteHeader(quote []byte) []byte {
	quoteHeader := make([]byte, oeHeaderSize)
	binary.LittleEndian.PutUint32(quoteHeader, oeHeaderVersion)
	binary.LittleEndian.PutUint32(quoteHeader[4:], oeReportTypeRemote)
	binary.LittleEndian.PutUint64(quoteHeader[8:], uint64(len(quote)))

	if len(quote) > 8 && slices.Equal(quoteHeader[:8], quote[:8]) {
		return quote
	}
	return append(quoteHeader, quote...)
}

// StripOEQuoteHeader removes an OpenEnclave quote header from the given quote.
// Quotes without a header are returned as is.
func StripOEQuoteHeader(quote []byte) ([]byte, error) {
	if len(quote) < oeHeaderSize ||
		binary.LittleEndian.Uint32(quote) != oeHeaderVersion ||
		binary.LittleEndian.Uint32(quote[4:]) != oeReportTypeRemote {
		return quote, nil
	}
	size := binary.LittleEndian.Uint64(quote[8:])
	if size != uint64(len(quote)-oeHeaderSize) {
		return nil, errors.New("quote header size does not match quote length")
	}
	return quote[oeHeaderSize:], nil
}
