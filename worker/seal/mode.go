/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

package seal

import "strings"

// Mode specifies how the master key is sealed.
type Mode uint

const (
	// ModeDisabled disables sealing and holds the master key in memory only.
	ModeDisabled Mode = iota
	// ModeProductKey seals with the product key, so updated enclaves of the same signer can unseal.
	ModeProductKey
	// ModeUniqueKey seals with the unique key of this exact enclave.
	ModeUniqueKey
)

// ModeFromString returns the Mode value for the given string.
func ModeFromString(mode string) Mode {
	switch {
	case mode == "", strings.EqualFold(mode, "ProductKey"):
		return ModeProductKey
	case strings.EqualFold(mode, "UniqueKey"):
		return ModeUniqueKey
	}
	return ModeDisabled
}

func (m Mode) String() string {
	switch m {
	case ModeProductKey:
		return "ProductKey"
	case ModeUniqueKey:
		return "UniqueKey"
	}
	return "Disabled"
}
