/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

// Package tcb evaluates SGX TCB levels against an operator's acceptance list.
package tcb

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/edgelesssys/ego/attestation"
	"github.com/edgelesssys/ego/attestation/tcbstatus"
)

// Validity is the validity of a TCB level.
type Validity uint

const (
	// ValidityInvalid means the TCB level is invalid, but may have been accepted.
	ValidityInvalid Validity = iota
	// ValidityConditional means the TCB level may be considered valid (e.g., SWHardeningNeeded).
	ValidityConditional
	// ValidityUnconditional means the TCB level is valid unconditionally (e.g., UpToDate).
	ValidityUnconditional
)

// ErrRevoked is returned for revoked TCB levels. They can't be accepted.
var ErrRevoked = errors.New("TCB level revoked")

// statusNames maps the names used by Intel's PCS and IAS to ego's status values.
var statusNames = map[string]tcbstatus.Status{
	"UpToDate":                              tcbstatus.UpToDate,
	"OK":                                    tcbstatus.UpToDate,
	"OutOfDate":                             tcbstatus.OutOfDate,
	"GROUP_OUT_OF_DATE":                     tcbstatus.OutOfDate,
	"Revoked":                               tcbstatus.Revoked,
	"KEY_REVOKED":                           tcbstatus.Revoked,
	"SIGRL_VERSION_MISMATCH":                tcbstatus.Revoked,
	"GROUP_REVOKED":                         tcbstatus.Revoked,
	"ConfigurationNeeded":                   tcbstatus.ConfigurationNeeded,
	"CONFIGURATION_NEEDED":                  tcbstatus.ConfigurationNeeded,
	"OutOfDateConfigurationNeeded":          tcbstatus.OutOfDateConfigurationNeeded,
	"SWHardeningNeeded":                     tcbstatus.SWHardeningNeeded,
	"SW_HARDENING_NEEDED":                   tcbstatus.SWHardeningNeeded,
	"ConfigurationAndSWHardeningNeeded":     tcbstatus.ConfigurationAndSWHardeningNeeded,
	"CONFIGURATION_AND_SW_HARDENING_NEEDED": tcbstatus.ConfigurationAndSWHardeningNeeded,
}

// ParseStatus converts a PCS or IAS status string.
func ParseStatus(s string) (tcbstatus.Status, error) {
	status, ok := statusNames[s]
	if !ok {
		return tcbstatus.Unknown, fmt.Errorf("unknown TCB status %q", s)
	}
	return status, nil
}

// Evaluate checks a TCB status produced by local collateral evaluation.
// UpToDate is always valid. Revoked is never valid. Any other status is valid
// only if its name is in accepted.
func Evaluate(status tcbstatus.Status, accepted []string) (Validity, error) {
	switch status {
	case tcbstatus.UpToDate:
		return ValidityUnconditional, nil
	case tcbstatus.Revoked:
		return ValidityInvalid, ErrRevoked
	}
	if !slices.Contains(accepted, status.String()) {
		return ValidityInvalid, fmt.Errorf("TCB level invalid: %v", status)
	}
	if status == tcbstatus.SWHardeningNeeded {
		return ValidityConditional, nil
	}
	return ValidityInvalid, nil
}

// CheckStatus checks the TCB status reported by ego's report verification together with the
// error it returned. It returns an error if the TCB level is invalid and the status isn't accepted.
func CheckStatus(status tcbstatus.Status, tcbErr error, accepted []string) (Validity, error) {
	invalid := errors.Is(tcbErr, attestation.ErrTCBLevelInvalid)
	if !invalid {
		if tcbErr != nil {
			return ValidityInvalid, tcbErr
		}
		if status == tcbstatus.UpToDate {
			return ValidityUnconditional, nil
		}
		if status != tcbstatus.SWHardeningNeeded {
			return ValidityInvalid, fmt.Errorf("unexpected: got no error, but TCB status is %v", status)
		}
	} else if status == tcbstatus.UpToDate {
		return ValidityInvalid, fmt.Errorf("unexpected: TCB level invalid: %v", status)
	}
	validity, err := Evaluate(status, accepted)
	if err != nil || invalid {
		return ValidityInvalid, err
	}
	return validity, nil
}

// CheckAdvisories checks a list of Intel Security Advisories against a list of accepted advisories.
// It returns the advisories that are not accepted if the status is SWHardeningNeeded.
// If accepted is empty, all advisories are accepted and this function returns nil.
func CheckAdvisories(status tcbstatus.Status, advisories []string, advisoriesErr error, accepted []string) ([]string, error) {
	if status != tcbstatus.SWHardeningNeeded || len(accepted) == 0 {
		return nil, nil
	}

	if advisoriesErr != nil {
		return nil, fmt.Errorf("accepted advisory list not empty but no valid advisory list available: %w", advisoriesErr)
	}

	var notAccepted []string
	for _, advisory := range advisories {
		if !slices.ContainsFunc(accepted, func(other string) bool {
			return strings.EqualFold(advisory, other)
		}) {
			notAccepted = append(notAccepted, advisory)
		}
	}
	return notAccepted, nil
}
