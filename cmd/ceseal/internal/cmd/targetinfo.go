/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

package cmd

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/edgelesssys/ego/attestation"
	"github.com/edgelesssys/ego/enclave"
	"github.com/spf13/cobra"
)

const noMeasurement = "No measurement in non-SGX environments"

// selfReport returns the report of the running enclave.
var selfReport = enclave.GetSelfReport

// NewTargetInfoCmd returns the target-info command.
func NewTargetInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "target-info",
		Short: "Display the enclave identity of the worker",
		Long: `Display the enclave identity of the worker.

The values are the ones other workers pin in their trust policies.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			printTargetInfo(cmd.OutOrStdout())
		},
	}
}

func printTargetInfo(out io.Writer) {
	report, err := selfReport()
	if err != nil {
		fmt.Fprintln(out, noMeasurement)
		return
	}
	fmt.Fprintf(out, "UniqueID: %s\n", hex.EncodeToString(report.UniqueID))
	fmt.Fprintf(out, "SignerID: %s\n", hex.EncodeToString(report.SignerID))
	fmt.Fprintf(out, "ProductID: %d\n", productID(report))
	fmt.Fprintf(out, "SecurityVersion: %d\n", report.SecurityVersion)
	fmt.Fprintf(out, "Debug: %t\n", report.Debug)
}

// measurement returns the unique ID of the running enclave, or a notice outside of SGX.
func measurement() string {
	report, err := selfReport()
	if err != nil {
		return "[" + noMeasurement + "]"
	}
	return hex.EncodeToString(report.UniqueID)
}

func productID(report attestation.Report) uint16 {
	if len(report.ProductID) < 2 {
		return 0
	}
	return binary.LittleEndian.Uint16(report.ProductID)
}
