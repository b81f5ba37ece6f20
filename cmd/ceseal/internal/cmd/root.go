/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

// Package cmd implements the commands of the ceseal worker.
package cmd

import (
	"context"

	"github.com/cesslab/ceseal/util"
	"github.com/cesslab/ceseal/worker/constants"
	"github.com/spf13/cobra"
)

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

// NewRootCmd returns the root command of the worker.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ceseal",
		Short: "The CESS TEE worker",
		Long: `The CESS TEE worker.

A worker either holds the network master key and hands it over to new workers,
or requests the master key from a running worker.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringP("config", "c", util.Getenv(constants.ConfigFile, ""), "Path to the worker configuration file")

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewHandoverCmd())
	cmd.AddCommand(NewDistributeCmd())
	cmd.AddCommand(NewTargetInfoCmd())
	cmd.AddCommand(NewVersionCmd())
	return cmd
}
