/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

package cmd

import (
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// NewHandoverCmd returns the handover command.
func NewHandoverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "handover <IP:PORT>",
		Short: "Request the master key from a running worker and exit",
		Long: `Request the master key from a running worker and exit.

The received key is sealed to the data directory, where a later
"ceseal serve" loads it from.`,
		Args: cobra.ExactArgs(1),
		RunE: runHandover,
	}

	addWorkerFlags(cmd.Flags())
	return cmd
}

func runHandover(cmd *cobra.Command, args []string) error {
	fs := afero.NewOsFs()
	cfg, err := loadConfig(cmd, fs)
	if err != nil {
		return err
	}
	cfg.RequestHandoverFrom = args[0]

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	w, err := newWorker(cfg, fs, log)
	if err != nil {
		log.Error("Failed to set up worker", zap.Error(err))
		return err
	}
	if err := w.requestHandover(cmd.Context(), args[0]); err != nil {
		log.Error("Handover failed", zap.Error(err))
		return err
	}
	return nil
}
