/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

package cmd

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/cesslab/ceseal/worker/chain"
	"github.com/cesslab/ceseal/worker/handover"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// NewDistributeCmd returns the distribute command.
func NewDistributeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "distribute <TARGET>",
		Short: "Encrypt the master key to a registered worker",
		Long: `Encrypt the master key to the registered ECDH key of a worker.

Used by the distributor of a new network, before any worker serves handovers.
The hex encoded distribution payload is written to stdout for submission to the chain.`,
		Args: cobra.ExactArgs(1),
		RunE: runDistribute,
	}

	addWorkerFlags(cmd.Flags())
	cmd.Flags().Bool("generate-key", false, "Generate a new master key if no other source provides one")
	cmd.MarkFlagsMutuallyExclusive("inject-key", "use-dev-key")
	return cmd
}

func runDistribute(cmd *cobra.Command, args []string) error {
	target, err := chain.ParseAccountID(args[0])
	if err != nil {
		return fmt.Errorf("invalid target: %w", err)
	}

	fs := afero.NewOsFs()
	cfg, err := loadConfig(cmd, fs)
	if err != nil {
		return err
	}
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
	payload, err := w.distribute(cmd.Context(), target)
	if err != nil {
		log.Error("Distribution failed", zap.Error(err))
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(payload))
	return nil
}

// distribute provisions the master key and encrypts it to target.
// It returns the encoded distribution payload.
func (w *worker) distribute(ctx context.Context, target chain.AccountID) ([]byte, error) {
	if w.cfg.Identity == "" {
		return nil, errors.New("distributing requires the identity of this worker")
	}
	distributor, err := chain.ParseAccountID(w.cfg.Identity)
	if err != nil {
		return nil, fmt.Errorf("invalid identity: %w", err)
	}
	if err := w.provision(ctx); err != nil {
		return nil, err
	}

	info, err := w.adapter.LookupRegistration(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("looking up %s: %w", target, err)
	}
	genesis, err := w.adapter.GenesisHash(ctx)
	if err != nil {
		return nil, err
	}
	if info.GenesisBlockHash != genesis {
		return nil, fmt.Errorf("%w: %s is registered on another chain", handover.ErrUnauthorizedPeer, target)
	}
	if info.ECDHPubkey == [32]byte{} {
		return nil, fmt.Errorf("%s has no registered ECDH key", target)
	}

	payload, err := handover.Distribute(ctx, w.keys, distributor, info, w.sink, w.clock)
	if err != nil {
		return nil, err
	}
	w.log.Info("Master key distributed", zap.Stringer("target", target))
	return payload.Encode()
}
