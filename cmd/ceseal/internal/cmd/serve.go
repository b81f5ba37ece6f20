/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cesslab/ceseal/internal/logging"
	"github.com/cesslab/ceseal/util"
	"github.com/cesslab/ceseal/worker/config"
	"github.com/cesslab/ceseal/worker/constants"
	"github.com/cesslab/ceseal/worker/handover/transport"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc/credentials"
)

// NewServeCmd returns the serve command.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the worker and serve master key handovers",
		Long: `Run the worker and serve master key handovers.

The master key is installed from the first available source: an injected key,
the dev key, the sealed key in the data directory, or a handover from the
worker given by --request-handover-from.`,
		Example: `# Serve in dev mode
ceseal serve --dev --config ceseal.yaml

# Obtain the master key from a running worker, then serve
ceseal serve --config ceseal.yaml --request-handover-from 192.0.2.1:19999`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	addWorkerFlags(cmd.Flags())
	cmd.Flags().String("listen-addr", "", "Address of the handover server")
	cmd.Flags().String("request-handover-from", "", "Address of a running worker to request the master key from")
	cmd.Flags().Bool("only-handover-server", false, "Serve only the handover service, without the metrics endpoint")
	cmd.Flags().Bool("generate-key", false, "Generate a new master key if no other source provides one")
	cmd.MarkFlagsMutuallyExclusive("inject-key", "use-dev-key")
	cmd.MarkFlagsMutuallyExclusive("generate-key", "request-handover-from")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
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
	log.Info("Starting ceseal worker", zap.String("version", Version), zap.String("commit", GitCommit))

	w, err := newWorker(cfg, fs, log)
	if err != nil {
		log.Error("Failed to set up worker", zap.Error(err))
		return err
	}
	return serve(cmd.Context(), w)
}

func serve(ctx context.Context, w *worker) error {
	if err := w.provision(ctx); err != nil {
		w.log.Error("Failed to install master key", zap.Error(err))
		return err
	}

	holder, err := w.newHolder()
	if err != nil {
		return err
	}
	defer holder.Close()

	tlsCfg, err := util.EphemeralTLSConfig(constants.WorkerName)
	if err != nil {
		return fmt.Errorf("creating TLS config: %w", err)
	}
	server := transport.NewServer(holder, credentials.NewTLS(tlsCfg), w.registry, w.log.Named("transport"))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errChan := make(chan error, 2)
	go func() {
		errChan <- server.ListenAndServe(ctx, w.cfg.ListenAddr)
	}()
	running := 1
	if w.cfg.MetricsAddr != "" && !w.cfg.OnlyHandoverServer {
		running++
		go func() {
			errChan <- runMetricsServer(ctx, w.cfg.MetricsAddr, w.metricsMux(), w.log)
		}()
	}

	// The first server to stop ends the worker.
	err = <-errChan
	cancel()
	for running--; running > 0; running-- {
		<-errChan
	}
	if err != nil {
		w.log.Error("Worker stopped", zap.Error(err))
	}
	return err
}

// runMetricsServer serves mux on addr until ctx is done.
func runMetricsServer(ctx context.Context, addr string, mux http.Handler, log *zap.Logger) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          logging.NewWrapper(log),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Info("Starting prometheus /metrics endpoint", zap.String("address", addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving metrics: %w", err)
	}
	return nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	devMode := cfg.Dev || util.Getenv(constants.DevMode, constants.DevModeDefault) == "1"
	log, err := logging.Build(devMode, util.Getenv(constants.LogFormat, ""))
	if err != nil {
		return nil, err
	}
	transport.ReplaceGRPCLogger(log)
	return log, nil
}
