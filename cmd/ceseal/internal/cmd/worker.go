/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

package cmd

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"

	"github.com/cesslab/ceseal/util"
	"github.com/cesslab/ceseal/worker/attestation"
	"github.com/cesslab/ceseal/worker/chain"
	"github.com/cesslab/ceseal/worker/collateral"
	"github.com/cesslab/ceseal/worker/config"
	"github.com/cesslab/ceseal/worker/constants"
	"github.com/cesslab/ceseal/worker/events"
	"github.com/cesslab/ceseal/worker/handover"
	"github.com/cesslab/ceseal/worker/handover/transport"
	"github.com/cesslab/ceseal/worker/keystore"
	"github.com/cesslab/ceseal/worker/seal"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

// worker holds the components shared by the holder and the requester.
type worker struct {
	cfg      *config.Config
	engine   attestation.Engine
	adapter  chain.Adapter
	sink     chain.PayloadSink
	keys     *keystore.Keystore
	loader   keystore.SealedLoader
	events   *events.Log
	registry *prometheus.Registry
	factory  *promauto.Factory
	clock    clock.WithTickerAndDelayedExecution
	log      *zap.Logger
}

func newWorker(cfg *config.Config, fs afero.Fs, log *zap.Logger) (*worker, error) {
	if cfg.Attestation.Provider == config.ProviderNone && len(cfg.Handover.TrustPolicy.UniqueIDs) == 0 && cfg.Handover.TrustPolicy.SignerID == "" {
		log.Warn("Trusting the simulated dev enclave")
		cfg.Handover.TrustPolicy = devTrustPolicy()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	w := &worker{
		cfg:      cfg,
		events:   events.NewLog(0, clock.RealClock{}),
		registry: prometheus.NewRegistry(),
		clock:    clock.RealClock{},
		log:      log,
	}
	factory := promauto.With(w.registry)
	w.factory = &factory
	factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "ceseal",
		Name:      "version_info",
		Help:      "Version information of the worker.",
		ConstLabels: map[string]string{
			"version": Version,
			"commit":  GitCommit,
		},
	})

	var err error
	if w.engine, err = newEngine(cfg, fs, w.clock, log); err != nil {
		return nil, err
	}

	static, err := cfg.StaticChain()
	if err != nil {
		return nil, err
	}
	if w.adapter, err = chain.NewCachedAdapter(static, cfg.Chain.CacheSize); err != nil {
		return nil, err
	}
	w.sink = static

	var persister keystore.Persister
	if vault, err := newVault(cfg, fs, log); err != nil {
		return nil, err
	} else if vault != nil {
		persister = vault
		w.loader = vault
	}
	w.keys = keystore.New(persister, log.Named("keystore"))
	return w, nil
}

// newEngine creates the attestation engine of the configured provider.
func newEngine(cfg *config.Config, fs afero.Fs, clock clock.PassiveClock, log *zap.Logger) (attestation.Engine, error) {
	var local attestation.Engine
	switch cfg.Attestation.Provider {
	case config.ProviderDCAP:
		var validator *collateral.Validator
		if cfg.Attestation.SGXRootCA != "" {
			root, err := loadRoot(fs, cfg.Attestation.SGXRootCA)
			if err != nil {
				return nil, err
			}
			if validator, err = collateral.NewValidator(root, clock, log.Named("collateral")); err != nil {
				return nil, err
			}
		}
		pccs := collateral.NewPCCSClient(cfg.Attestation.PCCSURL, http.DefaultClient, log.Named("pccs"))
		local = attestation.NewDCAPEngine(validator, pccs, log.Named("dcap"))
	case config.ProviderIAS:
		root, err := loadRoot(fs, cfg.Attestation.IAS.ReportSigningRoot)
		if err != nil {
			return nil, err
		}
		iasCfg := attestation.IASConfig{APIKey: cfg.Attestation.IAS.APIKey, Endpoint: cfg.Attestation.IAS.Endpoint}
		if local, err = attestation.NewIASEngine(iasCfg, attestation.NewGramineQuoteSource(fs), root, clock, log.Named("ias")); err != nil {
			return nil, err
		}
	case config.ProviderNone:
		local = attestation.NewSimulatedEngine(devIdentity(), log.Named("simulated"))
	default:
		return nil, fmt.Errorf("unknown attestation provider %q", cfg.Attestation.Provider)
	}
	return attestation.NewDispatcher(attestation.WithRetries(local, cfg.Attestation.Timeout, cfg.Attestation.MaxRetries, log)), nil
}

func loadRoot(fs afero.Fs, path string) (*x509.Certificate, error) {
	if path == "" {
		return nil, errors.New("no root certificate configured")
	}
	pem, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("reading root certificate: %w", err)
	}
	return collateral.LoadRoot(pem)
}

// newVault returns the sealed storage of the master key, or nil if sealing is disabled.
func newVault(cfg *config.Config, fs afero.Fs, log *zap.Logger) (*seal.Vault, error) {
	mode := seal.ModeFromString(cfg.Attestation.SealMode)
	if mode == seal.ModeDisabled {
		log.Warn("Sealing is disabled. The master key is lost when the worker stops")
		return nil, nil
	}

	var sealer seal.Sealer
	if cfg.Attestation.Provider == config.ProviderNone {
		key, err := util.DeriveKey(constants.DevMasterKey(), nil, []byte("ceseal dev seal key"), 32)
		if err != nil {
			return nil, err
		}
		sealer = seal.NewNoEnclaveSealer(key)
	} else {
		sealer = seal.NewEnclaveSealer(mode)
	}

	if err := fs.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	store := seal.NewFileStore(fs, cfg.DataDir, constants.SealedMasterKeyFile, cfg.DataDir)
	return seal.NewVault(sealer, store, log.Named("seal")), nil
}

// provision installs the master key without a handover, or by requesting one if configured.
func (w *worker) provision(ctx context.Context) error {
	opts := keystore.BootstrapOptions{
		InjectKey: w.cfg.InjectKey,
		UseDevKey: w.cfg.UseDevKey,
		Generate:  w.cfg.GenerateKey && w.cfg.RequestHandoverFrom == "",
	}
	source, err := w.keys.Bootstrap(ctx, opts, w.loader)
	switch {
	case err == nil:
		w.log.Info("Master key installed", zap.String("source", string(source)))
		return nil
	case !errors.Is(err, keystore.ErrNotProvisioned) || w.cfg.RequestHandoverFrom == "":
		return err
	}
	return w.requestHandover(ctx, w.cfg.RequestHandoverFrom)
}

// requestHandover requests the master key from the holder at addr.
func (w *worker) requestHandover(ctx context.Context, addr string) error {
	identity, err := chain.ParseAccountID(w.cfg.Identity)
	if err != nil {
		return fmt.Errorf("invalid identity: %w", err)
	}
	var ecdhPubkey [32]byte
	if info, err := w.adapter.LookupRegistration(ctx, identity); err == nil {
		ecdhPubkey = info.ECDHPubkey
	} else if !errors.Is(err, chain.ErrNotRegistered) {
		return err
	}

	requesterCfg, err := w.cfg.RequesterConfig(ecdhPubkey)
	if err != nil {
		return err
	}
	requesterCfg.HolderAddress = addr
	requester, err := handover.NewRequester(
		requesterCfg, w.engine, w.adapter, w.keys, w.sink, w.clock, w.events, w.factory, w.log.Named("requester"),
	)
	if err != nil {
		return err
	}

	conn, err := transport.Dial(addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	client, err := transport.NewClient(conn, w.cfg.RetryConfig(), w.log.Named("transport"))
	if err != nil {
		return err
	}

	w.log.Info("Requesting master key", zap.String("holder", addr))
	if err := requester.Run(ctx, client); err != nil {
		return fmt.Errorf("master key handover from %s failed (%s): %w", addr, handover.Classify(err), err)
	}
	w.log.Info("Master key received", zap.String("holder", addr))
	return nil
}

// newHolder creates the holder side of the handover.
func (w *worker) newHolder() (*handover.Holder, error) {
	holderCfg, err := w.cfg.HolderConfig()
	if err != nil {
		return nil, err
	}
	return handover.NewHolder(holderCfg, w.engine, w.adapter, w.keys, w.clock, w.events, w.factory, w.log.Named("holder"))
}

// metricsMux serves the prometheus metrics and the handover event log.
func (w *worker) metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.InstrumentMetricHandler(w.registry, promhttp.HandlerFor(w.registry, promhttp.HandlerOpts{Registry: w.registry})))
	mux.Handle("/events", w.events.Handler())
	return mux
}

// devIdentity is the identity of the simulated enclave in dev mode.
func devIdentity() attestation.SimulatedIdentity {
	return attestation.SimulatedIdentity{
		UniqueID:  sha256.Sum256([]byte("ceseal dev enclave")),
		SignerID:  sha256.Sum256([]byte("ceseal dev signer")),
		ProductID: 1,
	}
}

func devTrustPolicy() attestation.TrustPolicy {
	id := devIdentity()
	return attestation.TrustPolicy{UniqueIDs: []string{hex.EncodeToString(id.UniqueID[:])}}
}
