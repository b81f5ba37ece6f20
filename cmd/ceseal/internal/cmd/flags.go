/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

package cmd

import (
	"github.com/cesslab/ceseal/worker/config"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// addWorkerFlags adds the flags shared by all commands running a worker.
// Set flags override the configuration file and the environment.
func addWorkerFlags(flags *pflag.FlagSet) {
	flags.String("data-dir", "", "Directory of sealed files")
	flags.String("identity", "", "Hex encoded on-chain identity of the worker")
	flags.String("role", "", `Worker role. One of {"full", "verifier", "marker"}`)
	flags.String("attestation-provider", "", `Remote attestation provider. One of {"dcap", "ias", "none"}`)
	flags.Duration("ra-timeout", 0, "Timeout of a single attestation report generation")
	flags.Uint("ra-max-retries", 0, "Number of retries of a failed attestation report generation")
	flags.String("metrics-addr", "", "Address to serve /metrics and /events on")
	flags.Bool("dev", false, "Dev mode, equivalent to --use-dev-key --attestation-provider none")
	flags.Bool("use-dev-key", false, "Install the dev master key. Cannot be used with remote attestation enabled")
	flags.String("inject-key", "", "Install the given hex encoded master key")
}

// loadConfig loads the configuration and applies the command's flags.
func loadConfig(cmd *cobra.Command, fs afero.Fs) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(fs, path)
	if err != nil {
		return nil, err
	}
	if err := applyFlags(cmd.Flags(), cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDevMode()
	return cfg, nil
}

func applyFlags(flags *pflag.FlagSet, cfg *config.Config) error {
	f := flagSetter{flags: flags}
	f.string("listen-addr", &cfg.ListenAddr)
	f.string("metrics-addr", &cfg.MetricsAddr)
	f.string("data-dir", &cfg.DataDir)
	f.string("identity", &cfg.Identity)
	f.string("role", &cfg.Role)
	f.string("attestation-provider", &cfg.Attestation.Provider)
	f.string("inject-key", &cfg.InjectKey)
	f.string("request-handover-from", &cfg.RequestHandoverFrom)
	f.bool("dev", &cfg.Dev)
	f.bool("use-dev-key", &cfg.UseDevKey)
	f.bool("generate-key", &cfg.GenerateKey)
	f.bool("only-handover-server", &cfg.OnlyHandoverServer)
	if f.changed("ra-timeout") {
		cfg.Attestation.Timeout, f.err = flags.GetDuration("ra-timeout")
	}
	if f.changed("ra-max-retries") {
		cfg.Attestation.MaxRetries, f.err = flags.GetUint("ra-max-retries")
	}
	return f.err
}

// flagSetter copies flags that were set on the command line. It stops at the first error.
type flagSetter struct {
	flags *pflag.FlagSet
	err   error
}

func (f *flagSetter) changed(name string) bool {
	return f.err == nil && f.flags.Lookup(name) != nil && f.flags.Changed(name)
}

func (f *flagSetter) string(name string, dst *string) {
	if f.changed(name) {
		*dst, f.err = f.flags.GetString(name)
	}
}

func (f *flagSetter) bool(name string, dst *bool) {
	if f.changed(name) {
		*dst, f.err = f.flags.GetBool(name)
	}
}
