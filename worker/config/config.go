/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

// Package config holds the operator configuration of a worker.
//
// Values are read from an optional YAML file and then overridden by environment variables.
// Command line flags override both.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/cesslab/ceseal/util"
	"github.com/cesslab/ceseal/worker/attestation"
	"github.com/cesslab/ceseal/worker/chain"
	"github.com/cesslab/ceseal/worker/constants"
	"github.com/cesslab/ceseal/worker/handover"
	"github.com/cesslab/ceseal/worker/handover/transport"
	"github.com/cesslab/ceseal/worker/seal"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Attestation providers.
const (
	ProviderDCAP = "dcap"
	ProviderIAS  = "ias"
	ProviderNone = "none"
)

// Config is the configuration of a worker.
type Config struct {
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	// DataDir is the directory of sealed files.
	DataDir string `yaml:"data_dir"`
	// Identity is the hex encoded on-chain identity of this worker.
	Identity string `yaml:"identity"`
	Role     string `yaml:"role"`

	// Dev installs the dev key and disables remote attestation.
	Dev       bool   `yaml:"dev"`
	UseDevKey bool   `yaml:"use_dev_key"`
	InjectKey string `yaml:"inject_key"`
	// GenerateKey creates a new master key if no other source provides one.
	GenerateKey bool `yaml:"generate_key"`

	// OnlyHandoverServer serves only the handover service.
	OnlyHandoverServer bool `yaml:"only_handover_server"`
	// RequestHandoverFrom is the address of a holder to request the master key from.
	RequestHandoverFrom string `yaml:"request_handover_from"`

	Attestation AttestationConfig `yaml:"attestation"`
	Handover    HandoverConfig    `yaml:"handover"`
	Chain       ChainConfig       `yaml:"chain"`
}

// AttestationConfig selects and configures the attestation provider.
type AttestationConfig struct {
	Provider   string        `yaml:"provider"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries uint          `yaml:"max_retries"`
	// SGXRootCA is the path of the PEM encoded Intel SGX root CA.
	SGXRootCA string `yaml:"sgx_root_ca"`
	PCCSURL   string `yaml:"pccs_url"`
	// SealMode is ProductKey, UniqueKey or Disabled.
	SealMode string    `yaml:"seal_mode"`
	IAS      IASConfig `yaml:"ias"`
}

// IASConfig configures the Intel Attestation Service.
type IASConfig struct {
	APIKey   string `yaml:"api_key"`
	Endpoint string `yaml:"endpoint"`
	// ReportSigningRoot is the path of the PEM encoded IAS report signing root.
	ReportSigningRoot string `yaml:"report_signing_root"`
}

// HandoverConfig configures both sides of the master key handover.
type HandoverConfig struct {
	RecencyWindowBlocks uint32        `yaml:"recency_window_blocks"`
	AttemptTimeout      time.Duration `yaml:"attempt_timeout"`
	AttestKeyStaffs     bool          `yaml:"attest_key_staffs"`
	// RequireHolderAttestation rejects key staffs of holders that do not attest them.
	RequireHolderAttestation bool        `yaml:"require_holder_attestation"`
	Retry                    RetryConfig `yaml:"retry"`

	// TrustPolicy applies to requesters whose role has no entry in RolePolicies.
	TrustPolicy  attestation.TrustPolicy            `yaml:"trust_policy"`
	RolePolicies map[string]attestation.TrustPolicy `yaml:"role_policies"`
	// HolderPolicy applies to holder attestations. It defaults to TrustPolicy.
	HolderPolicy *attestation.TrustPolicy `yaml:"holder_policy"`
	// HolderIdentity is the hex encoded identity of the holder to request the master key from.
	HolderIdentity string `yaml:"holder_identity"`
}

// RetryConfig controls retries of the initial handover request.
type RetryConfig struct {
	MaxRetries *int          `yaml:"max_retries"`
	Interval   time.Duration `yaml:"interval"`
}

// ChainConfig is a static view of the chain, used where no light client is attached.
type ChainConfig struct {
	GenesisHash string         `yaml:"genesis_hash"`
	Height      uint32         `yaml:"height"`
	Workers     []WorkerConfig `yaml:"workers"`
	// CacheSize bounds the registration lookup cache.
	CacheSize int `yaml:"cache_size"`
}

// WorkerConfig is a registered worker.
type WorkerConfig struct {
	Pubkey     string `yaml:"pubkey"`
	ECDHPubkey string `yaml:"ecdh_pubkey"`
	Role       string `yaml:"role"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		ListenAddr: constants.ListenAddrDefault,
		DataDir:    constants.DataDirDefault,
		Role:       constants.RoleDefault,
		Attestation: AttestationConfig{
			Provider: constants.AttestationProviderDefault,
			Timeout:  10 * time.Second,
			PCCSURL:  constants.PCCSURLDefault,
			SealMode: seal.ModeProductKey.String(),
			IAS:      IASConfig{Endpoint: constants.IASEndpointDefault},
		},
		Chain: ChainConfig{CacheSize: 128},
	}
}

// Load reads the configuration file at path, if path is not empty, and applies environment overrides.
func Load(fs afero.Fs, path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := afero.ReadFile(fs, path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.ApplyDevMode()
	return cfg, nil
}

// ApplyDevMode makes dev mode use the dev key without remote attestation.
func (c *Config) ApplyDevMode() {
	if c.Dev {
		c.UseDevKey = true
		c.Attestation.Provider = ProviderNone
	}
}

func (c *Config) applyEnv() error {
	c.ListenAddr = util.Getenv(constants.ListenAddr, c.ListenAddr)
	c.MetricsAddr = util.Getenv(constants.MetricsAddr, c.MetricsAddr)
	c.DataDir = util.Getenv(constants.DataDir, c.DataDir)
	c.Identity = util.Getenv(constants.Identity, c.Identity)
	c.Role = util.Getenv(constants.Role, c.Role)
	c.InjectKey = util.Getenv(constants.InjectKey, c.InjectKey)
	c.Attestation.Provider = util.Getenv(constants.AttestationProvider, c.Attestation.Provider)
	c.Attestation.PCCSURL = util.Getenv(constants.PCCSURL, c.Attestation.PCCSURL)
	c.Attestation.IAS.APIKey = util.Getenv(constants.IASAPIKey, c.Attestation.IAS.APIKey)
	c.Attestation.IAS.Endpoint = util.Getenv(constants.IASEndpoint, c.Attestation.IAS.Endpoint)

	var err error
	if c.Attestation.Timeout, err = util.GetenvDuration(constants.RATimeout, c.Attestation.Timeout); err != nil {
		return err
	}
	if c.Handover.AttemptTimeout, err = util.GetenvDuration(constants.AttemptTimeout, c.Handover.AttemptTimeout); err != nil {
		return err
	}
	if c.Handover.Retry.Interval, err = util.GetenvDuration(constants.RetryInterval, c.Handover.Retry.Interval); err != nil {
		return err
	}
	if v := util.Getenv(constants.RAMaxRetries, ""); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", constants.RAMaxRetries, err)
		}
		c.Attestation.MaxRetries = uint(n)
	}
	if v := util.Getenv(constants.RecencyWindow, ""); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", constants.RecencyWindow, err)
		}
		c.Handover.RecencyWindowBlocks = uint32(n)
	}
	if v := util.Getenv(constants.MaxRetries, ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", constants.MaxRetries, err)
		}
		c.Handover.Retry.MaxRetries = &n
	}
	return nil
}

// Validate checks that the configuration is complete and consistent.
func (c *Config) Validate() error {
	var errs []error
	if c.Handover.RecencyWindowBlocks == 0 {
		errs = append(errs, errors.New("handover.recency_window_blocks must be set"))
	}
	if _, err := c.WorkerRole(); err != nil {
		errs = append(errs, err)
	}
	if c.Identity != "" {
		if _, err := chain.ParseAccountID(c.Identity); err != nil {
			errs = append(errs, fmt.Errorf("invalid identity: %w", err))
		}
	}

	if c.InjectKey != "" && (c.UseDevKey || c.Dev) {
		errs = append(errs, errors.New("inject_key cannot be combined with the dev key"))
	}
	if c.InjectKey != "" {
		key, err := util.DecodeHexKey(c.InjectKey, constants.MasterKeySize)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid inject_key: %w", err))
		}
		util.Wipe(key)
	}

	switch c.Attestation.Provider {
	case ProviderDCAP, ProviderIAS:
		if c.Dev || c.UseDevKey {
			errs = append(errs, errors.New("the dev key cannot be used with remote attestation enabled"))
		}
		if err := c.Handover.TrustPolicy.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("handover.trust_policy: %w", err))
		}
	case ProviderNone:
		if !c.Dev {
			errs = append(errs, errors.New("attestation provider none requires dev mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown attestation provider %q", c.Attestation.Provider))
	}
	if c.Attestation.Provider == ProviderIAS && c.Attestation.IAS.APIKey == "" {
		errs = append(errs, errors.New("attestation.ias.api_key must be set"))
	}
	for role, policy := range c.Handover.RolePolicies {
		if _, err := chain.ParseRole(role); err != nil {
			errs = append(errs, fmt.Errorf("handover.role_policies: %w", err))
		}
		if err := policy.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("handover.role_policies.%s: %w", role, err))
		}
	}

	if c.Handover.HolderIdentity != "" {
		if _, err := chain.ParseAccountID(c.Handover.HolderIdentity); err != nil {
			errs = append(errs, fmt.Errorf("invalid handover.holder_identity: %w", err))
		}
	}
	if c.RequestHandoverFrom != "" {
		if c.Identity == "" {
			errs = append(errs, errors.New("identity must be set to request a handover"))
		}
		if c.Handover.Retry.MaxRetries == nil {
			errs = append(errs, errors.New("handover.retry.max_retries must be set to request a handover"))
		}
		if c.Handover.Retry.Interval <= 0 {
			errs = append(errs, errors.New("handover.retry.interval must be set to request a handover"))
		}
	} else if c.Handover.AttemptTimeout <= 0 {
		errs = append(errs, errors.New("handover.attempt_timeout must be set to serve handovers"))
	}

	if _, err := chain.ParseHash(c.Chain.GenesisHash); err != nil {
		errs = append(errs, fmt.Errorf("invalid chain.genesis_hash: %w", err))
	}
	return errors.Join(errs...)
}

// WorkerRole returns the declared role of the worker.
func (c *Config) WorkerRole() (chain.Role, error) {
	return chain.ParseRole(c.Role)
}

// HolderConfig returns the configuration of the holder side of the handover.
func (c *Config) HolderConfig() (handover.HolderConfig, error) {
	policies := make(map[chain.Role]attestation.TrustPolicy, len(c.Handover.RolePolicies))
	for name, policy := range c.Handover.RolePolicies {
		role, err := chain.ParseRole(name)
		if err != nil {
			return handover.HolderConfig{}, err
		}
		policies[role] = policy
	}
	return handover.HolderConfig{
		RecencyWindow:   c.Handover.RecencyWindowBlocks,
		AttemptTimeout:  c.Handover.AttemptTimeout,
		Policies:        policies,
		DefaultPolicy:   c.Handover.TrustPolicy,
		AttestKeyStaffs: c.Handover.AttestKeyStaffs,
	}, nil
}

// RequesterConfig returns the configuration of the requester side of the handover.
func (c *Config) RequesterConfig(ecdhPubkey [32]byte) (handover.RequesterConfig, error) {
	identity, err := chain.ParseAccountID(c.Identity)
	if err != nil {
		return handover.RequesterConfig{}, fmt.Errorf("invalid identity: %w", err)
	}
	role, err := c.WorkerRole()
	if err != nil {
		return handover.RequesterConfig{}, err
	}
	holderPolicy := c.Handover.TrustPolicy
	if c.Handover.HolderPolicy != nil {
		holderPolicy = *c.Handover.HolderPolicy
	}
	var holder chain.AccountID
	if c.Handover.HolderIdentity != "" {
		if holder, err = chain.ParseAccountID(c.Handover.HolderIdentity); err != nil {
			return handover.RequesterConfig{}, fmt.Errorf("invalid handover.holder_identity: %w", err)
		}
	}
	return handover.RequesterConfig{
		Identity:                 identity,
		ECDHPubkey:               ecdhPubkey,
		Role:                     role,
		RecencyWindow:            c.Handover.RecencyWindowBlocks,
		AttemptTimeout:           c.Handover.AttemptTimeout,
		HolderPolicy:             holderPolicy,
		RequireHolderAttestation: c.Handover.RequireHolderAttestation,
		Holder:                   holder,
		HolderAddress:            c.RequestHandoverFrom,
	}, nil
}

// RetryConfig returns the retry configuration of the handover client.
func (c *Config) RetryConfig() transport.RetryConfig {
	cfg := transport.RetryConfig{Interval: c.Handover.Retry.Interval}
	if c.Handover.Retry.MaxRetries != nil {
		cfg.MaxRetries = *c.Handover.Retry.MaxRetries
	}
	return cfg
}

// StaticChain returns the configured static view of the chain.
func (c *Config) StaticChain() (*chain.Static, error) {
	genesis, err := chain.ParseHash(c.Chain.GenesisHash)
	if err != nil {
		return nil, fmt.Errorf("invalid chain.genesis_hash: %w", err)
	}
	static := chain.NewStatic(genesis, c.Chain.Height)
	for i, w := range c.Chain.Workers {
		pubkey, err := chain.ParseAccountID(w.Pubkey)
		if err != nil {
			return nil, fmt.Errorf("chain.workers[%d].pubkey: %w", i, err)
		}
		var ecdh [32]byte
		if w.ECDHPubkey != "" {
			key, err := chain.ParseAccountID(w.ECDHPubkey)
			if err != nil {
				return nil, fmt.Errorf("chain.workers[%d].ecdh_pubkey: %w", i, err)
			}
			ecdh = [32]byte(key)
		}
		role := chain.RoleFull
		if w.Role != "" {
			if role, err = chain.ParseRole(w.Role); err != nil {
				return nil, fmt.Errorf("chain.workers[%d]: %w", i, err)
			}
		}
		static.Register(chain.WorkerRegistrationInfo{Pubkey: pubkey, ECDHPubkey: ecdh, GenesisBlockHash: genesis, Role: role})
	}
	return static, nil
}
