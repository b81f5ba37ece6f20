/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

// constants defines constant values used by the ceseal worker.
package constants

const (
	// WorkerName is the name of the worker. It is used as CN of ephemeral TLS certificates.
	WorkerName = "ceseal"

	// ConfigFile is a path to a YAML configuration file.
	ConfigFile = "CESEAL_CONFIG"

	// ListenAddr is the address for the gRPC server to listen on.
	ListenAddr = "CESEAL_LISTEN_ADDR"
	// ListenAddrDefault is the default address for the gRPC server to listen on.
	ListenAddrDefault = "0.0.0.0:19999"
	// MetricsAddr is the address for the prometheus endpoint server to listen on.
	MetricsAddr = "CESEAL_METRICS_ADDR"

	// Identity is the hex encoded on-chain identity of the worker.
	Identity = "CESEAL_IDENTITY"

	// DataDir is the location of sealed files.
	DataDir = "CESEAL_DATA_DIR"
	// DataDirDefault is the location of sealed files inside the enclave.
	DataDirDefault = "/data/protected_files"
	// SealedMasterKeyFile is the name of the sealed master key inside DataDir.
	SealedMasterKeyFile = "master_key.sealed"

	// Role is the declared worker role.
	Role = "CESEAL_ROLE"
	// RoleDefault is the default worker role.
	RoleDefault = "full"

	// AttestationProvider selects the remote attestation provider.
	AttestationProvider = "CESEAL_ATTESTATION_PROVIDER"
	// AttestationProviderDefault is the default remote attestation provider.
	AttestationProviderDefault = "dcap"
	// RATimeout bounds a single report generation.
	RATimeout = "CESEAL_RA_TIMEOUT"
	// RAMaxRetries is the number of report generation retries.
	RAMaxRetries = "CESEAL_RA_MAX_RETRIES"

	// PCCSURL is the base URL of the PCCS serving DCAP collateral.
	PCCSURL = "CESEAL_PCCS_URL"
	// PCCSURLDefault is Intel's provisioning certification service.
	PCCSURLDefault = "https://api.trustedservices.intel.com/sgx/certification/v4"

	// IASAPIKey is the subscription key for Intel's attestation service.
	IASAPIKey = "CESEAL_IAS_API_KEY"
	// IASEndpoint is the report endpoint of Intel's attestation service.
	IASEndpoint = "CESEAL_IAS_ENDPOINT"
	// IASEndpointDefault is the production report endpoint of Intel's attestation service.
	IASEndpointDefault = "https://api.trustedservices.intel.com/sgx/attestation/v4/report"

	// RecencyWindow is the accepted distance in blocks between a challenge and the local chain height.
	RecencyWindow = "CESEAL_RECENCY_WINDOW"
	// AttemptTimeout bounds a single handover attempt.
	AttemptTimeout = "CESEAL_ATTEMPT_TIMEOUT"
	// RetryInterval is the wait between handover connection attempts.
	RetryInterval = "CESEAL_RETRY_INTERVAL"
	// MaxRetries is the number of handover connection retries.
	MaxRetries = "CESEAL_MAX_RETRIES"

	// InjectKey is a hex encoded master key installed at startup.
	InjectKey = "CESEAL_INJECT_KEY"

	// DevMode enables more verbose logging.
	DevMode = "CESEAL_DEV_MODE"
	// DevModeDefault is the default logging mode.
	DevModeDefault = "0"

	// LogFormat selects "json" or "console" log encoding.
	LogFormat = "CESEAL_LOG_FORMAT"
	// LogFormatJSON indicates that logs should be formatted as JSON.
	LogFormatJSON = "json"

	// HandoverContext separates session keys derived for the handover from any other use of the same key pairs.
	HandoverContext = "ceseal/handover/v1"
	// DistributeContext separates session keys derived for an on-chain distribution.
	DistributeContext = "ceseal/distribute/v1"
	// MasterKeySize is the size of the network master key.
	MasterKeySize = 32
)

// DevMasterKey returns the fixed master key used in dev mode.
func DevMasterKey() []byte {
	key := make([]byte, MasterKeySize)
	key[MasterKeySize-1] = 0x01
	return key
}
