/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

package cmd

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cesslab/ceseal/util"
	"github.com/cesslab/ceseal/worker/chain"
	"github.com/cesslab/ceseal/worker/config"
	"github.com/cesslab/ceseal/worker/constants"
	"github.com/cesslab/ceseal/worker/handover"
	"github.com/cesslab/ceseal/worker/handover/transport"
	"github.com/cesslab/ceseal/worker/keyagree"
	"github.com/cesslab/ceseal/worker/keystore"
	"github.com/edgelesssys/ego/attestation"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc/credentials"
)

var (
	genesisHex  = strings.Repeat("01", 32)
	requesterID = strings.Repeat("aa", 32)
)

// stubSelfReport replaces the enclave self report for the duration of the test.
func stubSelfReport(t *testing.T, report attestation.Report, err error) {
	t.Helper()
	orig := selfReport
	selfReport = func() (attestation.Report, error) { return report, err }
	t.Cleanup(func() { selfReport = orig })
}

func testSelfReport() attestation.Report {
	return attestation.Report{
		UniqueID:        bytes.Repeat([]byte{0xaa}, 32),
		SignerID:        bytes.Repeat([]byte{0xbb}, 32),
		ProductID:       []byte{0x02, 0x00},
		SecurityVersion: 3,
	}
}

func TestVersion(t *testing.T) {
	testCases := map[string]struct {
		reportErr       error
		wantMeasurement string
	}{
		"enclave": {
			wantMeasurement: "Measurement: " + strings.Repeat("aa", 32),
		},
		"non-SGX environment": {
			reportErr:       errors.New("OE_UNSUPPORTED"),
			wantMeasurement: "Measurement: [No measurement in non-SGX environments]",
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			stubSelfReport(t, testSelfReport(), tc.reportErr)

			var out bytes.Buffer
			cmd := NewRootCmd()
			cmd.SetOut(&out)
			cmd.SetArgs([]string{"version"})
			require.NoError(t, cmd.Execute())
			assert.Contains(out.String(), "ceseal v"+Version)
			assert.Contains(out.String(), GitCommit)
			assert.Contains(out.String(), tc.wantMeasurement)
		})
	}
}

func TestTargetInfo(t *testing.T) {
	testCases := map[string]struct {
		reportErr error
		want      []string
		wantNot   []string
	}{
		"enclave": {
			want: []string{
				"UniqueID: " + strings.Repeat("aa", 32),
				"SignerID: " + strings.Repeat("bb", 32),
				"ProductID: 2\n",
				"SecurityVersion: 3\n",
				"Debug: false\n",
			},
			wantNot: []string{"No measurement"},
		},
		"non-SGX environment": {
			reportErr: errors.New("OE_UNSUPPORTED"),
			want:      []string{"No measurement in non-SGX environments"},
			wantNot:   []string{"UniqueID"},
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			stubSelfReport(t, testSelfReport(), tc.reportErr)

			var out bytes.Buffer
			cmd := NewRootCmd()
			cmd.SetOut(&out)
			cmd.SetArgs([]string{"target-info"})
			require.NoError(t, cmd.Execute())
			for _, want := range tc.want {
				assert.Contains(out.String(), want)
			}
			for _, wantNot := range tc.wantNot {
				assert.NotContains(out.String(), wantNot)
			}
		})
	}
}

func TestApplyFlags(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	cmd := NewServeCmd()
	require.NoError(cmd.ParseFlags([]string{
		"--dev", "--role", "verifier", "--ra-timeout", "5s", "--ra-max-retries", "2",
		"--request-handover-from", "192.0.2.1:19999", "--listen-addr", "127.0.0.1:0",
	}))

	cfg := config.Default()
	cfg.DataDir = "/from/file"
	require.NoError(applyFlags(cmd.Flags(), cfg))
	cfg.ApplyDevMode()

	assert.True(cfg.Dev)
	assert.True(cfg.UseDevKey)
	assert.Equal(config.ProviderNone, cfg.Attestation.Provider)
	assert.Equal("verifier", cfg.Role)
	assert.Equal(5*time.Second, cfg.Attestation.Timeout)
	assert.EqualValues(2, cfg.Attestation.MaxRetries)
	assert.Equal("192.0.2.1:19999", cfg.RequestHandoverFrom)
	assert.Equal("127.0.0.1:0", cfg.ListenAddr)
	// Unset flags keep the configured value.
	assert.Equal("/from/file", cfg.DataDir)
}

func TestServeFlagsMutuallyExclusive(t *testing.T) {
	cmd := NewRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"serve", "--use-dev-key", "--inject-key", strings.Repeat("11", 32)})
	assert.Error(t, cmd.Execute())
}

func devConfig(t *testing.T) *config.Config {
	retries := 0
	cfg := config.Default()
	cfg.Dev = true
	cfg.ApplyDevMode()
	cfg.DataDir = t.TempDir()
	cfg.Handover.RecencyWindowBlocks = 50
	cfg.Handover.AttemptTimeout = time.Minute
	cfg.Handover.Retry = config.RetryConfig{MaxRetries: &retries, Interval: time.Second}
	cfg.Chain = config.ChainConfig{
		GenesisHash: genesisHex,
		Height:      1000,
		Workers:     []config.WorkerConfig{{Pubkey: requesterID, ECDHPubkey: strings.Repeat("cc", 32)}},
		CacheSize:   16,
	}
	return cfg
}

func TestDevHandover(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	fs := afero.NewOsFs()

	holderWorker, err := newWorker(devConfig(t), fs, zaptest.NewLogger(t).Named("holder"))
	require.NoError(err)
	require.NoError(holderWorker.provision(ctx))
	holder, err := holderWorker.newHolder()
	require.NoError(err)
	defer holder.Close()

	tlsCfg, err := util.EphemeralTLSConfig(constants.WorkerName)
	require.NoError(err)
	server := transport.NewServer(holder, credentials.NewTLS(tlsCfg), holderWorker.registry, zaptest.NewLogger(t))
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	serveCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(server.Serve(serveCtx, lis))
	}()
	defer wg.Wait()
	defer cancel()

	requesterCfg := devConfig(t)
	requesterCfg.UseDevKey = false
	requesterCfg.Identity = requesterID
	requesterCfg.RequestHandoverFrom = lis.Addr().String()
	requesterWorker, err := newWorker(requesterCfg, fs, zaptest.NewLogger(t).Named("requester"))
	require.NoError(err)
	require.NoError(requesterWorker.provision(ctx))

	source, err := requesterWorker.keys.Source()
	require.NoError(err)
	assert.Equal(keystore.SourceHandover, source)
	require.NoError(requesterWorker.keys.Use(func(key []byte) error {
		assert.Equal(constants.DevMasterKey(), key)
		return nil
	}))
	assert.FileExists(filepath.Join(requesterCfg.DataDir, constants.SealedMasterKeyFile))

	// A restarted requester loads the sealed key.
	restarted, err := newWorker(requesterCfg, fs, zaptest.NewLogger(t).Named("restarted"))
	require.NoError(err)
	require.NoError(restarted.provision(ctx))
	source, err = restarted.keys.Source()
	require.NoError(err)
	assert.Equal(keystore.SourceSealed, source)

	assert.Len(holderWorker.events.Events(), 1)
	count, err := testutil.GatherAndCount(holderWorker.registry, "ceseal_handover_attempts_finished_total")
	require.NoError(err)
	assert.Equal(1, count)
}

func TestDistribute(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	public, private, err := keyagree.GenerateEphemeral()
	require.NoError(err)
	defer private.Destroy()

	cfg := devConfig(t)
	cfg.Identity = strings.Repeat("dd", 32)
	cfg.Chain.Workers[0].ECDHPubkey = hex.EncodeToString(public)
	w, err := newWorker(cfg, afero.NewOsFs(), zaptest.NewLogger(t))
	require.NoError(err)

	target, err := chain.ParseAccountID(requesterID)
	require.NoError(err)
	encoded, err := w.distribute(ctx, target)
	require.NoError(err)
	assert.NotEmpty(encoded)

	static, ok := w.sink.(*chain.Static)
	require.True(ok)
	distributed := static.Distributed()
	require.Len(distributed, 1)
	payload := distributed[0]
	assert.Equal(target, payload.Target)
	reencoded, err := payload.Encode()
	require.NoError(err)
	assert.Equal(encoded, reencoded)

	received := keystore.New(nil, zaptest.NewLogger(t))
	require.NoError(handover.ReceiveDistributed(ctx, &payload, target, private, received))
	require.NoError(received.Use(func(key []byte) error {
		assert.Equal(constants.DevMasterKey(), key)
		return nil
	}))

	_, err = w.distribute(ctx, chain.AccountID{0x01})
	assert.ErrorIs(err, chain.ErrNotRegistered)
}
