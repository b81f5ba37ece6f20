/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/cesslab/ceseal/worker/handover"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/wrapperspb"
	"k8s.io/utils/clock"
)

// RetryConfig controls how often the initial handover request is retried.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first request.
	MaxRetries int
	// Interval is the wait between two requests.
	Interval time.Duration
}

// Validate checks that the retry configuration is set.
func (c RetryConfig) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative, got %d", c.MaxRetries)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("retry interval must be positive, got %s", c.Interval)
	}
	return nil
}

// Client talks to a remote holder. It implements [handover.HolderClient].
//
// Only an unreachable holder is retried, and only for the initial request.
// Every error returned by the holder itself ends the attempt.
type Client struct {
	conn  grpc.ClientConnInterface
	retry RetryConfig
	clock clock.WithTicker
	log   *zap.Logger
}

// NewClient creates a client using conn.
func NewClient(conn grpc.ClientConnInterface, retry RetryConfig, log *zap.Logger) (*Client, error) {
	if err := retry.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		conn:  conn,
		retry: retry,
		clock: clock.RealClock{},
		log:   log,
	}, nil
}

// Dial creates a connection to the holder at addr.
// TLS does not authenticate the holder. Holders are authenticated by the attestation
// bound to their key staffs, see [handover.RequesterConfig].
func Dial(addr string) (*grpc.ClientConn, error) {
	tlsCfg := &tls.Config{
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS13,
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(credentials.NewTLS(tlsCfg)))
	if err != nil {
		return nil, fmt.Errorf("connecting to holder %s: %w", addr, err)
	}
	return conn, nil
}

// IssueChallenge requests a challenge from the holder.
func (c *Client) IssueChallenge(ctx context.Context, req *handover.ChallengeRequest) (*handover.Challenge, error) {
	c.log.Debug("Requesting handover challenge", zap.Int("maxRetries", c.retry.MaxRetries), zap.Duration("interval", c.retry.Interval))
	ticker := c.clock.NewTicker(c.retry.Interval)
	defer ticker.Stop()

	for attempt := 0; ; attempt++ {
		challenge, err := invoke[handover.ChallengeRequest, handover.Challenge](ctx, c.conn, issueChallengeMethod, req)
		if err == nil || !errors.Is(err, ErrUnavailable) {
			return challenge, err
		}
		if attempt >= c.retry.MaxRetries {
			return nil, fmt.Errorf("giving up after %d retries: %w", attempt, err)
		}
		c.log.Info("Holder unavailable, retrying", zap.Int("retry", attempt+1), zap.Error(err))

		select {
		case <-ticker.C():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// SubmitResponse sends the attested response and returns the holder's key staffs.
func (c *Client) SubmitResponse(ctx context.Context, resp *handover.ChallengeResponse) (*handover.KeyStaffs, error) {
	return invoke[handover.ChallengeResponse, handover.KeyStaffs](ctx, c.conn, submitResponseMethod, resp)
}

func invoke[In, Out handover.Message](ctx context.Context, conn grpc.ClientConnInterface, method string, in *In) (*Out, error) {
	data, err := handover.Encode(in)
	if err != nil {
		return nil, err
	}
	out := new(wrapperspb.BytesValue)
	var trailer metadata.MD
	if err := conn.Invoke(ctx, method, wrapperspb.Bytes(data), out, grpc.Trailer(&trailer)); err != nil {
		return nil, fromStatus(err, trailer)
	}
	return handover.Decode[Out](out.GetValue())
}
