/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

package attestation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RetryingEngine retries report generation that failed with [ErrQuoteGeneration].
// Each try is bounded by a timeout. Verification is passed through and never retried.
type RetryingEngine struct {
	Engine
	timeout    time.Duration
	maxRetries uint
	log        *zap.Logger
}

// WithRetries wraps engine. A timeout of 0 disables the per-try bound.
func WithRetries(engine Engine, timeout time.Duration, maxRetries uint, log *zap.Logger) *RetryingEngine {
	return &RetryingEngine{Engine: engine, timeout: timeout, maxRetries: maxRetries, log: log}
}

// Generate implements Engine.
func (r *RetryingEngine) Generate(ctx context.Context, data []byte) (*Report, error) {
	var lastErr error
	for try := uint(0); try <= r.maxRetries; try++ {
		report, err := r.generateOnce(ctx, data)
		if err == nil {
			return report, nil
		}
		if !errors.Is(err, ErrQuoteGeneration) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		if try < r.maxRetries {
			r.log.Warn("Generating attestation report failed, retrying", zap.Uint("try", try+1), zap.Uint("maxRetries", r.maxRetries), zap.Error(err))
		}
	}
	return nil, fmt.Errorf("giving up after %d retries: %w", r.maxRetries, lastErr)
}

func (r *RetryingEngine) generateOnce(ctx context.Context, data []byte) (*Report, error) {
	if r.timeout <= 0 {
		return r.Engine.Generate(ctx, data)
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type result struct {
		report *Report
		err    error
	}
	done := make(chan result, 1)
	go func() {
		report, err := r.Engine.Generate(ctx, data)
		done <- result{report, err}
	}()
	select {
	case res := <-done:
		if res.err != nil && ctx.Err() != nil && !errors.Is(res.err, ErrQuoteGeneration) {
			return nil, fmt.Errorf("%w: %w", ErrQuoteGeneration, res.err)
		}
		return res.report, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrQuoteGeneration, ctx.Err())
	}
}
