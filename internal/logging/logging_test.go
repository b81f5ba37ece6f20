/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestBuild(t *testing.T) {
	testCases := map[string]struct {
		devMode bool
		format  string
	}{
		"production":      {},
		"production json": {format: "json"},
		"development":     {devMode: true},
		"dev console":     {devMode: true, format: "console"},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			log, err := Build(tc.devMode, tc.format)
			assert.NoError(err)
			assert.NotNil(log)
			assert.Equal(tc.devMode, log.Core().Enabled(zap.DebugLevel))
		})
	}
}

func TestWrapper(t *testing.T) {
	assert := assert.New(t)

	core, logs := observer.New(zap.ErrorLevel)
	NewWrapper(zap.New(core)).Print("grpc: something happened")

	entries := logs.All()
	assert.Len(entries, 1)
	assert.Contains(entries[0].Message, "something happened")
}
