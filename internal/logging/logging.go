/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

// Package logging builds the worker's zap logger.
package logging

import (
	"log"

	"github.com/cesslab/ceseal/worker/constants"
	"go.uber.org/zap"
)

// Build creates a new [*zap.Logger] for the given mode and encoding.
// An empty format keeps the default encoding of the mode.
func Build(devMode bool, format string) (*zap.Logger, error) {
	var cfg zap.Config
	if devMode {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.DisableStacktrace = true // Disable stacktraces in production
	}
	switch format {
	case "":
	case constants.LogFormatJSON:
		cfg.Encoding = "json"
	default:
		cfg.Encoding = "console"
	}
	log, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return log.Named(constants.WorkerName), nil
}

// NewWrapper creates a new [*log.Logger] that writes to the given [*zap.Logger].
func NewWrapper(zapLogger *zap.Logger) *log.Logger {
	return log.New(logWrapper{zapLogger}, "", 0)
}

// logWrapper implements [io.Writer] by writing any data to the error level of the embedded [*zap.Logger].
type logWrapper struct {
	*zap.Logger
}

func (l logWrapper) Write(p []byte) (n int, err error) {
	l.Error(string(p))
	return len(p), nil
}
