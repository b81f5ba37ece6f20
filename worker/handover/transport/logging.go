/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

package transport

import (
	"context"
	"fmt"

	"github.com/cesslab/ceseal/util"
	"github.com/cesslab/ceseal/worker/constants"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"go.uber.org/zap"
	"google.golang.org/grpc/grpclog"
)

// ReplaceGRPCLogger routes log statements of the gRPC library to l.
// Only warnings and errors are logged outside of dev mode.
func ReplaceGRPCLogger(l *zap.Logger) {
	options := []zap.Option{
		zap.AddCallerSkip(2),
	}
	if util.Getenv(constants.DevMode, constants.DevModeDefault) != "1" {
		options = append(options, zap.IncreaseLevel(zap.WarnLevel))
	}

	grpclog.SetLoggerV2(&grpcLogger{
		logger: l.With(zap.String("system", "grpc"), zap.Bool("grpc_log", true)).WithOptions(options...),
	})
}

type grpcLogger struct {
	logger    *zap.Logger
	verbosity int
}

func (l *grpcLogger) Info(args ...any) {
	l.logger.Info(fmt.Sprint(args...))
}

func (l *grpcLogger) Infoln(args ...any) {
	l.logger.Info(fmt.Sprint(args...))
}

func (l *grpcLogger) Infof(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *grpcLogger) Warning(args ...any) {
	l.logger.Warn(fmt.Sprint(args...))
}

func (l *grpcLogger) Warningln(args ...any) {
	l.logger.Warn(fmt.Sprint(args...))
}

func (l *grpcLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *grpcLogger) Error(args ...any) {
	l.logger.Error(fmt.Sprint(args...))
}

func (l *grpcLogger) Errorln(args ...any) {
	l.logger.Error(fmt.Sprint(args...))
}

func (l *grpcLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *grpcLogger) Fatal(args ...any) {
	l.logger.Fatal(fmt.Sprint(args...))
}

func (l *grpcLogger) Fatalln(args ...any) {
	l.logger.Fatal(fmt.Sprint(args...))
}

func (l *grpcLogger) Fatalf(format string, args ...any) {
	l.logger.Fatal(fmt.Sprintf(format, args...))
}

func (l *grpcLogger) V(level int) bool {
	return level <= l.verbosity
}

// middlewareLogger adapts log to the logging interceptor. Request and response payloads are never logged.
func middlewareLogger(log *zap.Logger) logging.Logger {
	return logging.LoggerFunc(func(_ context.Context, lvl logging.Level, msg string, fields ...any) {
		f := make([]zap.Field, 0, len(fields)/2)
		for i := 0; i+1 < len(fields); i += 2 {
			key := fmt.Sprint(fields[i])
			switch v := fields[i+1].(type) {
			case string:
				f = append(f, zap.String(key, v))
			case int:
				f = append(f, zap.Int(key, v))
			case bool:
				f = append(f, zap.Bool(key, v))
			default:
				f = append(f, zap.Any(key, v))
			}
		}

		logger := log.WithOptions(zap.AddCallerSkip(1)).With(f...)
		switch lvl {
		case logging.LevelDebug:
			logger.Debug(msg)
		case logging.LevelInfo:
			logger.Info(msg)
		case logging.LevelWarn:
			logger.Warn(msg)
		case logging.LevelError:
			logger.Error(msg)
		default:
			logger.Error(msg, zap.String("unknownLevel", fmt.Sprint(lvl)))
		}
	})
}
