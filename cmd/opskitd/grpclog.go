package main

import (
	"github.com/pavetrack/opskit/pkg/logger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zapgrpc"
	"google.golang.org/grpc/grpclog"
)

// grpcLogger routes grpc-go's own warnings and errors into l. Info chatter
// from the transport is dropped.
func grpcLogger(l *logger.Logger) grpclog.LoggerV2 {
	z := l.Zap().WithOptions(zap.IncreaseLevel(zapcore.WarnLevel))
	return zapgrpc.NewLogger(z.Named("grpc"))
}
