package logger

import (
	"context"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"tripforge/pkg/trace"
)

// New 创建服务级 logger
// LOG_MODE=development 时输出彩色 console 格式，默认 JSON
func New(service string) *zap.Logger {
	var cfg zap.Config
	if os.Getenv("LOG_MODE") == "development" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return l.With(zap.String("service", service))
}

// WithTrace 从 context 中提取 trace_id 并附加到 logger
func WithTrace(ctx context.Context, l *zap.Logger) *zap.Logger {
	if traceID := trace.FromContext(ctx); traceID != "" {
		return l.With(zap.String("trace_id", traceID))
	}
	return l
}

// Nop 用于测试场景
func Nop() *zap.Logger {
	return zap.NewNop()
}
