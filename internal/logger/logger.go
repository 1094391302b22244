// =============================================================================
// 文件: internal/logger/logger.go
// 描述: 日志 - 按配置级别构建 zap 日志器，各组件使用命名子日志器
// =============================================================================
package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ParseLevel 解析日志级别，无法识别时返回 info
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// New 创建控制台格式的日志器
func New(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(ParseLevel(level))
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.Sampling = nil
	cfg.DisableStacktrace = level != "debug"
	return cfg.Build()
}

// Component 返回组件子日志器
func Component(l *zap.Logger, name string) *zap.SugaredLogger {
	if l == nil {
		l = zap.NewNop()
	}
	return l.Named(name).Sugar()
}
