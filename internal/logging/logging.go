package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"ucampus/internal/config"
)

// ParseLevel 解析日志级别，无法识别时为 info
func ParseLevel(s string) zapcore.Level {
	switch s {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// New 创建 logger。终端输出按配置的格式；每个 sink 额外收到一份
// 不带颜色的单行文本，控制面板用它实时展示运行日志。
func New(cfg config.LogConfig, sinks ...zapcore.WriteSyncer) *zap.Logger {
	level := zap.NewAtomicLevelAt(ParseLevel(cfg.Level))

	var encoderConfig zapcore.EncoderConfig
	var encoder zapcore.Encoder
	if cfg.Format == "json" {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level),
	}

	if len(sinks) > 0 {
		sinkConfig := zap.NewDevelopmentEncoderConfig()
		sinkConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		sinkConfig.EncodeCaller = nil
		sinkConfig.CallerKey = ""
		sinkEncoder := zapcore.NewConsoleEncoder(sinkConfig)
		for _, s := range sinks {
			cores = append(cores, zapcore.NewCore(sinkEncoder, s, level))
		}
	}

	return zap.New(zapcore.NewTee(cores...),
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
}
