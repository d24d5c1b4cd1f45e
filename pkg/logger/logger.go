package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Log struct {
	LogLevel zapcore.Level `yaml:"level" envconfig:"LOG_LEVEL"`
	Sink     string        `yaml:"sink" envconfig:"LOG_SINK"`
}

// NewLogger builds a json logger named after the service.
// An empty Sink writes to stdout.
func NewLogger(cfg Log, name string) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.TimeKey = "time"

	ws := zapcore.Lock(os.Stdout)
	if cfg.Sink != "" {
		f, err := os.OpenFile(cfg.Sink, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err == nil {
			ws = zapcore.NewMultiWriteSyncer(ws, zapcore.AddSync(f))
		}
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), ws, zap.NewAtomicLevelAt(cfg.LogLevel))
	return zap.New(core, zap.AddCaller()).Named(name)
}
