// Package zlog builds this system's zap logger: a JSON file core rotated
// by lumberjack alongside a human-readable console core, mirroring the
// dual-core setup this project's logging has always used.
package zlog

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls where and how logs are written.
type Config struct {
	Mode       string // "production" or "development"
	FileEnable bool
	Filename   string
	Debug      bool
}

// New builds a *zap.Logger from cfg and installs it as the global logger via
// zap.ReplaceGlobals, matching the teacher's Init() sequence.
func New(cfg Config) (*zap.Logger, error) {
	var zapConfig zap.Config
	if cfg.Mode == "production" && !cfg.Debug {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}
	if cfg.Debug {
		zapConfig.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}

	var logger *zap.Logger
	if cfg.FileEnable {
		lj := &lumberjack.Logger{
			Filename:   cfg.Filename,
			MaxSize:    64,
			MaxBackups: 7,
			MaxAge:     7,
			Compress:   false,
		}
		core := zapcore.NewTee(
			zapcore.NewCore(
				zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
				zapcore.AddSync(lj),
				zapConfig.Level,
			),
			zapcore.NewCore(
				zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
				zapcore.AddSync(os.Stdout),
				zapConfig.Level,
			),
		)
		logger = zap.New(core, zap.AddCaller())
	} else {
		var err error
		logger, err = zapConfig.Build(zap.AddCaller())
		if err != nil {
			return nil, err
		}
	}

	zap.ReplaceGlobals(logger)
	return logger, nil
}
