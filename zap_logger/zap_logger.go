// Package zap_logger builds the process-wide zap logger: a console core on
// stdout teed with a JSON core writing to a size-rotated file.
package zap_logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options control the two logging cores. The zero value logs at info level
// to stdout only.
type Options struct {
	Debug   bool
	Prod    bool   // JSON on stdout instead of the console encoder
	File    string // rotated log file path, empty disables the file core
	Service string // 'service' tag added to every entry
}

func NewLogger(opts Options) *zap.Logger {
	atom := zap.NewAtomicLevel()
	if opts.Debug {
		atom.SetLevel(zap.DebugLevel)
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var stdoutEncoder zapcore.Encoder
	if opts.Prod {
		stdoutEncoder = zapcore.NewJSONEncoder(encoderCfg)
	} else {
		stdoutEncoder = zapcore.NewConsoleEncoder(encoderCfg)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(stdoutEncoder, zapcore.Lock(os.Stdout), atom),
	}
	if opts.File != "" {
		rotated := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    200, // MB
			MaxBackups: 200,
			MaxAge:     30, // days
		}
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(rotated), atom,
		))
	}

	logger := zap.New(zapcore.NewTee(cores...))
	if opts.Service != "" {
		logger = logger.With(zap.String("service", opts.Service))
	}
	return logger
}
