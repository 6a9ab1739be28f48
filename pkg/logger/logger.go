// Package logger builds the zap logger every TandemDB process shares. One
// call at startup; components receive named children of the returned logger.
package logger

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the logging configuration.
type Config struct {
	// Level is the minimum log level ("debug", "info", "warn", "error").
	Level string `yaml:"level"`
	// Format selects the output encoding: "json" or "console".
	Format string `yaml:"format"`
	// OutputFile is the log destination; "stdout" and "stderr" write to the
	// console, anything else is opened as an append-only file.
	OutputFile string `yaml:"output_file"`
	// SampleRate is how many repeats of an identical message are logged per
	// second before sampling starts; past that, only every SampleRate/10-th
	// repeat (at least every one) is logged in that second. Zero disables
	// sampling. The receive loop and the apply pool log per
	// delivered action at debug, which would otherwise drown a busy node.
	SampleRate int `yaml:"sample_rate"`
}

// New creates the process logger. Unparseable levels fall back to info.
func New(config Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	sink, err := openSink(config.OutputFile)
	if err != nil {
		return nil, err
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	var encoder zapcore.Encoder
	if strings.EqualFold(config.Format, "console") {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, sink, level)
	if config.SampleRate > 0 {
		thereafter := config.SampleRate / 10
		if thereafter < 1 {
			thereafter = 1
		}
		core = zapcore.NewSamplerWithOptions(core, time.Second, config.SampleRate, thereafter)
	}

	return zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.Fields(zap.String("service", "tandemdb")),
	), nil
}

func openSink(outputFile string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(outputFile) {
	case "stdout", "":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	default:
		file, err := os.OpenFile(outputFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", outputFile, err)
		}
		return zapcore.AddSync(file), nil
	}
}
