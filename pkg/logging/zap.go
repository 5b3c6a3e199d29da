package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapConfig defines the zap backend configuration
type ZapConfig struct {
	Level      string `yaml:"level" toml:"level"`           // "debug", "info", "warn", "error"
	Format     string `yaml:"format" toml:"format"`         // "json", "console"
	Output     string `yaml:"output" toml:"output"`         // "stdout", "stderr" or a file path
	Caller     bool   `yaml:"caller" toml:"caller"`         // Include caller information
	Stacktrace bool   `yaml:"stacktrace" toml:"stacktrace"` // Include stacktrace on errors
}

// DefaultZapConfig returns the configuration used by the binaries when nothing is set
func DefaultZapConfig() ZapConfig {
	return ZapConfig{
		Level:      "info",
		Format:     "console",
		Output:     "stdout",
		Caller:     false,
		Stacktrace: true,
	}
}

// NewZapLogger builds a zap logger and wraps it into Logger.
// The returned sync func flushes buffered entries and must be called before exit.
func NewZapLogger(config ZapConfig) (Logger, *zap.Logger, func(), error) {
	zapLogger, err := createZapLogger(config)
	if err != nil {
		return nil, nil, nil, err
	}
	sync := func() {
		_ = zapLogger.Sync()
	}
	return FromZap(zapLogger), zapLogger, sync, nil
}

// FromZap adapts an existing zap logger
func FromZap(zapLogger *zap.Logger) Logger {
	// Skip the adapter frames so caller info points at the call site
	sugar := zapLogger.WithOptions(zap.AddCallerSkip(2)).Sugar()
	return NewLogger("", LogFuncs{
		Debugf: sugar.Debugf,
		Infof:  sugar.Infof,
		Warnf:  sugar.Warnf,
		Errorf: sugar.Errorf,
	})
}

// NewNopLogger returns a logger that discards everything
func NewNopLogger() Logger {
	return NewLogger("", LogFuncs{})
}

func createZapLogger(config ZapConfig) (*zap.Logger, error) {
	level, err := ParseLevel(config.Level)
	if err != nil {
		return nil, err
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	encoderConfig.LevelKey = "level"
	encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder

	var encoder zapcore.Encoder
	switch config.Format {
	case "console":
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	case "json", "":
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	default:
		return nil, fmt.Errorf("invalid log format: %s", config.Format)
	}

	var writeSyncer zapcore.WriteSyncer
	switch config.Output {
	case "stdout", "":
		writeSyncer = zapcore.Lock(os.Stdout)
	case "stderr":
		writeSyncer = zapcore.Lock(os.Stderr)
	default:
		file, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log output %s: %w", config.Output, err)
		}
		writeSyncer = zapcore.Lock(file)
	}

	core := zapcore.NewCore(encoder, writeSyncer, level)

	opts := []zap.Option{}
	if config.Caller {
		opts = append(opts, zap.AddCaller())
	}
	if config.Stacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	return zap.New(core, opts...), nil
}

// ParseLevel accepts the level names used in configuration files; empty means info
func ParseLevel(levelStr string) (zapcore.Level, error) {
	switch levelStr {
	case "debug":
		return zap.DebugLevel, nil
	case "info", "":
		return zap.InfoLevel, nil
	case "warn":
		return zap.WarnLevel, nil
	case "error":
		return zap.ErrorLevel, nil
	default:
		return zap.InfoLevel, fmt.Errorf("invalid log level: %s", levelStr)
	}
}
