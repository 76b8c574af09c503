package logger

import (
	"fmt"
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

// Config is the configuration for the logging subsystem.
type Config struct {
	// Level is the logging level.
	Level zapcore.Level `yaml:"level"`
}

var global atomic.Pointer[zap.SugaredLogger]

func init() {
	global.Store(zap.NewNop().Sugar())
}

// Init builds the process logger and installs it for the package-level
// helpers.
func Init(cfg Config) (*zap.SugaredLogger, error) {
	encoderConfig := zap.NewDevelopmentEncoderConfig()

	if term.IsTerminal(int(os.Stderr.Fd())) {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	config := zap.Config{
		Level:            zap.NewAtomicLevelAt(cfg.Level),
		Development:      false,
		Encoding:         "console",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	log, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	sugar := log.Sugar()
	Set(sugar)
	return sugar, nil
}

// Set installs log for the package-level helpers.
func Set(log *zap.SugaredLogger) {
	global.Store(log)
}

// Sugared returns the installed logger.
func Sugared() *zap.SugaredLogger {
	return global.Load()
}

// Sync flushes buffered log entries.
func Sync() {
	_ = global.Load().Sync()
}

func Debug(format string, v ...interface{}) {
	global.Load().Debugf(format, v...)
}

func Info(format string, v ...interface{}) {
	global.Load().Infof(format, v...)
}

func Warn(format string, v ...interface{}) {
	global.Load().Warnf(format, v...)
}

func Error(format string, v ...interface{}) {
	global.Load().Errorf(format, v...)
}

func Fatal(format string, v ...interface{}) {
	global.Load().Fatalf(format, v...)
}
