// Package logger builds the zap loggers used by the daemons: a JSON file
// core rotated by lumberjack and an optional console core, sharing one
// adjustable level.
package logger

import (
	"io"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type LogConfig struct {
	Level         string
	FilePath      string
	MaxSizeMB     int
	MaxBackups    int
	MaxAgeDays    int
	ConsoleOutput bool
}

// Defaults for the rotation settings left at zero.
const (
	DefaultMaxSizeMB  = 100
	DefaultMaxBackups = 7
	DefaultMaxAgeDays = 30
)

var atomicLevel = zap.NewAtomicLevel()

// console is where the console core writes.
var console io.Writer = os.Stderr

// Init builds a logger from config and installs it as zap's global logger.
// Every logger built by Init shares the level changed by SetLevel.
func Init(config LogConfig) (*zap.Logger, error) {
	if err := SetLevel(config.Level); err != nil {
		return nil, err
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout(time.RFC3339),
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var cores []zapcore.Core

	if config.FilePath != "" {
		fileWriter := zapcore.AddSync(&lumberjack.Logger{
			Filename:   config.FilePath,
			MaxSize:    orDefault(config.MaxSizeMB, DefaultMaxSizeMB), // megabytes
			MaxBackups: orDefault(config.MaxBackups, DefaultMaxBackups),
			MaxAge:     orDefault(config.MaxAgeDays, DefaultMaxAgeDays), // days
			Compress:   true,
		})
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), fileWriter, atomicLevel))
	}

	if config.ConsoleOutput {
		consoleConfig := encoderConfig
		consoleConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		consoleConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
		consoleConfig.EncodeDuration = zapcore.StringDurationEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(consoleConfig), zapcore.AddSync(console), atomicLevel))
	}

	l := zap.New(zapcore.NewTee(cores...),
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	zap.ReplaceGlobals(l)

	return l, nil
}

// SetLevel changes the level of every logger built by Init.  An empty level
// means info.
func SetLevel(level string) error {
	if level == "" {
		level = "info"
	}
	return atomicLevel.UnmarshalText([]byte(level))
}

// Level returns the current level.
func Level() zapcore.Level {
	return atomicLevel.Level()
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
