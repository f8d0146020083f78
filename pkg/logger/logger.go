// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logger

import (
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/united-manufacturing-hub/browserdb/pkg/env"
)

// LogLevel represents the logging level.
type LogLevel string

// LogFormat represents the logging format.
type LogFormat string

const (
	DebugLevel LogLevel = "DEBUG"
	InfoLevel  LogLevel = "INFO"
	WarnLevel  LogLevel = "WARN"
	ErrorLevel LogLevel = "ERROR"
	FatalLevel LogLevel = "FATAL"
	// ProductionLevel is an alias for InfoLevel.
	ProductionLevel LogLevel = "PRODUCTION"

	// FormatConsole is the human-readable console format.
	FormatConsole LogFormat = "CONSOLE"
	// FormatJSON is the structured JSON format.
	FormatJSON LogFormat = "JSON"
)

var (
	initOnce    sync.Once
	initialized bool
	initMu      sync.Mutex
)

// ParseLevel converts a configured level name into a zapcore.Level.
// Unknown names fall back to info.
func ParseLevel(level LogLevel) zapcore.Level {
	switch strings.ToUpper(string(level)) {
	case string(DebugLevel):
		return zapcore.DebugLevel
	case string(WarnLevel):
		return zapcore.WarnLevel
	case string(ErrorLevel):
		return zapcore.ErrorLevel
	case string(FatalLevel):
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// ParseFormat returns the matching LogFormat, or fallback for unknown values.
func ParseFormat(format string, fallback LogFormat) LogFormat {
	switch LogFormat(strings.ToUpper(format)) {
	case FormatConsole:
		return FormatConsole
	case FormatJSON:
		return FormatJSON
	default:
		return fallback
	}
}

func timeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05 MST"))
}

// New creates a zap logger writing to stdout with the given level and format.
func New(logLevel string, logFormat LogFormat) *zap.Logger {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "component",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if logFormat == FormatConsole {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderConfig.EncodeTime = timeEncoder
		encoderConfig.ConsoleSeparator = " | "
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	core := zapcore.NewCore(
		encoder,
		zapcore.AddSync(os.Stdout),
		zap.NewAtomicLevelAt(ParseLevel(LogLevel(logLevel))),
	)

	return zap.New(core, zap.AddCaller())
}

// Initialize sets up the global logger from LOGGING_LEVEL and LOGGING_FORMAT.
func Initialize() {
	initOnce.Do(func() {
		level, _ := env.GetAsString("LOGGING_LEVEL", false, string(ProductionLevel))
		rawFormat, _ := env.GetAsString("LOGGING_FORMAT", false, string(FormatConsole))
		InitializeWith(level, ParseFormat(rawFormat, FormatConsole))
	})
}

// InitializeWith replaces the global logger with one built from explicit
// settings, typically the logging section of the config file.
func InitializeWith(level string, format LogFormat) {
	initMu.Lock()
	defer initMu.Unlock()

	log := New(level, format)
	zap.ReplaceGlobals(log)
	initialized = true

	log.Debug("Logger initialized",
		zap.String("level", level),
		zap.String("format", string(format)))
}

// For returns a named sugared logger for a component.
func For(component string) *zap.SugaredLogger {
	initMu.Lock()
	ready := initialized
	initMu.Unlock()

	if !ready {
		Initialize()
	}

	return zap.L().Named(component).Sugar()
}

// Sync flushes the global logger.
func Sync() {
	_ = zap.L().Sync()
}
