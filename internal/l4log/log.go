// Copyright 2015 Matthew Holt and The Caddy Authors
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

// Package l4log provides the package-level structured logger used
// throughout l4p. It is configured once at startup from the "log" key
// of the server configuration and read from everywhere else via L().
package l4log

import (
	"os"
	"strings"
	"sync"

	"github.com/DeRuina/timberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	defaultLoggerMu sync.RWMutex
	defaultLogger   *zap.Logger
)

func init() {
	defaultLogger, _ = newConsoleLogger(zapcore.InfoLevel)
}

// L returns the current process-wide logger.
func L() *zap.Logger {
	defaultLoggerMu.RLock()
	defer defaultLoggerMu.RUnlock()
	return defaultLogger
}

// Configure sets up the package-level logger from a "log" config value.
// An empty value or "info" logs to stderr at info level, and "debug"
// logs to stderr at debug level. The literal value "disable" silences
// logging entirely. These keywords match case-insensitively. Any other
// value is treated as a file path and logs are rotated into it with
// timberjack.
func Configure(log string) error {
	var logger *zap.Logger
	var err error

	switch {
	case log == "" || strings.EqualFold(log, "info"):
		logger, err = newConsoleLogger(zapcore.InfoLevel)
	case strings.EqualFold(log, "debug"):
		logger, err = newConsoleLogger(zapcore.DebugLevel)
	case strings.EqualFold(log, "disable"):
		logger = zap.NewNop()
	default:
		logger, err = newFileLogger(log)
	}
	if err != nil {
		return err
	}

	defaultLoggerMu.Lock()
	defaultLogger = logger
	defaultLoggerMu.Unlock()
	return nil
}

func newConsoleLogger(level zapcore.Level) (*zap.Logger, error) {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewConsoleEncoder(cfg)
	core := zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(os.Stderr)), level)
	return zap.New(core), nil
}

func newFileLogger(path string) (*zap.Logger, error) {
	rotator := &timberjack.Logger{
		Filename:   path,
		MaxSize:    100, // megabytes
		MaxBackups: 10,
		MaxAge:     28, // days
		Compress:   true,
	}
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(cfg)
	core := zapcore.NewCore(encoder, zapcore.AddSync(rotator), zapcore.InfoLevel)
	return zap.New(core), nil
}
