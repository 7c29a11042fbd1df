// Copyright 2024 The fuse-adapter Authors. All Rights Reserved.
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

// Package logger provides the process-wide leveled logger. Defaults to
// text on stderr; Setup redirects to a rotating file and/or switches to
// JSON per the mount configuration.
package logger

import (
	"context"
	"fmt"
	"io"
	"log"
	stdslog "log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LevelTrace sits below slog's built-in debug level.
const LevelTrace = stdslog.Level(-8)

var (
	defaultLogger = stdslog.New(stdslog.NewTextHandler(os.Stderr, &stdslog.HandlerOptions{
		Level: stdslog.LevelInfo,
	}))
)

// Config controls Setup.
type Config struct {
	// Severity: one of TRACE, DEBUG, INFO, WARNING, ERROR, OFF.
	Severity string

	// Format: "text" or "json".
	Format string

	// FilePath, if non-empty, routes logs to a rotating file.
	FilePath string

	// Rotation knobs, meaningful only with FilePath.
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// ParseLevel converts a config severity to a slog level.
func ParseLevel(severity string) (stdslog.Level, error) {
	switch strings.ToUpper(severity) {
	case "TRACE":
		return LevelTrace, nil
	case "DEBUG", "":
		return stdslog.LevelDebug, nil
	case "INFO":
		return stdslog.LevelInfo, nil
	case "WARNING", "WARN":
		return stdslog.LevelWarn, nil
	case "ERROR":
		return stdslog.LevelError, nil
	case "OFF":
		return stdslog.Level(100), nil
	default:
		return 0, fmt.Errorf("unknown log severity %q", severity)
	}
}

// Setup replaces the process-wide logger per cfg.
func Setup(cfg Config) error {
	level, err := ParseLevel(cfg.Severity)
	if err != nil {
		return err
	}

	var sink io.Writer = os.Stderr
	if cfg.FilePath != "" {
		sink = &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
	}

	opts := &stdslog.HandlerOptions{Level: level}
	var handler stdslog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = stdslog.NewJSONHandler(sink, opts)
	} else {
		handler = stdslog.NewTextHandler(sink, opts)
	}

	defaultLogger = stdslog.New(handler)
	return nil
}

// ErrorLogger returns a *log.Logger suitable for fuse.MountConfig's
// error sink, forwarding into the process-wide logger.
func ErrorLogger() *log.Logger {
	return stdslog.NewLogLogger(defaultLogger.Handler(), stdslog.LevelError)
}

// DebugLogger returns a *log.Logger forwarding at debug level, or nil
// if debug logging is not enabled (fuse treats a nil debug logger as
// "off").
func DebugLogger() *log.Logger {
	if !defaultLogger.Enabled(context.Background(), stdslog.LevelDebug) {
		return nil
	}
	return stdslog.NewLogLogger(defaultLogger.Handler(), stdslog.LevelDebug)
}

func Tracef(format string, v ...interface{}) {
	defaultLogger.Log(context.Background(), LevelTrace, fmt.Sprintf(format, v...))
}

func Debugf(format string, v ...interface{}) {
	defaultLogger.Debug(fmt.Sprintf(format, v...))
}

func Infof(format string, v ...interface{}) {
	defaultLogger.Info(fmt.Sprintf(format, v...))
}

func Info(msg string) {
	defaultLogger.Info(msg)
}

func Warnf(format string, v ...interface{}) {
	defaultLogger.Warn(fmt.Sprintf(format, v...))
}

func Errorf(format string, v ...interface{}) {
	defaultLogger.Error(fmt.Sprintf(format, v...))
}
