/*
 * Copyright (c) 2026, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

/*
Package logging provides the logrus backed implementation of common.Logger
used by socket endpoints and the SocketTool binary.
*/
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	rotate "github.com/Psiphon-Inc/rotate-safe-writer"
	"github.com/Psiphon-Labs/psiphon-sockets/common"
	"github.com/Psiphon-Labs/psiphon-sockets/common/errors"
	"github.com/Psiphon-Labs/psiphon-sockets/common/stacktrace"
	"github.com/sirupsen/logrus"
)

// ContextLogger adds trace context logging functionality to the underlying
// logrus logger and implements common.Logger.
type ContextLogger struct {
	*logrus.Logger
	component string
}

// NewContextLogger creates a ContextLogger writing JSON lines to writer.
// Valid levels are: panic, fatal, error, warn, info, debug, trace.
func NewContextLogger(writer io.Writer, level string) (*ContextLogger, error) {

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return &ContextLogger{
		Logger: &logrus.Logger{
			Out:       writer,
			Formatter: &CustomJSONFormatter{},
			Hooks:     make(logrus.LevelHooks),
			Level:     logLevel,
		},
	}, nil
}

// WithComponent returns a logger that shares the underlying output and
// level and adds a "component" field to every entry.
func (logger *ContextLogger) WithComponent(component string) *ContextLogger {
	return &ContextLogger{
		Logger:    logger.Logger,
		component: component,
	}
}

// WithTraceFields adds a "trace" field containing the caller's function name
// and source file line number. Note that any existing "trace" field will be
// renamed to "fields.trace".
func (logger *ContextLogger) WithTraceFields(fields common.LogFields) common.LogTrace {
	return logger.WithFields(logger.fields(fields, stacktrace.CallerContext(1)))
}

// IsLogLevelDebug implements common.Logger.
func (logger *ContextLogger) IsLogLevelDebug() bool {
	return logger.IsLevelEnabled(logrus.DebugLevel)
}

// LogMetric logs a metric event at the Info level with the event name in the
// "event_name" field.
func (logger *ContextLogger) LogMetric(metric string, fields common.LogFields) {
	logFields := logger.fields(fields, "")
	logFields["event_name"] = metric
	logger.WithFields(logFields).Info("metric")
}

func (logger *ContextLogger) fields(fields common.LogFields, trace string) logrus.Fields {
	logFields := make(logrus.Fields, len(fields)+2)
	for name, value := range fields {
		logFields[name] = value
	}
	if trace != "" {
		if _, ok := logFields["trace"]; ok {
			logFields["fields.trace"] = logFields["trace"]
		}
		logFields["trace"] = trace
	}
	if logger.component != "" {
		logFields["component"] = logger.component
	}
	return logFields
}

// CustomJSONFormatter is a customized version of logrus.JSONFormatter.
// The changes are:
// - "time" is renamed to "timestamp"
// - error values are logged as their message
type CustomJSONFormatter struct {
}

// Format implements logrus.Formatter.
func (f *CustomJSONFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	data := make(logrus.Fields, len(entry.Data)+3)
	for k, v := range entry.Data {
		switch v := v.(type) {
		case error:
			// Otherwise errors are ignored by `encoding/json`
			data[k] = v.Error()
		default:
			data[k] = v
		}
	}

	if t, ok := data["timestamp"]; ok {
		data["fields.timestamp"] = t
	}
	data["timestamp"] = entry.Time.Format(time.RFC3339)

	if m, ok := data["msg"]; ok {
		data["fields.msg"] = m
	}
	data["msg"] = entry.Message

	if l, ok := data["level"]; ok {
		data["fields.level"] = l
	}
	data["level"] = entry.Level.String()

	serialized, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal fields to JSON, %v", err)
	}

	return append(serialized, '\n'), nil
}

var (
	defaultLoggerMutex sync.Mutex
	defaultLogger      *ContextLogger
)

// DefaultLogger returns the process logger used by endpoints that are not
// configured with their own logger. Unless InitLogging is called, it logs
// JSON to stderr at the info level.
func DefaultLogger() *ContextLogger {
	defaultLoggerMutex.Lock()
	defer defaultLoggerMutex.Unlock()
	if defaultLogger == nil {
		defaultLogger, _ = NewContextLogger(os.Stderr, logrus.InfoLevel.String())
	}
	return defaultLogger
}

const LOG_FILE_REOPEN_RETRIES = 10

// InitLogging replaces the default logger. When filename is blank, logs are
// written to stderr. Log files are reopened when an external tool, such as
// logrotate, moves them aside.
func InitLogging(level, filename string) error {

	var writer io.Writer = os.Stderr
	if filename != "" {
		fileWriter, err := rotate.NewRotatableFileWriter(
			filename, LOG_FILE_REOPEN_RETRIES, true, 0666)
		if err != nil {
			return errors.Trace(err)
		}
		writer = fileWriter
	}

	logger, err := NewContextLogger(writer, level)
	if err != nil {
		return errors.Trace(err)
	}

	defaultLoggerMutex.Lock()
	defaultLogger = logger
	defaultLoggerMutex.Unlock()

	return nil
}
