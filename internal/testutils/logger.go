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

package testutils

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/Psiphon-Labs/psiphon-sockets/common"
	"github.com/Psiphon-Labs/psiphon-sockets/common/stacktrace"
)

// TestLogger is a common.Logger that records every entry so tests can assert
// on what an endpoint logged. Entries are not echoed through t.Log since
// endpoint goroutines may still log after a test has completed.
type TestLogger struct {
	logLevelDebug int32
	mutex         sync.Mutex
	entries       []LogEntry
}

// LogEntry is one recorded log line.
type LogEntry struct {
	Level   string
	Trace   string
	Message string
	Fields  common.LogFields
}

func NewTestLogger() *TestLogger {
	logger := &TestLogger{}
	logger.SetLogLevelDebug(true)
	return logger
}

func (logger *TestLogger) WithTraceFields(fields common.LogFields) common.LogTrace {
	return &testLoggerTrace{
		logger: logger,
		trace:  stacktrace.CallerContext(1),
		fields: fields,
	}
}

func (logger *TestLogger) IsLogLevelDebug() bool {
	return atomic.LoadInt32(&logger.logLevelDebug) == 1
}

func (logger *TestLogger) SetLogLevelDebug(logLevelDebug bool) {
	value := int32(0)
	if logLevelDebug {
		value = 1
	}
	atomic.StoreInt32(&logger.logLevelDebug, value)
}

// Entries returns a copy of the recorded entries.
func (logger *TestLogger) Entries() []LogEntry {
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	return append([]LogEntry(nil), logger.entries...)
}

// Contains reports whether an entry with the given level has a message
// containing substring.
func (logger *TestLogger) Contains(level, substring string) bool {
	for _, entry := range logger.Entries() {
		if entry.Level == level && strings.Contains(entry.Message, substring) {
			return true
		}
	}
	return false
}

// Count returns the number of entries recorded at level.
func (logger *TestLogger) Count(level string) int {
	count := 0
	for _, entry := range logger.Entries() {
		if entry.Level == level {
			count++
		}
	}
	return count
}

func (logger *TestLogger) record(entry LogEntry) {
	logger.mutex.Lock()
	logger.entries = append(logger.entries, entry)
	logger.mutex.Unlock()
}

// String renders all recorded entries, one per line, for failure messages.
func (logger *TestLogger) String() string {
	var builder strings.Builder
	for _, entry := range logger.Entries() {
		jsonFields, _ := json.Marshal(printableFields(entry.Fields))
		fmt.Fprintf(&builder, "%s: %s: %s %s\n", entry.Level, entry.Trace, entry.Message, jsonFields)
	}
	return builder.String()
}

func printableFields(fields common.LogFields) common.LogFields {
	printable := common.LogFields{}
	for k, v := range fields {
		switch v := v.(type) {
		case error:
			// Workaround for Go issue 5161: error types marshal to "{}"
			printable[k] = v.Error()
		default:
			printable[k] = v
		}
	}
	return printable
}

type testLoggerTrace struct {
	logger *TestLogger
	trace  string
	fields common.LogFields
}

func (logger *testLoggerTrace) log(level string, args ...interface{}) {
	logger.logger.record(LogEntry{
		Level:   level,
		Trace:   logger.trace,
		Message: fmt.Sprint(args...),
		Fields:  logger.fields,
	})
}

func (logger *testLoggerTrace) Debug(args ...interface{}) {
	if !logger.logger.IsLogLevelDebug() {
		return
	}
	logger.log("DEBUG", args...)
}

func (logger *testLoggerTrace) Info(args ...interface{}) {
	logger.log("INFO", args...)
}

func (logger *testLoggerTrace) Warning(args ...interface{}) {
	logger.log("WARNING", args...)
}

func (logger *testLoggerTrace) Error(args ...interface{}) {
	logger.log("ERROR", args...)
}
