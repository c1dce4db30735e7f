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

package common

// Logger is the logging interface accepted by socket endpoints and their
// helpers. Endpoints emit Debug, Warning and Error entries; Info is left to
// applications. Logging never affects control flow.
type Logger interface {

	// WithTraceFields returns an entry carrying fields and the call site.
	WithTraceFields(fields LogFields) LogTrace

	// IsLogLevelDebug lets endpoints skip building per-message Debug
	// entries on their receive and send paths.
	IsLogLevelDebug() bool
}

// LogTrace is satisfied by *logrus.Entry.
type LogTrace interface {
	Debug(args ...interface{})
	Info(args ...interface{})
	Warning(args ...interface{})
	Error(args ...interface{})
}

// LogFields is type-compatible with logrus.Fields.
type LogFields map[string]interface{}

// Add copies the fields of b that are not already present in a.
func (a LogFields) Add(b LogFields) {
	for name, value := range b {
		if _, ok := a[name]; !ok {
			a[name] = value
		}
	}
}

// MetricsSource is implemented by endpoints that report traffic counters,
// for metric log lines and Prometheus export.
type MetricsSource interface {
	GetMetrics() LogFields
}
