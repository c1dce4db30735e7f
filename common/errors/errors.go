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
Package errors provides error wrapping helpers that add inline, single frame
stack trace information to error messages. Wrapped errors retain their cause
for errors.Is and errors.As, which the socket error classification relies on.
*/
package errors

import (
	std_errors "errors"
	"fmt"

	"github.com/Psiphon-Labs/psiphon-sockets/common/stacktrace"
)

// TraceNew returns a new error with the given message, wrapped with the caller
// stack frame information.
func TraceNew(message string) error {
	return trace(2, std_errors.New(message))
}

// Tracef returns a new error with the given formatted message, wrapped with
// the caller stack frame information.
func Tracef(format string, args ...interface{}) error {
	return trace(2, fmt.Errorf(format, args...))
}

// Trace wraps the given error with the caller stack frame information.
func Trace(err error) error {
	if err == nil {
		return nil
	}
	return trace(2, err)
}

// TraceMsg wraps the given error with the caller stack frame information
// and the given message.
func TraceMsg(err error, message string) error {
	if err == nil {
		return nil
	}
	return trace(2, fmt.Errorf("%s: %w", message, err))
}

// Is and As are re-exported so callers need only one errors import.
func Is(err, target error) bool {
	return std_errors.Is(err, target)
}

func As(err error, target interface{}) bool {
	return std_errors.As(err, target)
}

// trace prefixes err with the call site skip frames above trace.
func trace(skip int, err error) error {
	return fmt.Errorf("%s: %w", stacktrace.CallerContext(skip), err)
}
