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

package sockets

import (
	"io"
	"net"
	"os"
	"syscall"

	"github.com/Psiphon-Labs/psiphon-sockets/common/errors"
)

// ErrorClass is the runtime failure taxonomy used to select log wording and
// loop behavior.
type ErrorClass int

const (
	ErrorClassNone ErrorClass = iota
	ErrorClassDisconnected
	ErrorClassReset
	ErrorClassAborted
	ErrorClassRefused
	ErrorClassClosed
	ErrorClassTimeout
	ErrorClassBenignClose
	ErrorClassGeneric
)

func (class ErrorClass) String() string {
	switch class {
	case ErrorClassNone:
		return "none"
	case ErrorClassDisconnected:
		return "normal disconnect"
	case ErrorClassReset:
		return "connection reset"
	case ErrorClassAborted:
		return "connection aborted"
	case ErrorClassRefused:
		return "connection refused"
	case ErrorClassClosed:
		return "socket closed"
	case ErrorClassTimeout:
		return "timed out"
	case ErrorClassBenignClose:
		return "already disconnected"
	}
	return "socket error"
}

// ClassifyError maps a socket error to its ErrorClass. Errors wrapped with
// common/errors, net.OpError and os.SyscallError are unwrapped.
func ClassifyError(err error) ErrorClass {

	if err == nil {
		return ErrorClassNone
	}

	switch {
	case errors.Is(err, io.EOF):
		return ErrorClassDisconnected
	case errors.Is(err, net.ErrClosed):
		return ErrorClassClosed
	case errors.Is(err, errnoConnectionReset):
		return ErrorClassReset
	case errors.Is(err, errnoConnectionAborted):
		return ErrorClassAborted
	case errors.Is(err, errnoConnectionRefused):
		return ErrorClassRefused
	case isBenignCloseError(err):
		return ErrorClassBenignClose
	case isTimeoutError(err):
		return ErrorClassTimeout
	}

	return ErrorClassGeneric
}

// isBenignCloseError reports whether err is one of the platform errno values
// returned by shutdown when the socket was already torn down by the peer or
// was never connected.
func isBenignCloseError(err error) bool {
	for _, errno := range benignCloseErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}

func isTimeoutError(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// errnoOf returns the underlying errno of err, or 0.
func errnoOf(err error) syscall.Errno {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return 0
}
