//go:build windows

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
	"syscall"
)

// Winsock error codes, as returned in net.OpError by the Windows poller.
const (
	wsaENOTSOCK     = syscall.Errno(10038)
	wsaECONNABORTED = syscall.Errno(10053)
	wsaECONNRESET   = syscall.Errno(10054)
	wsaENOTCONN     = syscall.Errno(10057)
	wsaECONNREFUSED = syscall.Errno(10061)
)

var (
	errnoConnectionReset   = wsaECONNRESET
	errnoConnectionAborted = wsaECONNABORTED
	errnoConnectionRefused = wsaECONNREFUSED

	// Windows reports the shutdown race with WSAENOTCONN, or WSAENOTSOCK
	// when the handle was already released.
	benignCloseErrnos = []syscall.Errno{wsaENOTCONN, wsaENOTSOCK}
)
