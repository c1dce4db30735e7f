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

	"github.com/Psiphon-Labs/psiphon-sockets/common/errors"
	"golang.org/x/sys/windows"
)

func setReuseAddress(rawConn syscall.RawConn) error {
	return setSocketOption(rawConn, windows.SO_REUSEADDR)
}

func setBroadcast(rawConn syscall.RawConn) error {
	return setSocketOption(rawConn, windows.SO_BROADCAST)
}

func setSocketOption(rawConn syscall.RawConn, option int) error {
	var optionErr error
	err := rawConn.Control(func(fd uintptr) {
		optionErr = windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, option, 1)
	})
	if err != nil {
		return errors.Trace(err)
	}
	if optionErr != nil {
		return errors.Trace(optionErr)
	}
	return nil
}

func shutdownSocket(rawConn syscall.RawConn) error {
	var shutdownErr error
	err := rawConn.Control(func(fd uintptr) {
		shutdownErr = windows.Shutdown(windows.Handle(fd), windows.SHUT_RDWR)
	})
	if err != nil {
		return errors.Trace(err)
	}
	if shutdownErr != nil {
		return errors.Trace(shutdownErr)
	}
	return nil
}
