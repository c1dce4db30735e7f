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
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/Psiphon-Labs/psiphon-sockets/common/errors"
)

// socketHandle owns exactly one OS socket: a stream listener, a stream
// connection or a packet connection. It is closed at most once.
type socketHandle struct {
	listener   net.Listener
	conn       net.Conn
	packetConn net.PacketConn

	closeOnce sync.Once
	closeErr  error
}

func newListenerHandle(listener net.Listener) *socketHandle {
	return &socketHandle{listener: listener}
}

func newConnHandle(conn net.Conn) *socketHandle {
	return &socketHandle{conn: conn}
}

func newPacketHandle(packetConn net.PacketConn) *socketHandle {
	return &socketHandle{packetConn: packetConn}
}

func (handle *socketHandle) localAddr() net.Addr {
	switch {
	case handle.listener != nil:
		return handle.listener.Addr()
	case handle.conn != nil:
		return handle.conn.LocalAddr()
	case handle.packetConn != nil:
		return handle.packetConn.LocalAddr()
	}
	return nil
}

func (handle *socketHandle) remoteAddr() net.Addr {
	if handle.conn != nil {
		return handle.conn.RemoteAddr()
	}
	return nil
}

func (handle *socketHandle) setReadDeadline(deadline time.Time) error {
	switch {
	case handle.conn != nil:
		return handle.conn.SetReadDeadline(deadline)
	case handle.packetConn != nil:
		return handle.packetConn.SetReadDeadline(deadline)
	}
	return nil
}

func (handle *socketHandle) syscallConn() syscall.Conn {
	var socket interface{}
	switch {
	case handle.listener != nil:
		socket = handle.listener
	case handle.conn != nil:
		socket = handle.conn
	case handle.packetConn != nil:
		socket = handle.packetConn
	}
	syscallConn, _ := socket.(syscall.Conn)
	return syscallConn
}

// close shuts down and then closes the socket. Benign shutdown errors are
// ignored; any other shutdown error is returned after the socket is closed,
// so the descriptor is always released.
func (handle *socketHandle) close() error {
	handle.closeOnce.Do(func() {

		shutdownErr := handle.shutdown()

		var closeErr error
		switch {
		case handle.listener != nil:
			closeErr = handle.listener.Close()
		case handle.conn != nil:
			closeErr = handle.conn.Close()
		case handle.packetConn != nil:
			closeErr = handle.packetConn.Close()
		}

		if shutdownErr != nil {
			handle.closeErr = shutdownErr
		} else if closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
			handle.closeErr = errors.Trace(closeErr)
		}
	})
	return handle.closeErr
}

func (handle *socketHandle) shutdown() error {
	syscallConn := handle.syscallConn()
	if syscallConn == nil {
		return nil
	}
	rawConn, err := syscallConn.SyscallConn()
	if err != nil {
		if errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.EINVAL) {
			return nil
		}
		return errors.Trace(err)
	}
	err = shutdownSocket(rawConn)
	if err != nil && !isBenignCloseError(err) && !errors.Is(err, net.ErrClosed) {
		return errors.TraceMsg(err, "shutdown failed")
	}
	return nil
}
