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
	"encoding/hex"
	"fmt"
	"net"
	"runtime/debug"
	"sync/atomic"

	"github.com/Psiphon-Labs/psiphon-sockets/common"
	"github.com/Psiphon-Labs/psiphon-sockets/logging"
)

const (
	DEFAULT_RECEIVE_BUFFER_SIZE = 1024
	MAX_PAYLOAD_LOG_BYTES       = 64
)

// ServerReceiveHandler is invoked for every payload a server receives.
// payload is owned by the handler. replier sends back to the peer over the
// socket the payload arrived on.
type ServerReceiveHandler func(payload []byte, peer Endpoint, replier Replier)

// ClientReceiveHandler is invoked for every payload a client receives.
// payload is owned by the handler.
type ClientReceiveHandler func(payload []byte, peer Endpoint)

// Replier sends data back to the peer a payload came from.
type Replier interface {

	// Reply sends data and returns the number of bytes sent, or -1 on
	// failure.
	Reply(data []byte) int

	// Peer is the endpoint replies are sent to.
	Peer() Endpoint
}

// streamReplier replies on an accepted TCP connection.
type streamReplier struct {
	server     *Server
	connection *connection
}

func (replier *streamReplier) Reply(data []byte) int {
	return replier.server.write(replier.connection.conn, data, replier.connection.peer)
}

func (replier *streamReplier) Peer() Endpoint {
	return replier.connection.peer
}

// datagramReplier replies on the shared server socket to the datagram's
// source address.
type datagramReplier struct {
	server   *Server
	handle   *socketHandle
	peerAddr net.Addr
	peer     Endpoint
}

func (replier *datagramReplier) Reply(data []byte) int {
	return replier.server.writeTo(replier.handle, data, replier.peerAddr, replier.peer)
}

func (replier *datagramReplier) Peer() Endpoint {
	return replier.peer
}

func resolveLogger(logger common.Logger) common.Logger {
	if logger == nil {
		return logging.DefaultLogger()
	}
	return logger
}

func receiveBufferSize(size int) int {
	if size <= 0 {
		return DEFAULT_RECEIVE_BUFFER_SIZE
	}
	return size
}

// payloadContext renders a bounded hex preview of a payload for log
// entries.
func payloadContext(payload []byte) string {
	if len(payload) > MAX_PAYLOAD_LOG_BYTES {
		return hex.EncodeToString(payload[:MAX_PAYLOAD_LOG_BYTES]) + "..."
	}
	return hex.EncodeToString(payload)
}

// invokeCallback runs callback, recovering and logging any panic with the
// payload that triggered it. It reports whether callback returned normally.
func invokeCallback(
	logger common.Logger,
	metrics *endpointMetrics,
	payload []byte,
	peer Endpoint,
	callback func()) (ok bool) {

	defer func() {
		if recovered := recover(); recovered != nil {
			atomic.AddInt64(&metrics.callbackPanics, 1)
			logger.WithTraceFields(common.LogFields{
				"peer":    peer.String(),
				"bytes":   len(payload),
				"payload": payloadContext(payload),
				"panic":   fmt.Sprintf("%v", recovered),
				"stack":   string(debug.Stack()),
			}).Error("receive callback failed")
			ok = false
		}
	}()

	callback()
	return true
}
