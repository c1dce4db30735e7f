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
	"time"
)

// connection is one accepted TCP connection. It owns its socketHandle; the
// registry only references it.
type connection struct {
	peer     Endpoint
	conn     net.Conn
	handle   *socketHandle
	accepted time.Time
}

func newConnection(conn net.Conn) *connection {
	return &connection{
		peer:     EndpointFromAddr(conn.RemoteAddr()),
		conn:     conn,
		handle:   newConnHandle(conn),
		accepted: time.Now(),
	}
}

// connectionRegistry is the synchronized set of live connections of a
// server. Once closed, no more connections may be added.
type connectionRegistry struct {
	mutex       sync.Mutex
	isClosed    bool
	connections map[*connection]bool
}

func newConnectionRegistry() *connectionRegistry {
	return &connectionRegistry{}
}

func (registry *connectionRegistry) add(c *connection) bool {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	if registry.isClosed {
		return false
	}
	if registry.connections == nil {
		registry.connections = make(map[*connection]bool)
	}
	registry.connections[c] = true
	return true
}

// remove reports whether c was still registered. A connection removed by
// closeAll is not reported, leaving its close to the bulk shutdown.
func (registry *connectionRegistry) remove(c *connection) bool {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	if !registry.connections[c] {
		return false
	}
	delete(registry.connections, c)
	return true
}

// find returns the live connection whose peer equals peer, or nil. When a
// peer has several connections, the most recently accepted one is returned.
func (registry *connectionRegistry) find(peer Endpoint) *connection {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	var found *connection
	for c := range registry.connections {
		if c.peer.Equal(peer) && (found == nil || c.accepted.After(found.accepted)) {
			found = c
		}
	}
	return found
}

func (registry *connectionRegistry) peers() []Endpoint {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	peers := make([]Endpoint, 0, len(registry.connections))
	for c := range registry.connections {
		peers = append(peers, c.peer)
	}
	return peers
}

func (registry *connectionRegistry) count() int {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	return len(registry.connections)
}

// closeAll marks the registry closed, empties it and returns the
// connections that were live. The caller closes them outside the lock.
func (registry *connectionRegistry) closeAll() []*connection {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	registry.isClosed = true
	closing := make([]*connection, 0, len(registry.connections))
	for c := range registry.connections {
		closing = append(closing, c)
	}
	registry.connections = make(map[*connection]bool)
	return closing
}
