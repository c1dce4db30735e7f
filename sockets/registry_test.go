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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConnectionRegistry(t *testing.T) {

	registry := newConnectionRegistry()

	now := time.Now()
	first := &connection{peer: Endpoint{"127.0.0.1", 1000}, accepted: now}
	second := &connection{peer: Endpoint{"127.0.0.1", 2000}, accepted: now}
	reconnected := &connection{peer: Endpoint{"::ffff:127.0.0.1", 1000}, accepted: now.Add(time.Second)}

	require.True(t, registry.add(first))
	require.True(t, registry.add(second))
	require.Equal(t, 2, registry.count())
	require.ElementsMatch(t, []Endpoint{first.peer, second.peer}, registry.peers())

	require.Same(t, second, registry.find(Endpoint{"127.0.0.1", 2000}))
	require.Nil(t, registry.find(Endpoint{"127.0.0.1", 3000}))

	// The most recent connection from a peer is preferred.
	require.True(t, registry.add(reconnected))
	require.Same(t, reconnected, registry.find(Endpoint{"127.0.0.1", 1000}))

	require.True(t, registry.remove(reconnected))
	require.False(t, registry.remove(reconnected))
	require.Same(t, first, registry.find(Endpoint{"127.0.0.1", 1000}))

	closing := registry.closeAll()
	require.Len(t, closing, 2)
	require.Equal(t, 0, registry.count())

	// After closeAll, handlers do not close connections they no longer
	// own, and nothing new may be added.
	require.False(t, registry.remove(first))
	require.False(t, registry.add(&connection{peer: Endpoint{"127.0.0.1", 4000}}))
	require.Equal(t, 0, registry.count())
	require.Empty(t, registry.peers())
}
