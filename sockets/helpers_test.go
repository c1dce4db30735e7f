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
	"bytes"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

// receiveRecorder accumulates payloads delivered to a receive handler.
type receiveRecorder struct {
	mutex    sync.Mutex
	data     []byte
	payloads [][]byte
	peers    []Endpoint
}

func newReceiveRecorder() *receiveRecorder {
	return &receiveRecorder{}
}

func (recorder *receiveRecorder) onClientReceive(payload []byte, peer Endpoint) {
	recorder.record(payload, peer)
}

func (recorder *receiveRecorder) record(payload []byte, peer Endpoint) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.data = append(recorder.data, payload...)
	recorder.payloads = append(recorder.payloads, payload)
	recorder.peers = append(recorder.peers, peer)
}

func (recorder *receiveRecorder) bytes() []byte {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return append([]byte(nil), recorder.data...)
}

func (recorder *receiveRecorder) lastPeer() (Endpoint, bool) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	if len(recorder.peers) == 0 {
		return Endpoint{}, false
	}
	return recorder.peers[len(recorder.peers)-1], true
}

func (recorder *receiveRecorder) waitForBytes(t *testing.T, expected []byte) {
	t.Helper()
	require.Eventually(t,
		func() bool { return bytes.Equal(recorder.bytes(), expected) },
		testTimeout, 10*time.Millisecond,
		"expected %q", expected)
}

func (recorder *receiveRecorder) hasBytes(expected []byte) bool {
	return bytes.Equal(recorder.bytes(), expected)
}

// echoHandler replies to every payload with the payload itself.
func echoHandler(payload []byte, _ Endpoint, replier Replier) {
	replier.Reply(payload)
}

// unusedTCPPort returns a loopback port with no listener.
func unusedTCPPort(t *testing.T) int {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen failed: %s", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	listener.Close()
	return port
}

func startServer(t *testing.T, config *ServerConfig) *Server {
	t.Helper()
	server, err := NewServer(config)
	if err != nil {
		t.Fatalf("NewServer failed: %s", err)
	}
	if !server.Start() {
		t.Fatalf("Start failed")
	}
	t.Cleanup(func() { server.Close() })
	return server
}

func newTestClient(t *testing.T, config *ClientConfig) *Client {
	t.Helper()
	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("NewClient failed: %s", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}
