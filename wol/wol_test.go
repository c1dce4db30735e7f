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

package wol

import (
	"bytes"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/Psiphon-Labs/psiphon-sockets/internal/testutils"
	"github.com/Psiphon-Labs/psiphon-sockets/sockets"
	"github.com/stretchr/testify/require"
)

func TestParseMAC(t *testing.T) {

	expected := net.HardwareAddr{0x00, 0x1a, 0x2b, 0x3c, 0x4d, 0x5e}

	for _, value := range []string{
		"00:1a:2b:3c:4d:5e",
		"00-1A-2B-3C-4D-5E",
		"001a2b3c4d5e",
		" 001a.2b3c.4d5e ",
	} {
		mac, err := ParseMAC(value)
		require.NoError(t, err, value)
		require.Equal(t, expected, mac, value)
	}

	for _, value := range []string{"", "00:1a:2b", "zz:1a:2b:3c:4d:5e", "00:1a:2b:3c:4d:5e:6f"} {
		_, err := ParseMAC(value)
		require.Error(t, err, value)
	}
}

func TestMagicPacket(t *testing.T) {

	mac := net.HardwareAddr{1, 2, 3, 4, 5, 6}

	packet, err := MagicPacket(mac)
	require.NoError(t, err)
	require.Len(t, packet, MAGIC_PACKET_SIZE)
	require.Equal(t, bytes.Repeat([]byte{0xff}, 6), packet[:6])
	for i := 0; i < 16; i++ {
		offset := 6 + i*6
		require.Equal(t, []byte(mac), packet[offset:offset+6])
	}

	_, err = MagicPacket(net.HardwareAddr{1, 2, 3})
	require.Error(t, err)
}

func TestSend(t *testing.T) {

	var mutex sync.Mutex
	var received [][]byte

	logger := testutils.NewTestLogger()

	server, err := sockets.NewServer(&sockets.ServerConfig{
		Protocol: sockets.ProtocolUDP,
		Bind:     sockets.Endpoint{Host: "127.0.0.1", Port: 0},
		OnReceive: func(payload []byte, _ sockets.Endpoint, _ sockets.Replier) {
			mutex.Lock()
			received = append(received, payload)
			mutex.Unlock()
		},
		Logger: logger,
	})
	require.NoError(t, err)
	require.True(t, server.Start())
	defer server.Close()

	// A /32 network is its own broadcast address, which keeps the packet
	// on the loopback interface.
	saveLocalNetworks := localNetworks
	defer func() { localNetworks = saveLocalNetworks }()
	localNetworks = func() ([]*net.IPNet, error) {
		return []*net.IPNet{
			{IP: net.IPv4(127, 0, 0, 1).To4(), Mask: net.CIDRMask(32, 32)},
		}, nil
	}

	results, err := Send("01:02:03:04:05:06", server.LocalEndpoint().Port, logger)
	require.NoError(t, err, logger.String())
	require.Len(t, results, 1)
	require.Equal(t, "127.0.0.1", results[0].Broadcast)
	require.Equal(t, MAGIC_PACKET_SIZE, results[0].Sent)

	expected, err := MagicPacket(net.HardwareAddr{1, 2, 3, 4, 5, 6})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mutex.Lock()
		defer mutex.Unlock()
		return len(received) == 1 && bytes.Equal(received[0], expected)
	}, 5*time.Second, 10*time.Millisecond)

	require.True(t, logger.Contains("INFO", "magic packet sent"))

	localNetworks = func() ([]*net.IPNet, error) { return nil, nil }
	_, err = Send("01:02:03:04:05:06", DEFAULT_PORT, logger)
	require.Error(t, err)

	_, err = Send("not a mac", DEFAULT_PORT, logger)
	require.Error(t, err)
}

func TestSendToNetwork(t *testing.T) {

	received := make(chan []byte, 1)

	logger := testutils.NewTestLogger()

	server, err := sockets.NewServer(&sockets.ServerConfig{
		Protocol: sockets.ProtocolUDP,
		Bind:     sockets.Endpoint{Host: "127.0.0.1", Port: 0},
		OnReceive: func(payload []byte, _ sockets.Endpoint, _ sockets.Replier) {
			received <- payload
		},
		Logger: logger,
	})
	require.NoError(t, err)
	require.True(t, server.Start())
	defer server.Close()

	result, err := SendToNetwork(
		"01-02-03-04-05-06", "127.0.0.1/32", server.LocalEndpoint().Port, logger)
	require.NoError(t, err, logger.String())
	require.Equal(t, "127.0.0.1", result.Broadcast)
	require.Equal(t, MAGIC_PACKET_SIZE, result.Sent)

	select {
	case payload := <-received:
		require.Len(t, payload, MAGIC_PACKET_SIZE)
	case <-time.After(5 * time.Second):
		t.Fatalf("magic packet not received")
	}

	_, err = SendToNetwork("01-02-03-04-05-06", "fe80::1/64", DEFAULT_PORT, logger)
	require.Error(t, err)
}
