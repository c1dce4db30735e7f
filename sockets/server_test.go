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
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/Psiphon-Labs/psiphon-sockets/framing"
	"github.com/Psiphon-Labs/psiphon-sockets/internal/testutils"
	mapset "github.com/deckarep/golang-set"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"golang.org/x/sync/errgroup"
)

type TCPServerTestSuite struct {
	suite.Suite
	logger *testutils.TestLogger
	server *Server
}

func TestTCPServer(t *testing.T) {
	suite.Run(t, new(TCPServerTestSuite))
}

func (s *TCPServerTestSuite) SetupTest() {
	s.logger = testutils.NewTestLogger()
	server, err := NewServer(&ServerConfig{
		Protocol:  ProtocolTCP,
		Bind:      Endpoint{Host: "127.0.0.1", Port: 0},
		OnReceive: echoHandler,
		Logger:    s.logger,
	})
	s.Require().NoError(err)
	s.Require().True(server.Start())
	s.server = server
}

func (s *TCPServerTestSuite) TearDownTest() {
	s.True(s.server.Close())
}

func (s *TCPServerTestSuite) newClient(recorder *receiveRecorder) *Client {
	client, err := NewClient(&ClientConfig{
		Protocol:  ProtocolTCP,
		Target:    s.server.LocalEndpoint(),
		OnReceive: recorder.onClientReceive,
		Logger:    s.logger,
	})
	s.Require().NoError(err)
	s.T().Cleanup(func() { client.Close() })
	return client
}

func (s *TCPServerTestSuite) TestStartResolvesPort() {
	local := s.server.LocalEndpoint()
	s.Equal("127.0.0.1", local.Host)
	s.NotZero(local.Port)
	s.True(s.server.IsActive())
	s.Contains(s.server.String(), fmt.Sprintf("127.0.0.1:%d", local.Port))

	// A second Start is a no-op.
	s.True(s.server.Start())
	s.Equal(local, s.server.LocalEndpoint())
}

func (s *TCPServerTestSuite) TestEcho() {
	recorder := newReceiveRecorder()
	client := s.newClient(recorder)

	payload := []byte("hello, server")
	s.Equal(len(payload), client.Send(payload))
	recorder.waitForBytes(s.T(), payload)

	peer, ok := recorder.lastPeer()
	s.True(ok)
	s.Equal(s.server.LocalEndpoint().Port, peer.Port)

	metrics := s.server.GetMetrics()
	s.EqualValues(1, metrics["connections_accepted"])
	s.EqualValues(len(payload), metrics["bytes_received"])
}

func (s *TCPServerTestSuite) TestConcurrentClientsIsolation() {

	const clientCount = 10
	const sendCount = 5

	recorders := make([]*receiveRecorder, clientCount)
	clients := make([]*Client, clientCount)
	for i := 0; i < clientCount; i++ {
		recorders[i] = newReceiveRecorder()
		clients[i] = s.newClient(recorders[i])
	}

	var group errgroup.Group
	for i := 0; i < clientCount; i++ {
		i := i
		group.Go(func() error {
			var expected []byte
			for j := 0; j < sendCount; j++ {
				payload := []byte(fmt.Sprintf("[client %02d message %d]", i, j))
				if clients[i].Send(payload) != len(payload) {
					return fmt.Errorf("client %d send %d failed", i, j)
				}
				expected = append(expected, payload...)
			}
			deadline := time.Now().Add(testTimeout)
			for !recorders[i].hasBytes(expected) {
				if time.Now().After(deadline) {
					return fmt.Errorf("client %d received %q", i, recorders[i].bytes())
				}
				time.Sleep(10 * time.Millisecond)
			}
			return nil
		})
	}

	s.Require().NoError(group.Wait(), s.logger.String())

	expectedPeers := mapset.NewSet()
	for _, client := range clients {
		expectedPeers.Add(client.LocalEndpoint().String())
	}
	actualPeers := mapset.NewSet()
	for _, peer := range s.server.Peers() {
		actualPeers.Add(peer.String())
	}
	s.True(expectedPeers.Equal(actualPeers), "peers %s, expected %s", actualPeers, expectedPeers)
}

func (s *TCPServerTestSuite) TestSendToPeer() {
	recorder := newReceiveRecorder()
	client := s.newClient(recorder)

	s.Equal(2, client.Send([]byte("hi")))
	recorder.waitForBytes(s.T(), []byte("hi"))

	peer := client.LocalEndpoint()
	s.NotZero(peer.Port)

	s.Equal(4, s.server.Send([]byte("push"), peer))
	recorder.waitForBytes(s.T(), []byte("hipush"))

	// No connection from this peer.
	s.Equal(0, s.server.Send([]byte("lost"), Endpoint{Host: "127.0.0.1", Port: 1}))
}

func (s *TCPServerTestSuite) TestCloseIsIdempotent() {
	recorder := newReceiveRecorder()
	client := s.newClient(recorder)
	s.Equal(1, client.Send([]byte("x")))
	recorder.waitForBytes(s.T(), []byte("x"))

	s.True(s.server.Close())
	s.False(s.server.IsActive())
	s.True(s.server.Close())
	s.False(s.server.IsActive())
	s.False(s.server.Start())
	s.Equal(-1, s.server.Send([]byte("x"), client.LocalEndpoint()))
	s.Empty(s.server.Peers())

	// Closing the server disconnects its clients.
	s.Eventually(func() bool { return !client.IsActive() }, testTimeout, 10*time.Millisecond)

	s.True(client.Close())
	s.True(client.Close())
	s.False(client.IsActive())
	s.Zero(s.logger.Count("ERROR"), s.logger.String())
}

func (s *TCPServerTestSuite) TestSplitWrites() {

	var mutex sync.Mutex
	var raw [][]byte
	assemblers, err := framing.NewPeerAssemblers(framing.DefaultPrefixSize, nil)
	s.Require().NoError(err)
	var frames [][]byte

	splitServer := startServer(s.T(), &ServerConfig{
		Protocol: ProtocolTCP,
		Bind:     Endpoint{Host: "127.0.0.1", Port: 0},
		OnReceive: func(payload []byte, peer Endpoint, _ Replier) {
			mutex.Lock()
			defer mutex.Unlock()
			raw = append(raw, payload)
			frames = append(frames, assemblers.Feed(peer.String(), payload)...)
		},
		Logger: s.logger,
	})

	// Three connected clients; only one writes.
	var conns []net.Conn
	for i := 0; i < 3; i++ {
		conn, err := net.Dial("tcp", splitServer.LocalEndpoint().String())
		s.Require().NoError(err)
		defer conn.Close()
		conns = append(conns, conn)
	}
	s.Eventually(func() bool { return len(splitServer.Peers()) == 3 }, testTimeout, 10*time.Millisecond)

	frame, err := framing.Encode([]byte("hello"), framing.DefaultPrefixSize)
	s.Require().NoError(err)

	_, err = conns[0].Write(frame[:3])
	s.Require().NoError(err)
	time.Sleep(50 * time.Millisecond)
	_, err = conns[0].Write(frame[3:])
	s.Require().NoError(err)

	s.Eventually(func() bool {
		mutex.Lock()
		defer mutex.Unlock()
		return len(frames) == 1
	}, testTimeout, 10*time.Millisecond)

	mutex.Lock()
	defer mutex.Unlock()

	// The transport makes no reassembly guarantee: the raw reads only
	// concatenate to the written bytes.
	s.Equal(frame, bytes.Join(raw, nil))
	s.Equal([]byte("hello"), frames[0])
}

func (s *TCPServerTestSuite) TestCallbackPanicIsRecovered() {

	panicServer := startServer(s.T(), &ServerConfig{
		Protocol: ProtocolTCP,
		Bind:     Endpoint{Host: "127.0.0.1", Port: 0},
		OnReceive: func(payload []byte, peer Endpoint, replier Replier) {
			if bytes.Equal(payload, []byte("boom")) {
				panic("boom")
			}
			replier.Reply(payload)
		},
		Logger: s.logger,
	})

	conn, err := net.Dial("tcp", panicServer.LocalEndpoint().String())
	s.Require().NoError(err)
	defer conn.Close()

	_, err = conn.Write([]byte("boom"))
	s.Require().NoError(err)
	s.Eventually(func() bool {
		return s.logger.Contains("ERROR", "receive callback failed")
	}, testTimeout, 10*time.Millisecond)

	// The connection survives the panic.
	_, err = conn.Write([]byte("ok"))
	s.Require().NoError(err)
	s.Require().NoError(conn.SetReadDeadline(time.Now().Add(testTimeout)))
	buffer := make([]byte, 2)
	_, err = io.ReadFull(conn, buffer)
	s.Require().NoError(err)
	s.Equal([]byte("ok"), buffer)

	s.EqualValues(1, panicServer.GetMetrics()["callback_panics"])
}

func (s *TCPServerTestSuite) TestMaxConnections() {

	limitedServer := startServer(s.T(), &ServerConfig{
		Protocol:       ProtocolTCP,
		Bind:           Endpoint{Host: "127.0.0.1", Port: 0},
		OnReceive:      echoHandler,
		Logger:         s.logger,
		MaxConnections: 1,
	})

	first, err := net.Dial("tcp", limitedServer.LocalEndpoint().String())
	s.Require().NoError(err)
	defer first.Close()
	s.Eventually(func() bool { return len(limitedServer.Peers()) == 1 }, testTimeout, 10*time.Millisecond)

	second, err := net.Dial("tcp", limitedServer.LocalEndpoint().String())
	s.Require().NoError(err)
	defer second.Close()

	// The rejected connection is closed by the server.
	s.Require().NoError(second.SetReadDeadline(time.Now().Add(testTimeout)))
	_, err = second.Read(make([]byte, 1))
	s.Error(err)

	s.True(s.logger.Contains("WARNING", "connection limit reached"))
	s.EqualValues(1, limitedServer.GetMetrics()["connections_rejected"])
	s.Len(limitedServer.Peers(), 1)
}

func TestTCPPeerRateLimit(t *testing.T) {

	server := startServer(t, &ServerConfig{
		Protocol:      ProtocolTCP,
		Bind:          Endpoint{Host: "127.0.0.1", Port: 0},
		OnReceive:     echoHandler,
		Logger:        testutils.NewTestLogger(),
		PeerRateLimit: RateLimit{Quantity: 1, Interval: time.Hour},
	})

	first := newReceiveRecorder()
	firstClient := newTestClient(t, &ClientConfig{
		Protocol:  ProtocolTCP,
		Target:    server.LocalEndpoint(),
		OnReceive: first.onClientReceive,
		Logger:    testutils.NewTestLogger(),
	})
	require.Equal(t, 3, firstClient.Send([]byte("one")))
	first.waitForBytes(t, []byte("one"))

	second := newReceiveRecorder()
	secondClient := newTestClient(t, &ClientConfig{
		Protocol:  ProtocolTCP,
		Target:    server.LocalEndpoint(),
		OnReceive: second.onClientReceive,
		Logger:    testutils.NewTestLogger(),
	})
	secondClient.Send([]byte("two"))

	require.Eventually(t, func() bool {
		return server.GetMetrics()["rate_limited"].(int64) == 1
	}, testTimeout, 10*time.Millisecond)

	assert.Equal(t, int64(1), server.GetMetrics()["connections_accepted"])
	assert.False(t, second.hasBytes([]byte("two")))
}

func TestServerOnDisconnect(t *testing.T) {

	disconnected := make(chan Endpoint, 2)

	server := startServer(t, &ServerConfig{
		Protocol:  ProtocolTCP,
		Bind:      Endpoint{Host: "127.0.0.1", Port: 0},
		OnReceive: echoHandler,
		OnDisconnect: func(peer Endpoint) {
			disconnected <- peer
		},
		Logger: testutils.NewTestLogger(),
	})

	connect := func() *Client {
		recorder := newReceiveRecorder()
		client := newTestClient(t, &ClientConfig{
			Protocol:  ProtocolTCP,
			Target:    server.LocalEndpoint(),
			OnReceive: recorder.onClientReceive,
			Logger:    testutils.NewTestLogger(),
		})
		require.Equal(t, 2, client.Send([]byte("hi")))
		recorder.waitForBytes(t, []byte("hi"))
		return client
	}

	awaitDisconnect := func(expected Endpoint) {
		select {
		case peer := <-disconnected:
			assert.Equal(t, expected, peer)
		case <-time.After(testTimeout):
			t.Fatalf("no disconnect for %s", expected)
		}
	}

	first := connect()
	firstLocal := first.LocalEndpoint()
	require.True(t, first.Close())
	awaitDisconnect(firstLocal)

	second := connect()
	require.True(t, server.Close())
	awaitDisconnect(second.LocalEndpoint())
}

func TestServerStartFailure(t *testing.T) {

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen failed: %s", err)
	}
	defer listener.Close()

	logger := testutils.NewTestLogger()
	server, err := NewServer(&ServerConfig{
		Protocol:  ProtocolTCP,
		Bind:      EndpointFromAddr(listener.Addr()),
		OnReceive: echoHandler,
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("NewServer failed: %s", err)
	}

	if server.Start() {
		server.Close()
		t.Fatalf("unexpected Start on a port in use")
	}
	if server.IsActive() {
		t.Fatalf("unexpected active server")
	}
	if !logger.Contains("ERROR", "create failed") {
		t.Fatalf("expected create failed log: %s", logger)
	}
	if !server.Close() {
		t.Fatalf("Close failed")
	}
}
