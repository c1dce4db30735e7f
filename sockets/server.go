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
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/Psiphon-Labs/psiphon-sockets/common"
	"github.com/Psiphon-Labs/psiphon-sockets/common/errors"
	cache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/semaphore"
)

// DEFAULT_PEER_TTL is how long a datagram peer remains listed by
// Server.Peers after its last datagram.
const DEFAULT_PEER_TTL = 5 * time.Minute

// ServerConfig specifies a Server.
type ServerConfig struct {

	// Protocol is TCP, UDP or MULTICAST.
	Protocol Protocol

	// Bind is the local endpoint. Port 0 selects an OS assigned port, which
	// is available from LocalEndpoint after Start.
	Bind Endpoint

	// Group is the IPv4 multicast group to join. Group is required for
	// MULTICAST and must be nil otherwise. Group.Port, when set, must
	// equal Bind.Port.
	Group *Endpoint

	// OnReceive is required. It is invoked on the loop goroutine (UDP,
	// MULTICAST) or on the connection goroutine (TCP) and must not call
	// Close synchronously.
	OnReceive ServerReceiveHandler

	// OnDisconnect is optional. For TCP, it is invoked with the peer of
	// each accepted connection once the connection is closed, including
	// on server Close, on the connection goroutine.
	OnDisconnect func(peer Endpoint)

	// Logger defaults to logging.DefaultLogger.
	Logger common.Logger

	// Isolated runs the accept loop on a dedicated OS thread, and Close
	// does not wait for the loop to return.
	Isolated bool

	// ReceiveBufferSize is the maximum size of a single read. Defaults to
	// DEFAULT_RECEIVE_BUFFER_SIZE. Datagrams larger than the buffer are
	// truncated.
	ReceiveBufferSize int

	// MaxConnections limits concurrent TCP connections; 0 is unlimited.
	// Connections beyond the limit are closed immediately on accept.
	MaxConnections int

	// PeerTTL is the datagram peer table expiry. Defaults to
	// DEFAULT_PEER_TTL.
	PeerTTL time.Duration

	// PeerRateLimit limits TCP connections or datagrams per peer IP.
	// Connections over the limit are closed on accept and datagrams over
	// the limit are dropped without invoking OnReceive.
	PeerRateLimit RateLimit
}

// Server is a listening endpoint. A Server must be released with Close.
type Server struct {
	metrics  endpointMetrics
	isActive int32

	config          ServerConfig
	logger          common.Logger
	group           net.IP
	bufferSize      int
	registry        *connectionRegistry
	peers           *cache.Cache
	connectionLimit *semaphore.Weighted
	rateLimiter     *peerRateLimiter

	mutex        sync.Mutex
	started      bool
	handle       *socketHandle
	local        Endpoint
	acceptRunner runner
}

// NewServer validates config and returns a Server which is not yet
// listening. The only errors returned are *ConfigurationError.
func NewServer(config *ServerConfig) (*Server, error) {

	if config == nil {
		return nil, &ConfigurationError{Field: "config", Message: "config is nil"}
	}

	err := validateProtocol(config.Protocol)
	if err != nil {
		return nil, err
	}

	err = validateEndpoint("bind", config.Bind, 0)
	if err != nil {
		return nil, err
	}

	group, err := validateGroup(config.Protocol, config.Group, config.Bind)
	if err != nil {
		return nil, err
	}

	if config.OnReceive == nil {
		return nil, &ConfigurationError{Field: "onReceive", Message: "a server requires a receive handler"}
	}

	if config.ReceiveBufferSize < 0 {
		return nil, &ConfigurationError{Field: "receiveBufferSize", Message: "must not be negative"}
	}

	if config.MaxConnections < 0 {
		return nil, &ConfigurationError{Field: "maxConnections", Message: "must not be negative"}
	}

	if config.PeerTTL < 0 {
		return nil, &ConfigurationError{Field: "peerTTL", Message: "must not be negative"}
	}

	err = validateRateLimit(config.PeerRateLimit)
	if err != nil {
		return nil, err
	}

	server := &Server{
		config:     *config,
		logger:     resolveLogger(config.Logger),
		group:      group,
		bufferSize: receiveBufferSize(config.ReceiveBufferSize),
		registry:   newConnectionRegistry(),
		local:      config.Bind,
	}

	if config.Protocol == ProtocolTCP {
		if config.MaxConnections > 0 {
			server.connectionLimit = semaphore.NewWeighted(int64(config.MaxConnections))
		}
	} else {
		peerTTL := config.PeerTTL
		if peerTTL == 0 {
			peerTTL = DEFAULT_PEER_TTL
		}
		server.peers = cache.New(peerTTL, peerTTL)
	}

	if config.PeerRateLimit.isSet() {
		server.rateLimiter = newPeerRateLimiter(config.PeerRateLimit)
	}

	return server, nil
}

// Start creates the listening socket and spawns the accept loop. Start
// returns whether the server is active. A socket creation failure is logged
// and leaves the server inactive. Calling Start again, including after
// Close, does not create a new socket.
func (server *Server) Start() bool {

	server.mutex.Lock()
	defer server.mutex.Unlock()

	if server.started {
		return server.IsActive()
	}

	handle, err := server.listen()
	if err != nil {
		atomic.AddInt64(&server.metrics.errors, 1)
		server.logger.WithTraceFields(common.LogFields{
			"server": server.describe(server.local),
			"error":  err,
		}).Error("create failed")
		return false
	}

	server.started = true
	server.handle = handle
	server.local = EndpointFromAddr(handle.localAddr())

	atomic.StoreInt32(&server.isActive, 1)

	server.acceptRunner = newRunner(server.config.Isolated)
	if server.config.Protocol == ProtocolTCP {
		server.acceptRunner.Start(func() { server.acceptConnections(handle) })
	} else {
		server.acceptRunner.Start(func() { server.receiveDatagrams(handle) })
	}

	server.logger.WithTraceFields(common.LogFields{
		"server": server.describe(server.local),
	}).Debug("started")

	return true
}

func (server *Server) listen() (*socketHandle, error) {

	address := server.config.Bind.String()

	if server.config.Protocol == ProtocolTCP {
		listener, err := net.Listen("tcp", address)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return newListenerHandle(listener), nil
	}

	network := "udp"
	if server.config.Protocol == ProtocolMulticast {
		network = "udp4"
	}

	listenConfig := &net.ListenConfig{
		Control: func(_, _ string, rawConn syscall.RawConn) error {
			return setReuseAddress(rawConn)
		},
	}

	packetConn, err := listenConfig.ListenPacket(context.Background(), network, address)
	if err != nil {
		return nil, errors.Trace(err)
	}

	if server.config.Protocol == ProtocolMulticast {
		err := joinMulticastGroup(packetConn, server.group, server.config.Bind.Host)
		if err != nil {
			packetConn.Close()
			return nil, errors.Trace(err)
		}
	}

	return newPacketHandle(packetConn), nil
}

func (server *Server) acceptConnections(handle *socketHandle) {

	for server.IsActive() {

		conn, err := handle.listener.Accept()
		if err != nil {
			if server.IsActive() {
				atomic.AddInt64(&server.metrics.errors, 1)
				server.logger.WithTraceFields(common.LogFields{
					"server": server.describe(server.LocalEndpoint()),
					"class":  ClassifyError(err).String(),
					"error":  errors.Trace(err),
				}).Error("accept failed")
				atomic.StoreInt32(&server.isActive, 0)
			}
			return
		}

		server.handleAccepted(conn)
	}
}

func (server *Server) handleAccepted(conn net.Conn) {

	c := newConnection(conn)

	if !server.allowPeer(c.peer) {
		c.handle.close()
		return
	}

	if server.connectionLimit != nil && !server.connectionLimit.TryAcquire(1) {
		atomic.AddInt64(&server.metrics.connectionsRejected, 1)
		server.logger.WithTraceFields(common.LogFields{
			"peer":            c.peer.String(),
			"max_connections": server.config.MaxConnections,
		}).Warning("connection limit reached")
		c.handle.close()
		return
	}

	if !server.registry.add(c) {
		c.handle.close()
		if server.connectionLimit != nil {
			server.connectionLimit.Release(1)
		}
		return
	}

	atomic.AddInt64(&server.metrics.connectionsAccepted, 1)

	server.logger.WithTraceFields(common.LogFields{
		"peer": c.peer.String(),
	}).Debug("accepted")

	go server.handleConnection(c)
}

// handleConnection reads from one accepted connection until the peer
// disconnects or the server closes. Payloads are delivered in arrival
// order on this goroutine.
func (server *Server) handleConnection(c *connection) {

	defer func() {
		if server.registry.remove(c) {
			err := c.handle.close()
			if err != nil {
				server.logger.WithTraceFields(common.LogFields{
					"peer":  c.peer.String(),
					"error": err,
				}).Error("close failed")
			}
		}
		if server.connectionLimit != nil {
			server.connectionLimit.Release(1)
		}
		if server.config.OnDisconnect != nil {
			invokeCallback(server.logger, &server.metrics, nil, c.peer, func() {
				server.config.OnDisconnect(c.peer)
			})
		}
	}()

	replier := &streamReplier{server: server, connection: c}
	buffer := make([]byte, server.bufferSize)

	for {
		n, err := c.conn.Read(buffer)
		if n > 0 {
			server.deliver(buffer[:n], c.peer, replier)
		}
		if err != nil {
			server.logReceiveError(c.peer, err)
			return
		}
	}
}

func (server *Server) receiveDatagrams(handle *socketHandle) {

	buffer := make([]byte, server.bufferSize)

	for server.IsActive() {

		n, addr, err := handle.packetConn.ReadFrom(buffer)

		if err != nil {

			// ICMP errors from earlier sends are reported on some
			// platforms as reset or refused; they do not affect other
			// peers of a datagram socket.
			class := ClassifyError(err)
			if server.IsActive() && (class == ErrorClassReset || class == ErrorClassRefused) {
				server.logger.WithTraceFields(common.LogFields{
					"class": class.String(),
				}).Debug("datagram error ignored")
				continue
			}

			if server.IsActive() {
				server.logReceiveError(Endpoint{}, err)
				atomic.StoreInt32(&server.isActive, 0)
			}
			return
		}

		peer := EndpointFromAddr(addr)
		if !server.allowPeer(peer) {
			continue
		}
		server.peers.SetDefault(peer.String(), peer)

		server.deliver(
			buffer[:n],
			peer,
			&datagramReplier{server: server, handle: handle, peerAddr: addr, peer: peer})
	}
}

func (server *Server) allowPeer(peer Endpoint) bool {
	if server.rateLimiter == nil || server.rateLimiter.allow(peer.Host) {
		return true
	}
	atomic.AddInt64(&server.metrics.rateLimited, 1)
	server.logger.WithTraceFields(common.LogFields{
		"peer": peer.String(),
	}).Debug("rate limited")
	return false
}

func (server *Server) deliver(data []byte, peer Endpoint, replier Replier) {

	payload := append([]byte(nil), data...)

	server.metrics.received(len(payload))

	if server.logger.IsLogLevelDebug() {
		server.logger.WithTraceFields(common.LogFields{
			"peer":  peer.String(),
			"bytes": len(payload),
		}).Debug("received")
	}

	invokeCallback(server.logger, &server.metrics, payload, peer, func() {
		server.config.OnReceive(payload, peer, replier)
	})
}

func (server *Server) logReceiveError(peer Endpoint, err error) {

	fields := common.LogFields{"server": server.describe(server.LocalEndpoint())}
	if peer.Host != "" {
		fields["peer"] = peer.String()
	}

	// Close shuts down connections before closing them, so a stopped
	// server also observes EOF here.
	if !server.IsActive() {
		server.logger.WithTraceFields(fields).Debug("receive stopped")
		return
	}

	class := ClassifyError(err)
	switch class {
	case ErrorClassDisconnected, ErrorClassReset, ErrorClassAborted:
		server.logger.WithTraceFields(fields).Debug(class.String())
		return
	}

	atomic.AddInt64(&server.metrics.errors, 1)
	fields["class"] = class.String()
	fields["error"] = errors.Trace(err)
	if errno := errnoOf(err); errno != 0 {
		fields["errno"] = int(errno)
	}
	server.logger.WithTraceFields(fields).Error("receive failed")
}

// Send sends data to peer. For TCP, data is written to the live connection
// from peer, and 0 is returned when there is none. For UDP and MULTICAST,
// data is sent from the shared server socket. Send returns the number of
// bytes sent, or -1 when the server is not active or the send failed.
func (server *Server) Send(data []byte, peer Endpoint) int {

	handle := server.activeHandle()
	if handle == nil {
		server.logger.WithTraceFields(common.LogFields{
			"peer": peer.String(),
		}).Debug("send on inactive server")
		return -1
	}

	if server.config.Protocol == ProtocolTCP {
		c := server.registry.find(peer)
		if c == nil {
			server.logger.WithTraceFields(common.LogFields{
				"peer": peer.String(),
			}).Debug("no connection for peer")
			return 0
		}
		return server.write(c.conn, data, peer)
	}

	peerAddr, err := net.ResolveUDPAddr("udp", peer.String())
	if err != nil {
		atomic.AddInt64(&server.metrics.errors, 1)
		server.logger.WithTraceFields(common.LogFields{
			"peer":  peer.String(),
			"error": errors.Trace(err),
		}).Error("resolve failed")
		return -1
	}

	return server.writeTo(handle, data, peerAddr, peer)
}

// write sends all of data on a stream connection.
func (server *Server) write(conn net.Conn, data []byte, peer Endpoint) int {
	n, err := conn.Write(data)
	if err != nil {
		server.logSendError(peer, err)
		return -1
	}
	server.metrics.sent(n)
	if server.logger.IsLogLevelDebug() {
		server.logger.WithTraceFields(common.LogFields{
			"peer":  peer.String(),
			"bytes": n,
		}).Debug("sent")
	}
	return n
}

func (server *Server) writeTo(
	handle *socketHandle, data []byte, peerAddr net.Addr, peer Endpoint) int {

	n, err := handle.packetConn.WriteTo(data, peerAddr)
	if err != nil {
		server.logSendError(peer, err)
		return -1
	}
	server.metrics.sent(n)
	if server.logger.IsLogLevelDebug() {
		server.logger.WithTraceFields(common.LogFields{
			"peer":  peer.String(),
			"bytes": n,
		}).Debug("sent")
	}
	return n
}

func (server *Server) logSendError(peer Endpoint, err error) {
	atomic.AddInt64(&server.metrics.errors, 1)
	server.logger.WithTraceFields(common.LogFields{
		"peer":  peer.String(),
		"class": ClassifyError(err).String(),
		"error": errors.Trace(err),
	}).Error("send failed")
}

// Close stops the server: the active flag is cleared first, then every
// TCP connection is shut down and closed, then the listening socket. Close
// waits for the accept loop to return unless the server is Isolated. Close
// is idempotent and returns whether the server ended inactive.
func (server *Server) Close() bool {

	server.mutex.Lock()
	atomic.StoreInt32(&server.isActive, 0)
	handle := server.handle
	acceptRunner := server.acceptRunner
	server.handle = nil
	server.acceptRunner = nil
	server.mutex.Unlock()

	if handle == nil {
		return !server.IsActive()
	}

	for _, c := range server.registry.closeAll() {
		err := c.handle.close()
		if err != nil {
			server.logger.WithTraceFields(common.LogFields{
				"peer":  c.peer.String(),
				"error": err,
			}).Error("close connection failed")
		}
	}

	err := handle.close()
	if err != nil {
		atomic.AddInt64(&server.metrics.errors, 1)
		server.logger.WithTraceFields(common.LogFields{
			"server": server.describe(server.LocalEndpoint()),
			"error":  err,
		}).Error("close failed")
	}

	if acceptRunner != nil {
		acceptRunner.Stop()
	}

	if server.peers != nil {
		server.peers.Flush()
	}

	if server.rateLimiter != nil {
		server.rateLimiter.flush()
	}

	server.logger.WithTraceFields(common.LogFields{
		"server": server.describe(server.LocalEndpoint()),
	}).Debug("closed")

	return !server.IsActive()
}

// IsActive reports whether the listening socket is open and the accept
// loop is running.
func (server *Server) IsActive() bool {
	return atomic.LoadInt32(&server.isActive) == 1
}

func (server *Server) activeHandle() *socketHandle {
	if !server.IsActive() {
		return nil
	}
	server.mutex.Lock()
	defer server.mutex.Unlock()
	return server.handle
}

// LocalEndpoint returns the bound endpoint, with any OS assigned port
// resolved once the server has started.
func (server *Server) LocalEndpoint() Endpoint {
	server.mutex.Lock()
	defer server.mutex.Unlock()
	return server.local
}

// Peers returns the live TCP connection peers, or, for UDP and MULTICAST,
// the peers that sent a datagram within PeerTTL.
func (server *Server) Peers() []Endpoint {
	if server.config.Protocol == ProtocolTCP {
		return server.registry.peers()
	}
	items := server.peers.Items()
	peers := make([]Endpoint, 0, len(items))
	for _, item := range items {
		peers = append(peers, item.Object.(Endpoint))
	}
	return peers
}

func (server *Server) Protocol() Protocol {
	return server.config.Protocol
}

func (server *Server) String() string {
	return server.describe(server.LocalEndpoint())
}

func (server *Server) describe(local Endpoint) string {
	if server.config.Protocol == ProtocolMulticast {
		return fmt.Sprintf("Server(%s, bind %s, group %s)",
			server.config.Protocol, local, server.group)
	}
	return fmt.Sprintf("Server(%s, bind %s)", server.config.Protocol, local)
}

// GetMetrics implements common.MetricsSource.
func (server *Server) GetMetrics() common.LogFields {
	fields := common.LogFields{
		"protocol":       server.config.Protocol.String(),
		"local_endpoint": server.LocalEndpoint().String(),
		"is_active":      server.IsActive(),
		"connections":    server.registry.count(),
		"peers":          len(server.Peers()),
	}
	fields.Add(server.metrics.logFields())
	return fields
}
