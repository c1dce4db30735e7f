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
)

// ClientConfig specifies a Client.
type ClientConfig struct {

	// Protocol is TCP, UDP or MULTICAST. For MULTICAST, Target is the
	// IPv4 group.
	Protocol Protocol

	// Target is the remote endpoint. Port must be in [1, 65535].
	Target Endpoint

	// Bind is the optional local endpoint. Port 0 selects an OS assigned
	// port.
	Bind *Endpoint

	// OnReceive is optional. When set, a receive loop is started after the
	// first successful Send.
	OnReceive ClientReceiveHandler

	// Timeout bounds a TCP connect and each receive. A receive timeout
	// ends the receive loop; the next Send starts a new one. 0 is no
	// timeout.
	Timeout time.Duration

	// Isolated runs the receive loop on a dedicated OS thread, and Close
	// does not wait for the loop to return.
	Isolated bool

	// ReceiveBufferSize defaults to DEFAULT_RECEIVE_BUFFER_SIZE.
	ReceiveBufferSize int

	// MulticastTTL defaults to DEFAULT_MULTICAST_TTL.
	MulticastTTL int

	DisableMulticastLoopback bool

	// Logger defaults to logging.DefaultLogger.
	Logger common.Logger
}

// Client is an outbound endpoint. The socket is created lazily by Connect
// or the first Send. A Client must be released with Close.
type Client struct {
	metrics endpointMetrics

	config     ClientConfig
	logger     common.Logger
	bufferSize int
	ttl        int
	broadcast  bool

	mutex      sync.Mutex
	closed     bool
	handle     *socketHandle
	targetAddr net.Addr
	local      Endpoint
	receiver   runner
}

// NewClient validates config and returns an unconnected Client. The only
// errors returned are *ConfigurationError.
func NewClient(config *ClientConfig) (*Client, error) {

	if config == nil {
		return nil, &ConfigurationError{Field: "config", Message: "config is nil"}
	}

	err := validateProtocol(config.Protocol)
	if err != nil {
		return nil, err
	}

	err = validateEndpoint("target", config.Target, 1)
	if err != nil {
		return nil, err
	}

	if config.Bind != nil {
		err = validateEndpoint("bind", *config.Bind, 0)
		if err != nil {
			return nil, err
		}
	}

	if config.Protocol == ProtocolMulticast {
		groupIP := net.ParseIP(config.Target.Host).To4()
		if groupIP == nil || !groupIP.IsMulticast() {
			return nil, &ConfigurationError{
				Field:   "target",
				Message: fmt.Sprintf("%s is not an IPv4 multicast address", config.Target.Host),
			}
		}
	}

	if config.Timeout < 0 {
		return nil, &ConfigurationError{Field: "timeout", Message: "must not be negative"}
	}

	if config.ReceiveBufferSize < 0 {
		return nil, &ConfigurationError{Field: "receiveBufferSize", Message: "must not be negative"}
	}

	if config.MulticastTTL < 0 || config.MulticastTTL > 255 {
		return nil, &ConfigurationError{
			Field:   "multicastTTL",
			Message: fmt.Sprintf("%d is not in [0, 255]", config.MulticastTTL),
		}
	}

	ttl := config.MulticastTTL
	if ttl == 0 {
		ttl = DEFAULT_MULTICAST_TTL
	}

	client := &Client{
		config:     *config,
		logger:     resolveLogger(config.Logger),
		bufferSize: receiveBufferSize(config.ReceiveBufferSize),
		ttl:        ttl,
		broadcast:  config.Protocol == ProtocolUDP && common.IsBroadcastHost(config.Target.Host),
	}
	if config.Bind != nil {
		client.local = *config.Bind
	}

	return client, nil
}

// Connect creates the client socket, if not already created, and returns
// whether the client is connected. For TCP, a refused connection is logged
// and leaves the client unconnected; the caller may retry. A closed client
// does not connect again.
func (client *Client) Connect() bool {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	return client.connect()
}

func (client *Client) connect() bool {

	if client.closed {
		return false
	}

	if client.handle != nil {
		return true
	}

	var handle *socketHandle
	var targetAddr net.Addr
	var err error
	if client.config.Protocol == ProtocolTCP {
		handle, err = client.dial()
	} else {
		handle, targetAddr, err = client.listenPacket()
	}

	if err != nil {
		fields := common.LogFields{
			"client": client.describe(client.local),
			"error":  err,
		}
		if ClassifyError(err) == ErrorClassRefused {
			client.logger.WithTraceFields(fields).Warning("connection refused")
		} else {
			atomic.AddInt64(&client.metrics.errors, 1)
			client.logger.WithTraceFields(fields).Error("create failed")
		}
		return false
	}

	client.handle = handle
	client.targetAddr = targetAddr
	client.local = EndpointFromAddr(handle.localAddr())

	client.logger.WithTraceFields(common.LogFields{
		"client": client.describe(client.local),
	}).Debug("connected")

	return true
}

func (client *Client) dial() (*socketHandle, error) {

	dialer := &net.Dialer{Timeout: client.config.Timeout}

	if client.config.Bind != nil {
		localAddr, err := net.ResolveTCPAddr("tcp", client.config.Bind.String())
		if err != nil {
			return nil, errors.Trace(err)
		}
		dialer.LocalAddr = localAddr
	}

	conn, err := dialer.Dial("tcp", client.config.Target.String())
	if err != nil {
		return nil, errors.Trace(err)
	}

	return newConnHandle(conn), nil
}

func (client *Client) listenPacket() (*socketHandle, net.Addr, error) {

	targetAddr, err := net.ResolveUDPAddr("udp", client.config.Target.String())
	if err != nil {
		return nil, nil, errors.Trace(err)
	}

	network := "udp6"
	if targetAddr.IP == nil || targetAddr.IP.To4() != nil {
		network = "udp4"
	}

	address := ":0"
	if client.config.Bind != nil {
		address = client.config.Bind.String()
	}

	listenConfig := &net.ListenConfig{
		Control: func(_, _ string, rawConn syscall.RawConn) error {
			err := setReuseAddress(rawConn)
			if err != nil {
				return errors.Trace(err)
			}
			if client.broadcast {
				err = setBroadcast(rawConn)
				if err != nil {
					return errors.Trace(err)
				}
			}
			return nil
		},
	}

	packetConn, err := listenConfig.ListenPacket(context.Background(), network, address)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}

	if client.config.Protocol == ProtocolMulticast {

		interfaceHost := ""
		if client.config.Bind != nil {
			interfaceHost = client.config.Bind.Host
		}

		err := setMulticastSendOptions(
			packetConn, client.ttl, !client.config.DisableMulticastLoopback, interfaceHost)
		if err != nil {
			packetConn.Close()
			return nil, nil, errors.Trace(err)
		}

		// Membership is only needed to receive group traffic; sending to
		// the group works without it.
		err = joinMulticastGroup(packetConn, targetAddr.IP, interfaceHost)
		if err != nil {
			client.logger.WithTraceFields(common.LogFields{
				"group": client.config.Target.Host,
				"error": err,
			}).Warning("join group failed")
		}
	}

	return newPacketHandle(packetConn), targetAddr, nil
}

// Send connects, if necessary, and sends data to the target. TCP writes
// all of data. Send returns the number of bytes sent, or -1 when the client
// could not connect or the send failed. After a successful send, the
// receive loop is started when OnReceive is set and no loop is running.
func (client *Client) Send(data []byte) int {

	client.mutex.Lock()
	if !client.connect() {
		client.mutex.Unlock()
		client.logger.WithTraceFields(common.LogFields{
			"client": client.String(),
		}).Warning("not connected")
		return -1
	}
	handle := client.handle
	targetAddr := client.targetAddr
	client.mutex.Unlock()

	var n int
	var err error
	if handle.conn != nil {
		n, err = handle.conn.Write(data)
	} else {
		n, err = handle.packetConn.WriteTo(data, targetAddr)
	}

	if err != nil {
		atomic.AddInt64(&client.metrics.errors, 1)
		client.logger.WithTraceFields(common.LogFields{
			"client": client.String(),
			"class":  ClassifyError(err).String(),
			"error":  errors.Trace(err),
		}).Error("send failed")

		// A failed stream is not reusable; the next Send reconnects.
		if handle.conn != nil {
			client.release(handle)
		}
		return -1
	}

	client.metrics.sent(n)
	if client.logger.IsLogLevelDebug() {
		client.logger.WithTraceFields(common.LogFields{
			"target": client.config.Target.String(),
			"bytes":  n,
		}).Debug("sent")
	}

	client.startReceiver(handle)

	return n
}

func (client *Client) startReceiver(handle *socketHandle) {

	if client.config.OnReceive == nil {
		return
	}

	client.mutex.Lock()
	defer client.mutex.Unlock()

	if client.receiver != nil || client.handle != handle {
		return
	}

	receiver := newRunner(client.config.Isolated)
	client.receiver = receiver
	receiver.Start(func() { client.receive(handle, receiver) })
}

// receive runs the receive loop on handle until the peer disconnects, a
// receive times out or the client is closed.
func (client *Client) receive(handle *socketHandle, receiver runner) {

	disconnected := false

	defer func() {
		client.receiverStopped(handle, receiver, disconnected)
	}()

	buffer := make([]byte, client.bufferSize)

	for {

		if client.config.Timeout > 0 {
			err := handle.setReadDeadline(time.Now().Add(client.config.Timeout))
			if err != nil {
				if !client.receiveStopped(handle) {
					client.logReceiveError(err)
				}
				return
			}
		}

		var n int
		var addr net.Addr
		var err error
		if handle.conn != nil {
			n, err = handle.conn.Read(buffer)
			addr = handle.conn.RemoteAddr()
		} else {
			n, addr, err = handle.packetConn.ReadFrom(buffer)
		}

		if n > 0 || (err == nil && handle.packetConn != nil) {
			client.deliver(buffer[:n], EndpointFromAddr(addr))
		}

		if err == nil {
			continue
		}

		// After Close or release, the shutdown of handle surfaces here as
		// EOF or a closed socket error.
		if client.receiveStopped(handle) {
			return
		}

		class := ClassifyError(err)

		if handle.packetConn != nil &&
			(class == ErrorClassReset || class == ErrorClassRefused) {

			client.logger.WithTraceFields(common.LogFields{
				"class": class.String(),
			}).Debug("datagram error ignored")
			continue
		}

		switch class {
		case ErrorClassDisconnected, ErrorClassReset, ErrorClassAborted:
			disconnected = true
			client.logger.WithTraceFields(common.LogFields{
				"client": client.String(),
			}).Debug(class.String())
		case ErrorClassTimeout:
			client.logger.WithTraceFields(common.LogFields{
				"client":  client.String(),
				"timeout": client.config.Timeout.String(),
			}).Debug("receive timed out")
		default:
			client.logReceiveError(err)
		}
		return
	}
}

// receiveStopped reports, and logs, when handle is no longer the client
// socket.
func (client *Client) receiveStopped(handle *socketHandle) bool {
	if client.owns(handle) {
		return false
	}
	client.logger.WithTraceFields(common.LogFields{
		"client": client.String(),
	}).Debug("receive stopped")
	return true
}

func (client *Client) logReceiveError(err error) {
	atomic.AddInt64(&client.metrics.errors, 1)
	client.logger.WithTraceFields(common.LogFields{
		"client": client.String(),
		"class":  ClassifyError(err).String(),
		"error":  errors.Trace(err),
	}).Error("receive failed")
}

func (client *Client) deliver(data []byte, peer Endpoint) {

	payload := append([]byte(nil), data...)

	client.metrics.received(len(payload))

	if client.logger.IsLogLevelDebug() {
		client.logger.WithTraceFields(common.LogFields{
			"peer":  peer.String(),
			"bytes": len(payload),
		}).Debug("received")
	}

	invokeCallback(client.logger, &client.metrics, payload, peer, func() {
		client.config.OnReceive(payload, peer)
	})
}

func (client *Client) receiverStopped(handle *socketHandle, receiver runner, disconnected bool) {

	client.mutex.Lock()
	if client.receiver == receiver {
		client.receiver = nil
	}
	release := disconnected && client.handle == handle
	if release {
		client.handle = nil
		client.targetAddr = nil
	}
	client.mutex.Unlock()

	if release {
		handle.close()
	}
}

// release drops handle, when it is still the client socket, so that the
// next Send reconnects.
func (client *Client) release(handle *socketHandle) {
	client.mutex.Lock()
	owned := client.handle == handle
	if owned {
		client.handle = nil
		client.targetAddr = nil
	}
	client.mutex.Unlock()
	if owned {
		handle.close()
	}
}

func (client *Client) owns(handle *socketHandle) bool {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	return client.handle == handle
}

// Close shuts down and closes the socket, then waits for the receive loop
// to return unless the client is Isolated. Close is idempotent and returns
// whether the client ended closed. Connect and Send fail after Close.
func (client *Client) Close() bool {

	client.mutex.Lock()
	client.closed = true
	handle := client.handle
	receiver := client.receiver
	client.handle = nil
	client.targetAddr = nil
	client.receiver = nil
	client.mutex.Unlock()

	if handle != nil {
		err := handle.close()
		if err != nil {
			atomic.AddInt64(&client.metrics.errors, 1)
			client.logger.WithTraceFields(common.LogFields{
				"client": client.String(),
				"error":  err,
			}).Error("close failed")
		}
		client.logger.WithTraceFields(common.LogFields{
			"client": client.String(),
		}).Debug("closed")
	}

	if receiver != nil {
		receiver.Stop()
	}

	return !client.IsActive()
}

// IsActive reports whether the client socket is open.
func (client *Client) IsActive() bool {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	return client.handle != nil
}

// IsReceiving reports whether a receive loop is running.
func (client *Client) IsReceiving() bool {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	return client.receiver != nil
}

// LocalEndpoint returns the local endpoint, with any OS assigned port
// resolved once connected.
func (client *Client) LocalEndpoint() Endpoint {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	return client.local
}

// RemoteEndpoint returns the connected peer for TCP, and the target
// otherwise.
func (client *Client) RemoteEndpoint() Endpoint {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	if client.handle != nil {
		if remoteAddr := client.handle.remoteAddr(); remoteAddr != nil {
			return EndpointFromAddr(remoteAddr)
		}
	}
	return client.config.Target
}

func (client *Client) Protocol() Protocol {
	return client.config.Protocol
}

func (client *Client) String() string {
	return client.describe(client.LocalEndpoint())
}

func (client *Client) describe(local Endpoint) string {
	if local.Host == "" {
		return fmt.Sprintf("Client(%s, %s)", client.config.Protocol, client.config.Target)
	}
	return fmt.Sprintf("Client(%s, %s, bind %s)", client.config.Protocol, client.config.Target, local)
}

// GetMetrics implements common.MetricsSource.
func (client *Client) GetMetrics() common.LogFields {
	fields := common.LogFields{
		"protocol":       client.config.Protocol.String(),
		"target":         client.config.Target.String(),
		"local_endpoint": client.LocalEndpoint().String(),
		"is_active":      client.IsActive(),
		"is_receiving":   client.IsReceiving(),
	}
	fields.Add(client.metrics.logFields())
	return fields
}
