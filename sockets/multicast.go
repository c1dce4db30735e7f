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

	"github.com/Psiphon-Labs/psiphon-sockets/common"
	"github.com/Psiphon-Labs/psiphon-sockets/common/errors"
	"golang.org/x/net/ipv4"
)

// DEFAULT_MULTICAST_TTL keeps multicast datagrams within one router hop of
// the local network.
const DEFAULT_MULTICAST_TTL = 2

// multicastInterface returns the interface owning host, or nil, selecting
// the system default, when host is not a specific IP address.
func multicastInterface(host string) (*net.Interface, error) {
	ip := net.ParseIP(host)
	if ip == nil || ip.IsUnspecified() {
		return nil, nil
	}
	networkInterface, err := common.InterfaceByIPAddress(ip)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return networkInterface, nil
}

func joinMulticastGroup(packetConn net.PacketConn, group net.IP, interfaceHost string) error {
	networkInterface, err := multicastInterface(interfaceHost)
	if err != nil {
		return errors.Trace(err)
	}
	err = ipv4.NewPacketConn(packetConn).JoinGroup(networkInterface, &net.UDPAddr{IP: group})
	if err != nil {
		return errors.TraceMsg(err, "join group failed")
	}
	return nil
}

func setMulticastSendOptions(
	packetConn net.PacketConn, ttl int, loopback bool, interfaceHost string) error {

	conn := ipv4.NewPacketConn(packetConn)
	if err := conn.SetMulticastTTL(ttl); err != nil {
		return errors.TraceMsg(err, "set TTL failed")
	}
	if err := conn.SetMulticastLoopback(loopback); err != nil {
		return errors.TraceMsg(err, "set loopback failed")
	}
	networkInterface, err := multicastInterface(interfaceHost)
	if err != nil {
		return errors.Trace(err)
	}
	if networkInterface != nil {
		if err := conn.SetMulticastInterface(networkInterface); err != nil {
			return errors.TraceMsg(err, "set interface failed")
		}
	}
	return nil
}

// NewMulticastServer creates a server receiving datagrams sent to group.
// The server binds the wildcard address on the group port, so that group
// traffic is accepted on every interface.
func NewMulticastServer(
	group Endpoint, onReceive ServerReceiveHandler, logger common.Logger) (*Server, error) {

	return NewServer(&ServerConfig{
		Protocol:  ProtocolMulticast,
		Bind:      Endpoint{Host: "0.0.0.0", Port: group.Port},
		Group:     &group,
		OnReceive: onReceive,
		Logger:    logger,
	})
}

// NewMulticastClient creates a client sending to group, with the default
// TTL and loopback enabled.
func NewMulticastClient(
	group Endpoint, onReceive ClientReceiveHandler, logger common.Logger) (*Client, error) {

	return NewClient(&ClientConfig{
		Protocol:  ProtocolMulticast,
		Target:    group,
		OnReceive: onReceive,
		Logger:    logger,
	})
}
