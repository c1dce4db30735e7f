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

/*
Package sockets implements a transport layer over TCP, UDP and IPv4 multicast.

A Server binds a local endpoint and runs one accept/receive loop. For TCP,
each accepted connection is handled on its own goroutine; for UDP and
multicast, the loop itself reads datagrams. Inbound payloads are delivered to
a caller supplied callback together with the peer endpoint and a Replier
bound to the socket the payload arrived on.

A Client sends to one target endpoint, creating its socket lazily on first
send, and optionally runs one receive loop delivering replies to a callback.

Construction validates configuration and is the only operation that returns
an error. All runtime failures are logged and reported through sentinel
return values; they never panic or propagate. Endpoints hold OS sockets and
must be released with Close, typically with defer.
*/
package sockets

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/Psiphon-Labs/psiphon-sockets/common"
)

// Protocol selects the transport of an endpoint.
type Protocol int

const (
	ProtocolTCP Protocol = iota + 1
	ProtocolUDP
	ProtocolMulticast
)

func (protocol Protocol) String() string {
	switch protocol {
	case ProtocolTCP:
		return "TCP"
	case ProtocolUDP:
		return "UDP"
	case ProtocolMulticast:
		return "MULTICAST"
	}
	return fmt.Sprintf("Protocol(%d)", int(protocol))
}

// IsValid reports whether protocol is one of the defined protocols.
func (protocol Protocol) IsValid() bool {
	return protocol >= ProtocolTCP && protocol <= ProtocolMulticast
}

// ParseProtocol parses "TCP", "UDP" or "MULTICAST", ignoring case.
func ParseProtocol(value string) (Protocol, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "TCP":
		return ProtocolTCP, nil
	case "UDP":
		return ProtocolUDP, nil
	case "MULTICAST":
		return ProtocolMulticast, nil
	}
	return 0, &ConfigurationError{
		Field:   "protocol",
		Message: fmt.Sprintf("unsupported protocol %q, expected TCP, UDP or MULTICAST", value),
	}
}

// Endpoint is a host and port pair. On bind, port 0 requests an OS assigned
// port.
type Endpoint struct {
	Host string
	Port int
}

// EndpointFromAddr converts a net.Addr to an Endpoint. A nil addr yields the
// zero Endpoint.
func EndpointFromAddr(addr net.Addr) Endpoint {
	switch addr := addr.(type) {
	case *net.TCPAddr:
		return Endpoint{Host: addr.IP.String(), Port: addr.Port}
	case *net.UDPAddr:
		return Endpoint{Host: addr.IP.String(), Port: addr.Port}
	case nil:
		return Endpoint{}
	}
	host := common.IPAddressFromAddr(addr)
	if host == "" {
		return Endpoint{Host: addr.String()}
	}
	return Endpoint{Host: host, Port: common.PortFromAddr(addr)}
}

// ParseEndpoint parses a "host:port" string.
func ParseEndpoint(address string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return Endpoint{}, &ConfigurationError{Field: "address", Message: err.Error()}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Endpoint{}, &ConfigurationError{
			Field: "address", Message: fmt.Sprintf("invalid port %q", portStr)}
	}
	return Endpoint{Host: host, Port: port}, nil
}

func (endpoint Endpoint) String() string {
	return net.JoinHostPort(endpoint.Host, strconv.Itoa(endpoint.Port))
}

// Equal compares endpoints by port and by host, comparing hosts as IP
// addresses when both parse, so "::ffff:127.0.0.1" equals "127.0.0.1".
func (endpoint Endpoint) Equal(other Endpoint) bool {
	if endpoint.Port != other.Port {
		return false
	}
	ip, otherIP := net.ParseIP(endpoint.Host), net.ParseIP(other.Host)
	if ip != nil && otherIP != nil {
		return ip.Equal(otherIP)
	}
	return endpoint.Host == other.Host
}

// ConfigurationError reports an invalid endpoint configuration. It is
// returned only by constructors, before any socket is created.
type ConfigurationError struct {
	Field   string
	Message string
}

func (err *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", err.Field, err.Message)
}

func validateProtocol(protocol Protocol) error {
	if !protocol.IsValid() {
		return &ConfigurationError{
			Field:   "protocol",
			Message: fmt.Sprintf("%s is not TCP, UDP or MULTICAST", protocol),
		}
	}
	return nil
}

func validateEndpoint(field string, endpoint Endpoint, minPort int) error {
	if endpoint.Host == "" {
		return &ConfigurationError{Field: field, Message: "host is empty"}
	}
	if endpoint.Port < minPort || endpoint.Port > 65535 {
		return &ConfigurationError{
			Field:   field,
			Message: fmt.Sprintf("port %d is not in [%d, 65535]", endpoint.Port, minPort),
		}
	}
	return nil
}

func validateGroup(protocol Protocol, group *Endpoint, bind Endpoint) (net.IP, error) {

	if protocol != ProtocolMulticast {
		if group != nil {
			return nil, &ConfigurationError{
				Field:   "group",
				Message: fmt.Sprintf("group must not be set for %s", protocol),
			}
		}
		return nil, nil
	}

	if group == nil || group.Host == "" {
		return nil, &ConfigurationError{Field: "group", Message: "MULTICAST requires a group"}
	}

	groupIP := net.ParseIP(group.Host).To4()
	if groupIP == nil || !groupIP.IsMulticast() {
		return nil, &ConfigurationError{
			Field:   "group",
			Message: fmt.Sprintf("%s is not an IPv4 multicast address", group.Host),
		}
	}

	if group.Port != 0 && group.Port != bind.Port {
		return nil, &ConfigurationError{
			Field:   "group",
			Message: fmt.Sprintf("group port %d differs from bind port %d", group.Port, bind.Port),
		}
	}

	if bindIP := net.ParseIP(bind.Host); bindIP != nil && bindIP.Equal(groupIP) {
		return nil, &ConfigurationError{
			Field:   "group",
			Message: "group must differ from the bind address",
		}
	}

	return groupIP, nil
}
