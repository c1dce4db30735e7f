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

package common

import (
	"net"
	"strconv"
	"strings"

	"github.com/Psiphon-Labs/psiphon-sockets/common/errors"
)

// IPAddressFromAddr is a helper which extracts an IP address
// from a net.Addr or returns "" if there is no IP address.
func IPAddressFromAddr(addr net.Addr) string {
	ipAddress := ""
	if addr != nil {
		host, _, err := net.SplitHostPort(addr.String())
		if err == nil {
			ipAddress = host
		}
	}
	return ipAddress
}

// PortFromAddr is a helper which extracts a port number from a net.Addr or
// returns 0 if there is no port number.
func PortFromAddr(addr net.Addr) int {
	port := 0
	if addr != nil {
		_, portStr, err := net.SplitHostPort(addr.String())
		if err == nil {
			port, _ = strconv.Atoi(portStr)
		}
	}
	return port
}

// BroadcastAddress returns the directed broadcast address of an IPv4
// network, or nil for IPv6 networks.
func BroadcastAddress(ipNet *net.IPNet) net.IP {
	ip := ipNet.IP.To4()
	if ip == nil || len(ipNet.Mask) != net.IPv4len {
		return nil
	}
	broadcast := make(net.IP, net.IPv4len)
	for i := range ip {
		broadcast[i] = ip[i] | ^ipNet.Mask[i]
	}
	return broadcast
}

// ClassfulBroadcastAddress returns the broadcast address for an IPv4 address
// given either in CIDR form, "192.168.1.100/24", or as a bare address, in
// which case the classful default mask is applied: class A /8, B /16, C and
// D /24, E /32.
func ClassfulBroadcastAddress(address string) (net.IP, error) {

	if !strings.Contains(address, "/") {
		ip := net.ParseIP(address).To4()
		if ip == nil {
			return nil, errors.Tracef("invalid IPv4 address: %s", address)
		}
		var prefix string
		switch first := ip[0]; {
		case first >= 1 && first <= 126:
			prefix = "/8"
		case first >= 128 && first <= 191:
			prefix = "/16"
		case first >= 192 && first <= 239:
			prefix = "/24"
		default:
			prefix = "/32"
		}
		address += prefix
	}

	_, ipNet, err := net.ParseCIDR(address)
	if err != nil {
		return nil, errors.Trace(err)
	}
	broadcast := BroadcastAddress(ipNet)
	if broadcast == nil {
		return nil, errors.Tracef("not an IPv4 network: %s", address)
	}
	return broadcast, nil
}

// LocalIPv4Networks returns the IPv4 networks of all up, non-loopback
// interfaces, with IP set to the interface's own address.
func LocalIPv4Networks() ([]*net.IPNet, error) {

	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, errors.Trace(err)
	}

	var networks []*net.IPNet
	for _, in := range interfaces {
		if in.Flags&net.FlagUp == 0 || in.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := in.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.To4() == nil {
				continue
			}
			networks = append(networks, &net.IPNet{
				IP:   ipNet.IP.To4(),
				Mask: ipNet.Mask[len(ipNet.Mask)-net.IPv4len:],
			})
		}
	}
	return networks, nil
}

// IsBroadcastHost reports whether host is an IPv4 broadcast address: the
// limited broadcast address, any address ending in ".255", or the directed
// broadcast address of a local network.
func IsBroadcastHost(host string) bool {
	ip := net.ParseIP(host).To4()
	if ip == nil {
		return false
	}
	if ip.Equal(net.IPv4bcast) || ip[3] == 255 {
		return true
	}
	networks, err := LocalIPv4Networks()
	if err != nil {
		return false
	}
	for _, network := range networks {
		if ip.Equal(BroadcastAddress(network)) {
			return true
		}
	}
	return false
}
