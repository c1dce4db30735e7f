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

	"github.com/Psiphon-Labs/psiphon-sockets/common/errors"
)

// InterfaceByIPAddress returns the network interface that has ip assigned.
// A nil interface with a nil error is returned for unspecified addresses,
// "0.0.0.0" or "::", meaning the system default interface.
func InterfaceByIPAddress(ip net.IP) (*net.Interface, error) {

	if ip == nil || ip.IsUnspecified() {
		return nil, nil
	}

	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, errors.Trace(err)
	}

	for i := range interfaces {
		addrs, err := interfaces[i].Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ipNet.IP.Equal(ip) {
				return &interfaces[i], nil
			}
		}
	}

	return nil, errors.Tracef("could not find interface for IP address %s", ip)
}
