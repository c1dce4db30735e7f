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

// Package wol sends Wake-on-LAN magic packets.
package wol

import (
	"encoding/hex"
	"net"
	"strings"
	"sync"

	"github.com/Psiphon-Labs/psiphon-sockets/common"
	"github.com/Psiphon-Labs/psiphon-sockets/common/errors"
	"github.com/Psiphon-Labs/psiphon-sockets/sockets"
	"golang.org/x/sync/errgroup"
)

const (
	DEFAULT_PORT      = 9527
	MAGIC_PACKET_SIZE = 6 + 16*6
)

var localNetworks = common.LocalIPv4Networks

// ParseMAC parses a 6 byte MAC address with ':' or '-' separators, or as
// 12 bare hex digits.
func ParseMAC(mac string) (net.HardwareAddr, error) {
	digits := strings.NewReplacer(":", "", "-", "", ".", "").Replace(strings.TrimSpace(mac))
	if len(digits) != 12 {
		return nil, errors.Tracef("invalid MAC address: %s", mac)
	}
	address, err := hex.DecodeString(digits)
	if err != nil {
		return nil, errors.Tracef("invalid MAC address: %s", mac)
	}
	return net.HardwareAddr(address), nil
}

// MagicPacket returns the magic packet waking mac: 6 bytes of 0xff followed
// by 16 repetitions of the address.
func MagicPacket(mac net.HardwareAddr) ([]byte, error) {
	if len(mac) != 6 {
		return nil, errors.Tracef("unexpected MAC address length: %d", len(mac))
	}
	packet := make([]byte, 0, MAGIC_PACKET_SIZE)
	for i := 0; i < 6; i++ {
		packet = append(packet, 0xff)
	}
	for i := 0; i < 16; i++ {
		packet = append(packet, mac...)
	}
	return packet, nil
}

// Result is the outcome of sending to one local network.
type Result struct {
	LocalIP   string
	Broadcast string
	Sent      int
}

// Send sends the magic packet for mac to the broadcast address of every
// local IPv4 network, from a UDP client bound to that network's address.
// Sends run concurrently; the first failure is returned together with the
// results of all sends.
func Send(mac string, port int, logger common.Logger) ([]Result, error) {

	hardwareAddr, err := ParseMAC(mac)
	if err != nil {
		return nil, errors.Trace(err)
	}

	packet, err := MagicPacket(hardwareAddr)
	if err != nil {
		return nil, errors.Trace(err)
	}

	networks, err := localNetworks()
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(networks) == 0 {
		return nil, errors.TraceNew("no local IPv4 networks")
	}

	var mutex sync.Mutex
	var results []Result

	var group errgroup.Group
	for _, network := range networks {
		network := network
		group.Go(func() error {

			broadcast := common.BroadcastAddress(network)
			if broadcast == nil {
				return nil
			}

			result := Result{
				LocalIP:   network.IP.String(),
				Broadcast: broadcast.String(),
			}

			sent, err := SendTo(
				packet,
				sockets.Endpoint{Host: result.Broadcast, Port: port},
				&sockets.Endpoint{Host: result.LocalIP, Port: 0},
				logger)

			result.Sent = sent

			mutex.Lock()
			results = append(results, result)
			mutex.Unlock()

			return errors.Trace(err)
		})
	}

	err = group.Wait()
	return results, err
}

// SendToNetwork sends the magic packet for mac to the broadcast address of
// network, given in CIDR form or as a bare IPv4 address with a classful
// mask.
func SendToNetwork(mac, network string, port int, logger common.Logger) (Result, error) {

	hardwareAddr, err := ParseMAC(mac)
	if err != nil {
		return Result{}, errors.Trace(err)
	}

	packet, err := MagicPacket(hardwareAddr)
	if err != nil {
		return Result{}, errors.Trace(err)
	}

	broadcast, err := common.ClassfulBroadcastAddress(network)
	if err != nil {
		return Result{}, errors.Trace(err)
	}

	result := Result{Broadcast: broadcast.String()}

	result.Sent, err = SendTo(
		packet, sockets.Endpoint{Host: result.Broadcast, Port: port}, nil, logger)

	return result, errors.Trace(err)
}

// SendTo sends packet to target through a one-shot UDP client, bound to
// bind when not nil.
func SendTo(
	packet []byte,
	target sockets.Endpoint,
	bind *sockets.Endpoint,
	logger common.Logger) (int, error) {

	client, err := sockets.NewClient(&sockets.ClientConfig{
		Protocol: sockets.ProtocolUDP,
		Target:   target,
		Bind:     bind,
		Logger:   logger,
	})
	if err != nil {
		return 0, errors.Trace(err)
	}
	defer client.Close()

	sent := client.Send(packet)
	if sent != len(packet) {
		return 0, errors.Tracef("send to %s failed", target)
	}

	if logger != nil {
		logger.WithTraceFields(common.LogFields{
			"target": target.String(),
			"bytes":  sent,
		}).Info("magic packet sent")
	}

	return sent, nil
}
