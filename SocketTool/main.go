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

package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/Psiphon-Labs/psiphon-sockets/common/errors"
	"github.com/Psiphon-Labs/psiphon-sockets/framing"
	"github.com/Psiphon-Labs/psiphon-sockets/logging"
	"github.com/Psiphon-Labs/psiphon-sockets/sockets"
	"github.com/Psiphon-Labs/psiphon-sockets/wol"
)

func main() {

	var configFilename string
	flag.StringVar(&configFilename, "config", SOCKET_TOOL_CONFIG_FILENAME,
		"serve: configuration file (.json, .toml, .yaml)")

	var logLevel string
	flag.StringVar(&logLevel, "logLevel", "warn", "send, wol: log level")

	var protocolName string
	flag.StringVar(&protocolName, "protocol", "UDP", "send: TCP, UDP or MULTICAST")

	var target string
	flag.StringVar(&target, "target", "", "send: target host:port")

	var bind string
	flag.StringVar(&bind, "bind", "", "send: local host:port")

	var timeout time.Duration
	flag.DurationVar(&timeout, "timeout", 2*time.Second, "send: time to wait for a reply")

	var prefixSize int
	flag.IntVar(&prefixSize, "prefix", 0, "send: length prefix size; 0 sends the raw message")

	var mac string
	flag.StringVar(&mac, "mac", "", "wol: MAC address")

	var network string
	flag.StringVar(&network, "network", "",
		"wol: target network, CIDR or IPv4 address; default is every local network")

	var port int
	flag.IntVar(&port, "port", wol.DEFAULT_PORT, "wol: destination port")

	flag.Parse()

	args := flag.Args()

	if len(args) < 1 {
		fmt.Fprintf(os.Stderr,
			"usage: '%s generate', '%s serve', '%s send <message>' or '%s wol'\n",
			os.Args[0], os.Args[0], os.Args[0], os.Args[0])
		os.Exit(1)
	}

	var err error

	switch args[0] {

	case "generate":

		var contents []byte
		contents, err = GenerateConfig()
		if err == nil {
			err = os.WriteFile(configFilename, contents, 0600)
		}

	case "serve":

		err = serve(configFilename)

	case "send":

		if len(args) < 2 {
			err = errors.TraceNew("send requires a message")
			break
		}
		err = logging.InitLogging(logLevel, "")
		if err == nil {
			var reply []byte
			reply, err = send(protocolName, target, bind, []byte(args[1]), prefixSize, timeout)
			if err == nil {
				fmt.Printf("%s\n", reply)
			}
		}

	case "wol":

		err = logging.InitLogging(logLevel, "")
		if err == nil {
			var results []wol.Result
			if network != "" {
				var result wol.Result
				result, err = wol.SendToNetwork(mac, network, port, logging.DefaultLogger())
				results = append(results, result)
			} else {
				results, err = wol.Send(mac, port, logging.DefaultLogger())
			}
			for _, result := range results {
				fmt.Printf("%s -> %s: %d bytes\n", result.LocalIP, result.Broadcast, result.Sent)
			}
		}

	default:
		err = errors.Tracef("unknown command: %s", args[0])
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "%s failed: %s\n", args[0], err)
		os.Exit(1)
	}
}

// send sends message to target and waits up to timeout for the first
// reply. With a prefix size, the message is sent as one frame and the reply
// is the first complete frame received.
func send(
	protocolName, target, bind string,
	message []byte,
	prefixSize int,
	timeout time.Duration) ([]byte, error) {

	protocol, err := sockets.ParseProtocol(protocolName)
	if err != nil {
		return nil, errors.Trace(err)
	}

	targetEndpoint, err := sockets.ParseEndpoint(target)
	if err != nil {
		return nil, errors.Trace(err)
	}

	var bindEndpoint *sockets.Endpoint
	if bind != "" {
		endpoint, err := sockets.ParseEndpoint(bind)
		if err != nil {
			return nil, errors.Trace(err)
		}
		bindEndpoint = &endpoint
	}

	var assembler *framing.Assembler
	if prefixSize > 0 {
		assembler, err = framing.NewAssembler(prefixSize, nil)
		if err != nil {
			return nil, errors.Trace(err)
		}
		message, err = framing.Encode(message, prefixSize)
		if err != nil {
			return nil, errors.Trace(err)
		}
	}

	replies := make(chan []byte, 1)
	onReceive := func(payload []byte, _ sockets.Endpoint) {
		if assembler != nil {
			frames := assembler.Feed(payload)
			if len(frames) == 0 {
				return
			}
			payload = frames[0]
		}
		select {
		case replies <- payload:
		default:
		}
	}

	client, err := sockets.NewClient(&sockets.ClientConfig{
		Protocol:  protocol,
		Target:    targetEndpoint,
		Bind:      bindEndpoint,
		OnReceive: onReceive,
		Timeout:   timeout,
		Logger:    logging.DefaultLogger().WithComponent("socket-tool"),
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer client.Close()

	if client.Send(message) < 0 {
		return nil, errors.Tracef("send to %s failed", targetEndpoint)
	}

	select {
	case reply := <-replies:
		return reply, nil
	case <-time.After(timeout):
		return nil, errors.Tracef("no reply from %s within %s", targetEndpoint, timeout)
	}
}
