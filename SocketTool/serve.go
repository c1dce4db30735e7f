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
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Psiphon-Labs/psiphon-sockets/common"
	"github.com/Psiphon-Labs/psiphon-sockets/common/errors"
	"github.com/Psiphon-Labs/psiphon-sockets/framing"
	"github.com/Psiphon-Labs/psiphon-sockets/logging"
	"github.com/Psiphon-Labs/psiphon-sockets/sockets"
	"github.com/prometheus/client_golang/prometheus"
)

// ASSEMBLER_PRUNE_INTERVAL is the period at which frame mode discards the
// assemblers of datagram peers that have expired from the server peer table.
const ASSEMBLER_PRUNE_INTERVAL = 30 * time.Second

// echoService echoes every read back to its peer. In frame mode, reads are
// reassembled per peer and each complete frame is echoed as one frame.
type echoService struct {
	logger     common.Logger
	prefixSize int
	assemblers *framing.PeerAssemblers
}

func newEchoService(prefixSize int, logger common.Logger) (*echoService, error) {
	service := &echoService{
		logger:     logger,
		prefixSize: prefixSize,
	}
	if prefixSize > 0 {
		assemblers, err := framing.NewPeerAssemblers(prefixSize, nil)
		if err != nil {
			return nil, errors.Trace(err)
		}
		service.assemblers = assemblers
	}
	return service, nil
}

func (service *echoService) onReceive(
	payload []byte, peer sockets.Endpoint, replier sockets.Replier) {

	if service.assemblers == nil {
		replier.Reply(payload)
		return
	}

	for _, frame := range service.assemblers.Feed(peer.String(), payload) {
		encoded, err := framing.Encode(frame, service.prefixSize)
		if err != nil {
			service.logger.WithTraceFields(common.LogFields{
				"peer":  peer.String(),
				"error": err,
			}).Warning("frame not echoed")
			continue
		}
		replier.Reply(encoded)
	}
}

// onDisconnect discards the assembler of a closed TCP connection, with any
// partial frame it holds.
func (service *echoService) onDisconnect(peer sockets.Endpoint) {
	if service.assemblers == nil {
		return
	}
	service.assemblers.Remove(peer.String())
}

// prune discards the assemblers of peers the server no longer lists.
func (service *echoService) prune(server *sockets.Server) {
	if service.assemblers == nil {
		return
	}
	var live []string
	for _, peer := range server.Peers() {
		live = append(live, peer.String())
	}
	service.assemblers.Retain(live)
}

// newEchoServer creates, but does not start, the echo server described by
// config.
func newEchoServer(
	config *Config, logger common.Logger) (*sockets.Server, *echoService, error) {

	service, err := newEchoService(config.FramePrefixSize, logger)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}

	serverConfig, err := config.ServerConfig(service.onReceive, logger)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	serverConfig.OnDisconnect = service.onDisconnect

	server, err := sockets.NewServer(serverConfig)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}

	return server, service, nil
}

// runServer runs the echo server described by config until ctx is done.
func runServer(ctx context.Context, config *Config, logger *logging.ContextLogger) error {

	server, service, err := newEchoServer(config, logger)
	if err != nil {
		return errors.Trace(err)
	}
	defer server.Close()

	if !server.Start() {
		return errors.Tracef("%s failed to start", server)
	}

	logger.WithTraceFields(common.LogFields{
		"server": server.String(),
	}).Info("server started")

	if config.MetricsAddress != "" {
		collector := newMetricsCollector(
			"socket_tool",
			server,
			prometheus.Labels{"protocol": server.Protocol().String()})
		metricsServer, err := startMetricsServer(config.MetricsAddress, collector, logger)
		if err != nil {
			return errors.Trace(err)
		}
		defer metricsServer.Close()
	}

	var metricsTicker <-chan time.Time
	if config.MetricsIntervalSeconds > 0 {
		ticker := time.NewTicker(time.Duration(config.MetricsIntervalSeconds) * time.Second)
		defer ticker.Stop()
		metricsTicker = ticker.C
	}

	var pruneTicker <-chan time.Time
	if service.assemblers != nil && server.Protocol() != sockets.ProtocolTCP {
		ticker := time.NewTicker(ASSEMBLER_PRUNE_INTERVAL)
		defer ticker.Stop()
		pruneTicker = ticker.C
	}

	for {
		select {
		case <-pruneTicker:
			service.prune(server)
		case <-metricsTicker:
			logger.LogMetric("server", server.GetMetrics())
		case <-ctx.Done():
			logger.WithTraceFields(common.LogFields{
				"server": server.String(),
			}).Info("server stopping")
			return nil
		}
	}
}

func serve(configFilename string) error {

	config, err := LoadConfig(configFilename)
	if err != nil {
		return errors.Trace(err)
	}

	err = logging.InitLogging(config.LogLevel, config.LogFilename)
	if err != nil {
		return errors.Trace(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return runServer(ctx, config, logging.DefaultLogger().WithComponent("socket-tool"))
}
