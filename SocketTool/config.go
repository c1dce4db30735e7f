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
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/Psiphon-Labs/psiphon-sockets/common"
	"github.com/Psiphon-Labs/psiphon-sockets/common/errors"
	"github.com/Psiphon-Labs/psiphon-sockets/framing"
	"github.com/Psiphon-Labs/psiphon-sockets/sockets"
	"gopkg.in/yaml.v3"
)

const (
	SOCKET_TOOL_CONFIG_FILENAME = "socket-tool.config"
	DEFAULT_LOG_LEVEL           = "info"
	DEFAULT_PROTOCOL            = "TCP"
	DEFAULT_BIND_ADDRESS        = "127.0.0.1:9527"
	DEFAULT_METRICS_INTERVAL    = 60
)

// Config specifies the serve command. It may be written as JSON, TOML or
// YAML; the format is selected by the file extension, with JSON used for
// any extension other than .toml, .yaml and .yml.
type Config struct {

	// LogLevel specifies the log level. Valid values are "panic", "fatal",
	// "error", "warn", "info", "debug".
	LogLevel string `json:"LogLevel" toml:"log_level" yaml:"log_level"`

	// LogFilename specifies the path of the file to log to. When blank,
	// logs are written to stderr.
	LogFilename string `json:"LogFilename" toml:"log_filename" yaml:"log_filename"`

	// Protocol is TCP, UDP or MULTICAST.
	Protocol string `json:"Protocol" toml:"protocol" yaml:"protocol"`

	// BindAddress is the server "host:port". Port 0 selects an OS
	// assigned port.
	BindAddress string `json:"BindAddress" toml:"bind_address" yaml:"bind_address"`

	// GroupAddress is the IPv4 multicast group, required for MULTICAST.
	GroupAddress string `json:"GroupAddress" toml:"group_address" yaml:"group_address"`

	MaxConnections    int  `json:"MaxConnections" toml:"max_connections" yaml:"max_connections"`
	ReceiveBufferSize int  `json:"ReceiveBufferSize" toml:"receive_buffer_size" yaml:"receive_buffer_size"`
	PeerTTLSeconds    int  `json:"PeerTTLSeconds" toml:"peer_ttl_seconds" yaml:"peer_ttl_seconds"`
	Isolated          bool `json:"Isolated" toml:"isolated" yaml:"isolated"`

	// PeerRateLimitQuantity and PeerRateLimitIntervalSeconds limit the TCP
	// connections or datagrams accepted from one peer IP. Both must be set
	// to enable the limit.
	PeerRateLimitQuantity        int `json:"PeerRateLimitQuantity" toml:"peer_rate_limit_quantity" yaml:"peer_rate_limit_quantity"`
	PeerRateLimitIntervalSeconds int `json:"PeerRateLimitIntervalSeconds" toml:"peer_rate_limit_interval_seconds" yaml:"peer_rate_limit_interval_seconds"`

	// FramePrefixSize selects frame echo mode, in which each complete
	// length-prefixed frame is echoed as a frame. 0 echoes raw reads.
	FramePrefixSize int `json:"FramePrefixSize" toml:"frame_prefix_size" yaml:"frame_prefix_size"`

	// MetricsAddress, when set, is the "host:port" serving Prometheus
	// metrics at /metrics.
	MetricsAddress string `json:"MetricsAddress" toml:"metrics_address" yaml:"metrics_address"`

	// MetricsIntervalSeconds is the period of metric log entries. 0 uses
	// DEFAULT_METRICS_INTERVAL; a negative value disables them.
	MetricsIntervalSeconds int `json:"MetricsIntervalSeconds" toml:"metrics_interval_seconds" yaml:"metrics_interval_seconds"`
}

// LoadConfig reads and validates the config in filename.
func LoadConfig(filename string) (*Config, error) {
	contents, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Trace(err)
	}
	config, err := ParseConfig(contents, filepath.Ext(filename))
	if err != nil {
		return nil, errors.TraceMsg(err, filename)
	}
	return config, nil
}

// ParseConfig decodes contents in the format named by extension, applies
// defaults and validates the result.
func ParseConfig(contents []byte, extension string) (*Config, error) {

	var config Config
	var err error

	switch strings.ToLower(extension) {
	case ".toml":
		_, err = toml.Decode(string(contents), &config)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(contents, &config)
	default:
		err = json.Unmarshal(contents, &config)
	}
	if err != nil {
		return nil, errors.Trace(err)
	}

	if config.LogLevel == "" {
		config.LogLevel = DEFAULT_LOG_LEVEL
	}
	if config.Protocol == "" {
		config.Protocol = DEFAULT_PROTOCOL
	}
	if config.BindAddress == "" {
		config.BindAddress = DEFAULT_BIND_ADDRESS
	}
	if config.MetricsIntervalSeconds == 0 {
		config.MetricsIntervalSeconds = DEFAULT_METRICS_INTERVAL
	}

	protocol, err := sockets.ParseProtocol(config.Protocol)
	if err != nil {
		return nil, errors.Trace(err)
	}

	if err := validateNetworkAddress(config.BindAddress, false); err != nil {
		return nil, errors.TraceMsg(err, "BindAddress is invalid")
	}

	if protocol == sockets.ProtocolMulticast {
		groupIP := net.ParseIP(config.GroupAddress).To4()
		if groupIP == nil || !groupIP.IsMulticast() {
			return nil, errors.TraceNew("MULTICAST requires an IPv4 multicast GroupAddress")
		}
	} else if config.GroupAddress != "" {
		return nil, errors.Tracef("GroupAddress is not used by %s", protocol)
	}

	if config.MaxConnections < 0 || config.ReceiveBufferSize < 0 || config.PeerTTLSeconds < 0 {
		return nil, errors.TraceNew(
			"MaxConnections, ReceiveBufferSize and PeerTTLSeconds must not be negative")
	}

	if config.PeerRateLimitQuantity < 0 || config.PeerRateLimitIntervalSeconds < 0 ||
		(config.PeerRateLimitQuantity == 0) != (config.PeerRateLimitIntervalSeconds == 0) {
		return nil, errors.TraceNew(
			"PeerRateLimitQuantity and PeerRateLimitIntervalSeconds must both be positive or both be 0")
	}

	if config.FramePrefixSize < 0 || config.FramePrefixSize > framing.MaxPrefixSize {
		return nil, errors.Tracef(
			"FramePrefixSize must be in [0, %d]", framing.MaxPrefixSize)
	}

	if config.MetricsAddress != "" {
		if err := validateNetworkAddress(config.MetricsAddress, false); err != nil {
			return nil, errors.TraceMsg(err, "MetricsAddress is invalid")
		}
	}

	return &config, nil
}

func validateNetworkAddress(address string, requireIPaddress bool) error {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return errors.Trace(err)
	}
	if requireIPaddress && net.ParseIP(host) == nil {
		return errors.TraceNew("host must be an IP address")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return errors.Trace(err)
	}
	if port < 0 || port > 65535 {
		return errors.TraceNew("invalid port")
	}
	return nil
}

// ServerConfig converts config to a sockets.ServerConfig.
func (config *Config) ServerConfig(
	onReceive sockets.ServerReceiveHandler, logger common.Logger) (*sockets.ServerConfig, error) {

	protocol, err := sockets.ParseProtocol(config.Protocol)
	if err != nil {
		return nil, errors.Trace(err)
	}

	bind, err := sockets.ParseEndpoint(config.BindAddress)
	if err != nil {
		return nil, errors.Trace(err)
	}

	var group *sockets.Endpoint
	if protocol == sockets.ProtocolMulticast {
		group = &sockets.Endpoint{Host: config.GroupAddress, Port: bind.Port}
	}

	return &sockets.ServerConfig{
		Protocol:          protocol,
		Bind:              bind,
		Group:             group,
		OnReceive:         onReceive,
		Logger:            logger,
		Isolated:          config.Isolated,
		ReceiveBufferSize: config.ReceiveBufferSize,
		MaxConnections:    config.MaxConnections,
		PeerTTL:           time.Duration(config.PeerTTLSeconds) * time.Second,
		PeerRateLimit: sockets.RateLimit{
			Quantity: config.PeerRateLimitQuantity,
			Interval: time.Duration(config.PeerRateLimitIntervalSeconds) * time.Second,
		},
	}, nil
}

// GenerateConfig returns a JSON config with default values.
func GenerateConfig() ([]byte, error) {
	config := &Config{
		LogLevel:               DEFAULT_LOG_LEVEL,
		Protocol:               DEFAULT_PROTOCOL,
		BindAddress:            DEFAULT_BIND_ADDRESS,
		MetricsIntervalSeconds: DEFAULT_METRICS_INTERVAL,
	}
	encoded, err := json.MarshalIndent(config, "", "    ")
	if err != nil {
		return nil, errors.Trace(err)
	}
	return encoded, nil
}
