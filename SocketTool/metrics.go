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
	"net"
	"net/http"
	"sort"

	"github.com/Psiphon-Labs/psiphon-sockets/common"
	"github.com/Psiphon-Labs/psiphon-sockets/common/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var counterMetrics = map[string]string{
	"bytes_received":       "Bytes received.",
	"bytes_sent":           "Bytes sent.",
	"messages_received":    "Reads delivered to the receive handler.",
	"messages_sent":        "Successful sends.",
	"connections_accepted": "Accepted TCP connections.",
	"connections_rejected": "TCP connections closed on accept by the connection limit.",
	"rate_limited":         "Connections or datagrams dropped by the peer rate limit.",
	"callback_panics":      "Receive handler panics.",
	"errors":               "Logged socket errors.",
}

var gaugeMetrics = map[string]string{
	"connections": "Live TCP connections.",
	"peers":       "Live TCP connections or recent datagram peers.",
	"is_active":   "1 when the endpoint is active.",
}

// metricsCollector exports the GetMetrics fields of a common.MetricsSource
// as Prometheus metrics. Fields are read on each scrape.
type metricsCollector struct {
	source      common.MetricsSource
	descs       map[string]*prometheus.Desc
	valueTypes  map[string]prometheus.ValueType
	metricNames []string
}

func newMetricsCollector(
	namespace string, source common.MetricsSource, constLabels prometheus.Labels) *metricsCollector {

	collector := &metricsCollector{
		source:     source,
		descs:      make(map[string]*prometheus.Desc),
		valueTypes: make(map[string]prometheus.ValueType),
	}

	add := func(name, help string, valueType prometheus.ValueType) {
		fqName := prometheus.BuildFQName(namespace, "", name)
		if valueType == prometheus.CounterValue {
			fqName += "_total"
		}
		collector.descs[name] = prometheus.NewDesc(fqName, help, nil, constLabels)
		collector.valueTypes[name] = valueType
		collector.metricNames = append(collector.metricNames, name)
	}

	for name, help := range counterMetrics {
		add(name, help, prometheus.CounterValue)
	}
	for name, help := range gaugeMetrics {
		add(name, help, prometheus.GaugeValue)
	}
	sort.Strings(collector.metricNames)

	return collector
}

func (collector *metricsCollector) Describe(descs chan<- *prometheus.Desc) {
	for _, name := range collector.metricNames {
		descs <- collector.descs[name]
	}
}

func (collector *metricsCollector) Collect(metrics chan<- prometheus.Metric) {
	fields := collector.source.GetMetrics()
	for _, name := range collector.metricNames {
		value, ok := metricValue(fields[name])
		if !ok {
			continue
		}
		metrics <- prometheus.MustNewConstMetric(
			collector.descs[name], collector.valueTypes[name], value)
	}
}

func metricValue(value interface{}) (float64, bool) {
	switch value := value.(type) {
	case int:
		return float64(value), true
	case int64:
		return float64(value), true
	case float64:
		return value, true
	case bool:
		if value {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// startMetricsServer serves collector at http://address/metrics until
// the returned server is closed.
func startMetricsServer(
	address string, collector prometheus.Collector, logger common.Logger) (*http.Server, error) {

	registry := prometheus.NewRegistry()
	err := registry.Register(collector)
	if err != nil {
		return nil, errors.Trace(err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, errors.Trace(err)
	}

	server := &http.Server{Handler: mux}

	go func() {
		err := server.Serve(listener)
		if err != nil && err != http.ErrServerClosed {
			logger.WithTraceFields(common.LogFields{
				"address": address,
				"error":   errors.Trace(err),
			}).Error("metrics server failed")
		}
	}()

	logger.WithTraceFields(common.LogFields{
		"address": listener.Addr().String(),
	}).Info("metrics server started")

	return server, nil
}
