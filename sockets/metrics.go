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
	"sync/atomic"

	"github.com/Psiphon-Labs/psiphon-sockets/common"
)

// endpointMetrics are the traffic counters of one endpoint. The 64-bit
// fields are accessed atomically and must remain first in the struct.
type endpointMetrics struct {
	bytesReceived       int64
	bytesSent           int64
	messagesReceived    int64
	messagesSent        int64
	connectionsAccepted int64
	connectionsRejected int64
	rateLimited         int64
	callbackPanics      int64
	errors              int64
}

func (metrics *endpointMetrics) received(n int) {
	atomic.AddInt64(&metrics.bytesReceived, int64(n))
	atomic.AddInt64(&metrics.messagesReceived, 1)
}

func (metrics *endpointMetrics) sent(n int) {
	atomic.AddInt64(&metrics.bytesSent, int64(n))
	atomic.AddInt64(&metrics.messagesSent, 1)
}

func (metrics *endpointMetrics) logFields() common.LogFields {
	return common.LogFields{
		"bytes_received":       atomic.LoadInt64(&metrics.bytesReceived),
		"bytes_sent":           atomic.LoadInt64(&metrics.bytesSent),
		"messages_received":    atomic.LoadInt64(&metrics.messagesReceived),
		"messages_sent":        atomic.LoadInt64(&metrics.messagesSent),
		"connections_accepted": atomic.LoadInt64(&metrics.connectionsAccepted),
		"connections_rejected": atomic.LoadInt64(&metrics.connectionsRejected),
		"rate_limited":         atomic.LoadInt64(&metrics.rateLimited),
		"callback_panics":      atomic.LoadInt64(&metrics.callbackPanics),
		"errors":               atomic.LoadInt64(&metrics.errors),
	}
}
