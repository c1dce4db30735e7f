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
	"time"

	lrucache "github.com/cognusion/go-cache-lru"
	"golang.org/x/time/rate"
)

const (
	RATE_LIMITER_REAP_FREQUENCY = 5 * time.Minute
	RATE_LIMITER_MAX_ENTRIES    = 100000
)

// RateLimit allows Quantity receive events from one peer IP per Interval,
// with bursts of up to Quantity. For TCP an event is an accepted
// connection; for UDP and MULTICAST it is a datagram. The zero value is
// unlimited.
type RateLimit struct {
	Quantity int
	Interval time.Duration
}

func (limit RateLimit) isSet() bool {
	return limit.Quantity > 0 && limit.Interval > 0
}

func validateRateLimit(limit RateLimit) error {
	if limit.Quantity < 0 || limit.Interval < 0 {
		return &ConfigurationError{Field: "peerRateLimit", Message: "must not be negative"}
	}
	if (limit.Quantity == 0) != (limit.Interval == 0) {
		return &ConfigurationError{
			Field: "peerRateLimit", Message: "quantity and interval must be set together"}
	}
	return nil
}

// peerRateLimiter keeps one token bucket per peer host. A bucket is
// discarded one interval after it is created.
type peerRateLimiter struct {
	limit    RateLimit
	limiters *lrucache.Cache
}

func newPeerRateLimiter(limit RateLimit) *peerRateLimiter {
	return &peerRateLimiter{
		limit: limit,
		limiters: lrucache.NewWithLRU(
			0, RATE_LIMITER_REAP_FREQUENCY, RATE_LIMITER_MAX_ENTRIES),
	}
}

// allow reports whether one more event from host is within the limit.
func (limiter *peerRateLimiter) allow(host string) bool {

	var rateLimiter *rate.Limiter

	entry, ok := limiter.limiters.Get(host)
	if ok {
		rateLimiter = entry.(*rate.Limiter)
	} else {
		limit := float64(limiter.limit.Quantity) / limiter.limit.Interval.Seconds()
		rateLimiter = rate.NewLimiter(rate.Limit(limit), limiter.limit.Quantity)
		limiter.limiters.Set(host, rateLimiter, limiter.limit.Interval)
	}

	return rateLimiter.Allow()
}

func (limiter *peerRateLimiter) flush() {
	limiter.limiters.Flush()
}
