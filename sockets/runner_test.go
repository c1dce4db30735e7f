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
	"testing"
	"time"
)

func TestGoroutineRunner(t *testing.T) {

	r := newRunner(false)

	// Stop before Start must not block.
	r.Stop()

	var finished int32
	release := make(chan struct{})
	r.Start(func() {
		<-release
		atomic.StoreInt32(&finished, 1)
	})

	select {
	case <-r.Done():
		t.Fatalf("loop returned early")
	case <-time.After(10 * time.Millisecond):
	}

	close(release)
	r.Stop()

	if atomic.LoadInt32(&finished) != 1 {
		t.Fatalf("Stop returned before the loop")
	}
}

func TestIsolatedRunner(t *testing.T) {

	r := newRunner(true)

	release := make(chan struct{})
	r.Start(func() {
		<-release
	})

	// Stop terminates without waiting for the blocked loop.
	stopped := make(chan struct{})
	go func() {
		r.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(testTimeout):
		t.Fatalf("Stop blocked on a running loop")
	}

	close(release)

	select {
	case <-r.Done():
	case <-time.After(testTimeout):
		t.Fatalf("loop did not return")
	}
}
