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
	"runtime"
	"sync"
)

// runner is the execution strategy for an endpoint loop.
type runner interface {

	// Start runs loop asynchronously. Start is called at most once.
	Start(loop func())

	// Stop is the strategy's close action. It is called after the loop's
	// socket is closed.
	Stop()

	// Done is closed when the loop returns.
	Done() <-chan struct{}
}

func newRunner(isolated bool) runner {
	if isolated {
		return &isolatedRunner{done: make(chan struct{})}
	}
	return &goroutineRunner{done: make(chan struct{})}
}

// goroutineRunner runs the loop on a plain goroutine, sharing the scheduler
// with callers. Stop waits for the loop to return.
type goroutineRunner struct {
	startOnce sync.Once
	done      chan struct{}
	started   bool
}

func (r *goroutineRunner) Start(loop func()) {
	r.startOnce.Do(func() {
		r.started = true
		go func() {
			defer close(r.done)
			loop()
		}()
	})
}

func (r *goroutineRunner) Stop() {
	if !r.started {
		return
	}
	<-r.done
}

func (r *goroutineRunner) Done() <-chan struct{} {
	return r.done
}

// isolatedRunner runs the loop on a dedicated, locked OS thread. The thread
// is never unlocked, so the runtime discards it when the loop returns.
// Stop returns without waiting; the loop exits on its own once its socket
// is closed.
type isolatedRunner struct {
	startOnce sync.Once
	done      chan struct{}
}

func (r *isolatedRunner) Start(loop func()) {
	r.startOnce.Do(func() {
		go func() {
			runtime.LockOSThread()
			defer close(r.done)
			loop()
		}()
	})
}

func (r *isolatedRunner) Stop() {
}

func (r *isolatedRunner) Done() <-chan struct{} {
	return r.done
}
