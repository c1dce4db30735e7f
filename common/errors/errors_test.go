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

package errors

import (
	std_errors "errors"
	"io"
	"strings"
	"testing"
)

func TestTraceRetainsCause(t *testing.T) {

	err := Trace(io.EOF)
	if !std_errors.Is(err, io.EOF) {
		t.Fatalf("traced error lost its cause: %v", err)
	}
	if !strings.Contains(err.Error(), "errors.TestTraceRetainsCause#") {
		t.Fatalf("missing caller context: %s", err)
	}

	err = TraceMsg(io.EOF, "read failed")
	if !Is(err, io.EOF) {
		t.Fatalf("traced message error lost its cause: %v", err)
	}
	if !strings.Contains(err.Error(), "read failed: EOF") {
		t.Fatalf("unexpected message: %s", err)
	}
}

func TestTraceNil(t *testing.T) {
	if Trace(nil) != nil {
		t.Fatalf("Trace(nil) must be nil")
	}
	if TraceMsg(nil, "ignored") != nil {
		t.Fatalf("TraceMsg(nil) must be nil")
	}
}

func TestTracef(t *testing.T) {
	err := Tracef("invalid port: %d", 70000)
	if !strings.HasSuffix(err.Error(), "invalid port: 70000") {
		t.Fatalf("unexpected message: %s", err)
	}
	err = TraceNew("closed")
	if !strings.HasPrefix(err.Error(), "errors.TestTracef#") {
		t.Fatalf("unexpected context: %s", err)
	}
}
