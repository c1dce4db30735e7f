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
	std_errors "errors"
	"fmt"
	"io"
	"net"
	"os"
	"testing"

	"github.com/Psiphon-Labs/psiphon-sockets/common/errors"
	"github.com/stretchr/testify/assert"
)

func TestClassifyError(t *testing.T) {

	opError := func(err error) error {
		return &net.OpError{Op: "read", Net: "tcp", Err: os.NewSyscallError("read", err)}
	}

	testCases := []struct {
		err      error
		expected ErrorClass
	}{
		{nil, ErrorClassNone},
		{io.EOF, ErrorClassDisconnected},
		{errors.Trace(io.EOF), ErrorClassDisconnected},
		{opError(errnoConnectionReset), ErrorClassReset},
		{errors.TraceMsg(opError(errnoConnectionAborted), "receive"), ErrorClassAborted},
		{opError(errnoConnectionRefused), ErrorClassRefused},
		{fmt.Errorf("close: %w", net.ErrClosed), ErrorClassClosed},
		{opError(benignCloseErrnos[0]), ErrorClassBenignClose},
		{&net.OpError{Op: "read", Net: "udp", Err: os.ErrDeadlineExceeded}, ErrorClassTimeout},
		{std_errors.New("unexpected"), ErrorClassGeneric},
	}

	for _, testCase := range testCases {
		assert.Equal(t, testCase.expected, ClassifyError(testCase.err), "%v", testCase.err)
	}
}

func TestBenignCloseErrors(t *testing.T) {

	for _, errno := range benignCloseErrnos {
		assert.True(t, isBenignCloseError(errors.Trace(errno)))
	}

	assert.False(t, isBenignCloseError(errnoConnectionReset))
	assert.False(t, isBenignCloseError(io.EOF))
	assert.False(t, isBenignCloseError(nil))
}

func TestErrorClassString(t *testing.T) {

	// Log wording distinguishes the three disconnect outcomes.
	wording := map[string]bool{}
	for _, class := range []ErrorClass{
		ErrorClassDisconnected, ErrorClassReset, ErrorClassAborted} {
		wording[class.String()] = true
	}
	assert.Len(t, wording, 3)
	assert.Equal(t, "normal disconnect", ErrorClassDisconnected.String())
}

func TestRefusedDialIsClassified(t *testing.T) {

	port := unusedTCPPort(t)

	_, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err == nil {
		t.Skip("unexpected listener on unused port")
	}

	assert.Equal(t, ErrorClassRefused, ClassifyError(errors.Trace(err)))
	assert.NotZero(t, errnoOf(err))
}
