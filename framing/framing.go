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

/*
Package framing recovers discrete messages from a byte stream using a
big-endian length prefix. The wire layout is

	[N-byte length][length bytes of body] ...

where N is the prefix size, 2 by default. A length of 0 is a keep-alive
marker which is consumed and never emitted.

Stream reads may split or merge frames arbitrarily, so each independent stream,
for example each TCP connection, must use its own Assembler.
*/
package framing

import (
	"sync"

	"github.com/Psiphon-Labs/psiphon-sockets/common/errors"
)

const (
	DefaultPrefixSize = 2
	MaxPrefixSize     = 8
)

// Classifier inspects the bytes of a single read and returns true when they
// begin a new logical packet, or false when they continue a previously
// incomplete one.
type Classifier func(data []byte) bool

// Extract parses zero or more complete frames from data. It returns the
// frame bodies and the unconsumed remainder, which is an incomplete prefix
// or body. Bodies and remainder alias data.
//
// Extract panics if prefixSize is not in [1, MaxPrefixSize].
func Extract(data []byte, prefixSize int) ([][]byte, []byte) {

	if prefixSize < 1 || prefixSize > MaxPrefixSize {
		panic("framing: invalid prefix size")
	}

	var frames [][]byte
	i := 0
	for i+prefixSize <= len(data) {

		length := decodeLength(data[i : i+prefixSize])

		if length == 0 {
			i += prefixSize
			continue
		}

		if length > uint64(len(data)-i-prefixSize) {
			break
		}

		start := i + prefixSize
		end := start + int(length)
		frames = append(frames, data[start:end:end])
		i = end
	}

	return frames, data[i:]
}

// Encode returns body with its length prefix.
func Encode(body []byte, prefixSize int) ([]byte, error) {
	frame, err := AppendFrame(make([]byte, 0, prefixSize+len(body)), body, prefixSize)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return frame, nil
}

// AppendFrame appends the length prefix and body to dst. An empty body
// produces a keep-alive marker.
func AppendFrame(dst, body []byte, prefixSize int) ([]byte, error) {

	if prefixSize < 1 || prefixSize > MaxPrefixSize {
		return nil, errors.Tracef("invalid prefix size: %d", prefixSize)
	}

	length := uint64(len(body))
	if prefixSize < MaxPrefixSize && length >= uint64(1)<<(8*uint(prefixSize)) {
		return nil, errors.Tracef(
			"body length %d exceeds %d byte prefix", length, prefixSize)
	}

	for shift := 8 * (prefixSize - 1); shift >= 0; shift -= 8 {
		dst = append(dst, byte(length>>uint(shift)))
	}
	return append(dst, body...), nil
}

func decodeLength(prefix []byte) uint64 {
	var length uint64
	for _, b := range prefix {
		length = length<<8 | uint64(b)
	}
	return length
}

// Assembler accumulates the reads of one stream and emits complete frame
// bodies. The zero value is not usable; call NewAssembler.
//
// Assembler is safe for concurrent use, but feeding one Assembler from more
// than one stream interleaves their bytes and corrupts both.
type Assembler struct {
	mutex      sync.Mutex
	prefixSize int
	classifier Classifier
	pending    []byte
}

// NewAssembler creates an Assembler. prefixSize 0 selects DefaultPrefixSize.
// With a nil classifier every read is treated as a continuation, which is
// the correct behavior for a plain byte stream.
func NewAssembler(prefixSize int, classifier Classifier) (*Assembler, error) {
	if prefixSize == 0 {
		prefixSize = DefaultPrefixSize
	}
	if prefixSize < 1 || prefixSize > MaxPrefixSize {
		return nil, errors.Tracef("invalid prefix size: %d", prefixSize)
	}
	return &Assembler{
		prefixSize: prefixSize,
		classifier: classifier,
	}, nil
}

// Feed adds one read to the stream and returns every frame body completed by
// it, in stream order. The returned bodies are owned by the caller.
//
// When the classifier reports a continuation, data is appended to the
// pending bytes before extraction. When it reports a new packet, extraction
// is attempted on data first; any remainder is appended to the pending bytes,
// which are then extracted in turn.
func (assembler *Assembler) Feed(data []byte) [][]byte {

	assembler.mutex.Lock()
	defer assembler.mutex.Unlock()

	if assembler.classifier == nil || !assembler.classifier(data) {
		assembler.pending = append(assembler.pending, data...)
		return assembler.extractPending()
	}

	frames, remainder := Extract(data, assembler.prefixSize)
	frames = copyFrames(frames)
	if len(remainder) > 0 {
		assembler.pending = append(assembler.pending, remainder...)
	}
	if len(assembler.pending) > 0 {
		frames = append(frames, assembler.extractPending()...)
	}
	return frames
}

// Pending returns the number of buffered bytes not yet forming a frame.
func (assembler *Assembler) Pending() int {
	assembler.mutex.Lock()
	defer assembler.mutex.Unlock()
	return len(assembler.pending)
}

// Reset discards any buffered bytes.
func (assembler *Assembler) Reset() {
	assembler.mutex.Lock()
	defer assembler.mutex.Unlock()
	assembler.pending = nil
}

func (assembler *Assembler) extractPending() [][]byte {
	frames, remainder := Extract(assembler.pending, assembler.prefixSize)
	frames = copyFrames(frames)

	// Compact so a long lived stream does not retain consumed bytes.
	if len(remainder) == 0 {
		assembler.pending = nil
	} else if len(remainder) < len(assembler.pending) {
		assembler.pending = append([]byte(nil), remainder...)
	}
	return frames
}

func copyFrames(frames [][]byte) [][]byte {
	for i, frame := range frames {
		frames[i] = append([]byte(nil), frame...)
	}
	return frames
}

// PeerAssemblers keeps one Assembler per stream key, typically the peer
// endpoint string of a TCP connection, for servers handling many streams
// through one receive callback.
type PeerAssemblers struct {
	mutex      sync.Mutex
	prefixSize int
	classifier Classifier
	assemblers map[string]*Assembler
}

// NewPeerAssemblers creates a PeerAssemblers whose Assemblers use prefixSize
// and classifier.
func NewPeerAssemblers(prefixSize int, classifier Classifier) (*PeerAssemblers, error) {

	// Validate once up front.
	_, err := NewAssembler(prefixSize, classifier)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return &PeerAssemblers{
		prefixSize: prefixSize,
		classifier: classifier,
		assemblers: make(map[string]*Assembler),
	}, nil
}

// Feed feeds data to the Assembler for peer, creating it on first use.
func (peers *PeerAssemblers) Feed(peer string, data []byte) [][]byte {
	peers.mutex.Lock()
	assembler, ok := peers.assemblers[peer]
	if !ok {
		assembler, _ = NewAssembler(peers.prefixSize, peers.classifier)
		peers.assemblers[peer] = assembler
	}
	peers.mutex.Unlock()

	return assembler.Feed(data)
}

// Remove discards the Assembler for peer, for example after its connection
// has closed.
func (peers *PeerAssemblers) Remove(peer string) {
	peers.mutex.Lock()
	defer peers.mutex.Unlock()
	delete(peers.assemblers, peer)
}

// Len returns the number of tracked streams.
func (peers *PeerAssemblers) Len() int {
	peers.mutex.Lock()
	defer peers.mutex.Unlock()
	return len(peers.assemblers)
}

// Retain discards the Assemblers of every peer not in live and returns the
// number discarded.
func (peers *PeerAssemblers) Retain(live []string) int {
	keep := make(map[string]bool, len(live))
	for _, peer := range live {
		keep[peer] = true
	}
	peers.mutex.Lock()
	defer peers.mutex.Unlock()
	removed := 0
	for peer := range peers.assemblers {
		if !keep[peer] {
			delete(peers.assemblers, peer)
			removed++
		}
	}
	return removed
}
