// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

package node

import (
	"encoding/binary"
	"fmt"

	"github.com/brypt-io/brypt-go/brypterr"
)

// ParcelType distinguishes the three frame kinds carried over a link.
type ParcelType uint8

const (
	ParcelHandshake   ParcelType = 1
	ParcelApplication ParcelType = 2
	ParcelControl     ParcelType = 3
)

// String renders t for logging and metric labels.
func (t ParcelType) String() string {
	switch t {
	case ParcelHandshake:
		return "handshake"
	case ParcelApplication:
		return "application"
	case ParcelControl:
		return "control"
	default:
		return "unknown"
	}
}

// Flag bits packed into a parcel's single flags byte.
type Flags uint8

const (
	FlagIsRequest Flags = 1 << iota
	FlagIsReply
	FlagIsBroadcast
	FlagIsEncrypted
)

func (f Flags) has(bit Flags) bool { return f&bit != 0 }

const (
	wireVersion = 1

	// MaxPayloadSize is the payload cap; larger payloads fail
	// encode with PayloadTooLarge.
	MaxPayloadSize = 16 * 1024 * 1024

	// RequestKeySize is the width of the 128-bit request correlator.
	RequestKeySize = 16

	headerSize   = 4 // version, type, flags, reserved
	statusSize   = 2
	lengthSize   = 4 // payload-length, network (big-endian) order
	sequenceSize = 8 // per-message nonce counter, present iff encrypted

)

// RequestKey is the 128-bit correlator tying a reply to its request,
// represented as two 64-bit limbs.
type RequestKey [RequestKeySize]byte

func (k RequestKey) String() string {
	return fmt.Sprintf("%016x%016x", binary.BigEndian.Uint64(k[:8]), binary.BigEndian.Uint64(k[8:]))
}

// IsZero reports whether k is the unset key.
func (k RequestKey) IsZero() bool { return k == RequestKey{} }

// Broadcast is the sentinel destination identifier for broadcast
// parcels; Parcel.Destination is ignored when FlagIsBroadcast is set.
var Broadcast = Identifier{}

// Parcel is one application-layer message unit: headers, payload and
// MAC trailer.
type Parcel struct {
	Type        ParcelType
	Flags       Flags
	Source      Identifier
	Destination Identifier // unused when Flags.has(FlagIsBroadcast)
	Route       string
	RequestKey  RequestKey
	StatusCode  uint16
	// Sequence is the sender's per-direction nonce counter; it is
	// only present on the wire when FlagIsEncrypted is set, letting the
	// receiver reconstruct the exact (epoch, counter) nonce pair and run
	// the replay window instead of relying on TCP's in-order delivery
	// alone.
	Sequence    uint64
	Payload     []byte
	TrailerMAC  []byte
}

// IsRequest reports whether the parcel is a fresh request.
func (p *Parcel) IsRequest() bool { return p.Flags.has(FlagIsRequest) }

// IsReply reports whether the parcel is a correlated reply.
func (p *Parcel) IsReply() bool { return p.Flags.has(FlagIsReply) }

// IsBroadcast reports whether the parcel targets every authorized peer.
func (p *Parcel) IsBroadcast() bool { return p.Flags.has(FlagIsBroadcast) }

// IsEncrypted reports whether the parcel carries a trailer MAC and an
// encrypted payload.
func (p *Parcel) IsEncrypted() bool { return p.Flags.has(FlagIsEncrypted) }

// Encode serializes p per the wire format:
//
//	version(1) type(1) flags(1) reserved(1)
//	source-id-length(1) source-id
//	route-length(1) route
//	request-key(16, if request|reply)
//	status-code(2, if reply)
//	sequence(8, big-endian, if encrypted)
//	payload-length(4, big-endian) payload
//	trailer-mac (suite-dependent, appended verbatim)
func (p *Parcel) Encode() ([]byte, error) {
	if len(p.Payload) > MaxPayloadSize {
		return nil, brypterr.New(brypterr.PayloadTooLarge, fmt.Sprintf("payload %d bytes exceeds %d", len(p.Payload), MaxPayloadSize))
	}
	srcID := p.Source.Bytes()
	if len(srcID) > 0xff {
		return nil, brypterr.New(brypterr.InvalidArgument, "source identifier too long to encode")
	}
	route := []byte(p.Route)
	if len(route) > 0xff {
		return nil, brypterr.New(brypterr.InvalidArgument, "route too long to encode")
	}

	size := headerSize + 1 + len(srcID) + 1 + len(route)
	hasKey := p.IsRequest() || p.IsReply()
	if hasKey {
		size += RequestKeySize
	}
	if p.IsReply() {
		size += statusSize
	}
	if p.IsEncrypted() {
		size += sequenceSize
	}
	size += lengthSize + len(p.Payload) + len(p.TrailerMAC)

	buf := make([]byte, size)
	i := 0
	buf[i] = wireVersion
	buf[i+1] = byte(p.Type)
	buf[i+2] = byte(p.Flags)
	buf[i+3] = 0 // reserved
	i += headerSize

	buf[i] = byte(len(srcID))
	i++
	i += copy(buf[i:], srcID)

	buf[i] = byte(len(route))
	i++
	i += copy(buf[i:], route)

	if hasKey {
		i += copy(buf[i:], p.RequestKey[:])
	}
	if p.IsReply() {
		binary.BigEndian.PutUint16(buf[i:], p.StatusCode)
		i += statusSize
	}
	if p.IsEncrypted() {
		binary.BigEndian.PutUint64(buf[i:], p.Sequence)
		i += sequenceSize
	}

	binary.BigEndian.PutUint32(buf[i:], uint32(len(p.Payload)))
	i += lengthSize
	i += copy(buf[i:], p.Payload)
	copy(buf[i:], p.TrailerMAC)

	return buf, nil
}

// DecodeParcel parses buf per the wire layout. macSize is the trailer
// length the negotiated cipher suite produces; pass 0 for unencrypted
// handshake parcels. Any bounds violation returns InvalidArgument and
// the caller is expected to drop the frame and bump its invalid-frame
// counter.
func DecodeParcel(buf []byte, macSize int) (*Parcel, error) {
	if len(buf) < headerSize+2 {
		return nil, brypterr.New(brypterr.InvalidArgument, "frame shorter than fixed header")
	}
	p := &Parcel{}
	i := 0
	if buf[i] != wireVersion {
		return nil, brypterr.New(brypterr.InvalidArgument, fmt.Sprintf("unsupported wire version %d", buf[i]))
	}
	p.Type = ParcelType(buf[i+1])
	p.Flags = Flags(buf[i+2])
	i += headerSize

	srcLen := int(buf[i])
	i++
	if i+srcLen > len(buf) {
		return nil, brypterr.New(brypterr.InvalidArgument, "source id overruns frame")
	}
	src, err := NewPersistentIdentifier(buf[i : i+srcLen])
	if err != nil {
		return nil, brypterr.Wrap(brypterr.InvalidArgument, "decode source id", err)
	}
	p.Source = src
	i += srcLen

	if i >= len(buf) {
		return nil, brypterr.New(brypterr.InvalidArgument, "frame truncated before route length")
	}
	routeLen := int(buf[i])
	i++
	if i+routeLen > len(buf) {
		return nil, brypterr.New(brypterr.InvalidArgument, "route overruns frame")
	}
	p.Route = string(buf[i : i+routeLen])
	i += routeLen

	if p.IsRequest() || p.IsReply() {
		if i+RequestKeySize > len(buf) {
			return nil, brypterr.New(brypterr.InvalidArgument, "request key overruns frame")
		}
		copy(p.RequestKey[:], buf[i:i+RequestKeySize])
		i += RequestKeySize
	}

	if p.IsReply() {
		if i+statusSize > len(buf) {
			return nil, brypterr.New(brypterr.InvalidArgument, "status code overruns frame")
		}
		p.StatusCode = binary.BigEndian.Uint16(buf[i : i+statusSize])
		i += statusSize
	}

	if p.IsEncrypted() {
		if i+sequenceSize > len(buf) {
			return nil, brypterr.New(brypterr.InvalidArgument, "sequence counter overruns frame")
		}
		p.Sequence = binary.BigEndian.Uint64(buf[i : i+sequenceSize])
		i += sequenceSize
	}

	if i+lengthSize > len(buf) {
		return nil, brypterr.New(brypterr.InvalidArgument, "payload length overruns frame")
	}
	payloadLen := binary.BigEndian.Uint32(buf[i:])
	i += lengthSize
	if payloadLen > MaxPayloadSize {
		return nil, brypterr.New(brypterr.PayloadTooLarge, fmt.Sprintf("declared payload %d bytes exceeds %d", payloadLen, MaxPayloadSize))
	}
	if i+int(payloadLen)+macSize != len(buf) {
		return nil, brypterr.New(brypterr.InvalidArgument, "payload/trailer length mismatch")
	}
	p.Payload = append([]byte(nil), buf[i:i+int(payloadLen)]...)
	i += int(payloadLen)

	if macSize > 0 {
		p.TrailerMAC = append([]byte(nil), buf[i:i+macSize]...)
		i += macSize
	}

	return p, nil
}
