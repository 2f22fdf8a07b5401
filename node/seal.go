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

	"github.com/brypt-io/brypt-go/brypterr"
)

// frameAAD binds a Session's AEAD tag to the routing metadata that
// travels alongside the ciphertext, so a MAC failure is raised on any
// tampering with the route, request key or status code, not just the
// payload bytes themselves.
func frameAAD(p *Parcel) []byte {
	aad := make([]byte, 0, 2+len(p.Source.Bytes())+len(p.Route)+RequestKeySize+2)
	aad = append(aad, byte(p.Type), byte(p.Flags))
	aad = append(aad, p.Source.Bytes()...)
	aad = append(aad, []byte(p.Route)...)
	aad = append(aad, p.RequestKey[:]...)
	var status [2]byte
	binary.BigEndian.PutUint16(status[:], p.StatusCode)
	return append(aad, status[:]...)
}

// SealParcel encrypts p.Payload in place under s, stamping the
// FlagIsEncrypted bit, the outbound Sequence and splitting the sealed
// output into Payload/TrailerMAC the way DecodeParcel expects to find
// them on the wire.
func SealParcel(s *Session, p *Parcel) error {
	p.Flags |= FlagIsEncrypted
	aad := frameAAD(p)
	sealed, seq, err := s.Encrypt(p.Payload, aad)
	if err != nil {
		return err
	}

	tagSize := s.suite.AEAD.TagSize()
	if len(sealed) < tagSize {
		return brypterr.New(brypterr.InvalidArgument, "sealed output shorter than suite tag size")
	}

	p.Sequence = seq
	p.Payload = sealed[:len(sealed)-tagSize]
	p.TrailerMAC = append([]byte(nil), sealed[len(sealed)-tagSize:]...)
	return nil
}

// OpenParcel authenticates and decrypts an inbound parcel that was
// sealed with SealParcel, verifying it against the same replay window
// and routing-metadata AAD the sender bound it to.
func OpenParcel(s *Session, p *Parcel) ([]byte, error) {
	if !p.IsEncrypted() {
		return nil, brypterr.New(brypterr.InvalidArgument, "parcel does not carry a trailer MAC")
	}
	sealed := make([]byte, 0, len(p.Payload)+len(p.TrailerMAC))
	sealed = append(sealed, p.Payload...)
	sealed = append(sealed, p.TrailerMAC...)
	return s.Decrypt(sealed, frameAAD(p), p.Sequence)
}

// TrailerSize reports the wire trailer length a Session's negotiated
// suite produces, for callers that need to size DecodeParcel's macSize
// argument before a Session is available (e.g. to recognize a
// handshake parcel, which carries none).
func TrailerSize(suite Suite) int {
	return suite.AEAD.TagSize()
}
