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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustIdentifier(t *testing.T) Identifier {
	t.Helper()
	id, err := NewEphemeralIdentifier()
	require.NoError(t, err)
	return id
}

func TestParcelEncodeDecodeApplicationRequest(t *testing.T) {
	src := mustIdentifier(t)
	p := &Parcel{
		Type:       ParcelApplication,
		Flags:      FlagIsRequest,
		Source:     src,
		Route:      "/ping",
		RequestKey: RequestKey{1, 2, 3, 4},
		Payload:    []byte("hello"),
	}

	buf, err := p.Encode()
	require.NoError(t, err)

	got, err := DecodeParcel(buf, 0)
	require.NoError(t, err)

	assert.Equal(t, p.Type, got.Type)
	assert.Equal(t, p.Flags, got.Flags)
	assert.True(t, p.Source.Equal(got.Source))
	assert.Equal(t, p.Route, got.Route)
	assert.Equal(t, p.RequestKey, got.RequestKey)
	assert.Equal(t, p.Payload, got.Payload)
	assert.True(t, got.IsRequest())
}

func TestParcelEncodeDecodeReplyCarriesStatus(t *testing.T) {
	src := mustIdentifier(t)
	p := &Parcel{
		Type:       ParcelApplication,
		Flags:      FlagIsReply,
		Source:     src,
		RequestKey: RequestKey{9},
		StatusCode: StatusOK,
		Payload:    []byte("pong"),
	}

	buf, err := p.Encode()
	require.NoError(t, err)

	got, err := DecodeParcel(buf, 0)
	require.NoError(t, err)
	assert.True(t, got.IsReply())
	assert.Equal(t, StatusOK, got.StatusCode)
	assert.Equal(t, p.Payload, got.Payload)
}

func TestParcelEncodeDecodeEncryptedCarriesSequenceAndTrailer(t *testing.T) {
	src := mustIdentifier(t)
	p := &Parcel{
		Type:       ParcelApplication,
		Flags:      FlagIsRequest | FlagIsEncrypted,
		Source:     src,
		RequestKey: RequestKey{7},
		Sequence:   42,
		Payload:    []byte("ciphertext-stand-in"),
		TrailerMAC: []byte{0xaa, 0xbb, 0xcc, 0xdd},
	}

	buf, err := p.Encode()
	require.NoError(t, err)

	got, err := DecodeParcel(buf, len(p.TrailerMAC))
	require.NoError(t, err)
	assert.Equal(t, p.Sequence, got.Sequence)
	assert.Equal(t, p.TrailerMAC, got.TrailerMAC)
	assert.Equal(t, p.Payload, got.Payload)
}

func TestParcelEncodeRejectsOversizedPayload(t *testing.T) {
	p := &Parcel{
		Type:    ParcelApplication,
		Source:  mustIdentifier(t),
		Payload: make([]byte, MaxPayloadSize+1),
	}
	_, err := p.Encode()
	assert.Error(t, err)
}

func TestDecodeParcelRejectsTruncatedFrame(t *testing.T) {
	_, err := DecodeParcel([]byte{1, 2}, 0)
	assert.Error(t, err)
}

func TestDecodeParcelRejectsBadVersion(t *testing.T) {
	buf := []byte{0xff, byte(ParcelApplication), 0, 0, 0, 0}
	_, err := DecodeParcel(buf, 0)
	assert.Error(t, err)
}

func TestDecodeParcelRejectsMismatchedTrailerLength(t *testing.T) {
	src := mustIdentifier(t)
	p := &Parcel{Type: ParcelApplication, Source: src, Payload: []byte("x")}
	buf, err := p.Encode()
	require.NoError(t, err)

	_, err = DecodeParcel(buf, 16) // claims a trailer that isn't there
	assert.Error(t, err)
}

func TestRequestKeyStringAndIsZero(t *testing.T) {
	var zero RequestKey
	assert.True(t, zero.IsZero())

	key := RequestKey{0x01}
	assert.False(t, key.IsZero())
	assert.Len(t, key.String(), 32)
}
