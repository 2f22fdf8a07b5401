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

func TestParseAddressTCPRequiresPort(t *testing.T) {
	_, err := ParseAddress(ProtocolTCP, "example.com", true)
	assert.Error(t, err)

	addr, err := ParseAddress(ProtocolTCP, "example.com:9000", true)
	require.NoError(t, err)
	assert.Equal(t, "tcp://example.com:9000", addr.String())
	assert.True(t, addr.Bootstrapable)
}

func TestParseAddressWebSocketRequiresScheme(t *testing.T) {
	_, err := ParseAddress(ProtocolWebSocket, "example.com:9000", true)
	assert.Error(t, err)

	addr, err := ParseAddress(ProtocolWebSocket, "ws://example.com:9000/", false)
	require.NoError(t, err)
	assert.False(t, addr.Bootstrapable)
}

func TestParseAddressRejectsUnknownProtocol(t *testing.T) {
	_, err := ParseAddress(Protocol("carrier-pigeon"), "x", true)
	assert.Error(t, err)
}

func TestParseAddressRejectsEmptyURI(t *testing.T) {
	_, err := ParseAddress(ProtocolTCP, "", true)
	assert.Error(t, err)
}
