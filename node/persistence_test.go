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

func TestSaveAndLoadOptionsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions()
	opts.BasePath = dir
	opts.UseBootstraps = true
	opts.CoreThreads = 7
	opts.NetworkToken = "shared-network-secret"

	require.NoError(t, SaveOptions(opts))

	loaded, err := LoadOptions(dir, opts.ConfigurationFilename, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, opts.UseBootstraps, loaded.UseBootstraps)
	assert.Equal(t, opts.CoreThreads, loaded.CoreThreads)
	assert.Equal(t, opts.NetworkToken, loaded.NetworkToken)
	assert.Equal(t, opts.ConnectionTimeout, loaded.ConnectionTimeout)
}

func TestLoadOptionsMissingFileReturnsBase(t *testing.T) {
	dir := t.TempDir()
	base := DefaultOptions()
	base.BasePath = dir

	loaded, err := LoadOptions(dir, "does-not-exist.json", base)
	require.NoError(t, err)
	assert.Equal(t, base, loaded)
}

func TestSaveAndLoadBootstrapPeersRoundTrip(t *testing.T) {
	dir := t.TempDir()
	addrs := []Address{
		{Protocol: ProtocolTCP, URI: "peer-a:9000", Bootstrapable: true},
		{Protocol: ProtocolWebSocket, URI: "ws://peer-b:9001", Bootstrapable: true},
		{Protocol: ProtocolTCP, URI: "peer-c:9002", Bootstrapable: false}, // dropped
	}

	require.NoError(t, SaveBootstrapPeers(dir, "peers.json", addrs))

	loaded, err := LoadBootstrapPeers(dir, "peers.json")
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "peer-a:9000", loaded[0].URI)
	assert.Equal(t, "ws://peer-b:9001", loaded[1].URI)
}

func TestLoadBootstrapPeersMissingFileReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	loaded, err := LoadBootstrapPeers(dir, "absent.json")
	require.NoError(t, err)
	assert.Empty(t, loaded)
}
