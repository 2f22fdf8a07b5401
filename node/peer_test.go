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

func newActiveSession(t *testing.T) *Session {
	t.Helper()
	suite, ok := LookupSuite("brypt-medium")
	require.True(t, ok)
	s, err := NewSession(suite, []byte("shared secret for peer tests"), mustIdentifier(t), true)
	require.NoError(t, err)
	return s
}

func TestPeerAuthorizeRequiresConnectedState(t *testing.T) {
	p := NewPeer(mustIdentifier(t), nil)
	err := p.Authorize(newActiveSession(t))
	assert.Error(t, err, "cannot authorize before MarkConnected")
}

func TestPeerLifecycleConnectAuthorizeDisconnect(t *testing.T) {
	p := NewPeer(mustIdentifier(t), nil)
	assert.Equal(t, ConnectionResolving, p.ConnectionState())

	p.MarkConnected("handle-1")
	assert.Equal(t, ConnectionConnected, p.ConnectionState())
	assert.False(t, p.IsAuthorized())

	require.NoError(t, p.Authorize(newActiveSession(t)))
	assert.True(t, p.IsAuthorized())
	assert.Equal(t, Authorized, p.AuthorizationState())

	cause := p.Disconnect(CauseRemoteClosed)
	assert.Equal(t, CauseRemoteClosed, cause)
	assert.Equal(t, ConnectionDisconnected, p.ConnectionState())
	assert.False(t, p.IsAuthorized())
	assert.Equal(t, SessionTornDown, p.Session().Lifetime())
}

func TestPeerFlagIsStickyUntilUnflag(t *testing.T) {
	p := NewPeer(mustIdentifier(t), nil)
	p.MarkConnected("h")
	require.NoError(t, p.Authorize(newActiveSession(t)))

	p.Flag()
	assert.Equal(t, Flagged, p.AuthorizationState())
	assert.False(t, p.IsAuthorized())

	p.Disconnect(CauseMACAbuse)
	assert.Equal(t, Flagged, p.AuthorizationState(), "disconnect must not clear a flagged peer")

	p.Unflag()
	assert.Equal(t, Unauthorized, p.AuthorizationState())
}

func TestPeerPendingRekeyRoundTrip(t *testing.T) {
	p := NewPeer(mustIdentifier(t), nil)
	assert.Nil(t, p.TakePendingRekey())

	suite, ok := LookupSuite("brypt-high")
	require.True(t, ok)
	kp, err := suite.KEM.GenerateKeyPair()
	require.NoError(t, err)

	p.SetPendingRekey(kp)
	taken := p.TakePendingRekey()
	assert.Equal(t, kp, taken)
	assert.Nil(t, p.TakePendingRekey(), "TakePendingRekey clears the slot")
}

func TestPeerStatsAccumulate(t *testing.T) {
	p := NewPeer(mustIdentifier(t), nil)
	p.RecordSent(10)
	p.RecordSent(5)
	p.RecordReceived(3)

	stats := p.Stats()
	assert.Equal(t, uint64(15), stats.Sent)
	assert.Equal(t, uint64(3), stats.Received)
}

func TestPeerTablePutGetRemove(t *testing.T) {
	table := NewPeerTable()
	id := mustIdentifier(t)
	p := NewPeer(id, nil)
	table.Put(p)

	got, ok := table.Get(id)
	require.True(t, ok)
	assert.Same(t, p, got)
	assert.Equal(t, 1, table.Count())

	table.Remove(id)
	_, ok = table.Get(id)
	assert.False(t, ok)
	assert.Equal(t, 0, table.Count())
}

func TestPeerTableAuthorizedFiltersUnauthorized(t *testing.T) {
	table := NewPeerTable()

	authorized := NewPeer(mustIdentifier(t), nil)
	authorized.MarkConnected("h1")
	require.NoError(t, authorized.Authorize(newActiveSession(t)))
	table.Put(authorized)

	unauthorized := NewPeer(mustIdentifier(t), nil)
	table.Put(unauthorized)

	got := table.Authorized()
	require.Len(t, got, 1)
	assert.True(t, got[0].ID().Equal(authorized.ID()))
}
