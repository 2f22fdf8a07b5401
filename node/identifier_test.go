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

func TestEphemeralIdentifier(t *testing.T) {
	a, err := NewEphemeralIdentifier()
	require.NoError(t, err)
	b, err := NewEphemeralIdentifier()
	require.NoError(t, err)

	assert.False(t, a.IsZero())
	assert.False(t, a.Persistent())
	assert.False(t, a.Equal(b), "two random identifiers should differ")
	assert.Nil(t, a.Signer())
}

func TestPersistentIdentifierRoundTrip(t *testing.T) {
	raw, err := randomIdentifierBytes()
	require.NoError(t, err)

	id, err := NewPersistentIdentifier(raw)
	require.NoError(t, err)
	assert.True(t, id.Persistent())

	parsed, err := ParseIdentifier(id.String())
	require.NoError(t, err)
	assert.True(t, id.Equal(parsed))
}

func TestNewPersistentIdentifierRejectsEmpty(t *testing.T) {
	_, err := NewPersistentIdentifier(nil)
	assert.Error(t, err)
}

func TestGeneratePersistentIdentityCarriesSigner(t *testing.T) {
	id, err := GeneratePersistentIdentity()
	require.NoError(t, err)

	signer := id.Signer()
	require.NotNil(t, signer)

	sig, err := signer.Sign([]byte("transcript"))
	require.NoError(t, err)
	assert.NoError(t, signer.Verify([]byte("transcript"), sig))
}

func TestIdentifierCompareIsTotalOrder(t *testing.T) {
	a, err := NewPersistentIdentifier([]byte{1, 2, 3})
	require.NoError(t, err)
	b, err := NewPersistentIdentifier([]byte{1, 2, 4})
	require.NoError(t, err)

	assert.Negative(t, a.Compare(b))
	assert.Positive(t, b.Compare(a))
	assert.Zero(t, a.Compare(a))
}
