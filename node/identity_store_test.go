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

	"github.com/brypt-io/brypt-go/crypto/vault"
)

func TestLoadOrCreatePersistentIdentityGeneratesOnFirstRun(t *testing.T) {
	v := vault.NewMemoryVault()

	id, err := LoadOrCreatePersistentIdentity(v, "a passphrase")
	require.NoError(t, err)
	assert.True(t, id.Persistent())
	require.NotNil(t, id.Signer())

	sig, err := id.Signer().Sign([]byte("transcript"))
	require.NoError(t, err)
	assert.NoError(t, id.Signer().Verify([]byte("transcript"), sig))
}

func TestLoadOrCreatePersistentIdentityReloadsSameIdentity(t *testing.T) {
	v := vault.NewMemoryVault()

	first, err := LoadOrCreatePersistentIdentity(v, "a passphrase")
	require.NoError(t, err)

	second, err := LoadOrCreatePersistentIdentity(v, "a passphrase")
	require.NoError(t, err)

	assert.True(t, first.Equal(second))
}

func TestLoadOrCreatePersistentIdentityWrongPassphraseFails(t *testing.T) {
	v := vault.NewMemoryVault()

	_, err := LoadOrCreatePersistentIdentity(v, "right passphrase")
	require.NoError(t, err)

	_, err = LoadOrCreatePersistentIdentity(v, "wrong passphrase")
	assert.Error(t, err)
}
