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
	"crypto/ed25519"
	"crypto/rand"

	"github.com/brypt-io/brypt-go/crypto/keys"

	"github.com/brypt-io/brypt-go/brypterr"
)

// identityVaultKeyID is the fixed key id a node's own long-term
// identity is stored under; a vault only ever holds one node identity,
// unlike crypto/storage's key stores which are meant to hold many.
const identityVaultKeyID = "node-identity"

// identityVault is the subset of vault.FileVault/vault.MemoryVault this
// package depends on.
type identityVault interface {
	StoreEncrypted(id string, key []byte, passphrase string) error
	LoadDecrypted(id string, passphrase string) ([]byte, error)
	Exists(id string) bool
}

// LoadOrCreatePersistentIdentity loads the node's long-term Ed25519
// identity from v under passphrase, generating and persisting a fresh
// one on first run. The returned Identifier carries the loaded/created
// key as its signer, so handshake replies are signed from the first
// startup onward.
func LoadOrCreatePersistentIdentity(v identityVault, passphrase string) (Identifier, error) {
	if v.Exists(identityVaultKeyID) {
		seed, err := v.LoadDecrypted(identityVaultKeyID, passphrase)
		if err != nil {
			return Identifier{}, brypterr.Wrap(brypterr.InitializationFailure, "load persisted node identity", err)
		}
		if len(seed) != ed25519.SeedSize {
			return Identifier{}, brypterr.New(brypterr.InvalidConfiguration, "persisted node identity has the wrong seed size")
		}
		priv := ed25519.NewKeyFromSeed(seed)
		kp, err := keys.NewEd25519KeyPair(priv, "")
		if err != nil {
			return Identifier{}, brypterr.Wrap(brypterr.InitializationFailure, "reconstruct node identity key pair", err)
		}
		return NewPersistentIdentifierWithSigner(priv.Public().(ed25519.PublicKey), kp)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Identifier{}, brypterr.Wrap(brypterr.InitializationFailure, "generate node identity key pair", err)
	}
	kp, err := keys.NewEd25519KeyPair(priv, "")
	if err != nil {
		return Identifier{}, brypterr.Wrap(brypterr.InitializationFailure, "wrap node identity key pair", err)
	}
	seed := priv.Seed()
	if err := v.StoreEncrypted(identityVaultKeyID, seed, passphrase); err != nil {
		return Identifier{}, brypterr.Wrap(brypterr.InitializationFailure, "persist node identity", err)
	}
	return NewPersistentIdentifierWithSigner(priv.Public().(ed25519.PublicKey), kp)
}
