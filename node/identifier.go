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

// Package node implements the brypt peer-to-peer overlay runtime: the
// peer lifecycle state machine, per-link session establishment, route
// dispatch and request/response correlation described by the service
// orchestrator in service.go.
package node

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"

	sagecrypto "github.com/brypt-io/brypt-go/crypto"
	"github.com/brypt-io/brypt-go/crypto/keys"

	"github.com/brypt-io/brypt-go/brypterr"
)

// identifierSize is the byte length of a generated Identifier.
const identifierSize = 16

// Identifier is a node's stable, opaque identity. Two flavors exist:
// ephemeral (generated at startup, never persisted) and persistent
// (loaded from storage). Equality and ordering are defined over the
// raw bytes. A persistent identifier may additionally carry an Ed25519
// signer, giving it a non-repudiable proof of long-term identity
// layered on top of the mandatory per-session transcript MAC.
type Identifier struct {
	raw        []byte
	persistent bool
	signer     sagecrypto.KeyPair
}

// NewEphemeralIdentifier generates a fresh random Identifier that is
// not meant to be persisted across restarts.
func NewEphemeralIdentifier() (Identifier, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return Identifier{}, brypterr.Wrap(brypterr.InitializationFailure, "generate identifier", err)
	}
	b := id[:]
	return Identifier{raw: append([]byte(nil), b...), persistent: false}, nil
}

// NewPersistentIdentifier wraps raw as a persistent Identifier, with no
// signing key attached. raw is copied defensively.
func NewPersistentIdentifier(raw []byte) (Identifier, error) {
	if len(raw) == 0 {
		return Identifier{}, brypterr.New(brypterr.InvalidArgument, "identifier must not be empty")
	}
	return Identifier{raw: append([]byte(nil), raw...), persistent: true}, nil
}

// NewPersistentIdentifierWithSigner wraps raw as a persistent
// Identifier backed by signer, an Ed25519 key pair from the crypto/keys
// package. The signer lets this node's handshake replies carry a
// transcript signature; signer may be nil, equivalent to
// NewPersistentIdentifier.
func NewPersistentIdentifierWithSigner(raw []byte, signer sagecrypto.KeyPair) (Identifier, error) {
	id, err := NewPersistentIdentifier(raw)
	if err != nil {
		return Identifier{}, err
	}
	if signer != nil && signer.Type() != sagecrypto.KeyTypeEd25519 {
		return Identifier{}, brypterr.New(brypterr.InvalidArgument, "identity signer must be Ed25519")
	}
	id.signer = signer
	return id, nil
}

// GeneratePersistentIdentity generates a fresh Ed25519 key pair and
// derives a persistent Identifier from its public key, for callers
// that want long-term identity without managing key storage themselves.
func GeneratePersistentIdentity() (Identifier, error) {
	kp, err := keys.GenerateEd25519KeyPair()
	if err != nil {
		return Identifier{}, brypterr.Wrap(brypterr.InitializationFailure, "generate identity key pair", err)
	}
	pub, ok := kp.PublicKey().(ed25519.PublicKey)
	if !ok {
		return Identifier{}, brypterr.New(brypterr.InitializationFailure, "identity key pair did not yield an Ed25519 public key")
	}
	return NewPersistentIdentifierWithSigner(pub, kp)
}

// Signer returns the identifier's Ed25519 signing key, or nil if none
// is attached (ephemeral identifiers, or a persistent identifier
// created without one).
func (id Identifier) Signer() sagecrypto.KeyPair { return id.signer }

// ParseIdentifier decodes the canonical hex textual form produced by
// Identifier.String.
func ParseIdentifier(text string) (Identifier, error) {
	raw, err := hex.DecodeString(text)
	if err != nil {
		return Identifier{}, brypterr.Wrap(brypterr.InvalidArgument, "malformed identifier text", err)
	}
	if len(raw) == 0 {
		return Identifier{}, brypterr.New(brypterr.InvalidArgument, "identifier must not be empty")
	}
	return Identifier{raw: raw}, nil
}

// Bytes returns the identifier's raw byte form. The caller must not
// mutate the returned slice.
func (id Identifier) Bytes() []byte { return id.raw }

// String returns the canonical lowercase-hex textual form.
func (id Identifier) String() string { return hex.EncodeToString(id.raw) }

// IsZero reports whether id carries no bytes (the zero value).
func (id Identifier) IsZero() bool { return len(id.raw) == 0 }

// Persistent reports whether id was loaded from storage rather than
// generated fresh at startup.
func (id Identifier) Persistent() bool { return id.persistent }

// Equal reports byte-wise equality.
func (id Identifier) Equal(other Identifier) bool {
	return bytes.Equal(id.raw, other.raw)
}

// Compare provides a total order over identifiers, suitable for use as
// a map key's tie-breaker or for deterministic iteration.
func (id Identifier) Compare(other Identifier) int {
	return bytes.Compare(id.raw, other.raw)
}

// randomIdentifierBytes is used by tests that need a stable-size
// identifier without going through uuid.
func randomIdentifierBytes() ([]byte, error) {
	b := make([]byte, identifierSize)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("read random identifier bytes: %w", err)
	}
	return b, nil
}
