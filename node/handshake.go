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
	"crypto/rand"
	"encoding/json"

	"github.com/brypt-io/brypt-go/brypterr"
)

// handshakeInit is the initiator's opening message: its ordered suite
// preference, one KEM public component per suite it is willing to
// negotiate (since each suite in the catalog uses a different KEM/ECDH
// algorithm, advertising just the top preference would force a second
// round trip on any downgrade), a freshness nonce, and the network
// token the responder checks before doing any KEM work. The handshake
// payload uses a small JSON envelope rather than a bespoke binary
// layout, matching the rest of the persisted/config surfaces.
type handshakeInit struct {
	SupportedSuites []string          `json:"supported_suites"`
	KEMPublics      map[string][]byte `json:"kem_publics"`
	Nonce           []byte            `json:"nonce"`
	NetworkToken    string            `json:"network_token"`
}

// handshakeReply is the responder's answer: the suite it selected via
// SelectSuite, the KEM ciphertext to decapsulate, its own nonce, and a
// transcript MAC computed with the freshly derived session's macKey
// that lets the initiator detect tampering or a responder that does
// not actually hold the negotiated secret.
//
// IdentityPublicKey/Signature are present only when the responder's
// Identifier carries an Ed25519 signer: an additional,
// independently-verifiable authentication factor layered
// on top of the mandatory MAC above, never a substitute for it.
type handshakeReply struct {
	ChosenSuite       string `json:"chosen_suite"`
	KEMCiphertext     []byte `json:"kem_ciphertext"`
	Nonce             []byte `json:"nonce"`
	MAC               []byte `json:"mac"`
	IdentityPublicKey []byte `json:"identity_public_key,omitempty"`
	Signature         []byte `json:"signature,omitempty"`
}

// rekeyInit proposes a new epoch over an already-active session. It
// carries no network token or suite list: the suite is fixed for the
// session's lifetime, and the proposal itself travels inside an
// AEAD-sealed application frame, so only a fresh KEM public component
// and nonce are needed.
type rekeyInit struct {
	KEMPublic []byte `json:"kem_public"`
	Nonce     []byte `json:"nonce"`
}

// rekeyReply answers a rekeyInit. It carries no MAC of its own: the
// enclosing frame's AEAD tag (still under the pre-rekey epoch) already
// authenticates it, so a second transcript MAC would be redundant.
type rekeyReply struct {
	KEMCiphertext []byte `json:"kem_ciphertext"`
	Nonce         []byte `json:"nonce"`
}

func marshalJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, brypterr.Wrap(brypterr.InvalidArgument, "marshal handshake payload", err)
	}
	return b, nil
}

func unmarshalJSON(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return brypterr.Wrap(brypterr.InvalidArgument, "parse handshake payload", err)
	}
	return nil
}

// randomNonce draws n bytes from the system CSPRNG.
func randomNonce(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, brypterr.Wrap(brypterr.InitializationFailure, "draw handshake nonce", err)
	}
	return b, nil
}

// catalogSuiteIDs lists every registered suite, in no particular
// order; callers that need a preference order use Options or a
// Service's configured list instead.
func catalogSuiteIDs() []string {
	catalogMu.RLock()
	defer catalogMu.RUnlock()
	ids := make([]string, 0, len(catalog))
	for id := range catalog {
		ids = append(ids, id)
	}
	return ids
}

// generateKEMKeypairs generates one ephemeral KEM key pair per suite
// ID, returning both the key pairs (to decapsulate a later reply) and
// their public components (to advertise in a handshakeInit).
func generateKEMKeypairs(suiteIDs []string) (map[string]KEMKeyPair, map[string][]byte, error) {
	keypairs := make(map[string]KEMKeyPair, len(suiteIDs))
	publics := make(map[string][]byte, len(suiteIDs))
	for _, id := range suiteIDs {
		suite, ok := LookupSuite(id)
		if !ok {
			continue
		}
		kp, err := suite.KEM.GenerateKeyPair()
		if err != nil {
			return nil, nil, brypterr.Wrap(brypterr.InitializationFailure, "generate handshake key pair for "+id, err)
		}
		keypairs[id] = kp
		publics[id] = kp.PublicBytes()
	}
	return keypairs, publics, nil
}

// handshakeTranscript reproduces the byte sequence both sides MAC over:
// the initiator's raw Init payload, the chosen suite ID, the KEM
// ciphertext, the initiator's nonce and the responder's nonce, in that
// fixed order.
func handshakeTranscript(initPayload []byte, chosenSuite string, ciphertext, initiatorNonce, responderNonce []byte) []byte {
	out := make([]byte, 0, len(initPayload)+len(chosenSuite)+len(ciphertext)+len(initiatorNonce)+len(responderNonce))
	out = append(out, initPayload...)
	out = append(out, []byte(chosenSuite)...)
	out = append(out, ciphertext...)
	out = append(out, initiatorNonce...)
	out = append(out, responderNonce...)
	return out
}
