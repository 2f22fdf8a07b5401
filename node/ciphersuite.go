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
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"sort"
	"sync"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/kyber/kyber768"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/brypt-io/brypt-go/brypterr"
	"github.com/brypt-io/brypt-go/crypto/keys"
)

// Tier groups cipher suites by confidentiality strength.
type Tier int

const (
	TierLow Tier = iota
	TierMedium
	TierHigh
)

// KEMKeyPair is the initiator-side half of a key encapsulation: the
// public component to advertise, and the means to recover the shared
// secret once a responder's ciphertext arrives.
type KEMKeyPair interface {
	PublicBytes() []byte
	Decapsulate(ciphertext []byte) ([]byte, error)
}

// KEM is a key encapsulation mechanism, or an ECDH key exchange
// adapted to the same encapsulate/decapsulate shape.
type KEM interface {
	Name() string
	GenerateKeyPair() (KEMKeyPair, error)
	// Encapsulate is run by the responder against the initiator's
	// advertised public component; it returns the ciphertext to echo
	// back and the shared secret both sides now hold.
	Encapsulate(peerPublic []byte) (ciphertext, sharedSecret []byte, err error)
}

// AEAD names a symmetric confidentiality algorithm. CTR-mode suites
// additionally require a separate MAC, carried by Digest.
type AEADAlgo interface {
	Name() string
	Open(key, nonce, ciphertext, aad []byte) ([]byte, error)
	Seal(key, nonce, plaintext, aad []byte) ([]byte, error)
	KeySize() int
	TagSize() int
}

// Digest names the MAC/hash used for the handshake transcript MAC
// and, for AEAD-less suites, the per-frame trailer.
type DigestAlgo interface {
	Name() string
	Size() int
	MAC(key, data []byte) []byte
}

// Suite is a negotiated (KEM, AEAD, Digest) triple registered in the
// catalog under a tier-level ID ("brypt-high", "brypt-medium",
// "brypt-low"). Its components report their own names (e.g.
// "kem-kyber768", "aes-256-ctr", "blake2b512"), but the catalog and
// SelectSuite match whole-suite IDs only, not component names.
type Suite struct {
	ID     string
	Tier   Tier
	KEM    KEM
	AEAD   AEADAlgo
	Digest DigestAlgo
}

var (
	catalogMu sync.RWMutex
	catalog   = map[string]Suite{}
)

func registerSuite(s Suite) {
	catalogMu.Lock()
	defer catalogMu.Unlock()
	catalog[s.ID] = s
}

// LookupSuite returns the catalog entry for id.
func LookupSuite(id string) (Suite, bool) {
	catalogMu.RLock()
	defer catalogMu.RUnlock()
	s, ok := catalog[id]
	return s, ok
}

func init() {
	registerSuite(Suite{ID: "brypt-high", Tier: TierHigh, KEM: kyber768KEM{}, AEAD: chacha20poly1305AEAD{}, Digest: blake2bDigest{}})
	registerSuite(Suite{ID: "brypt-medium", Tier: TierMedium, KEM: x25519KEM{}, AEAD: chacha20poly1305AEAD{}, Digest: blake2bDigest{}})
	registerSuite(Suite{ID: "brypt-low", Tier: TierLow, KEM: secp256k1KEM{}, AEAD: aes256ctrAEAD{}, Digest: hmacSHA256Digest{}})
}

// SelectSuite implements the negotiation algorithm: intersect the
// initiator's ordered preference with the responder's advertised IDs,
// then pick the highest tier, breaking ties by the initiator's order.
func SelectSuite(initiatorPreference, responderAdvertised []string) (Suite, error) {
	responderSet := make(map[string]struct{}, len(responderAdvertised))
	for _, id := range responderAdvertised {
		responderSet[id] = struct{}{}
	}

	var candidates []Suite
	for _, id := range initiatorPreference {
		if _, ok := responderSet[id]; !ok {
			continue
		}
		s, ok := LookupSuite(id)
		if !ok {
			continue
		}
		candidates = append(candidates, s)
	}
	if len(candidates) == 0 {
		return Suite{}, brypterr.New(brypterr.NotSupported, "no cipher suite in common")
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Tier > candidates[j].Tier
	})
	return candidates[0], nil
}

// --- KEM implementations ---

type kyber768KEM struct{}

func (kyber768KEM) Name() string { return "kem-kyber768" }

type kyber768KeyPair struct {
	priv kem.PrivateKey
	pub  kem.PublicKey
}

func (k kyber768KeyPair) PublicBytes() []byte {
	b, _ := k.pub.MarshalBinary()
	return b
}

func (k kyber768KeyPair) Decapsulate(ciphertext []byte) ([]byte, error) {
	ss, err := kyber768.Scheme().Decapsulate(k.priv, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("kyber768 decapsulate: %w", err)
	}
	return ss, nil
}

func (kyber768KEM) GenerateKeyPair() (KEMKeyPair, error) {
	pub, priv, err := kyber768.GenerateKeyPair(nil)
	if err != nil {
		return nil, fmt.Errorf("kyber768 keygen: %w", err)
	}
	return kyber768KeyPair{priv: priv, pub: pub}, nil
}

func (kyber768KEM) Encapsulate(peerPublic []byte) ([]byte, []byte, error) {
	scheme := kyber768.Scheme()
	pub, err := scheme.UnmarshalBinaryPublicKey(peerPublic)
	if err != nil {
		return nil, nil, fmt.Errorf("kyber768 unmarshal peer public key: %w", err)
	}
	ct, ss, err := scheme.Encapsulate(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("kyber768 encapsulate: %w", err)
	}
	return ct, ss, nil
}

type x25519KEM struct{}

func (x25519KEM) Name() string { return "kem-x25519" }

type ecdhKeyPair struct {
	kp interface {
		PublicBytesKey() []byte
		DeriveSharedSecret(peer []byte) ([]byte, error)
	}
}

func (e ecdhKeyPair) PublicBytes() []byte { return e.kp.PublicBytesKey() }

func (e ecdhKeyPair) Decapsulate(ciphertext []byte) ([]byte, error) {
	return e.kp.DeriveSharedSecret(ciphertext)
}

func (x25519KEM) GenerateKeyPair() (KEMKeyPair, error) {
	kp, err := keys.GenerateX25519KeyPair()
	if err != nil {
		return nil, fmt.Errorf("x25519 keygen: %w", err)
	}
	typed, ok := kp.(interface {
		PublicBytesKey() []byte
		DeriveSharedSecret(peer []byte) ([]byte, error)
	})
	if !ok {
		return nil, fmt.Errorf("x25519 key pair missing ECDH surface")
	}
	return ecdhKeyPair{kp: typed}, nil
}

func (s x25519KEM) Encapsulate(peerPublic []byte) ([]byte, []byte, error) {
	ephemeral, err := s.GenerateKeyPair()
	if err != nil {
		return nil, nil, err
	}
	secret, err := ephemeral.Decapsulate(peerPublic) // ECDH is symmetric: same call shape both ways
	if err != nil {
		return nil, nil, fmt.Errorf("x25519 ecdh: %w", err)
	}
	return ephemeral.PublicBytes(), secret, nil
}

type secp256k1KEM struct{}

func (secp256k1KEM) Name() string { return "kem-secp256k1-ecdh" }

func (secp256k1KEM) GenerateKeyPair() (KEMKeyPair, error) {
	kp, err := keys.GenerateSecp256k1KeyPair()
	if err != nil {
		return nil, fmt.Errorf("secp256k1 keygen: %w", err)
	}
	typed, ok := kp.(interface {
		PublicBytesKey() []byte
		DeriveSharedSecret(peer []byte) ([]byte, error)
	})
	if !ok {
		return nil, fmt.Errorf("secp256k1 key pair missing ECDH surface")
	}
	return ecdhKeyPair{kp: typed}, nil
}

func (s secp256k1KEM) Encapsulate(peerPublic []byte) ([]byte, []byte, error) {
	ephemeral, err := s.GenerateKeyPair()
	if err != nil {
		return nil, nil, err
	}
	secret, err := ephemeral.Decapsulate(peerPublic)
	if err != nil {
		return nil, nil, fmt.Errorf("secp256k1 ecdh: %w", err)
	}
	return ephemeral.PublicBytes(), secret, nil
}

// --- AEAD implementations ---

type chacha20poly1305AEAD struct{}

func (chacha20poly1305AEAD) Name() string  { return "chacha20-poly1305" }
func (chacha20poly1305AEAD) KeySize() int  { return chacha20poly1305.KeySize }
func (chacha20poly1305AEAD) TagSize() int  { return chacha20poly1305.Overhead }

func (chacha20poly1305AEAD) newAEAD(key []byte) (cipher.AEAD, error) {
	return chacha20poly1305.New(key)
}

func (c chacha20poly1305AEAD) Seal(key, nonce, plaintext, aad []byte) ([]byte, error) {
	a, err := c.newAEAD(key)
	if err != nil {
		return nil, err
	}
	return a.Seal(nil, nonce, plaintext, aad), nil
}

func (c chacha20poly1305AEAD) Open(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	a, err := c.newAEAD(key)
	if err != nil {
		return nil, err
	}
	return a.Open(nil, nonce, ciphertext, aad)
}

// aes256ctrAEAD presents the "low" tier's AES-256-CTR + HMAC-SHA256
// combination behind the AEADAlgo interface: Seal/Open compute and
// verify an encrypt-then-MAC tag so Session never special-cases suites.
type aes256ctrAEAD struct{}

func (aes256ctrAEAD) Name() string { return "aes-256-ctr" }
func (aes256ctrAEAD) KeySize() int { return 32 }
func (aes256ctrAEAD) TagSize() int { return sha256.Size }

func (a aes256ctrAEAD) Seal(key, nonce, plaintext, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, aes.BlockSize)
	copy(iv, nonce)
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCTR(block, iv).XORKeyStream(ciphertext, plaintext)

	mac := hmac.New(sha256.New, key)
	mac.Write(aad)
	mac.Write(ciphertext)
	tag := mac.Sum(nil)

	return append(ciphertext, tag...), nil
}

func (a aes256ctrAEAD) Open(key, nonce, sealed, aad []byte) ([]byte, error) {
	if len(sealed) < a.TagSize() {
		return nil, brypterr.New(brypterr.InvalidArgument, "sealed frame shorter than MAC tag")
	}
	ciphertext := sealed[:len(sealed)-a.TagSize()]
	gotTag := sealed[len(sealed)-a.TagSize():]

	mac := hmac.New(sha256.New, key)
	mac.Write(aad)
	mac.Write(ciphertext)
	wantTag := mac.Sum(nil)
	if !hmac.Equal(gotTag, wantTag) {
		return nil, brypterr.New(brypterr.AccessDenied, "MAC verification failed")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, aes.BlockSize)
	copy(iv, nonce)
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCTR(block, iv).XORKeyStream(plaintext, ciphertext)
	return plaintext, nil
}

// --- Digest implementations ---

type blake2bDigest struct{}

func (blake2bDigest) Name() string { return "blake2b512" }
func (blake2bDigest) Size() int    { return 64 }
func (blake2bDigest) MAC(key, data []byte) []byte {
	h, _ := blake2b.New512(key)
	h.Write(data)
	return h.Sum(nil)
}

type hmacSHA256Digest struct{}

func (hmacSHA256Digest) Name() string { return "hmac-sha256" }
func (hmacSHA256Digest) Size() int    { return sha256.Size }
func (hmacSHA256Digest) MAC(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}
