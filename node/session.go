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
	"crypto/sha256"
	"encoding/binary"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/brypt-io/brypt-go/brypterr"
	"github.com/brypt-io/brypt-go/internal/metrics"
)

const (
	// replayWindowSize is the width, in sequence numbers, of the
	// sliding replay-detection bitmap.
	replayWindowSize = 1024

	// rekeyCounterLimit triggers a rekey once either direction's
	// counter reaches this value.
	rekeyCounterLimit = uint64(1) << 40

	// keyRetentionAfterRekey is how long a retired epoch's keys stay
	// valid for decrypting in-flight frames before being destroyed.
	keyRetentionAfterRekey = 1 * time.Second

	macFailureFlagThreshold = 3
	macFailureFlagWindow    = 60 * time.Second
)

// Lifecycle is a Session's coarse phase.
type Lifecycle int

const (
	SessionPending Lifecycle = iota
	SessionActive
	SessionTornDown
)

// directionalKeys holds one epoch's tx/rx symmetric keys.
type directionalKeys struct {
	epoch   uint16
	txKey   []byte
	rxKey   []byte
	retired time.Time // zero while active
}

// Session is the per-peer cryptographic context established by the
// handshake and maintained for the connection's lifetime.
type Session struct {
	mu sync.Mutex

	suite    Suite
	macKey   []byte
	lifetime Lifecycle

	initiatorID Identifier
	isInitiator bool

	current directionalKeys
	retiring *directionalKeys

	txCounter uint64
	rxCounter uint64
	rxHighest uint64
	rxWindow  uint64 // bitmap: bit i set means (rxHighest - i) was accepted

	txBytes uint64
	rxBytes uint64

	macFailures     int
	macFailureSince time.Time
}

// NewSession derives tx/rx/mac keys from secret using HKDF and
// transitions directly to SessionActive; callers call this only after
// the handshake transcript MAC has verified. initiatorID distinguishes
// the two directions: `tx = KDF(secret, "tx"||initiator)`,
// `rx = KDF(secret, "rx"||initiator)`, with tx/rx swapped on the
// responder relative to the initiator.
func NewSession(suite Suite, secret []byte, initiatorID Identifier, isInitiator bool) (*Session, error) {
	started := time.Now()
	defer func() { metrics.SessionDuration.WithLabelValues("create").Observe(time.Since(started).Seconds()) }()

	macKey, err := deriveKey(secret, append([]byte("mac"), initiatorID.Bytes()...), suite.Digest.Size())
	if err != nil {
		metrics.SessionsCreated.WithLabelValues("failure").Inc()
		return nil, err
	}
	initiatorTx, err := deriveKey(secret, append([]byte("tx"), initiatorID.Bytes()...), suite.AEAD.KeySize())
	if err != nil {
		metrics.SessionsCreated.WithLabelValues("failure").Inc()
		return nil, err
	}
	initiatorRx, err := deriveKey(secret, append([]byte("rx"), initiatorID.Bytes()...), suite.AEAD.KeySize())
	if err != nil {
		metrics.SessionsCreated.WithLabelValues("failure").Inc()
		return nil, err
	}

	s := &Session{suite: suite, macKey: macKey, lifetime: SessionActive, initiatorID: initiatorID, isInitiator: isInitiator}
	if isInitiator {
		s.current = directionalKeys{epoch: 0, txKey: initiatorTx, rxKey: initiatorRx}
	} else {
		s.current = directionalKeys{epoch: 0, txKey: initiatorRx, rxKey: initiatorTx}
	}
	metrics.SessionsCreated.WithLabelValues("success").Inc()
	metrics.SessionsActive.Inc()
	return s, nil
}

func deriveKey(secret, info []byte, size int) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, nil, info)
	out := make([]byte, size)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, brypterr.Wrap(brypterr.InitializationFailure, "derive session key", err)
	}
	return out, nil
}

// TranscriptMAC computes the handshake transcript MAC using macKey,
// before the Session's directional keys are considered trusted.
func TranscriptMAC(suite Suite, macKey, transcript []byte) []byte {
	return suite.Digest.MAC(macKey, transcript)
}

// Lifetime reports the session's current phase.
func (s *Session) Lifetime() Lifecycle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lifetime
}

// Suite reports the negotiated cipher suite, for callers that need to
// size a trailer or pick a KEM for a subsequent rekey round.
func (s *Session) Suite() Suite {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suite
}

// TranscriptMAC computes a MAC over transcript using this session's own
// macKey, letting callers authenticate a handshake transcript without
// the macKey itself ever leaving the package.
func (s *Session) TranscriptMAC(transcript []byte) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return TranscriptMAC(s.suite, s.macKey, transcript)
}

func nonceFor(epoch uint16, counter uint64) []byte {
	packed := (uint64(epoch) << 48) | (counter & 0x0000FFFFFFFFFFFF)
	b := make([]byte, 12)
	binary.BigEndian.PutUint64(b[4:], packed)
	return b
}

// Encrypt seals plaintext for the next outbound sequence number,
// returning the ciphertext/tag and the nonce embedding (epoch,counter)
// so the peer's decoder can reconstruct rxCounter accounting.
func (s *Session) Encrypt(plaintext, aad []byte) (ciphertext []byte, seq uint64, err error) {
	started := time.Now()
	defer func() { metrics.SessionDuration.WithLabelValues("encrypt").Observe(time.Since(started).Seconds()) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lifetime != SessionActive {
		return nil, 0, brypterr.New(brypterr.SessionClosed, "session is not active")
	}

	seq = s.txCounter
	nonce := nonceFor(s.current.epoch, seq)
	ct, err := s.suite.AEAD.Seal(s.current.txKey, nonce, plaintext, aad)
	if err != nil {
		return nil, 0, brypterr.Wrap(brypterr.InvalidArgument, "seal parcel", err)
	}
	s.txCounter++
	s.txBytes += uint64(len(plaintext))
	metrics.SessionMessageSize.WithLabelValues("outbound").Observe(float64(len(plaintext)))
	return ct, seq, nil
}

// Decrypt opens an inbound frame at sequence seq, enforcing the
// replay window before attempting authentication.
func (s *Session) Decrypt(ciphertext, aad []byte, seq uint64) ([]byte, error) {
	started := time.Now()
	defer func() { metrics.SessionDuration.WithLabelValues("decrypt").Observe(time.Since(started).Seconds()) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lifetime != SessionActive {
		return nil, brypterr.New(brypterr.SessionClosed, "session is not active")
	}

	if !s.checkReplayLocked(seq) {
		metrics.NonceValidations.WithLabelValues("invalid").Inc()
		metrics.ReplayAttacksDetected.Inc()
		return nil, brypterr.New(brypterr.AccessDenied, "replayed or out-of-window sequence number")
	}

	plaintext, err := s.openWithCurrentOrRetiring(ciphertext, aad, seq)
	if err != nil {
		s.recordMACFailureLocked()
		return nil, brypterr.Wrap(brypterr.AccessDenied, "MAC verification failed", err)
	}

	metrics.NonceValidations.WithLabelValues("valid").Inc()
	s.acceptReplayLocked(seq)
	s.rxBytes += uint64(len(plaintext))
	metrics.SessionMessageSize.WithLabelValues("inbound").Observe(float64(len(plaintext)))
	return plaintext, nil
}

func (s *Session) openWithCurrentOrRetiring(ciphertext, aad []byte, seq uint64) ([]byte, error) {
	nonce := nonceFor(s.current.epoch, seq)
	pt, err := s.suite.AEAD.Open(s.current.rxKey, nonce, ciphertext, aad)
	if err == nil {
		return pt, nil
	}
	if s.retiring != nil && time.Now().Before(s.retiring.retired.Add(keyRetentionAfterRekey)) {
		nonce = nonceFor(s.retiring.epoch, seq)
		return s.suite.AEAD.Open(s.retiring.rxKey, nonce, ciphertext, aad)
	}
	return nil, err
}

// checkReplayLocked reports whether seq is newer than the window's
// floor and not already marked accepted.
func (s *Session) checkReplayLocked(seq uint64) bool {
	if seq > s.rxHighest || (s.rxHighest == 0 && s.rxWindow == 0) {
		return true
	}
	diff := s.rxHighest - seq
	if diff >= replayWindowSize {
		return false
	}
	return s.rxWindow&(1<<diff) == 0
}

func (s *Session) acceptReplayLocked(seq uint64) {
	if seq > s.rxHighest {
		shift := seq - s.rxHighest
		if shift >= replayWindowSize {
			s.rxWindow = 0
		} else {
			s.rxWindow <<= shift
		}
		s.rxWindow |= 1
		s.rxHighest = seq
		s.rxCounter++
		return
	}
	diff := s.rxHighest - seq
	s.rxWindow |= 1 << diff
	s.rxCounter++
}

func (s *Session) recordMACFailureLocked() {
	now := time.Now()
	if now.Sub(s.macFailureSince) > macFailureFlagWindow {
		s.macFailures = 0
		s.macFailureSince = now
	}
	s.macFailures++
}

// ShouldFlag reports whether repeated MAC failures within the flag
// window should move the owning peer proxy to the flagged state.
func (s *Session) ShouldFlag() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.macFailures >= macFailureFlagThreshold && time.Since(s.macFailureSince) <= macFailureFlagWindow
}

// NeedsRekey reports whether either direction's counter or byte
// budget has crossed the rekey trigger.
func (s *Session) NeedsRekey(byteBudget uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.txCounter >= rekeyCounterLimit || s.rxCounter >= rekeyCounterLimit {
		return true
	}
	if byteBudget > 0 && (s.txBytes >= byteBudget || s.rxBytes >= byteBudget) {
		return true
	}
	return false
}

// Rekey installs a new epoch's tx/rx keys, retiring the current ones
// for keyRetentionAfterRekey to drain in-flight frames. It reuses the
// initiatorID/isInitiator recorded at NewSession time rather than
// taking them as parameters, so a second or third rekey round cannot
// accidentally flip which side derives which direction.
func (s *Session) Rekey(secret []byte) (fromEpoch, toEpoch uint16, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nextEpoch := s.current.epoch + 1
	initiatorTx, err := deriveKey(secret, append([]byte{byte(nextEpoch >> 8), byte(nextEpoch)}, append([]byte("tx"), s.initiatorID.Bytes()...)...), s.suite.AEAD.KeySize())
	if err != nil {
		return 0, 0, err
	}
	initiatorRx, err := deriveKey(secret, append([]byte{byte(nextEpoch >> 8), byte(nextEpoch)}, append([]byte("rx"), s.initiatorID.Bytes()...)...), s.suite.AEAD.KeySize())
	if err != nil {
		return 0, 0, err
	}

	retired := s.current
	retired.retired = time.Now()
	s.retiring = &retired

	if s.isInitiator {
		s.current = directionalKeys{epoch: nextEpoch, txKey: initiatorTx, rxKey: initiatorRx}
	} else {
		s.current = directionalKeys{epoch: nextEpoch, txKey: initiatorRx, rxKey: initiatorTx}
	}
	s.txCounter, s.rxCounter, s.rxHighest, s.rxWindow = 0, 0, 0, 0
	s.txBytes, s.rxBytes = 0, 0
	return retired.epoch, nextEpoch, nil
}

// TearDown retires the session permanently; further Encrypt/Decrypt
// calls fail with SessionClosed.
func (s *Session) TearDown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lifetime == SessionActive {
		metrics.SessionsActive.Dec()
		metrics.SessionsClosed.Inc()
	}
	s.lifetime = SessionTornDown
}
