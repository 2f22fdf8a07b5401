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
	"fmt"
	"sync"
	"time"

	sagecrypto "github.com/brypt-io/brypt-go/crypto"
)

// RekeyPolicy enforces the session's rekey budget using the same
// config/history shape crypto/rotation uses for long-lived identity
// keys, repointed at session epochs: RotationInterval becomes the
// time-based rekey trigger (identity rotation has none today),
// KeepOldKeys becomes whether the policy also honors the byte-budget
// trigger on top of the counter-limit Session already enforces on its
// own, and KeyRotationEvent records an epoch bump instead of a key
// swap.
type RekeyPolicy struct {
	mu     sync.Mutex
	config sagecrypto.KeyRotationConfig

	lastRekey map[string]time.Time
	history   map[string][]sagecrypto.KeyRotationEvent
}

// NewRekeyPolicy constructs a policy with no time-based trigger and no
// byte budget; only Session's own counter limit applies until
// SetRotationConfig/SetByteBudget are called.
func NewRekeyPolicy() *RekeyPolicy {
	return &RekeyPolicy{
		config:    sagecrypto.KeyRotationConfig{KeepOldKeys: false},
		lastRekey: make(map[string]time.Time),
		history:   make(map[string][]sagecrypto.KeyRotationEvent),
	}
}

// SetRotationConfig installs cfg; RotationInterval, if non-zero, is
// the maximum age an epoch may reach before ShouldRekey reports true
// regardless of traffic volume. KeepOldKeys gates whether the byte
// budget passed to ShouldRekey is honored at all, letting an operator
// disable byte-budget rekeying and rely solely on the counter limit
// and/or RotationInterval.
func (p *RekeyPolicy) SetRotationConfig(cfg sagecrypto.KeyRotationConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.config = cfg
}

// ShouldRekey reports whether peer's session is due for a rekey,
// combining Session's own counter-limit check with this policy's
// time-based and (optionally) byte-budget triggers.
func (p *RekeyPolicy) ShouldRekey(peer Identifier, session *Session, byteBudget uint64) bool {
	effectiveBudget := uint64(0)
	p.mu.Lock()
	if p.config.KeepOldKeys {
		effectiveBudget = byteBudget
	}
	interval := p.config.RotationInterval
	last, seen := p.lastRekey[peer.String()]
	p.mu.Unlock()

	if session.NeedsRekey(effectiveBudget) {
		return true
	}
	if interval > 0 && (!seen || time.Since(last) >= interval) {
		return true
	}
	return false
}

// RecordRekey appends a rotation event for peer and resets its
// time-based clock.
func (p *RekeyPolicy) RecordRekey(peer Identifier, fromEpoch, toEpoch uint16, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := peer.String()
	p.lastRekey[id] = time.Now()
	p.history[id] = append(p.history[id], sagecrypto.KeyRotationEvent{
		Timestamp: time.Now(),
		OldKeyID:  fmt.Sprintf("epoch-%d", fromEpoch),
		NewKeyID:  fmt.Sprintf("epoch-%d", toEpoch),
		Reason:    reason,
	})
}

// History returns peer's rekey history, newest first, matching
// crypto/rotation's GetRotationHistory ordering.
func (p *RekeyPolicy) History(peer Identifier) []sagecrypto.KeyRotationEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	events := p.history[peer.String()]
	out := make([]sagecrypto.KeyRotationEvent, len(events))
	for i, e := range events {
		out[len(events)-1-i] = e
	}
	return out
}
