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
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brypt-io/brypt-go/brypterr"
)

// RequestFlavor distinguishes the three request shapes.
type RequestFlavor string

const (
	FlavorDirected  RequestFlavor = "directed"
	FlavorBroadcast RequestFlavor = "broadcast"
	FlavorSampled   RequestFlavor = "sampled"
)

// DefaultRequestDeadline is used when a caller does not supply one.
const DefaultRequestDeadline = 10 * time.Second

// ResponseCallback is invoked once per responder for broadcast and
// sampled requests, and exactly once for directed requests.
type ResponseCallback func(source Identifier, status uint16, payload []byte)

// ErrorCallback is invoked for every expected responder that did not
// answer before the deadline, or once for a directed request's sole
// failure mode.
type ErrorCallback func(source Identifier, err error)

// pendingRequest is the tracker's bookkeeping entry for one in-flight
// request.
type pendingRequest struct {
	mu sync.Mutex

	key      RequestKey
	flavor   RequestFlavor
	onResp   ResponseCallback
	onErr    ErrorCallback
	deadline time.Time
	timer    *time.Timer

	expected map[string]struct{} // identifier text -> awaiting
	received map[string]struct{}

	deferredBy *RequestKey // set when this entry is itself a downstream dispatch for a deferred slot
}

// deferredSlot records a Handler's deferred response, keyed by the
// downstream dispatch's own request key and tied back to the original
// inbound request's source and key.
type deferredSlot struct {
	mu       sync.Mutex
	resolved bool
	source   Identifier
	original RequestKey
	notice   string
}

// Tracker correlates replies to requests and resolves deferred slots.
type Tracker struct {
	mu       sync.Mutex
	pending  map[RequestKey]*pendingRequest
	deferred map[RequestKey]*deferredSlot // keyed by the downstream dispatch's request key

	onExpire func(key RequestKey) // hook for the timer wheel; tests can stub this
}

// NewTracker constructs an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		pending:  make(map[RequestKey]*pendingRequest),
		deferred: make(map[RequestKey]*deferredSlot),
	}
}

// newRequestKey draws a 128-bit key via google/uuid's CSPRNG-backed
// random UUID, redrawing on the vanishingly unlikely event of a
// collision with an active entry.
func (t *Tracker) newRequestKey() (RequestKey, error) {
	for attempt := 0; attempt < 8; attempt++ {
		id, err := uuid.NewRandom()
		if err != nil {
			return RequestKey{}, brypterr.Wrap(brypterr.InitializationFailure, "generate request key", err)
		}
		var key RequestKey
		copy(key[:], id[:])
		t.mu.Lock()
		_, collides := t.pending[key]
		t.mu.Unlock()
		if !collides {
			return key, nil
		}
	}
	return RequestKey{}, brypterr.New(brypterr.InitializationFailure, "could not draw a unique request key")
}

// Begin registers a new pending request for recipients, arming a
// deadline timer that fires onExpire. The caller chooses recipients
// (one for directed, the authorized set for broadcast, a Bernoulli
// sample for sampled).
func (t *Tracker) Begin(flavor RequestFlavor, recipients []Identifier, deadline time.Duration, onResp ResponseCallback, onErr ErrorCallback) (RequestKey, error) {
	if deadline <= 0 {
		deadline = DefaultRequestDeadline
	}
	key, err := t.newRequestKey()
	if err != nil {
		return RequestKey{}, err
	}

	expected := make(map[string]struct{}, len(recipients))
	for _, id := range recipients {
		expected[id.String()] = struct{}{}
	}

	entry := &pendingRequest{
		key:      key,
		flavor:   flavor,
		onResp:   onResp,
		onErr:    onErr,
		deadline: time.Now().Add(deadline),
		expected: expected,
		received: make(map[string]struct{}),
	}

	t.mu.Lock()
	t.pending[key] = entry
	t.mu.Unlock()

	entry.timer = time.AfterFunc(deadline, func() { t.expire(key) })
	return key, nil
}

// Resolve matches an inbound reply by (source, request-key). It
// returns false if no pending entry exists (a stale or unknown reply).
func (t *Tracker) Resolve(source Identifier, key RequestKey, status uint16, payload []byte) bool {
	t.mu.Lock()
	entry, ok := t.pending[key]
	t.mu.Unlock()
	if !ok {
		return false
	}

	entry.mu.Lock()
	if _, already := entry.received[source.String()]; already {
		entry.mu.Unlock()
		return false
	}
	entry.received[source.String()] = struct{}{}
	done := len(entry.received) >= len(entry.expected)
	entry.mu.Unlock()

	if entry.onResp != nil {
		entry.onResp(source, status, payload)
	}

	if done {
		t.remove(key, entry)
	}
	return true
}

// expire fires on deadline: every expected responder that has not yet
// replied gets an on_error(timeout) callback, then the entry is removed.
func (t *Tracker) expire(key RequestKey) {
	t.mu.Lock()
	entry, ok := t.pending[key]
	t.mu.Unlock()
	if !ok {
		return
	}

	entry.mu.Lock()
	outstanding := make([]string, 0, len(entry.expected)-len(entry.received))
	for id := range entry.expected {
		if _, done := entry.received[id]; !done {
			outstanding = append(outstanding, id)
		}
	}
	onErr := entry.onErr
	entry.mu.Unlock()

	if onErr != nil {
		for _, idText := range outstanding {
			id, _ := ParseIdentifier(idText)
			onErr(id, brypterr.ErrTimeout)
		}
	}

	t.remove(key, entry)
	if t.onExpire != nil {
		t.onExpire(key)
	}
}

func (t *Tracker) remove(key RequestKey, entry *pendingRequest) {
	if entry.timer != nil {
		entry.timer.Stop()
	}
	t.mu.Lock()
	delete(t.pending, key)
	t.mu.Unlock()
}

// Cancel removes a pending request early (e.g. on shutdown), firing
// onErr with the given cause for every outstanding responder.
func (t *Tracker) Cancel(key RequestKey, cause error) {
	t.mu.Lock()
	entry, ok := t.pending[key]
	t.mu.Unlock()
	if !ok {
		return
	}
	entry.mu.Lock()
	onErr := entry.onErr
	outstanding := make([]string, 0, len(entry.expected))
	for id := range entry.expected {
		if _, done := entry.received[id]; !done {
			outstanding = append(outstanding, id)
		}
	}
	entry.mu.Unlock()

	if onErr != nil {
		for _, idText := range outstanding {
			id, _ := ParseIdentifier(idText)
			onErr(id, cause)
		}
	}
	t.remove(key, entry)
}

// Pending reports how many requests are currently outstanding.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Defer records a deferred slot keyed by the downstream dispatch's
// request key, tied back to the original inbound request's source and
// key so ResolveDeferred can address the reply once the downstream
// request completes.
func (t *Tracker) Defer(source Identifier, original RequestKey, downstream RequestKey, notice string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deferred[downstream] = &deferredSlot{source: source, original: original, notice: notice}
}

// ResolveDeferred closes the deferred slot registered under
// downstream, forwarding the downstream request's actual (status,
// payload) outcome to resolve. A no-op, returning false, if downstream
// carries no deferred slot (the common case: most outbound requests
// are not the downstream half of a deferred reply). A second attempt
// to resolve the same slot is Conflict.
func (t *Tracker) ResolveDeferred(downstream RequestKey, status uint16, payload []byte, resolve func(source Identifier, original RequestKey, status uint16, payload []byte)) (bool, error) {
	t.mu.Lock()
	slot, ok := t.deferred[downstream]
	t.mu.Unlock()
	if !ok {
		return false, nil
	}

	slot.mu.Lock()
	if slot.resolved {
		slot.mu.Unlock()
		return false, brypterr.New(brypterr.Conflict, "deferred slot already resolved")
	}
	slot.resolved = true
	source, original := slot.source, slot.original
	slot.mu.Unlock()

	resolve(source, original, status, payload)
	return true, nil
}

// SampleRecipients chooses recipients uniformly without replacement
// from authorized at ratio r∈(0,1]; an empty sample is rounded up to
// include exactly one peer.
func SampleRecipients(authorized []*Peer, ratio float64) ([]*Peer, error) {
	if ratio <= 0 || ratio > 1 {
		return nil, brypterr.New(brypterr.InvalidArgument, "sample ratio must be in (0,1]")
	}
	if len(authorized) == 0 {
		return nil, nil
	}

	n := int(math.Round(ratio * float64(len(authorized))))
	if n == 0 {
		n = 1
	}
	if n > len(authorized) {
		n = len(authorized)
	}

	shuffled := append([]*Peer(nil), authorized...)
	for i := len(shuffled) - 1; i > 0; i-- {
		j, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return nil, brypterr.Wrap(brypterr.InitializationFailure, "shuffle recipients", err)
		}
		shuffled[i], shuffled[j.Int64()] = shuffled[j.Int64()], shuffled[i]
	}
	return shuffled[:n], nil
}
