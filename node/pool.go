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
	"context"
	"runtime"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/brypt-io/brypt-go/brypterr"
)

// MinCoreThreads is the floor core_threads is clamped to regardless of
// the configured or detected value.
const MinCoreThreads = 2

// ResolveCoreThreads applies the configured core_threads option,
// falling back to the host's parallelism with a floor of
// MinCoreThreads when configured is zero.
func ResolveCoreThreads(configured int) int {
	if configured > 0 {
		if configured < MinCoreThreads {
			return MinCoreThreads
		}
		return configured
	}
	n := runtime.GOMAXPROCS(0)
	if n < MinCoreThreads {
		return MinCoreThreads
	}
	return n
}

// lane serializes work for a single peer: inbound frame handling and
// outbound sends must not interleave out of order for one connection.
type lane struct {
	mu     sync.Mutex
	queue  chan func()
	cancel context.CancelFunc
}

// Pool is the bounded worker pool that executes inbound dispatch and
// outbound sends, capped at core_threads concurrent tasks across all
// peers while guaranteeing in-order execution within any one peer's
// lane.
type Pool struct {
	sem *semaphore.Weighted

	mu    sync.Mutex
	lanes map[string]*lane

	ctx    context.Context
	cancel context.CancelFunc
}

// NewPool constructs a Pool with the given concurrency ceiling.
func NewPool(coreThreads int) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:    semaphore.NewWeighted(int64(coreThreads)),
		lanes:  make(map[string]*lane),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (p *Pool) laneFor(peer string) *lane {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.lanes[peer]
	if !ok {
		l = &lane{queue: make(chan func(), 64)}
		p.lanes[peer] = l
		go p.runLane(l)
	}
	return l
}

func (p *Pool) runLane(l *lane) {
	for {
		select {
		case <-p.ctx.Done():
			return
		case task, ok := <-l.queue:
			if !ok {
				return
			}
			if err := p.sem.Acquire(p.ctx, 1); err != nil {
				return
			}
			task()
			p.sem.Release(1)
		}
	}
}

// Submit enqueues task onto the named peer's lane, preserving
// submission order for that peer while sharing the pool's global
// concurrency budget with every other peer's lane.
func (p *Pool) Submit(peer Identifier, task func()) error {
	select {
	case <-p.ctx.Done():
		return brypterr.New(brypterr.ShutdownRequested, "pool is shutting down")
	default:
	}
	l := p.laneFor(peer.String())
	select {
	case l.queue <- task:
		return nil
	case <-p.ctx.Done():
		return brypterr.New(brypterr.ShutdownRequested, "pool is shutting down")
	}
}

// RemoveLane drops the per-peer queue once a peer disconnects and is
// removed from the peer table, so idle lanes do not accumulate.
func (p *Pool) RemoveLane(peer Identifier) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.lanes[peer.String()]; ok {
		close(l.queue)
		delete(p.lanes, peer.String())
	}
}

// Shutdown stops accepting new work and tears down every lane.
func (p *Pool) Shutdown() {
	p.cancel()
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, l := range p.lanes {
		close(l.queue)
		delete(p.lanes, id)
	}
}
