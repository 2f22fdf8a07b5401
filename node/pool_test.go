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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolPreservesPerPeerOrder(t *testing.T) {
	pool := NewPool(4)
	defer pool.Shutdown()

	peer := mustIdentifier(t)
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		i := i
		wg.Add(1)
		require.NoError(t, pool.Submit(peer, func() {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}))
	}
	wg.Wait()

	for i, v := range order {
		assert.Equal(t, i, v, "tasks for one peer must execute in submission order")
	}
}

func TestPoolRunsDifferentPeersConcurrently(t *testing.T) {
	pool := NewPool(4)
	defer pool.Shutdown()

	peerA, peerB := mustIdentifier(t), mustIdentifier(t)
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)

	require.NoError(t, pool.Submit(peerA, func() {
		defer wg.Done()
		started <- struct{}{}
		<-release
	}))
	require.NoError(t, pool.Submit(peerB, func() {
		defer wg.Done()
		started <- struct{}{}
		<-release
	}))

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("peers did not run concurrently")
		}
	}
	close(release)
	wg.Wait()
}

func TestPoolSubmitAfterShutdownFails(t *testing.T) {
	pool := NewPool(2)
	pool.Shutdown()

	err := pool.Submit(mustIdentifier(t), func() {})
	assert.Error(t, err)
}

func TestPoolRemoveLaneAllowsFreshSubmission(t *testing.T) {
	pool := NewPool(2)
	defer pool.Shutdown()

	peer := mustIdentifier(t)
	done := make(chan struct{})
	require.NoError(t, pool.Submit(peer, func() { close(done) }))
	<-done

	pool.RemoveLane(peer)

	done2 := make(chan struct{})
	require.NoError(t, pool.Submit(peer, func() { close(done2) }))
	select {
	case <-done2:
	case <-time.After(time.Second):
		t.Fatal("resubmitting after RemoveLane should still run")
	}
}

func TestResolveCoreThreadsClampsToFloor(t *testing.T) {
	assert.Equal(t, MinCoreThreads, ResolveCoreThreads(1))
	assert.Equal(t, 8, ResolveCoreThreads(8))
	assert.GreaterOrEqual(t, ResolveCoreThreads(0), MinCoreThreads)
}
