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

package health

import (
	"context"
	"fmt"
)

// PeerTableHealthCheck wraps a probe of the Service's peer table
// (e.g. "at least one authorized peer" or "not every link flagged").
// A nil probe reports the check as unconfigured rather than healthy.
func PeerTableHealthCheck(probe func(ctx context.Context) error) CheckFunc {
	return func(ctx context.Context) error {
		if probe == nil {
			return fmt.Errorf("peer table check not configured")
		}
		return probe(ctx)
	}
}

// EndpointHealthCheck wraps a probe of a transport Endpoint's bind or
// listen state.
func EndpointHealthCheck(probe func(ctx context.Context) error) CheckFunc {
	return func(ctx context.Context) error {
		if probe == nil {
			return fmt.Errorf("endpoint check not configured")
		}
		return probe(ctx)
	}
}

// KeyVaultHealthCheck wraps a synchronous probe of local key storage
// (e.g. crypto/storage availability) in a check that still respects
// ctx cancellation even though the probe itself does not take a
// context.
func KeyVaultHealthCheck(probe func() error) CheckFunc {
	return func(ctx context.Context) error {
		if probe == nil {
			return fmt.Errorf("key vault check not configured")
		}
		done := make(chan error, 1)
		go func() { done <- probe() }()
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// PersistenceHealthCheck wraps a probe of the bootstrap/config JSON
// persistence layer's temp-file-and-rename writes.
func PersistenceHealthCheck(probe func(ctx context.Context) error) CheckFunc {
	return func(ctx context.Context) error {
		if probe == nil {
			return fmt.Errorf("persistence check not configured")
		}
		return probe(ctx)
	}
}
