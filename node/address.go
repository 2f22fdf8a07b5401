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
	"strings"

	"github.com/brypt-io/brypt-go/brypterr"
)

// Protocol names a transport an Endpoint implements.
type Protocol string

const (
	ProtocolTCP       Protocol = "tcp"
	ProtocolWebSocket Protocol = "ws"
)

// Address is a remote endpoint reference: which protocol to use, the
// protocol-specific URI, and whether it is safe to persist as a
// reconnect seed.
type Address struct {
	Protocol      Protocol
	URI           string
	Bootstrapable bool
}

// ParseAddress validates uri against protocol's grammar and returns an
// Address. bootstrapable is set by the caller (attach-time policy),
// not inferred here.
func ParseAddress(protocol Protocol, uri string, bootstrapable bool) (Address, error) {
	switch protocol {
	case ProtocolTCP:
		if !strings.Contains(uri, ":") {
			return Address{}, brypterr.New(brypterr.InvalidAddress, fmt.Sprintf("tcp address %q missing port", uri))
		}
	case ProtocolWebSocket:
		if !strings.HasPrefix(uri, "ws://") && !strings.HasPrefix(uri, "wss://") {
			return Address{}, brypterr.New(brypterr.InvalidAddress, fmt.Sprintf("ws address %q must start with ws:// or wss://", uri))
		}
	default:
		return Address{}, brypterr.New(brypterr.InvalidAddress, fmt.Sprintf("unknown protocol %q", protocol))
	}
	if uri == "" {
		return Address{}, brypterr.New(brypterr.InvalidAddress, "uri must not be empty")
	}
	return Address{Protocol: protocol, URI: uri, Bootstrapable: bootstrapable}, nil
}

// String renders the address as "protocol://uri" for logging.
func (a Address) String() string {
	return fmt.Sprintf("%s://%s", a.Protocol, a.URI)
}

// bootstrapEntry is the JSON shape persisted to the peers file:
// {"protocol": "...", "uri": "..."}.
type bootstrapEntry struct {
	Protocol string `json:"protocol"`
	URI      string `json:"uri"`
}
