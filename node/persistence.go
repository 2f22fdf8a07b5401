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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/brypt-io/brypt-go/brypterr"
)

// wireDuration marshals a time.Duration as its Go textual form
// ("5s", "500ms") rather than a bare integer of nanoseconds, so the
// persisted config file reads the same way the YAML application
// config in config.NodeConfig does.
type wireDuration time.Duration

func (d wireDuration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *wireDuration) UnmarshalJSON(b []byte) error {
	var text string
	if err := json.Unmarshal(b, &text); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return err
	}
	*d = wireDuration(parsed)
	return nil
}

// persistedOptions mirrors the node's option catalog names exactly, so
// configuration round-trips as a JSON object with keys matching the
// option catalog names.
type persistedOptions struct {
	UseBootstraps           bool         `json:"use_bootstraps"`
	ConnectionTimeout       wireDuration `json:"connection_timeout"`
	ConnectionRetryInterval wireDuration `json:"connection_retry_interval"`
	ConnectRetryThreshold   int          `json:"connect_retry_threshold"`
	CoreThreads             int          `json:"core_threads"`
	BasePath                string       `json:"base_path"`
	ConfigurationFilename   string       `json:"configuration_filename"`
	PeersFilename           string       `json:"peers_filename"`
	NetworkToken            string       `json:"network_token"`
}

func atomicWriteFile(path string, data []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// SaveOptions persists opts to {basePath}/{opts.ConfigurationFilename}
// via temp-file-and-rename.
func SaveOptions(opts Options) error {
	out := persistedOptions{
		UseBootstraps:           opts.UseBootstraps,
		ConnectionTimeout:       wireDuration(opts.ConnectionTimeout),
		ConnectionRetryInterval: wireDuration(opts.ConnectionRetryInterval),
		ConnectRetryThreshold:   opts.ConnectRetryThreshold,
		CoreThreads:             opts.CoreThreads,
		BasePath:                opts.BasePath,
		ConfigurationFilename:   opts.ConfigurationFilename,
		PeersFilename:           opts.PeersFilename,
		NetworkToken:            opts.NetworkToken,
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return brypterr.Wrap(brypterr.InvalidConfiguration, "marshal options", err)
	}
	path := filepath.Join(opts.BasePath, opts.ConfigurationFilename)
	if err := atomicWriteFile(path, data, 0o600); err != nil {
		return brypterr.Wrap(brypterr.InvalidConfiguration, "persist options", err)
	}
	return nil
}

// LoadOptions reads the configuration file written by SaveOptions,
// layering it over base so any keys absent from the file keep base's
// value.
func LoadOptions(basePath, configurationFilename string, base Options) (Options, error) {
	path := filepath.Join(basePath, configurationFilename)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return base, nil
		}
		return Options{}, brypterr.Wrap(brypterr.InvalidConfiguration, "read options file", err)
	}
	var in persistedOptions
	if err := json.Unmarshal(data, &in); err != nil {
		return Options{}, brypterr.Wrap(brypterr.InvalidConfiguration, "parse options file", err)
	}
	base.UseBootstraps = in.UseBootstraps
	base.ConnectionTimeout = time.Duration(in.ConnectionTimeout)
	base.ConnectionRetryInterval = time.Duration(in.ConnectionRetryInterval)
	base.ConnectRetryThreshold = in.ConnectRetryThreshold
	base.CoreThreads = in.CoreThreads
	if in.BasePath != "" {
		base.BasePath = in.BasePath
	}
	if in.ConfigurationFilename != "" {
		base.ConfigurationFilename = in.ConfigurationFilename
	}
	if in.PeersFilename != "" {
		base.PeersFilename = in.PeersFilename
	}
	base.NetworkToken = in.NetworkToken
	return base, nil
}

// SaveBootstrapPeers persists every bootstrapable address across
// addresses to {basePath}/{peersFilename} as a JSON array of
// {protocol, uri} objects.
func SaveBootstrapPeers(basePath, peersFilename string, addresses []Address) error {
	entries := make([]bootstrapEntry, 0, len(addresses))
	for _, a := range addresses {
		if !a.Bootstrapable {
			continue
		}
		entries = append(entries, bootstrapEntry{Protocol: string(a.Protocol), URI: a.URI})
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return brypterr.Wrap(brypterr.InvalidConfiguration, "marshal bootstrap peers", err)
	}
	path := filepath.Join(basePath, peersFilename)
	if err := atomicWriteFile(path, data, 0o600); err != nil {
		return brypterr.Wrap(brypterr.InvalidConfiguration, "persist bootstrap peers", err)
	}
	return nil
}

// LoadBootstrapPeers reads the peers file written by
// SaveBootstrapPeers, returning an empty slice (not an error) if it
// does not exist yet.
func LoadBootstrapPeers(basePath, peersFilename string) ([]Address, error) {
	path := filepath.Join(basePath, peersFilename)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, brypterr.Wrap(brypterr.InvalidConfiguration, "read bootstrap peers file", err)
	}
	var entries []bootstrapEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, brypterr.Wrap(brypterr.InvalidConfiguration, "parse bootstrap peers file", err)
	}
	out := make([]Address, 0, len(entries))
	for _, e := range entries {
		addr, err := ParseAddress(Protocol(e.Protocol), e.URI, true)
		if err != nil {
			continue
		}
		out = append(out, addr)
	}
	return out, nil
}
