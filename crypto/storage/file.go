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

package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	sagecrypto "github.com/brypt-io/brypt-go/crypto"
	"github.com/brypt-io/brypt-go/crypto/formats"
)

// fileKeyStorage implements KeyStorage interface using file system
type fileKeyStorage struct {
	directory string
	exporter  sagecrypto.KeyExporter
	importer  sagecrypto.KeyImporter
	mu        sync.RWMutex
}

// keyFileData represents the structure of a key file
type keyFileData struct {
	Type   sagecrypto.KeyType   `json:"type"`
	Format sagecrypto.KeyFormat `json:"format"`
	Data   string               `json:"data"`
	ID     string               `json:"id"`
}

// NewFileKeyStorage creates a new file-based key storage, keyed by
// JWK-encoded files under directory so exported/imported formats stay
// consistent with the other KeyExporter/KeyImporter consumers.
func NewFileKeyStorage(directory string) (sagecrypto.KeyStorage, error) {
	if err := os.MkdirAll(directory, 0700); err != nil {
		return nil, fmt.Errorf("failed to create key storage directory: %w", err)
	}

	return &fileKeyStorage{
		directory: directory,
		exporter:  formats.NewJWKExporter(),
		importer:  formats.NewJWKImporter(),
	}, nil
}

// validateKeyID validates that a key ID is safe for filesystem use
func validateKeyID(id string) error {
	if strings.Contains(id, "/") || strings.Contains(id, "\\") || strings.Contains(id, "..") {
		return fmt.Errorf("invalid key ID: %s", id)
	}
	return nil
}

// Store stores a key pair with the given ID
func (s *fileKeyStorage) Store(id string, keyPair sagecrypto.KeyPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := validateKeyID(id); err != nil {
		return err
	}

	jwkData, err := s.exporter.Export(keyPair, sagecrypto.KeyFormatJWK)
	if err != nil {
		return fmt.Errorf("failed to export key: %w", err)
	}

	fileData := keyFileData{
		Type:   keyPair.Type(),
		Format: sagecrypto.KeyFormatJWK,
		Data:   string(jwkData),
		ID:     keyPair.ID(),
	}

	jsonData, err := json.MarshalIndent(fileData, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal key data: %w", err)
	}

	filename := filepath.Join(s.directory, id+".key")
	if err := os.WriteFile(filename, jsonData, 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}

	return nil
}

// Load loads a key pair by ID
func (s *fileKeyStorage) Load(id string) (sagecrypto.KeyPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := validateKeyID(id); err != nil {
		return nil, err
	}

	filename := filepath.Join(s.directory, id+".key")

	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return nil, sagecrypto.ErrKeyNotFound
	}

	jsonData, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	var fileData keyFileData
	if err := json.Unmarshal(jsonData, &fileData); err != nil {
		return nil, fmt.Errorf("failed to unmarshal key data: %w", err)
	}

	keyPair, err := s.importer.Import([]byte(fileData.Data), fileData.Format)
	if err != nil {
		return nil, fmt.Errorf("failed to import key: %w", err)
	}

	return keyPair, nil
}

// Delete removes a key pair by ID
func (s *fileKeyStorage) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := validateKeyID(id); err != nil {
		return err
	}

	filename := filepath.Join(s.directory, id+".key")

	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return sagecrypto.ErrKeyNotFound
	}

	if err := os.Remove(filename); err != nil {
		return fmt.Errorf("failed to delete key file: %w", err)
	}

	return nil
}

// List returns all stored key IDs in sorted order
func (s *fileKeyStorage) List() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.directory)
	if err != nil {
		return nil, fmt.Errorf("failed to read key directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".key") {
			id := strings.TrimSuffix(entry.Name(), ".key")
			ids = append(ids, id)
		}
	}

	sort.Strings(ids)

	return ids, nil
}

// Exists checks if a key exists
func (s *fileKeyStorage) Exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := validateKeyID(id); err != nil {
		return false
	}

	filename := filepath.Join(s.directory, id+".key")
	_, err := os.Stat(filename)
	return err == nil
}
