// Copyright (C) 2026 Slicewise
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ConfigStore loads and saves pipeline documents.
type ConfigStore interface {
	Load(path string) (*Pipeline, error)
	Save(path string, p *Pipeline) error
}

// YAMLStore is the ConfigStore for the on-disk YAML pipeline format.
type YAMLStore struct{}

// NewYAMLStore creates a YAML-backed config store.
func NewYAMLStore() *YAMLStore {
	return &YAMLStore{}
}

// Load reads and decodes a pipeline document.
func (s *YAMLStore) Load(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline document %s: %w", path, err)
	}

	var p Pipeline
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline document %s: %w", path, err)
	}

	// Steps written by older tools may omit the parameters mapping.
	for i := range p.Steps {
		if p.Steps[i].Parameters == nil {
			p.Steps[i].Parameters = make(map[string]any)
		}
	}

	return &p, nil
}

// Save encodes and writes a pipeline document, creating parent directories
// as needed.
func (s *YAMLStore) Save(path string, p *Pipeline) error {
	if p == nil {
		return fmt.Errorf("no pipeline to save")
	}

	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode pipeline document: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", path, err)
		}
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write pipeline document %s: %w", path, err)
	}
	return nil
}
