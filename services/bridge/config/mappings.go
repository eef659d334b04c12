// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Model Mappings
// =============================================================================

// DefaultModel is the fallback when a requested model has no mapping.
const DefaultModel = "gemini-2.5-flash"

// geminiPrefix marks model IDs that bypass mapping entirely.
const geminiPrefix = "gemini-"

// defaultMappings mirrors the shipped models.yaml so the bridge works with
// no mapping file at all.
func defaultMappings() map[string]string {
	return map[string]string{
		"gpt-3.5-turbo": "gemini-2.5-flash",
		"gpt-4":         "gemini-2.5-pro",
	}
}

// ModelMappings resolves OpenAI model identifiers to Gemini CLI model
// names.
//
// # Description
//
// Mappings load from a YAML file (`aliases: {openai-id: gemini-id}`) and
// can hot-reload via Watch so operators can add aliases without a restart.
// Resolution order:
//
//  1. IDs already starting with "gemini-" pass through untouched.
//  2. Known aliases map to their configured Gemini model.
//  3. Everything else falls back to DefaultModel.
//
// # Thread Safety
//
// Safe for concurrent use. Reads take an RLock; reloads swap the map
// under the write lock.
type ModelMappings struct {
	mu      sync.RWMutex
	aliases map[string]string
	path    string

	watcher   *fsnotify.Watcher
	done      chan struct{}
	closeOnce sync.Once
}

// mappingsFile is the YAML shape of the mapping file.
type mappingsFile struct {
	Aliases map[string]string `yaml:"aliases"`
}

// NewModelMappings loads mappings from path.
//
// An empty path, a missing file, or malformed YAML all degrade to the
// built-in defaults with a warning: a bad alias file should never keep
// the bridge from serving.
func NewModelMappings(path string) *ModelMappings {
	m := &ModelMappings{
		aliases: defaultMappings(),
		path:    path,
		done:    make(chan struct{}),
	}
	if path == "" {
		return m
	}
	if err := m.reload(); err != nil {
		slog.Warn("model mappings unavailable, using defaults",
			"path", path, "error", err)
	}
	return m
}

// reload re-reads the mapping file and swaps the alias table.
func (m *ModelMappings) reload() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return fmt.Errorf("read mappings: %w", err)
	}
	var f mappingsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse mappings: %w", err)
	}
	if len(f.Aliases) == 0 {
		return fmt.Errorf("mappings file %s has no aliases", m.path)
	}

	m.mu.Lock()
	m.aliases = f.Aliases
	m.mu.Unlock()

	slog.Info("model mappings loaded", "path", m.path, "count", len(f.Aliases))
	return nil
}

// Resolve maps a requested model ID to the Gemini model to execute.
//
// # Outputs
//
//   - string: The Gemini model name.
//   - bool: True if the ID was a direct gemini-* request or a known alias;
//     false if the fallback default was used.
func (m *ModelMappings) Resolve(requested string) (string, bool) {
	if strings.HasPrefix(requested, geminiPrefix) {
		return requested, true
	}

	m.mu.RLock()
	mapped, ok := m.aliases[requested]
	m.mu.RUnlock()
	if ok {
		return mapped, true
	}
	return DefaultModel, false
}

// IDs returns the list of OpenAI-visible model identifiers, sorted for
// stable /v1/models output.
func (m *ModelMappings) IDs() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.aliases))
	for id := range m.aliases {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Watch starts hot-reloading the mapping file on change.
//
// # Description
//
// Watches the file's parent directory (editors typically replace files by
// rename, which drops a watch on the file itself) and reloads on write or
// create events for the mapping path. A failed reload keeps the previous
// table.
//
// Call Close to stop the watcher. Watch is a no-op when no mapping file
// was configured.
func (m *ModelMappings) Watch() error {
	if m.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create mappings watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch mappings dir: %w", err)
	}
	m.watcher = watcher

	go func() {
		target := filepath.Clean(m.path)
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := m.reload(); err != nil {
					slog.Warn("model mappings reload failed, keeping previous table",
						"path", m.path, "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("model mappings watcher error", "error", err)
			case <-m.done:
				return
			}
		}
	}()
	return nil
}

// Close stops the watcher, if running. Safe to call more than once.
func (m *ModelMappings) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		if m.watcher != nil {
			m.watcher.Close()
		}
	})
}
