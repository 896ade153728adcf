// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at DicomRoute (https://github.com/dicomroute/dicomroute).
// Copyright 2021-present DicomRoute authors.

package anonymize

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Built-in script names. Binding resolution maps anonymize=true with no
// script to ScriptHIPAAStandard and anonymize=false to ScriptPassthrough.
const (
	ScriptHIPAAStandard = "hipaa_standard"
	ScriptPassthrough   = "passthrough"
)

// hipaaStandardText is the baseline de-identification applied when a binding
// enables anonymization without naming a script. The instance UID triple is
// rewritten here so the pre-write verifier holds even when no broker adds a
// UID-hash block.
const hipaaStandardText = `// hipaa_standard: HIPAA Safe Harbor baseline
(0008,0018) := hashUID[(0008,0018)]
(0020,000D) := hashUID[(0020,000D)]
(0020,000E) := hashUID[(0020,000E)]
(0010,0010) := "ANONYMOUS"
(0010,0020) := hashUID[(0010,0020)]
blankValues[(0010,0030), (0010,0032), (0010,1000), (0010,1001)]
blankValues[(0010,1040), (0010,2154), (0010,21B0)]
blankValues[(0008,0050), (0008,0080), (0008,0081), (0008,0090), (0008,0092), (0008,0094)]
blankValues[(0008,1048), (0008,1049), (0008,1050), (0008,1060), (0008,1070)]
blankValues[(0018,1000), (0032,1032), (0040,0275)]
`

// Store resolves anonymization scripts by name. Built-ins are always
// available; a scripts directory supplies operator-defined ones as
// <name>.das files.
type Store struct {
	dir string
}

// NewStore returns a script store over the given directory. An empty dir
// limits the store to the built-in scripts.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Get parses and returns the named script.
func (s *Store) Get(name string) (*Script, error) {
	text, err := s.Text(name)
	if err != nil {
		return nil, err
	}
	return Parse(name, text)
}

// Text returns the raw script source.
func (s *Store) Text(name string) (string, error) {
	switch name {
	case ScriptHIPAAStandard:
		return hipaaStandardText, nil
	case ScriptPassthrough:
		return "// passthrough: no attribute is modified\n", nil
	}
	if s.dir == "" {
		return "", fmt.Errorf("script %q not found (no scripts directory configured)", name)
	}
	if name != filepath.Base(name) {
		return "", fmt.Errorf("script name %q must not contain path separators", name)
	}
	data, err := os.ReadFile(filepath.Join(s.dir, name+".das"))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("script %q not found in %s", name, s.dir)
		}
		return "", fmt.Errorf("read script %q: %w", name, err)
	}
	return string(data), nil
}

// List returns the names of every available script, built-ins first.
func (s *Store) List() ([]string, error) {
	names := []string{ScriptHIPAAStandard, ScriptPassthrough}
	if s.dir == "" {
		return names, nil
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return names, nil
		}
		return nil, fmt.Errorf("list scripts in %s: %w", s.dir, err)
	}
	var fromDir []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".das") {
			continue
		}
		fromDir = append(fromDir, strings.TrimSuffix(e.Name(), ".das"))
	}
	sort.Strings(fromDir)
	return append(names, fromDir...), nil
}

// ResolveScriptName applies the binding invariant: anonymize without a named
// script falls back to hipaa_standard, no anonymization resolves to
// passthrough.
func ResolveScriptName(anonymize bool, script string) string {
	if !anonymize {
		return ScriptPassthrough
	}
	if script == "" {
		return ScriptHIPAAStandard
	}
	return script
}
