package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileName is the per-module metadata file looked up by LoadDir.
const FileName = "module.yaml"

var semverRe = regexp.MustCompile(`^v?\d+\.\d+\.\d+([-+][0-9A-Za-z.-]+)?$`)

// TapDecl declares one extension-point implementation.
type TapDecl struct {
	Point  string `yaml:"point"`
	Weight int    `yaml:"weight"`
	Mode   string `yaml:"mode,omitempty"`
}

// Manifest is the declarative metadata of one extension module.
// Immutable after parse; one per installed module.
type Manifest struct {
	Name         string    `yaml:"name"`
	Version      string    `yaml:"version"`
	Module       string    `yaml:"module"`
	Dependencies []string  `yaml:"dependencies,omitempty"`
	AccessMode   string    `yaml:"access,omitempty"`
	Taps         []TapDecl `yaml:"taps,omitempty"`

	// Dir is the directory the manifest was loaded from; empty for
	// manifests constructed in memory.
	Dir string `yaml:"-"`
}

// ParseError reports a malformed manifest file, naming the file and the
// offending field. One malformed file never aborts processing of others.
type ParseError struct {
	File  string
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("manifest %s: field %q: %v", e.File, e.Field, e.Err)
	}
	return fmt.Sprintf("manifest %s: %v", e.File, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Parse decodes and validates a single manifest document.
func Parse(data []byte, file string) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, &ParseError{File: file, Err: err}
	}
	if err := m.validate(file); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) validate(file string) error {
	if m.Name == "" {
		return &ParseError{File: file, Field: "name", Err: fmt.Errorf("required")}
	}
	if strings.ContainsAny(m.Name, " /\\") {
		return &ParseError{File: file, Field: "name", Err: fmt.Errorf("invalid module name %q", m.Name)}
	}
	if m.Version == "" {
		return &ParseError{File: file, Field: "version", Err: fmt.Errorf("required")}
	}
	if !semverRe.MatchString(m.Version) {
		return &ParseError{File: file, Field: "version", Err: fmt.Errorf("not a semantic version: %q", m.Version)}
	}
	if m.Module == "" {
		return &ParseError{File: file, Field: "module", Err: fmt.Errorf("required")}
	}
	if m.AccessMode != "" && m.AccessMode != "handle" && m.AccessMode != "full_copy" {
		return &ParseError{File: file, Field: "access", Err: fmt.Errorf("unknown access mode %q", m.AccessMode)}
	}
	for i, tap := range m.Taps {
		field := fmt.Sprintf("taps[%d]", i)
		if tap.Point == "" {
			return &ParseError{File: file, Field: field + ".point", Err: fmt.Errorf("required")}
		}
		if tap.Mode != "" && tap.Mode != "handle" && tap.Mode != "full_copy" {
			return &ParseError{File: file, Field: field + ".mode", Err: fmt.Errorf("unknown access mode %q", tap.Mode)}
		}
	}
	for i, dep := range m.Dependencies {
		if dep == "" {
			return &ParseError{File: file, Field: fmt.Sprintf("dependencies[%d]", i), Err: fmt.Errorf("empty dependency name")}
		}
		if dep == m.Name {
			return &ParseError{File: file, Field: fmt.Sprintf("dependencies[%d]", i), Err: fmt.Errorf("module depends on itself")}
		}
	}
	return nil
}

// ModulePath returns the path of the module's wasm binary, resolved
// relative to the manifest's directory.
func (m *Manifest) ModulePath() string {
	if m.Dir == "" || filepath.IsAbs(m.Module) {
		return m.Module
	}
	return filepath.Join(m.Dir, m.Module)
}

// TapMode returns the declared data-access mode for a tap declaration,
// falling back to the module-level default, then to "handle".
func (m *Manifest) TapMode(t TapDecl) string {
	if t.Mode != "" {
		return t.Mode
	}
	if m.AccessMode != "" {
		return m.AccessMode
	}
	return "handle"
}

// LoadDir reads every immediate subdirectory of dir containing a
// module.yaml. Malformed manifests are collected as errors; well-formed
// ones are returned regardless, so one broken module never hides the rest.
func LoadDir(dir string) ([]*Manifest, []error, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("read modules dir: %w", err)
	}

	var (
		manifests []*Manifest
		errs      []error
	)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		file := filepath.Join(dir, entry.Name(), FileName)
		data, err := os.ReadFile(file)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			errs = append(errs, &ParseError{File: file, Err: err})
			continue
		}
		m, err := Parse(data, file)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		m.Dir = filepath.Join(dir, entry.Name())
		manifests = append(manifests, m)
	}
	return manifests, errs, nil
}
