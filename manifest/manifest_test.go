package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestParseValid(t *testing.T) {
	data := []byte(`
name: seo_meta
version: 1.2.0
module: seo_meta.wasm
dependencies: [pathauto]
taps:
  - point: item.view
    weight: -10
  - point: item.access
    mode: handle
`)
	m, err := Parse(data, "module.yaml")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if m.Name != "seo_meta" {
		t.Errorf("expected name seo_meta, got %q", m.Name)
	}
	if len(m.Taps) != 2 {
		t.Fatalf("expected 2 taps, got %d", len(m.Taps))
	}
	if m.Taps[0].Weight != -10 {
		t.Errorf("expected weight -10, got %d", m.Taps[0].Weight)
	}
}

func TestParseDiagnosticsNameFileAndField(t *testing.T) {
	cases := []struct {
		name  string
		data  string
		field string
	}{
		{"missing name", "version: 1.0.0\nmodule: a.wasm\n", "name"},
		{"missing version", "name: a\nmodule: a.wasm\n", "version"},
		{"bad version", "name: a\nversion: banana\nmodule: a.wasm\n", "version"},
		{"missing module", "name: a\nversion: 1.0.0\n", "module"},
		{"bad access", "name: a\nversion: 1.0.0\nmodule: a.wasm\naccess: zero_copy\n", "access"},
		{"tap without point", "name: a\nversion: 1.0.0\nmodule: a.wasm\ntaps:\n  - weight: 5\n", "taps[0].point"},
		{"self dependency", "name: a\nversion: 1.0.0\nmodule: a.wasm\ndependencies: [a]\n", "dependencies[0]"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.data), "mods/a/module.yaml")
			if err == nil {
				t.Fatal("expected parse error")
			}
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("expected *ParseError, got %T", err)
			}
			if pe.File != "mods/a/module.yaml" {
				t.Errorf("expected file in diagnostic, got %q", pe.File)
			}
			if pe.Field != tc.field {
				t.Errorf("expected field %q, got %q", tc.field, pe.Field)
			}
		})
	}
}

func TestTapModeFallback(t *testing.T) {
	m := &Manifest{Name: "a", AccessMode: "full_copy"}
	if got := m.TapMode(TapDecl{Point: "p"}); got != "full_copy" {
		t.Errorf("expected module default full_copy, got %q", got)
	}
	if got := m.TapMode(TapDecl{Point: "p", Mode: "handle"}); got != "handle" {
		t.Errorf("expected explicit handle, got %q", got)
	}
	if got := (&Manifest{Name: "b"}).TapMode(TapDecl{Point: "p"}); got != "handle" {
		t.Errorf("expected handle default, got %q", got)
	}
}

func writeModule(t *testing.T, dir, name, content string) {
	t.Helper()
	modDir := filepath.Join(dir, name)
	if err := os.MkdirAll(modDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(modDir, FileName), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadDirContinuesPastMalformedFile(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "good", "name: good\nversion: 1.0.0\nmodule: good.wasm\n")
	writeModule(t, dir, "broken", "name: broken\nversion: not-a-version\nmodule: b.wasm\n")
	writeModule(t, dir, "other", "name: other\nversion: 2.0.0\nmodule: o.wasm\n")

	manifests, errs, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir failed: %v", err)
	}
	if len(manifests) != 2 {
		t.Fatalf("expected 2 manifests, got %d", len(manifests))
	}
	if len(errs) != 1 {
		t.Fatalf("expected 1 error, got %d: %v", len(errs), errs)
	}
	var pe *ParseError
	if !errors.As(errs[0], &pe) || pe.Field != "version" {
		t.Errorf("expected version diagnostic, got %v", errs[0])
	}
}

func TestLoadDirSkipsNonModuleDirs(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "a", "name: a\nversion: 1.0.0\nmodule: a.wasm\n")
	if err := os.MkdirAll(filepath.Join(dir, "not_a_module"), 0o755); err != nil {
		t.Fatal(err)
	}

	manifests, errs, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir failed: %v", err)
	}
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(manifests) != 1 || manifests[0].Name != "a" {
		t.Fatalf("expected single manifest a, got %v", manifests)
	}
	if manifests[0].ModulePath() != filepath.Join(dir, "a", "a.wasm") {
		t.Errorf("unexpected module path %q", manifests[0].ModulePath())
	}
}
