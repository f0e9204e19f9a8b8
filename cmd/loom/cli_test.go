package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/loomcms/loom/tap"
)

func executeCommand(root *cobra.Command, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestCLIHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedPhrases := []string{
		"loom",
		"WebAssembly",
		"validate",
		"list",
		"console",
	}

	for _, phrase := range expectedPhrases {
		if !strings.Contains(output, phrase) {
			t.Errorf("help output should contain %q", phrase)
		}
	}
}

func TestCLIConsoleHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "console", "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedPhrases := []string{
		"--history",
		"--as",
		"fire",
		"disable",
	}

	for _, phrase := range expectedPhrases {
		if !strings.Contains(output, phrase) {
			t.Errorf("console help output should contain %q", phrase)
		}
	}
}

func TestParsePointFlag(t *testing.T) {
	p, err := parsePointFlag("comment.save=lifecycle")
	if err != nil {
		t.Fatal(err)
	}
	if p.Name != "comment.save" || p.Kind != tap.Lifecycle {
		t.Fatalf("parsed %+v, want comment.save lifecycle", p)
	}

	for _, bad := range []string{"nokind", "=access", "x=banana"} {
		if _, err := parsePointFlag(bad); err == nil {
			t.Errorf("parsePointFlag(%q) accepted", bad)
		}
	}
}

func TestParseMemoryLimit(t *testing.T) {
	if parseMemoryLimit("16MB") != 16*16 {
		t.Error("16MB should map to 256 pages")
	}
	if parseMemoryLimit("") != 0 || parseMemoryLimit("lots") != 0 {
		t.Error("unknown sizes should fall back to the default")
	}
}

// minimalWasm exports an empty _start, enough to pass loading.
var minimalWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x04, 0x01, 0x60, 0x00, 0x00,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x0a, 0x01, 0x06, 0x5f, 0x73, 0x74, 0x61, 0x72, 0x74, 0x00, 0x00,
	0x0a, 0x04, 0x01, 0x02, 0x00, 0x0b,
}

func writeSampleModule(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "sample")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	doc := "name: sample\nversion: 1.0.0\nmodule: main.wasm\ntaps:\n  - point: nav.links\n"
	if err := os.WriteFile(filepath.Join(dir, "module.yaml"), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "main.wasm"), minimalWasm, 0o644); err != nil {
		t.Fatal(err)
	}
	return root
}

func TestCLIListShowsModulesAndTaps(t *testing.T) {
	dir := writeSampleModule(t)

	output, err := executeCommand(rootCmd, "list", "--no-cache", dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, phrase := range []string{"MODULE", "sample", "1.0.0", "nav.links", "collect"} {
		if !strings.Contains(output, phrase) {
			t.Errorf("list output should contain %q, got:\n%s", phrase, output)
		}
	}
}
