package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/loomcms/loom/hostcap"
	"github.com/loomcms/loom/manifest"
	"github.com/loomcms/loom/tap"
)

// startWasm is a hand-assembled module exporting an empty _start: the
// smallest artifact the loader accepts.
var startWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, // magic, version
	0x01, 0x04, 0x01, 0x60, 0x00, 0x00, // type: () -> ()
	0x03, 0x02, 0x01, 0x00, // func 0 has type 0
	0x07, 0x0a, 0x01, 0x06, 0x5f, 0x73, 0x74, 0x61, 0x72, 0x74, 0x00, 0x00, // export "_start"
	0x0a, 0x04, 0x01, 0x02, 0x00, 0x0b, // body: end
}

// noExportWasm is a valid module that exports nothing.
var noExportWasm = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

// behavior scripts one function of a fake instance. The instance is passed
// in so a script can reach its capability registry or call counter.
type behavior func(ctx context.Context, inst *fakeInstance, payload json.RawMessage) (json.RawMessage, error)

type fakeInstance struct {
	module string
	reg    *hostcap.Registry
	behave map[string]behavior
	calls  int
	closed bool
}

func (i *fakeInstance) Invoke(ctx context.Context, fn string, payload json.RawMessage) (json.RawMessage, error) {
	i.calls++
	b, ok := i.behave[fn]
	if !ok {
		return nil, fmt.Errorf("no handler for %q", fn)
	}
	return b(ctx, i, payload)
}

func (i *fakeInstance) Close() error {
	i.closed = true
	return nil
}

// fakeRuntime produces scripted instances and records what it made.
type fakeRuntime struct {
	mu        sync.Mutex
	behaviors map[string]map[string]behavior
	created   map[string]int
	instances []*fakeInstance
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		behaviors: make(map[string]map[string]behavior),
		created:   make(map[string]int),
	}
}

func (f *fakeRuntime) on(module, fn string, b behavior) {
	if f.behaviors[module] == nil {
		f.behaviors[module] = make(map[string]behavior)
	}
	f.behaviors[module][fn] = b
}

// returning scripts a function to always produce the given JSON.
func (f *fakeRuntime) returning(module, fn, result string) {
	f.on(module, fn, func(context.Context, *fakeInstance, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(result), nil
	})
}

func (f *fakeRuntime) failing(module, fn string) {
	f.on(module, fn, func(context.Context, *fakeInstance, json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("trap: unreachable")
	})
}

func (f *fakeRuntime) factory(_ context.Context, cm *CompiledModule, reg *hostcap.Registry) (Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := cm.Manifest.Name
	f.created[name]++
	inst := &fakeInstance{module: name, reg: reg, behave: f.behaviors[name]}
	f.instances = append(f.instances, inst)
	return inst, nil
}

func (f *fakeRuntime) createdCount(module string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[module]
}

// moduleSpec describes one on-disk module for a test kernel.
type moduleSpec struct {
	name string
	deps []string
	taps []manifest.TapDecl
	wasm []byte
}

// writeModules lays the specs out as module directories and returns their
// manifests, ready for Load.
func writeModules(t *testing.T, specs []moduleSpec) []*manifest.Manifest {
	t.Helper()
	root := t.TempDir()
	manifests := make([]*manifest.Manifest, 0, len(specs))
	for _, spec := range specs {
		dir := filepath.Join(root, spec.name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		wasm := spec.wasm
		if wasm == nil {
			wasm = startWasm
		}
		if err := os.WriteFile(filepath.Join(dir, "main.wasm"), wasm, 0o644); err != nil {
			t.Fatal(err)
		}
		manifests = append(manifests, &manifest.Manifest{
			Name:         spec.name,
			Version:      "1.0.0",
			Module:       "main.wasm",
			Dependencies: spec.deps,
			Taps:         spec.taps,
			Dir:          dir,
		})
	}
	return manifests
}

func newTestKernel(t *testing.T, rt *fakeRuntime, specs []moduleSpec, opts ...Option) *Kernel {
	t.Helper()
	opts = append(opts, WithInstanceFactory(rt.factory))
	k, err := New(opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { k.Close() })
	if err := k.Load(context.Background(), writeModules(t, specs)); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return k
}

func TestLoadIsolatesPerModuleFailures(t *testing.T) {
	k, err := New(WithInstanceFactory(newFakeRuntime().factory))
	if err != nil {
		t.Fatal(err)
	}
	defer k.Close()

	manifests := writeModules(t, []moduleSpec{
		{name: "alpha"},
		{name: "broken", wasm: []byte("not wasm at all")},
		{name: "hollow", wasm: noExportWasm},
	})
	if err := k.Load(context.Background(), manifests); err != nil {
		t.Fatalf("Load: %v", err)
	}

	mods := k.Modules()
	if len(mods) != 1 || mods[0] != "alpha" {
		t.Fatalf("Modules() = %v, want [alpha]", mods)
	}

	errs := k.StartupErrors()
	if len(errs) != 2 {
		t.Fatalf("StartupErrors() = %v, want 2 entries", errs)
	}
	stages := map[string]string{}
	for _, err := range errs {
		var serr *StartupError
		if !errors.As(err, &serr) {
			t.Fatalf("startup error %v is not a *StartupError", err)
		}
		stages[serr.Module] = serr.Stage
		if serr.Stage == "interface" && serr.Expected != "_start" {
			t.Errorf("interface error expected %q, want _start", serr.Expected)
		}
	}
	if stages["broken"] != "compile" {
		t.Errorf("broken failed at %q, want compile", stages["broken"])
	}
	if stages["hollow"] != "interface" {
		t.Errorf("hollow failed at %q, want interface", stages["hollow"])
	}
}

func TestLoadOrdersDependenciesBeforeDependents(t *testing.T) {
	k, err := New(WithInstanceFactory(newFakeRuntime().factory))
	if err != nil {
		t.Fatal(err)
	}
	defer k.Close()

	// Declared out of order on purpose.
	manifests := writeModules(t, []moduleSpec{
		{name: "zeta", deps: []string{"base"}},
		{name: "base"},
		{name: "alpha", deps: []string{"base"}},
	})
	if err := k.Load(context.Background(), manifests); err != nil {
		t.Fatalf("Load: %v", err)
	}

	mods := k.Modules()
	want := []string{"base", "alpha", "zeta"}
	if len(mods) != len(want) {
		t.Fatalf("Modules() = %v, want %v", mods, want)
	}
	for i := range want {
		if mods[i] != want[i] {
			t.Fatalf("Modules() = %v, want %v", mods, want)
		}
	}
}

func TestLoadRejectsCyclesBeforeCompiling(t *testing.T) {
	k, err := New(WithInstanceFactory(newFakeRuntime().factory))
	if err != nil {
		t.Fatal(err)
	}
	defer k.Close()

	manifests := []*manifest.Manifest{
		{Name: "a", Version: "1.0.0", Module: "main.wasm", Dependencies: []string{"b"}},
		{Name: "b", Version: "1.0.0", Module: "main.wasm", Dependencies: []string{"a"}},
	}
	err = k.Load(context.Background(), manifests)
	var cerr *manifest.CycleError
	if !errors.As(err, &cerr) {
		t.Fatalf("Load = %v, want *manifest.CycleError", err)
	}
	if len(k.Modules()) != 0 {
		t.Fatalf("Modules() = %v after rejected set, want none", k.Modules())
	}
}

func TestLoadNamesMissingDependency(t *testing.T) {
	k, err := New(WithInstanceFactory(newFakeRuntime().factory))
	if err != nil {
		t.Fatal(err)
	}
	defer k.Close()

	manifests := []*manifest.Manifest{
		{Name: "a", Version: "1.0.0", Module: "main.wasm", Dependencies: []string{"ghost"}},
	}
	err = k.Load(context.Background(), manifests)
	var merr *manifest.MissingDependencyError
	if !errors.As(err, &merr) {
		t.Fatalf("Load = %v, want *manifest.MissingDependencyError", err)
	}
	if merr.Module != "a" || merr.Dependency != "ghost" {
		t.Fatalf("error names %q -> %q, want a -> ghost", merr.Module, merr.Dependency)
	}
}

func TestDisableRemovesFromDispatchUntilEnabled(t *testing.T) {
	rt := newFakeRuntime()
	rt.returning("a", "item.view", `"from a"`)
	rt.returning("b", "item.view", `"from b"`)

	k := newTestKernel(t, rt, []moduleSpec{
		{name: "a", taps: []manifest.TapDecl{{Point: "item.view"}}},
		{name: "b", taps: []manifest.TapDecl{{Point: "item.view", Weight: 1}}},
	}, WithPoints(tap.Point{Name: "item.view", Kind: tap.Collect}))

	if err := k.Disable("b"); err != nil {
		t.Fatal(err)
	}
	req := k.NewRequest(context.Background(), hostcap.Anonymous)
	defer req.Close()

	res, err := k.Dispatch(context.Background(), req, "item.view", Input{Item: NoItem})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Collected) != 1 || string(res.Collected[0]) != `"from a"` {
		t.Fatalf("Collected = %s, want only a's output", res.Collected)
	}

	if err := k.Enable("b"); err != nil {
		t.Fatal(err)
	}
	res, err = k.Dispatch(context.Background(), req, "item.view", Input{Item: NoItem})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Collected) != 2 {
		t.Fatalf("Collected = %s after enable, want both", res.Collected)
	}

	var uerr *UnknownModuleError
	if err := k.Disable("ghost"); !errors.As(err, &uerr) {
		t.Fatalf("Disable(ghost) = %v, want *UnknownModuleError", err)
	}
}
