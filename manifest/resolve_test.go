package manifest

import (
	"errors"
	"testing"
)

func mod(name string, deps ...string) *Manifest {
	return &Manifest{Name: name, Version: "1.0.0", Module: name + ".wasm", Dependencies: deps}
}

func names(manifests []*Manifest) []string {
	out := make([]string, len(manifests))
	for i, m := range manifests {
		out[i] = m.Name
	}
	return out
}

func TestResolveOrdersDependenciesFirst(t *testing.T) {
	ordered, err := Resolve([]*Manifest{
		mod("site", "fields", "taxonomy"),
		mod("taxonomy", "fields"),
		mod("fields"),
	})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	pos := make(map[string]int)
	for i, m := range ordered {
		pos[m.Name] = i
	}
	if pos["fields"] > pos["taxonomy"] || pos["taxonomy"] > pos["site"] {
		t.Errorf("bad order: %v", names(ordered))
	}
}

func TestResolveDeterministicTiebreak(t *testing.T) {
	build := func() []*Manifest {
		return []*Manifest{mod("zebra"), mod("alpha"), mod("mango")}
	}
	first, err := Resolve(build())
	if err != nil {
		t.Fatal(err)
	}
	for n := 0; n < 10; n++ {
		again, err := Resolve(build())
		if err != nil {
			t.Fatal(err)
		}
		for i := range first {
			if first[i].Name != again[i].Name {
				t.Fatalf("nondeterministic order: %v vs %v", names(first), names(again))
			}
		}
	}
	if first[0].Name != "alpha" || first[1].Name != "mango" || first[2].Name != "zebra" {
		t.Errorf("expected lexicographic order among ties, got %v", names(first))
	}
}

func TestResolveRejectsCycle(t *testing.T) {
	_, err := Resolve([]*Manifest{
		mod("a", "b"),
		mod("b", "a"),
	})
	if err == nil {
		t.Fatal("expected cycle error")
	}
	var ce *CycleError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *CycleError, got %T: %v", err, err)
	}
	if ce.Module != "a" {
		t.Errorf("expected cycle reported on a, got %q", ce.Module)
	}
}

func TestResolveRejectsMissingDependency(t *testing.T) {
	_, err := Resolve([]*Manifest{mod("a", "c")})
	if err == nil {
		t.Fatal("expected missing dependency error")
	}
	var me *MissingDependencyError
	if !errors.As(err, &me) {
		t.Fatalf("expected *MissingDependencyError, got %T: %v", err, err)
	}
	if me.Module != "a" || me.Dependency != "c" {
		t.Errorf("expected error naming a and c, got %+v", me)
	}
}

func TestResolveRejectsDuplicateNames(t *testing.T) {
	_, err := Resolve([]*Manifest{mod("a"), mod("a")})
	var de *DuplicateError
	if !errors.As(err, &de) {
		t.Fatalf("expected *DuplicateError, got %v", err)
	}
}

func TestResolveDiamond(t *testing.T) {
	ordered, err := Resolve([]*Manifest{
		mod("top", "left", "right"),
		mod("left", "base"),
		mod("right", "base"),
		mod("base"),
	})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	got := names(ordered)
	want := []string{"base", "left", "right", "top"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}
