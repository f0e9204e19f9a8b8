package tap

import (
	"fmt"
	"sort"

	"github.com/loomcms/loom/manifest"
)

// Kind selects the result-combination rule applied when a point is
// dispatched.
type Kind int

const (
	// Collect appends each implementor's output to a result list.
	Collect Kind = iota
	// Alter threads mutable state through implementors, which modify it
	// via additive or limited-removal operations only.
	Alter
	// Lifecycle invokes implementors until the first error, which aborts
	// the surrounding operation.
	Lifecycle
	// Access combines Grant/Deny/Neutral votes; any Deny wins.
	Access
)

func (k Kind) String() string {
	switch k {
	case Collect:
		return "collect"
	case Alter:
		return "alter"
	case Lifecycle:
		return "lifecycle"
	case Access:
		return "access"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Mode selects how item data crosses the sandbox boundary for a point:
// opaque handles with host-mediated field access, or a full self-contained
// copy shipped on entry and replaced on return. A point uses exactly one.
type Mode int

const (
	ModeHandle Mode = iota
	ModeFullCopy
)

func (m Mode) String() string {
	if m == ModeFullCopy {
		return "full_copy"
	}
	return "handle"
}

// ParseMode maps a manifest mode string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "handle":
		return ModeHandle, nil
	case "full_copy":
		return ModeFullCopy, nil
	}
	return ModeHandle, fmt.Errorf("unknown access mode %q", s)
}

// AccessResult is one module's vote on an access-control point.
type AccessResult int

const (
	Neutral AccessResult = iota
	Grant
	Deny
)

func (r AccessResult) String() string {
	switch r {
	case Grant:
		return "grant"
	case Deny:
		return "deny"
	}
	return "neutral"
}

// Point defines an extension point the host fires.
type Point struct {
	Name string
	Kind Kind
}

// Registration is one module's implementation of a point.
type Registration struct {
	Module string
	Weight int
}

// UnknownPointError reports a tap declaration naming a point the host never
// defined. Fails closed: typos register nothing silently.
type UnknownPointError struct {
	Module string
	Point  string
}

func (e *UnknownPointError) Error() string {
	return fmt.Sprintf("module %q declares unknown extension point %q", e.Module, e.Point)
}

// MixedModeError reports two implementors of one point declaring different
// data-access modes.
type MixedModeError struct {
	Point  string
	Module string
}

func (e *MixedModeError) Error() string {
	return fmt.Sprintf("module %q declares a conflicting data-access mode for point %q", e.Module, e.Point)
}

type pointEntry struct {
	kind    Kind
	mode    Mode
	modeSet bool
	regs    []Registration
}

// Registry maps every defined extension point to the ordered list of
// modules implementing it. Built once from the resolved manifest order and
// immutable afterwards, so concurrent dispatches read it without locking.
// Enabling or disabling a module means building a new Registry.
type Registry struct {
	points map[string]*pointEntry
}

// Build constructs a Registry from the host's point definitions and the
// dependency-resolved manifest order. Registrations are ordered by weight
// ascending, ties by load order.
func Build(points []Point, ordered []*manifest.Manifest) (*Registry, error) {
	r := &Registry{points: make(map[string]*pointEntry, len(points))}
	for _, p := range points {
		if _, dup := r.points[p.Name]; dup {
			return nil, fmt.Errorf("extension point %q defined twice", p.Name)
		}
		r.points[p.Name] = &pointEntry{kind: p.Kind}
	}

	for _, m := range ordered {
		for _, decl := range m.Taps {
			entry, ok := r.points[decl.Point]
			if !ok {
				return nil, &UnknownPointError{Module: m.Name, Point: decl.Point}
			}
			mode, err := ParseMode(m.TapMode(decl))
			if err != nil {
				return nil, fmt.Errorf("module %q, point %q: %w", m.Name, decl.Point, err)
			}
			if entry.modeSet && entry.mode != mode {
				return nil, &MixedModeError{Point: decl.Point, Module: m.Name}
			}
			entry.mode = mode
			entry.modeSet = true
			entry.regs = append(entry.regs, Registration{Module: m.Name, Weight: decl.Weight})
		}
	}

	// Stable sort keeps load order among equal weights.
	for _, entry := range r.points {
		sort.SliceStable(entry.regs, func(a, b int) bool {
			return entry.regs[a].Weight < entry.regs[b].Weight
		})
	}
	return r, nil
}

// ImplementorsOf returns the ordered registrations for a point. The
// returned slice is shared and must not be mutated.
func (r *Registry) ImplementorsOf(point string) []Registration {
	entry, ok := r.points[point]
	if !ok {
		return nil
	}
	return entry.regs
}

// Definition reports a point's kind and resolved data-access mode.
func (r *Registry) Definition(point string) (Kind, Mode, bool) {
	entry, ok := r.points[point]
	if !ok {
		return 0, 0, false
	}
	return entry.kind, entry.mode, true
}

// Points returns the names of all defined extension points, sorted.
func (r *Registry) Points() []string {
	out := make([]string, 0, len(r.points))
	for name := range r.points {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
