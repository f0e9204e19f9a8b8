package kernel

import "fmt"

// StartupError reports a module that failed to load: unreadable or
// malformed bytecode, or a missing required export. Fatal to that module
// only; the rest of the set proceeds.
type StartupError struct {
	Module   string
	Stage    string // "read", "compile", "interface"
	Expected string // interface stage: what the host requires
	Actual   string // interface stage: what the module exports
	Err      error
}

func (e *StartupError) Error() string {
	if e.Stage == "interface" {
		return fmt.Sprintf("module %q: expected export %s, module exports [%s]", e.Module, e.Expected, e.Actual)
	}
	return fmt.Sprintf("module %q: %s: %v", e.Module, e.Stage, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// DispatchError reports a lifecycle-point implementor returning an error,
// aborting the surrounding operation.
type DispatchError struct {
	Point  string
	Module string
	Msg    string
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("%s: module %q: %s", e.Point, e.Module, e.Msg)
}

// GuestFault reports a trap or unhandled error inside a sandboxed instance.
// It is always caught at the boundary and never propagates as a host fault.
type GuestFault struct {
	Module string
	Point  string
	Err    error
}

func (e *GuestFault) Error() string {
	return fmt.Sprintf("guest fault in module %q at %q: %v", e.Module, e.Point, e.Err)
}

func (e *GuestFault) Unwrap() error { return e.Err }

// UnknownPointError reports a dispatch against a point the host never
// defined.
type UnknownPointError struct {
	Point string
}

func (e *UnknownPointError) Error() string {
	return fmt.Sprintf("dispatch to undefined extension point %q", e.Point)
}

// UnknownModuleError reports an invocation target that is not loaded or is
// disabled.
type UnknownModuleError struct {
	Module string
}

func (e *UnknownModuleError) Error() string {
	return fmt.Sprintf("module %q is not loaded", e.Module)
}
