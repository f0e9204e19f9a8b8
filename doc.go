// Package loom provides a sandboxed, host-managed extension runtime for a
// content platform. Extension modules are WebAssembly binaries described by
// YAML manifests and executed under wazero with zero default capabilities.
//
// # Overview
//
// At startup, manifests are parsed, dependency-ordered, and compiled once
// into immutable artifacts shared by every request. Named extension points
// ("taps") collect the modules that implement them, ordered by weight and
// load order. Per request, the kernel lazily instantiates sandboxed module
// instances and dispatches taps to every implementor, combining results per
// the point's kind.
//
// # Basic Usage
//
//	manifests, _, _ := manifest.LoadDir("./modules")
//	k, _ := kernel.New(
//		kernel.WithPoints(tap.Point{Name: "item.view", Kind: tap.Collect}),
//		kernel.WithQuerier(store),
//	)
//	defer k.Close()
//	k.Load(ctx, manifests)
//
//	req := k.NewRequest(ctx, hostcap.Principal{ID: "u1", Roles: []string{"editor"}})
//	defer req.Close()
//
//	out, err := k.Dispatch(ctx, req, "item.view", input)
//
// # Capabilities
//
// Sandboxed modules reach host state only through the fixed capability
// boundary: typed item field access, declarative structured queries, tagged
// cache partitions, durable key-value configuration, per-request context,
// permission checks, structured logging, and module-to-module invocation.
//
// See the [manifest], [tap], [hostcap], and [kernel] packages for detailed
// API documentation.
package loom
