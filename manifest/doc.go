// Package manifest parses per-module metadata files and resolves the
// dependency order of the installed module set.
//
// Each module ships a module.yaml describing its name, version, wasm
// binary, declared dependencies, and the extension points it implements:
//
//	name: seo_meta
//	version: 1.2.0
//	module: seo_meta.wasm
//	dependencies: [pathauto]
//	taps:
//	  - point: item.view
//	    weight: -10
//	  - point: item.access
//	    mode: handle
//
// [LoadDir] parses every module's manifest, collecting malformed files as
// errors without aborting the rest. [Resolve] topologically orders the set
// and rejects cycles and missing dependencies before anything is compiled.
package manifest
