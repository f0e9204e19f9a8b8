// Package tap defines extension points ("taps") and the registry mapping
// each point to the ordered modules implementing it.
//
// A point's [Kind] fixes its result-combination rule; its [Mode] fixes how
// item data crosses the sandbox boundary. The [Registry] is built once from
// the dependency-resolved manifest order and is immutable afterwards, so
// request dispatch reads it without locking.
package tap
