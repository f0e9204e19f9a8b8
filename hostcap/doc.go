// Package hostcap implements the host capability boundary: the fixed
// function set sandboxed extension modules may call back into the host.
//
// Every capability is total. A failing backing store, a bad argument, or a
// type mismatch produces an explicit error or "absent" value for the guest;
// no fault ever crosses the boundary in either direction.
//
// # Capabilities
//
// Item access: content objects are visible to guests only as opaque
// request-scoped handles minted by an [ItemTable]. Typed reads fail closed
// on type mismatch. Writes are immediately visible to later modules in the
// same request.
//
// Structured queries: guests submit a declarative [Descriptor] (table,
// fields, a fixed operator set, ordering, limit/offset) which the host
// translates into a parameterized query against a [Querier]. Raw query
// strings require an explicit elevated-trust grant.
//
// Cache: tagged get/set/invalidate scoped to named partitions, backed by a
// process-wide [TagCache].
//
// Persistent configuration: durable key-value storage through a
// [ConfigStore]; [SQLiteStore] survives restarts.
//
// Per-request context: a key-value area every module invoked later in the
// same request can read, the mechanism for handing computed data forward
// without a direct call.
//
// Identity, permission checks, and structured logging round out the set.
package hostcap
