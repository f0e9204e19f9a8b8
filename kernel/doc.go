// Package kernel is the extension runtime core: it compiles modules once
// into shared immutable artifacts, pools per-request sandbox instances,
// and dispatches extension points to their implementors in deterministic
// order.
//
// # Lifecycle
//
// A module moves Unloaded → Compiled → Enabled, then per request
// Instantiated → Retired. Enabled ↔ Disabled rebuilds the tap registry;
// nothing instantiated outlives its request.
//
//	k, err := kernel.New(
//	    kernel.WithPoints(tap.Point{Name: "item.view", Kind: tap.Collect}),
//	    kernel.WithQuerier(store),
//	    kernel.WithPermissionChecker(roles),
//	)
//	defer k.Close()
//
//	if err := k.Load(ctx, manifests); err != nil { ... }
//	for _, serr := range k.StartupErrors() { ... }
//
//	req := k.NewRequest(ctx, principal)
//	defer req.Close()
//	res, err := k.Dispatch(ctx, req, "item.view", kernel.Input{Item: h})
//
// # Isolation
//
// Compiled artifacts and the tap registry are immutable after build, read
// lock-free during dispatch. All mutable state is partitioned per request.
// Guest traps are converted to [GuestFault] values at the boundary; they
// never unwind into host logic.
package kernel
