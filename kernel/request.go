package kernel

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/loomcms/loom/hostcap"
)

// Request is the per-request state container: the item table, the
// request-scoped context, and at most one live instance per module. It is
// owned exclusively by one request task, dropped wholesale on Close, and
// never shared across requests.
type Request struct {
	ID        string
	Principal hostcap.Principal

	kernel    *Kernel
	items     *hostcap.ItemTable
	reqCtx    *hostcap.ReqContext
	instances map[string]Instance
	closed    bool
}

// NewRequest opens a request running as the given principal.
func (k *Kernel) NewRequest(_ context.Context, principal hostcap.Principal) *Request {
	return &Request{
		ID:        uuid.NewString(),
		Principal: principal,
		kernel:    k,
		items:     hostcap.NewItemTable(),
		reqCtx:    hostcap.NewReqContext(),
		instances: make(map[string]Instance),
	}
}

// Items exposes the request's item table to the surrounding host layers.
func (r *Request) Items() *hostcap.ItemTable { return r.items }

// Context exposes the request-scoped key-value context.
func (r *Request) Context() *hostcap.ReqContext { return r.reqCtx }

// Instance returns the request's live instance for a module, creating it
// on first use. Later calls in the same request reuse the instance, so
// module-local state accumulated mid-request persists.
func (r *Request) Instance(ctx context.Context, module string) (Instance, error) {
	if r.closed {
		return nil, ErrInstanceClosed
	}
	if inst, ok := r.instances[module]; ok {
		return inst, nil
	}

	cm, ok := r.kernel.Module(module)
	if !ok {
		return nil, &UnknownModuleError{Module: module}
	}

	inst, err := r.kernel.factory(ctx, cm, r.capabilityRegistry(module))
	if err != nil {
		return nil, err
	}
	r.instances[module] = inst
	return inst, nil
}

// capabilityRegistry clones the kernel's base registry and layers the
// request-scoped capabilities on top, bound to the calling module where
// the capability is module-aware (raw queries, logging, invocation).
func (r *Request) capabilityRegistry(module string) *hostcap.Registry {
	k := r.kernel
	reg := k.base.Clone()

	items := hostcap.NewItems(r.items)
	reg.Register("item_get", items.Get)
	reg.Register("item_set", items.Set)
	reg.Register("item_fields", items.Fields)

	query := hostcap.NewQuery(k.querier, k.elevated)
	reg.Register("query_raw", query.RawFor(module))

	ctxFuncs := hostcap.NewCtxFuncs(r.reqCtx)
	reg.Register("ctx_get", ctxFuncs.Get)
	reg.Register("ctx_set", ctxFuncs.Set)

	identity := hostcap.NewIdentityFuncs(r.Principal, k.checker)
	reg.Register("principal", identity.Principal)
	reg.Register("permission_check", identity.Check)

	reg.Register("log", hostcap.NewLogFunc(k.logger.With("request", r.ID), module))

	reg.Register("invoke", r.invokeFunc(module))
	return reg
}

// invokeFunc is the module-to-module escape hatch. A missing target or
// export comes back as a structured error; a trap in the target is caught
// and returned as an error value like any other guest fault.
func (r *Request) invokeFunc(caller string) hostcap.Func {
	return func(ctx context.Context, args map[string]any) (any, error) {
		target, ok := args["module"].(string)
		if !ok || target == "" {
			return nil, errors.New("module required")
		}
		export, ok := args["function"].(string)
		if !ok || export == "" {
			return nil, errors.New("function required")
		}
		if target == caller {
			return nil, errors.New("module cannot invoke itself")
		}

		payload, err := json.Marshal(args["payload"])
		if err != nil {
			return nil, errors.New("payload must be JSON-encodable")
		}

		inst, err := r.Instance(ctx, target)
		if err != nil {
			return nil, err
		}

		result, err := inst.Invoke(ctx, "export:"+export, payload)
		if err != nil {
			return nil, &GuestFault{Module: target, Point: "export:" + export, Err: err}
		}

		var value any
		if len(result) > 0 {
			if err := json.Unmarshal(result, &value); err != nil {
				return nil, &GuestFault{Module: target, Point: "export:" + export, Err: err}
			}
		}
		return value, nil
	}
}

// Close retires every instance and drops the request state. Handles minted
// by this request are invalid afterwards.
func (r *Request) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true

	var first error
	for _, inst := range r.instances {
		if err := inst.Close(); err != nil && first == nil {
			first = err
		}
	}
	r.instances = nil
	return first
}
