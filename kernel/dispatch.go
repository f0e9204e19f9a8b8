package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loomcms/loom/hostcap"
	"github.com/loomcms/loom/tap"
)

// NoItem marks a dispatch that carries no content item.
const NoItem hostcap.Handle = -1

// Input is what a dispatch ships to each implementor.
type Input struct {
	// Item is the content object under consideration; NoItem when the
	// point is not item-bound.
	Item hostcap.Handle
	// Op names the operation for access-control points ("view", "edit");
	// it doubles as the permission of the role-based fallback.
	Op string
	// Value is an arbitrary JSON-encodable payload.
	Value any
}

// Result is the combined outcome of one dispatch.
type Result struct {
	Kind tap.Kind
	// Collected holds each implementor's output, for collection points.
	Collected []json.RawMessage
	// Access is the combined vote, for access-control points.
	Access tap.AccessResult
}

// payload is the JSON object delivered to an implementor.
type payload struct {
	Point  string       `json:"point"`
	Op     string       `json:"op,omitempty"`
	Handle *int         `json:"handle,omitempty"`
	Item   hostcap.Item `json:"item,omitempty"`
	Value  any          `json:"value,omitempty"`
}

// Dispatch invokes every enabled implementor of point in registry order
// and combines their results per the point's kind. A single module's
// fault never terminates the host, never corrupts another module's
// in-flight state.
func (k *Kernel) Dispatch(ctx context.Context, req *Request, point string, in Input) (Result, error) {
	taps := k.Taps()
	kind, mode, ok := taps.Definition(point)
	if !ok {
		return Result{}, &UnknownPointError{Point: point}
	}
	k.metrics.dispatches.WithLabelValues(point, kind.String()).Inc()

	regs := taps.ImplementorsOf(point)

	// Full-copy mode ships a self-contained snapshot instead of a handle;
	// the dispatcher writes the evolved state back when done.
	var state hostcap.Item
	if mode == tap.ModeFullCopy && in.Item != NoItem {
		var err error
		state, err = req.Items().Snapshot(in.Item)
		if err != nil {
			return Result{}, err
		}
	}

	var result Result
	result.Kind = kind

	switch kind {
	case tap.Collect:
		for _, reg := range regs {
			out, err := k.invokeImplementor(ctx, req, point, reg.Module, k.buildPayload(point, in, mode, state))
			if err != nil {
				k.logFault(ctx, point, reg.Module, err)
				continue
			}
			result.Collected = append(result.Collected, out)
		}

	case tap.Alter:
		for _, reg := range regs {
			out, err := k.invokeImplementor(ctx, req, point, reg.Module, k.buildPayload(point, in, mode, state))
			if err != nil {
				// Partial changes from earlier implementors stay applied.
				k.logFault(ctx, point, reg.Module, err)
				continue
			}
			if err := k.applyAlterations(req, in.Item, mode, state, out); err != nil {
				k.logger.Warn("alteration rejected",
					slog.String("point", point),
					slog.String("module", reg.Module),
					slog.Any("error", err))
			}
		}
		if mode == tap.ModeFullCopy && state != nil {
			if err := req.Items().Replace(in.Item, state); err != nil {
				return Result{}, err
			}
		}

	case tap.Lifecycle:
		for _, reg := range regs {
			out, err := k.invokeImplementor(ctx, req, point, reg.Module, k.buildPayload(point, in, mode, state))
			if err != nil {
				// Lifecycle points abort on a guest fault; already-run
				// implementors are the surrounding transaction's problem.
				k.logFault(ctx, point, reg.Module, err)
				return result, err
			}
			var lr struct {
				OK    bool   `json:"ok"`
				Error string `json:"error"`
			}
			if err := json.Unmarshal(out, &lr); err != nil {
				fault := &GuestFault{Module: reg.Module, Point: point, Err: fmt.Errorf("malformed lifecycle result: %w", err)}
				k.logFault(ctx, point, reg.Module, fault)
				return result, fault
			}
			if lr.Error != "" {
				return result, &DispatchError{Point: point, Module: reg.Module, Msg: lr.Error}
			}
		}

	case tap.Access:
		granted := false
		for _, reg := range regs {
			out, err := k.invokeImplementor(ctx, req, point, reg.Module, k.buildPayload(point, in, mode, state))
			if err != nil {
				// A faulting voter is neutral, not decisive.
				k.logFault(ctx, point, reg.Module, err)
				continue
			}
			switch vote := parseAccessVote(out); vote {
			case tap.Deny:
				// Any Deny wins; remaining implementors are not asked.
				result.Access = tap.Deny
				return result, nil
			case tap.Grant:
				granted = true
			}
		}
		if granted {
			result.Access = tap.Grant
			return result, nil
		}
		access, err := k.fallbackAccess(ctx, req, point, in)
		if err != nil {
			return result, err
		}
		result.Access = access
	}

	return result, nil
}

func (k *Kernel) buildPayload(point string, in Input, mode tap.Mode, state hostcap.Item) json.RawMessage {
	p := payload{Point: point, Op: in.Op, Value: in.Value}
	if mode == tap.ModeFullCopy {
		p.Item = state
	} else if in.Item != NoItem {
		h := int(in.Item)
		p.Handle = &h
	}
	data, err := json.Marshal(p)
	if err != nil {
		// Value was not JSON-encodable; ship everything else.
		p.Value = nil
		data, _ = json.Marshal(p)
	}
	return data
}

// invokeImplementor crosses the boundary once, converting every failure
// (instantiation, trap, panic, malformed traffic) into a *GuestFault.
func (k *Kernel) invokeImplementor(ctx context.Context, req *Request, point, module string, payload json.RawMessage) (out json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, &GuestFault{Module: module, Point: point, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	inst, err := req.Instance(ctx, module)
	if err != nil {
		return nil, &GuestFault{Module: module, Point: point, Err: err}
	}
	out, err = inst.Invoke(ctx, point, payload)
	if err != nil {
		if _, already := err.(*GuestFault); already {
			return nil, err
		}
		return nil, &GuestFault{Module: module, Point: point, Err: err}
	}
	return out, nil
}

func (k *Kernel) logFault(ctx context.Context, point, module string, err error) {
	k.metrics.guestFaults.WithLabelValues(module).Inc()
	k.logger.Error("guest fault",
		slog.String("point", point),
		slog.String("module", module),
		slog.Any("error", err))
}

// alterOp is one declared mutation. The set is deliberately closed: set a
// field, append to a list field, remove a single field. There is no
// replace-the-whole-structure operation, so one module's contribution
// cannot be silently erased by a later one.
type alterOp struct {
	Op    string `json:"op"`
	Field string `json:"field"`
	Value any    `json:"value"`
}

// applyAlterations validates the module's whole contribution before
// applying any of it; one bad op rejects the contribution.
func (k *Kernel) applyAlterations(req *Request, item hostcap.Handle, mode tap.Mode, state hostcap.Item, out json.RawMessage) error {
	var body struct {
		Ops []alterOp `json:"ops"`
	}
	if err := json.Unmarshal(out, &body); err != nil {
		return fmt.Errorf("malformed alteration result: %w", err)
	}

	for _, op := range body.Ops {
		if op.Field == "" {
			return fmt.Errorf("alteration op missing field")
		}
		switch op.Op {
		case "set", "append", "remove":
		default:
			return fmt.Errorf("unknown alteration op %q", op.Op)
		}
	}

	for _, op := range body.Ops {
		if mode == tap.ModeFullCopy {
			applyToItem(state, op)
			continue
		}
		if err := k.applyToTable(req.Items(), item, op); err != nil {
			return err
		}
	}
	return nil
}

func applyToItem(item hostcap.Item, op alterOp) {
	switch op.Op {
	case "set":
		item[op.Field] = op.Value
	case "append":
		list, _ := item[op.Field].([]any)
		item[op.Field] = append(list, op.Value)
	case "remove":
		delete(item, op.Field)
	}
}

func (k *Kernel) applyToTable(table *hostcap.ItemTable, h hostcap.Handle, op alterOp) error {
	switch op.Op {
	case "set":
		return table.Set(h, op.Field, op.Value)
	case "append":
		existing, err := table.Get(h, op.Field)
		if err != nil {
			return err
		}
		list, _ := existing.([]any)
		return table.Set(h, op.Field, append(list, op.Value))
	case "remove":
		return table.Remove(h, op.Field)
	}
	return nil
}

func parseAccessVote(out json.RawMessage) tap.AccessResult {
	var vote string
	if err := json.Unmarshal(out, &vote); err != nil {
		return tap.Neutral
	}
	switch strings.ToLower(vote) {
	case "grant", "allow":
		return tap.Grant
	case "deny", "forbidden":
		return tap.Deny
	}
	return tap.Neutral
}

// fallbackAccess is the role/permission-based default applied when every
// implementor stays neutral.
func (k *Kernel) fallbackAccess(ctx context.Context, req *Request, point string, in Input) (tap.AccessResult, error) {
	permission := in.Op
	if permission == "" {
		permission = point
	}
	granted, err := k.checker.Check(ctx, req.Principal, permission)
	if err != nil {
		return tap.Deny, &hostcap.HostCallError{Capability: "permission_check", Err: err}
	}
	if granted {
		return tap.Grant, nil
	}
	return tap.Deny, nil
}
