package hostcap

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
)

// Handle is an opaque index into a request's item table. It is not a
// durable identifier: outside the request that minted it, a handle is
// meaningless.
type Handle int

// Item is one content object as seen by the runtime. Field values are
// JSON-compatible.
type Item map[string]any

// ErrInvalidHandle is returned for handles that were never minted by the
// owning request's table.
var ErrInvalidHandle = errors.New("invalid item handle")

// ItemTable holds the content objects visible to one request. It is owned
// exclusively by that request and touched by one task at a time, so it
// carries no lock.
type ItemTable struct {
	items []Item
}

func NewItemTable() *ItemTable {
	return &ItemTable{}
}

// Mint registers an item and returns its handle.
func (t *ItemTable) Mint(item Item) Handle {
	t.items = append(t.items, item)
	return Handle(len(t.items) - 1)
}

func (t *ItemTable) item(h Handle) (Item, error) {
	if h < 0 || int(h) >= len(t.items) || t.items[h] == nil {
		return nil, ErrInvalidHandle
	}
	return t.items[h], nil
}

// Get returns a field value, or nil if absent.
func (t *ItemTable) Get(h Handle, field string) (any, error) {
	item, err := t.item(h)
	if err != nil {
		return nil, err
	}
	return item[field], nil
}

// Set writes a field. The write takes effect immediately: the next module
// reading the same handle later in the request observes it.
func (t *ItemTable) Set(h Handle, field string, value any) error {
	item, err := t.item(h)
	if err != nil {
		return err
	}
	item[field] = value
	return nil
}

// Remove deletes a single field. Whole-item removal does not exist;
// alteration stays additive or narrowly subtractive.
func (t *ItemTable) Remove(h Handle, field string) error {
	item, err := t.item(h)
	if err != nil {
		return err
	}
	delete(item, field)
	return nil
}

// Snapshot returns a self-contained copy of the item, used by full-copy
// mode to ship the complete payload across the boundary.
func (t *ItemTable) Snapshot(h Handle) (Item, error) {
	item, err := t.item(h)
	if err != nil {
		return nil, err
	}
	out := make(Item, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out, nil
}

// Replace swaps the item behind a handle for a full replacement payload,
// the return half of full-copy mode.
func (t *ItemTable) Replace(h Handle, item Item) error {
	if _, err := t.item(h); err != nil {
		return err
	}
	t.items[h] = item
	return nil
}

// Items exposes an ItemTable as host functions.
type Items struct {
	table *ItemTable
}

func NewItems(table *ItemTable) *Items {
	return &Items{table: table}
}

// Get handles item_get. With a "type" argument the accessor is typed and
// fails closed: a mismatch yields nil ("absent"), never a wrong-typed
// value.
func (i *Items) Get(_ context.Context, args map[string]any) (any, error) {
	h, err := handleArg(args)
	if err != nil {
		return nil, err
	}
	field, ok := args["field"].(string)
	if !ok {
		return nil, errors.New("field required")
	}

	value, err := i.table.Get(h, field)
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, nil
	}

	want, _ := args["type"].(string)
	return coerce(value, want), nil
}

// Set handles item_set.
func (i *Items) Set(_ context.Context, args map[string]any) (any, error) {
	h, err := handleArg(args)
	if err != nil {
		return nil, err
	}
	field, ok := args["field"].(string)
	if !ok {
		return nil, errors.New("field required")
	}
	if _, present := args["value"]; !present {
		return nil, errors.New("value required")
	}
	if err := i.table.Set(h, field, args["value"]); err != nil {
		return nil, err
	}
	return "ok", nil
}

// Fields handles item_fields, listing an item's field names.
func (i *Items) Fields(_ context.Context, args map[string]any) (any, error) {
	h, err := handleArg(args)
	if err != nil {
		return nil, err
	}
	item, err := i.table.item(h)
	if err != nil {
		return nil, err
	}
	fields := make([]string, 0, len(item))
	for k := range item {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return fields, nil
}

func handleArg(args map[string]any) (Handle, error) {
	// JSON numbers decode as float64.
	switch v := args["handle"].(type) {
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("handle must be an integer, got %v", v)
		}
		return Handle(int(v)), nil
	case int:
		return Handle(v), nil
	}
	return 0, errors.New("handle required")
}

// coerce applies typed-accessor semantics: return the value when it matches
// the requested type, nil otherwise.
func coerce(value any, want string) any {
	switch want {
	case "", "any":
		return value
	case "string":
		if s, ok := value.(string); ok {
			return s
		}
	case "int":
		switch n := value.(type) {
		case float64:
			if n == math.Trunc(n) {
				return n
			}
		case int:
			return n
		}
	case "float":
		switch n := value.(type) {
		case float64:
			return n
		case int:
			return float64(n)
		}
	case "bool":
		if b, ok := value.(bool); ok {
			return b
		}
	}
	return nil
}
