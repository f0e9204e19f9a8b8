package hostcap

import (
	"context"
	"errors"
)

// ReqContext is the request-scoped key-value area. A value set by one
// module is visible to every module invoked later in the same request; the
// whole container is dropped when the request completes. Exactly one task
// touches it at a time by construction, so it carries no lock.
type ReqContext struct {
	values map[string]any
}

func NewReqContext() *ReqContext {
	return &ReqContext{values: make(map[string]any)}
}

func (c *ReqContext) Get(key string) (any, bool) {
	v, ok := c.values[key]
	return v, ok
}

func (c *ReqContext) Set(key string, value any) {
	c.values[key] = value
}

// CtxFuncs exposes a ReqContext as host functions.
type CtxFuncs struct {
	reqCtx *ReqContext
}

func NewCtxFuncs(reqCtx *ReqContext) *CtxFuncs {
	return &CtxFuncs{reqCtx: reqCtx}
}

// Get handles ctx_get. An unset key is nil, not an error.
func (f *CtxFuncs) Get(_ context.Context, args map[string]any) (any, error) {
	key, ok := args["key"].(string)
	if !ok || key == "" {
		return nil, errors.New("key required")
	}
	v, _ := f.reqCtx.Get(key)
	return v, nil
}

// Set handles ctx_set.
func (f *CtxFuncs) Set(_ context.Context, args map[string]any) (any, error) {
	key, ok := args["key"].(string)
	if !ok || key == "" {
		return nil, errors.New("key required")
	}
	value, present := args["value"]
	if !present {
		return nil, errors.New("value required")
	}
	f.reqCtx.Set(key, value)
	return "ok", nil
}
