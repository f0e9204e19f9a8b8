package hostcap

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestRegistryCloneIsIndependent(t *testing.T) {
	base := NewRegistry()
	base.Register("a", func(context.Context, map[string]any) (any, error) { return 1, nil })

	clone := base.Clone()
	clone.Register("b", func(context.Context, map[string]any) (any, error) { return 2, nil })

	if _, ok := clone.Get("a"); !ok {
		t.Error("clone should carry base functions")
	}
	if _, ok := base.Get("b"); ok {
		t.Error("registering on the clone must not touch the base")
	}
}

func TestReqContextHandoff(t *testing.T) {
	reqCtx := NewReqContext()
	f := NewCtxFuncs(reqCtx)
	ctx := context.Background()

	// Module A computes something; module B, invoked later in the same
	// request, reads it.
	if _, err := f.Set(ctx, map[string]any{"key": "breadcrumbs", "value": []any{"home", "blog"}}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	val, err := f.Get(ctx, map[string]any{"key": "breadcrumbs"})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if val == nil {
		t.Error("expected value set earlier in the request")
	}

	val, err = f.Get(ctx, map[string]any{"key": "unset"})
	if err != nil || val != nil {
		t.Errorf("unset key should be nil, got %v err=%v", val, err)
	}
}

func TestRoleChecker(t *testing.T) {
	rc := RoleChecker{"editor": {"edit content", "view content"}}
	ctx := context.Background()

	ok, _ := rc.Check(ctx, Principal{Roles: []string{"editor"}}, "edit content")
	if !ok {
		t.Error("editor should hold edit content")
	}
	ok, _ = rc.Check(ctx, Principal{Roles: []string{"viewer"}}, "edit content")
	if ok {
		t.Error("viewer should not hold edit content")
	}
}

func TestIdentityFuncs(t *testing.T) {
	f := NewIdentityFuncs(Principal{ID: "7", Name: "ada", Roles: []string{"editor"}},
		RoleChecker{"editor": {"edit content"}})
	ctx := context.Background()

	val, err := f.Principal(ctx, nil)
	if err != nil {
		t.Fatalf("Principal failed: %v", err)
	}
	if val.(map[string]any)["id"] != "7" {
		t.Errorf("unexpected principal: %v", val)
	}

	granted, err := f.Check(ctx, map[string]any{"permission": "edit content"})
	if err != nil || granted != true {
		t.Errorf("expected grant, got %v err=%v", granted, err)
	}
	granted, err = f.Check(ctx, map[string]any{"permission": "administer"})
	if err != nil || granted != false {
		t.Errorf("expected refusal, got %v err=%v", granted, err)
	}
}

func TestLogFuncNeverFails(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	fn := NewLogFunc(logger, "seo_meta")
	ctx := context.Background()

	if _, err := fn(ctx, map[string]any{"level": "warn", "message": "missing alt text", "fields": map[string]any{"item": 3}}); err != nil {
		t.Fatalf("log call failed: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "module=seo_meta") || !strings.Contains(out, "missing alt text") {
		t.Errorf("log output missing attributes: %q", out)
	}

	// Garbage levels clamp to info rather than erroring.
	if _, err := fn(ctx, map[string]any{"level": "shout", "message": "x"}); err != nil {
		t.Errorf("bad level must not fail: %v", err)
	}
}
