package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/loomcms/loom/hostcap"
	"github.com/loomcms/loom/manifest"
	"github.com/loomcms/loom/tap"
)

// requiredExport is the entry point every extension module must export.
// Modules are WASI commands driving the stdio protocol from _start.
const requiredExport = "_start"

// CompiledModule pairs a verified, load-ready artifact with its manifest.
// Immutable and shared read-only across all requests for the process
// lifetime, so concurrent instantiation needs no synchronization.
type CompiledModule struct {
	Manifest *manifest.Manifest
	compiled wazero.CompiledModule
}

// Kernel owns the extension runtime: the compiled module set, the tap
// registry, the base capability registry, and the per-request machinery.
type Kernel struct {
	runtime wazero.Runtime
	cache   wazero.CompilationCache
	logger  *slog.Logger
	metrics *metrics
	pool    *shellPool
	factory InstanceFactory
	cfg     kernelConfig

	querier   hostcap.Querier
	config    hostcap.ConfigStore
	tagCache  *hostcap.TagCache
	checker   hostcap.PermissionChecker
	elevated  []string
	pointDefs []tap.Point

	// base holds the request-agnostic capabilities; each instance gets a
	// clone with its request-scoped and module-bound capabilities layered
	// on top.
	base *hostcap.Registry

	// mu guards load/enable/disable transitions. Request dispatch reads
	// compiled and taps through snapshots taken under RLock; both are
	// immutable once built.
	mu          sync.RWMutex
	compiled    map[string]*CompiledModule
	order       []string
	disabled    map[string]bool
	taps        *tap.Registry
	startupErrs []error
	closed      bool
}

// New creates a Kernel. The wazero runtime is shared by all modules;
// compiled artifacts are cached for the process lifetime.
func New(opts ...Option) (*Kernel, error) {
	cfg := defaultKernelConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx := context.Background()

	var cache wazero.CompilationCache
	if cfg.diskCache {
		dir := cfg.cacheDir
		if dir == "" {
			dir = defaultCacheDir()
		}
		var err error
		cache, err = wazero.NewCompilationCacheWithDir(dir)
		if err != nil {
			return nil, fmt.Errorf("create disk cache: %w", err)
		}
	}

	rtConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cache != nil {
		rtConfig = rtConfig.WithCompilationCache(cache)
	}
	if cfg.memoryLimitPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(cfg.memoryLimitPages)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, rtConfig)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		if cache != nil {
			cache.Close(ctx)
		}
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}

	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}
	checker := cfg.checker
	if checker == nil {
		checker = hostcap.DenyAll{}
	}
	tagCache := cfg.cache
	if tagCache == nil {
		tagCache = hostcap.NewTagCache()
	}
	reg := cfg.registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	k := &Kernel{
		runtime:   rt,
		cache:     cache,
		logger:    logger,
		metrics:   newMetrics(reg),
		pool:      newShellPool(cfg.poolSize),
		factory:   cfg.factory,
		cfg:       cfg,
		querier:   cfg.querier,
		config:    cfg.config,
		tagCache:  tagCache,
		checker:   checker,
		elevated:  cfg.elevated,
		pointDefs: cfg.points,
		compiled:  make(map[string]*CompiledModule),
		disabled:  make(map[string]bool),
	}
	if k.factory == nil {
		k.factory = k.newWasmInstance
	}

	base := hostcap.NewRegistry()
	query := hostcap.NewQuery(k.querier, k.elevated)
	base.Register("query_select", query.Select)
	cacheFuncs := hostcap.NewCacheFuncs(k.tagCache)
	base.Register("cache_get", cacheFuncs.Get)
	base.Register("cache_set", cacheFuncs.Set)
	base.Register("cache_invalidate", cacheFuncs.Invalidate)
	if k.config != nil {
		configFuncs := hostcap.NewConfigFuncs(k.config)
		base.Register("config_get", configFuncs.Get)
		base.Register("config_set", configFuncs.Set)
	}
	k.base = base

	// An empty registry so dispatch before Load is well-defined.
	taps, err := tap.Build(k.pointDefs, nil)
	if err != nil {
		k.Close()
		return nil, err
	}
	k.taps = taps

	return k, nil
}

// Load resolves the manifest set and compiles each module exactly once, in
// dependency order. Cycles and missing dependencies reject the whole set
// before anything is compiled. A module failing to compile is recorded as
// a StartupError and excluded; the others proceed.
func (k *Kernel) Load(ctx context.Context, manifests []*manifest.Manifest) error {
	ordered, err := manifest.Resolve(manifests)
	if err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	for _, m := range ordered {
		if _, done := k.compiled[m.Name]; done {
			continue
		}
		cm, serr := k.compile(ctx, m)
		if serr != nil {
			k.startupErrs = append(k.startupErrs, serr)
			k.logger.Error("module failed to load",
				slog.String("module", m.Name), slog.Any("error", serr))
			continue
		}
		k.compiled[m.Name] = cm
		k.order = append(k.order, m.Name)
		k.logger.Info("module compiled",
			slog.String("module", m.Name), slog.String("version", m.Version))
	}

	return k.rebuildTapsLocked()
}

func (k *Kernel) compile(ctx context.Context, m *manifest.Manifest) (*CompiledModule, *StartupError) {
	data, err := os.ReadFile(m.ModulePath())
	if err != nil {
		return nil, &StartupError{Module: m.Name, Stage: "read", Err: err}
	}

	compiled, err := k.runtime.CompileModule(ctx, data)
	if err != nil {
		return nil, &StartupError{Module: m.Name, Stage: "compile", Err: err}
	}

	if _, ok := compiled.ExportedFunctions()[requiredExport]; !ok {
		exports := make([]string, 0, len(compiled.ExportedFunctions()))
		for name := range compiled.ExportedFunctions() {
			exports = append(exports, name)
		}
		sort.Strings(exports)
		compiled.Close(ctx)
		return nil, &StartupError{
			Module:   m.Name,
			Stage:    "interface",
			Expected: requiredExport,
			Actual:   strings.Join(exports, ", "),
		}
	}

	return &CompiledModule{Manifest: m, compiled: compiled}, nil
}

// StartupErrors returns the per-module load failures collected so far.
func (k *Kernel) StartupErrors() []error {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]error, len(k.startupErrs))
	copy(out, k.startupErrs)
	return out
}

// Enable re-includes a disabled module and rebuilds the tap registry. An
// explicit administrator action, never implicit.
func (k *Kernel) Enable(name string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.compiled[name]; !ok {
		return &UnknownModuleError{Module: name}
	}
	delete(k.disabled, name)
	return k.rebuildTapsLocked()
}

// Disable removes a module from dispatch and rebuilds the tap registry.
// The compiled artifact is kept; re-enabling does not recompile.
func (k *Kernel) Disable(name string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.compiled[name]; !ok {
		return &UnknownModuleError{Module: name}
	}
	k.disabled[name] = true
	return k.rebuildTapsLocked()
}

func (k *Kernel) rebuildTapsLocked() error {
	enabled := make([]*manifest.Manifest, 0, len(k.order))
	for _, name := range k.order {
		if !k.disabled[name] {
			enabled = append(enabled, k.compiled[name].Manifest)
		}
	}
	taps, err := tap.Build(k.pointDefs, enabled)
	if err != nil {
		return err
	}
	k.taps = taps
	return nil
}

// Taps returns the current tap registry. The registry is immutable; a
// later Enable/Disable swaps in a new one without touching this snapshot.
func (k *Kernel) Taps() *tap.Registry {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.taps
}

// Module returns a compiled module when loaded and enabled.
func (k *Kernel) Module(name string) (*CompiledModule, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	cm, ok := k.compiled[name]
	if !ok || k.disabled[name] {
		return nil, false
	}
	return cm, true
}

// Modules returns the load-ordered names of enabled modules.
func (k *Kernel) Modules() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]string, 0, len(k.order))
	for _, name := range k.order {
		if !k.disabled[name] {
			out = append(out, name)
		}
	}
	return out
}

// Close releases the runtime, the compilation cache, and the config store.
func (k *Kernel) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil
	}
	k.closed = true

	ctx := context.Background()
	var errs []error
	if err := k.runtime.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if k.cache != nil {
		if err := k.cache.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if k.config != nil {
		if err := k.config.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}
