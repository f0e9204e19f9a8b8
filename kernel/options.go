package kernel

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loomcms/loom/hostcap"
	"github.com/loomcms/loom/tap"
)

// Option configures the Kernel at creation time.
type Option func(*kernelConfig)

type kernelConfig struct {
	diskCache        bool
	cacheDir         string
	memoryLimitPages uint32
	startTimeout     time.Duration
	poolSize         int

	logger   *slog.Logger
	points   []tap.Point
	querier  hostcap.Querier
	config   hostcap.ConfigStore
	cache    *hostcap.TagCache
	checker  hostcap.PermissionChecker
	elevated []string
	factory  InstanceFactory
	registry prometheus.Registerer
}

func defaultKernelConfig() kernelConfig {
	return kernelConfig{
		startTimeout: 30 * time.Second,
		poolSize:     64,
	}
}

// WithDiskCache enables a persistent compilation cache so restarts skip
// recompiling unchanged modules. Optionally provide a directory; otherwise
// XDG_CACHE_HOME/loom or ~/.cache/loom.
func WithDiskCache(dir ...string) Option {
	return func(c *kernelConfig) {
		c.diskCache = true
		if len(dir) > 0 && dir[0] != "" {
			c.cacheDir = dir[0]
		}
	}
}

// WithMemoryLimit caps the memory of each sandbox instance. Each page is
// 64KB; 0 means the wazero default (4GB).
func WithMemoryLimit(pages uint32) Option {
	return func(c *kernelConfig) {
		c.memoryLimitPages = pages
	}
}

// Memory limit constants for convenience.
const (
	MemoryLimit1MB   uint32 = 16
	MemoryLimit16MB  uint32 = 256
	MemoryLimit64MB  uint32 = 1024
	MemoryLimit256MB uint32 = 4096
)

// WithStartTimeout bounds how long an instance may take to signal ready.
func WithStartTimeout(d time.Duration) Option {
	return func(c *kernelConfig) {
		c.startTimeout = d
	}
}

// WithPoolSize bounds the instance-shell free list.
func WithPoolSize(n int) Option {
	return func(c *kernelConfig) {
		c.poolSize = n
	}
}

// WithLogger sets the kernel's structured logger; also the sink of the
// guest logging capability.
func WithLogger(logger *slog.Logger) Option {
	return func(c *kernelConfig) {
		c.logger = logger
	}
}

// WithPoints defines the extension points the host fires.
func WithPoints(points ...tap.Point) Option {
	return func(c *kernelConfig) {
		c.points = append(c.points, points...)
	}
}

// WithQuerier connects the structured-storage collaborator backing the
// query capability.
func WithQuerier(q hostcap.Querier) Option {
	return func(c *kernelConfig) {
		c.querier = q
	}
}

// WithConfigStore connects the durable key-value configuration store.
func WithConfigStore(store hostcap.ConfigStore) Option {
	return func(c *kernelConfig) {
		c.config = store
	}
}

// WithCache provides a shared tag cache; by default the kernel creates its
// own in-memory one.
func WithCache(cache *hostcap.TagCache) Option {
	return func(c *kernelConfig) {
		c.cache = cache
	}
}

// WithPermissionChecker sets the role/permission fallback used when every
// access-control implementor is neutral, and the permission_check
// capability.
func WithPermissionChecker(checker hostcap.PermissionChecker) Option {
	return func(c *kernelConfig) {
		c.checker = checker
	}
}

// WithElevatedTrust grants the named modules raw query access.
func WithElevatedTrust(modules ...string) Option {
	return func(c *kernelConfig) {
		c.elevated = append(c.elevated, modules...)
	}
}

// WithInstanceFactory overrides how live instances are produced. Tests use
// this to stand in scripted instances for real wasm.
func WithInstanceFactory(factory InstanceFactory) Option {
	return func(c *kernelConfig) {
		c.factory = factory
	}
}

// WithMetricsRegisterer registers kernel metrics on the given registerer
// instead of a private registry.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(c *kernelConfig) {
		c.registry = reg
	}
}

func defaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "loom")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "loom")
	}
	return filepath.Join(os.TempDir(), "loom-cache")
}
