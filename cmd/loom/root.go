package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loomcms/loom/kernel"
	"github.com/loomcms/loom/manifest"
	"github.com/loomcms/loom/tap"
)

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "Sandboxed extension runtime for content platforms",
	Long: `loom - Load, inspect, and exercise sandboxed extension modules.

Extension modules are WebAssembly artifacts described by module.yaml
manifests. Modules run fully sandboxed: no filesystem, no network, no
storage access except through host capabilities the kernel grants them.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().Bool("no-cache", false, "Disable the disk compilation cache")
	rootCmd.PersistentFlags().String("memory", "", "Per-instance memory limit: 1mb, 16mb, 64mb, 256mb")
	rootCmd.PersistentFlags().StringArray("point", nil, "Extra extension point as name=kind (kind: collect, alter, lifecycle, access)")
	rootCmd.PersistentFlags().Bool("verbose", false, "Log at debug level")
}

// defaultPoints is the point table the CLI fires against. A real host
// embeds the kernel and defines its own; these cover the standard content
// surfaces so manifests validate out of the box.
var defaultPoints = []tap.Point{
	{Name: "item.view", Kind: tap.Collect},
	{Name: "nav.links", Kind: tap.Collect},
	{Name: "item.prepare", Kind: tap.Alter},
	{Name: "item.render", Kind: tap.Alter},
	{Name: "item.save", Kind: tap.Lifecycle},
	{Name: "item.delete", Kind: tap.Lifecycle},
	{Name: "item.access", Kind: tap.Access},
}

func parsePointFlag(spec string) (tap.Point, error) {
	name, kindName, ok := strings.Cut(spec, "=")
	if !ok || name == "" {
		return tap.Point{}, fmt.Errorf("invalid point spec %q (expected name=kind)", spec)
	}
	var kind tap.Kind
	switch kindName {
	case "collect":
		kind = tap.Collect
	case "alter":
		kind = tap.Alter
	case "lifecycle":
		kind = tap.Lifecycle
	case "access":
		kind = tap.Access
	default:
		return tap.Point{}, fmt.Errorf("unknown point kind %q (expected collect, alter, lifecycle, or access)", kindName)
	}
	return tap.Point{Name: name, Kind: kind}, nil
}

func parseMemoryLimit(s string) uint32 {
	switch strings.ToLower(s) {
	case "1mb":
		return kernel.MemoryLimit1MB
	case "16mb":
		return kernel.MemoryLimit16MB
	case "64mb":
		return kernel.MemoryLimit64MB
	case "256mb":
		return kernel.MemoryLimit256MB
	default:
		return 0 // use default
	}
}

// kernelOptions translates the persistent flags into kernel options.
func kernelOptions(cmd *cobra.Command) ([]kernel.Option, error) {
	noCache, _ := cmd.Root().PersistentFlags().GetBool("no-cache")
	memory, _ := cmd.Root().PersistentFlags().GetString("memory")
	extraPoints, _ := cmd.Root().PersistentFlags().GetStringArray("point")
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")

	points := make([]tap.Point, len(defaultPoints))
	copy(points, defaultPoints)
	for _, spec := range extraPoints {
		p, err := parsePointFlag(spec)
		if err != nil {
			return nil, err
		}
		points = append(points, p)
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	opts := []kernel.Option{
		kernel.WithPoints(points...),
		kernel.WithLogger(logger),
	}
	if !noCache {
		opts = append(opts, kernel.WithDiskCache())
	}
	if pages := parseMemoryLimit(memory); pages > 0 {
		opts = append(opts, kernel.WithMemoryLimit(pages))
	}
	return opts, nil
}

// loadKernel builds a kernel from the flags and loads every manifest found
// under dir. Manifest parse failures are reported but do not stop the rest
// of the set.
func loadKernel(cmd *cobra.Command, dir string) (*kernel.Kernel, []error, error) {
	manifests, parseErrs, err := manifest.LoadDir(dir)
	if err != nil {
		return nil, nil, err
	}

	opts, err := kernelOptions(cmd)
	if err != nil {
		return nil, nil, err
	}
	k, err := kernel.New(opts...)
	if err != nil {
		return nil, nil, err
	}

	if err := k.Load(context.Background(), manifests); err != nil {
		k.Close()
		return nil, parseErrs, err
	}
	return k, parseErrs, nil
}
