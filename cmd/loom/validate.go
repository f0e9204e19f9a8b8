package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate <dir>",
	Short: "Parse, resolve, and compile every module under a directory",
	Long: `Validate an extension directory end to end: parse each module.yaml,
resolve the dependency graph, compile each artifact, and check its
interface. Every problem is reported; the exit code is non-zero when any
module fails.`,
	Args: cobra.ExactArgs(1),
	Run:  runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) {
	k, parseErrs, err := loadKernel(cmd, args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer k.Close()

	failed := len(parseErrs) > 0
	for _, perr := range parseErrs {
		fmt.Fprintf(os.Stderr, "manifest: %v\n", perr)
	}
	for _, serr := range k.StartupErrors() {
		failed = true
		fmt.Fprintf(os.Stderr, "startup: %v\n", serr)
	}

	mods := k.Modules()
	fmt.Printf("%d module(s) ready\n", len(mods))
	if failed {
		os.Exit(1)
	}
}
