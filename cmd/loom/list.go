package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list <dir>",
	Short: "Show resolved load order and the tap table",
	Args:  cobra.ExactArgs(1),
	Run:   runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) {
	k, parseErrs, err := loadKernel(cmd, args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer k.Close()

	for _, perr := range parseErrs {
		fmt.Fprintf(os.Stderr, "manifest: %v\n", perr)
	}
	for _, serr := range k.StartupErrors() {
		fmt.Fprintf(os.Stderr, "startup: %v\n", serr)
	}

	out := cmd.OutOrStdout()
	w := tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)

	fmt.Fprintln(w, "MODULE\tVERSION")
	for _, name := range k.Modules() {
		cm, ok := k.Module(name)
		if !ok {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\n", name, cm.Manifest.Version)
	}
	w.Flush()

	taps := k.Taps()
	points := taps.Points()
	if len(points) == 0 {
		return
	}

	fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "POINT\tKIND\tIMPLEMENTORS")
	for _, point := range points {
		kind, _, _ := taps.Definition(point)
		regs := taps.ImplementorsOf(point)
		if len(regs) == 0 {
			continue
		}
		names := ""
		for i, reg := range regs {
			if i > 0 {
				names += ", "
			}
			names += fmt.Sprintf("%s(%d)", reg.Module, reg.Weight)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", point, kind, names)
	}
	w.Flush()
}
