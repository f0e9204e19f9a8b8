package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/loomcms/loom/hostcap"
	"github.com/loomcms/loom/kernel"
	"github.com/loomcms/loom/tap"
)

var consoleCmd = &cobra.Command{
	Use:   "console <dir>",
	Short: "Interactive console against a loaded kernel",
	Long: `Load the extension directory and open an interactive console.

Commands:
  modules                 list enabled modules in load order
  points                  list extension points and implementors
  errors                  show startup errors
  item <json>             mint the current content item
  fire <point> [json]     dispatch a point, optional JSON value
  enable <module>         re-include a disabled module
  disable <module>        remove a module from dispatch

The console runs one request; instances and the item table persist until
you exit. Type 'exit' or press Ctrl+D to quit.`,
	Args: cobra.ExactArgs(1),
	Run:  runConsole,
}

func init() {
	consoleCmd.Flags().String("history", "", "History file path (default: ~/.loom_history)")
	consoleCmd.Flags().String("as", "", "Principal roles, comma separated (default: anonymous)")
	rootCmd.AddCommand(consoleCmd)
}

func runConsole(cmd *cobra.Command, args []string) {
	historyFile, _ := cmd.Flags().GetString("history")
	roles, _ := cmd.Flags().GetString("as")

	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".loom_history")
	}

	k, parseErrs, err := loadKernel(cmd, args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer k.Close()
	for _, perr := range parseErrs {
		fmt.Fprintf(os.Stderr, "manifest: %v\n", perr)
	}

	principal := hostcap.Anonymous
	if roles != "" {
		principal = hostcap.Principal{ID: "console", Name: "console", Roles: strings.Split(roles, ",")}
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "loom> ",
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing readline: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	ctx := context.Background()
	req := k.NewRequest(ctx, principal)
	defer req.Close()

	c := &console{kernel: k, req: req, item: kernel.NoItem}
	fmt.Fprintf(os.Stderr, "loom console, %d module(s) loaded (type 'exit' to quit)\n", len(k.Modules()))

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			if err == io.EOF {
				fmt.Println()
				break
			}
			fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
			break
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}

		if err := c.eval(ctx, line); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}
}

type console struct {
	kernel *kernel.Kernel
	req    *kernel.Request
	item   hostcap.Handle
}

func (c *console) eval(ctx context.Context, line string) error {
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "modules":
		for _, name := range c.kernel.Modules() {
			fmt.Println(name)
		}
		return nil

	case "points":
		taps := c.kernel.Taps()
		for _, point := range taps.Points() {
			kind, mode, _ := taps.Definition(point)
			fmt.Printf("%s (%s, %s):", point, kind, mode)
			for _, reg := range taps.ImplementorsOf(point) {
				fmt.Printf(" %s(%d)", reg.Module, reg.Weight)
			}
			fmt.Println()
		}
		return nil

	case "errors":
		errs := c.kernel.StartupErrors()
		if len(errs) == 0 {
			fmt.Println("no startup errors")
		}
		for _, err := range errs {
			fmt.Println(err)
		}
		return nil

	case "item":
		var item hostcap.Item
		if err := json.Unmarshal([]byte(rest), &item); err != nil {
			return fmt.Errorf("item wants a JSON object: %w", err)
		}
		c.item = c.req.Items().Mint(item)
		fmt.Printf("item #%d\n", c.item)
		return nil

	case "fire":
		return c.fire(ctx, rest)

	case "enable":
		return c.kernel.Enable(rest)

	case "disable":
		return c.kernel.Disable(rest)
	}

	return fmt.Errorf("unknown command %q", cmd)
}

func (c *console) fire(ctx context.Context, rest string) error {
	point, arg, _ := strings.Cut(rest, " ")
	if point == "" {
		return fmt.Errorf("fire wants a point name")
	}

	in := kernel.Input{Item: c.item}
	if arg = strings.TrimSpace(arg); arg != "" {
		var value any
		if err := json.Unmarshal([]byte(arg), &value); err != nil {
			return fmt.Errorf("value must be JSON: %w", err)
		}
		in.Value = value
	}

	res, err := c.kernel.Dispatch(ctx, c.req, point, in)
	if err != nil {
		return err
	}

	switch res.Kind {
	case tap.Collect:
		for _, raw := range res.Collected {
			fmt.Println(string(raw))
		}
	case tap.Alter:
		if c.item != kernel.NoItem {
			snap, err := c.req.Items().Snapshot(c.item)
			if err != nil {
				return err
			}
			out, _ := json.Marshal(snap)
			fmt.Println(string(out))
		}
	case tap.Lifecycle:
		fmt.Println("ok")
	case tap.Access:
		fmt.Println(res.Access)
	}
	return nil
}
