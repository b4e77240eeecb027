// bluechictl is a thin CLI over pkg/client's fleet API (spec §6,
// "CLI flags are enumerated in §1 of the source CLI" -- full argument
// parsing is out of scope here). It wires a subset of pkg/client's
// operations as subcommands: list-nodes, get-node, status, list-units,
// set-log-level-all, start, stop, restart and reload. It exits 0 on
// success and 1 on every failure (argument, dial or operation error
// alike); an operation's error code is not forwarded as the exit status.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/bluechi-go/bluechi/internal/logging"
	"github.com/bluechi-go/bluechi/pkg/client"
)

func main() {
	url := flag.String("url", "ws://127.0.0.1:8421/bluechi/client", "controller client-bus URL")
	timeout := flag.Duration("timeout", 10*time.Second, "per-call timeout")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: bluechictl [-url ws://...] <command> [args...]")
		fmt.Fprintln(os.Stderr, "commands: list-nodes | get-node NODE | status | list-units | set-log-level-all LEVEL | start NODE UNIT [MODE] | stop NODE UNIT [MODE] | restart NODE UNIT [MODE] | reload NODE UNIT [MODE]")
		os.Exit(1)
	}

	c, err := client.Dial(*url, logging.New("bluechictl"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "bluechictl:", err)
		os.Exit(1)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, c, args[0], args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "bluechictl:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, c *client.Client, cmd string, args []string) error {
	switch cmd {
	case "list-nodes":
		nodes, err := c.ListNodes(ctx)
		return printJSON(nodes, err)

	case "get-node":
		if len(args) != 1 {
			return fmt.Errorf("get-node takes exactly one NODE argument")
		}
		path, err := c.GetNode(ctx, args[0])
		return printJSON(path, err)

	case "status":
		status, err := c.Status(ctx)
		return printJSON(status, err)

	case "list-units":
		units, err := c.ListUnits(ctx)
		return printJSON(units, err)

	case "set-log-level-all":
		if len(args) != 1 {
			return fmt.Errorf("set-log-level-all takes exactly one LEVEL argument")
		}
		results, err := c.SetLogLevelAll(ctx, args[0])
		return printJSON(results, err)

	case "start", "stop", "restart", "reload":
		if len(args) < 2 {
			return fmt.Errorf("%s takes NODE UNIT [MODE]", cmd)
		}
		mode := "replace"
		if len(args) >= 3 {
			mode = args[2]
		}
		var (
			path string
			err  error
		)
		switch cmd {
		case "start":
			path, err = c.StartUnit(ctx, args[0], args[1], mode)
		case "stop":
			path, err = c.StopUnit(ctx, args[0], args[1], mode)
		case "restart":
			path, err = c.RestartUnit(ctx, args[0], args[1], mode)
		case "reload":
			path, err = c.ReloadUnit(ctx, args[0], args[1], mode)
		}
		return printJSON(path, err)

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func printJSON(v interface{}, err error) error {
	if err != nil {
		return err
	}
	out, encErr := json.MarshalIndent(v, "", "  ")
	if encErr != nil {
		return encErr
	}
	fmt.Println(string(out))
	return nil
}
