// bluechi-proxy is the ExecStart/ExecStopPost helper for a unit that
// depends on a remote node's unit (spec §4.6 "bluechi-proxy"): create
// registers the dependency and blocks until the target is ready (or
// the call fails), remove tears it down. Both are thin wrappers over
// pkg/client's CreateProxy/RemoveProxy, dialed against the local
// Agent's host-local socket rather than a Controller.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/bluechi-go/bluechi/internal/logging"
	"github.com/bluechi-go/bluechi/pkg/client"
)

func main() {
	socket := flag.String("socket", "/run/bluechi/agent.sock", "agent host-local bus socket path")
	timeout := flag.Duration("timeout", 0, "call timeout, 0 for none (readiness may take arbitrarily long)")
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		usage()
	}

	c, err := client.DialUnix(*socket, logging.New("bluechi-proxy"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "bluechi-proxy:", err)
		os.Exit(1)
	}
	defer c.Close()

	ctx := context.Background()
	var cancel context.CancelFunc
	if *timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	if err := run(ctx, c, args[0], args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "bluechi-proxy:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: bluechi-proxy [-socket PATH] create LOCAL_SERVICE NODE UNIT")
	fmt.Fprintln(os.Stderr, "       bluechi-proxy [-socket PATH] remove PATH")
	os.Exit(1)
}

func run(ctx context.Context, c *client.Client, cmd string, args []string) error {
	switch cmd {
	case "create":
		if len(args) != 3 {
			return fmt.Errorf("create takes exactly LOCAL_SERVICE NODE UNIT")
		}
		path, err := c.CreateProxy(ctx, args[0], args[1], args[2])
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil

	case "remove":
		if len(args) != 1 {
			return fmt.Errorf("remove takes exactly one PATH argument")
		}
		info, err := c.RemoveProxy(ctx, args[0])
		if err != nil {
			return err
		}
		if info != "" {
			fmt.Println(info)
		}
		return nil

	default:
		usage()
		return nil
	}
}
