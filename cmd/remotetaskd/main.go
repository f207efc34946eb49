// Command remotetaskd runs the remote task dispatch core as a single
// on-device process, the way the teacher's `command/agent` runs the
// Nomad agent: a small `hashicorp/cli` multi-command binary with one
// long-running subcommand and one introspection subcommand.
package main

import (
	"fmt"
	"os"

	"github.com/hashicorp/cli"

	"github.com/lineageos/carservice-remotetaskd/version"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	c := cli.NewCLI("remotetaskd", version.Version)
	c.Args = args
	c.Commands = map[string]cli.CommandFactory{
		"agent":  func() (cli.Command, error) { return &AgentCommand{}, nil },
		"status": func() (cli.Command, error) { return &StatusCommand{}, nil },
	}

	exitCode, err := c.Run()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return exitCode
}
