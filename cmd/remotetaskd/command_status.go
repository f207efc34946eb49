package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/lineageos/carservice-remotetaskd/internal/identity"
	"github.com/lineageos/carservice-remotetaskd/internal/log"
)

// StatusCommand reports basic operational counts from the identity
// store without starting the dispatch core, the same introspection
// shape as the teacher's "nomad node status".
type StatusCommand struct{}

func (c *StatusCommand) Synopsis() string {
	return "Show identity store statistics"
}

func (c *StatusCommand) Help() string {
	return strings.TrimSpace(`
Usage: remotetaskd status [options]

  Opens the identity store, without starting the dispatch core, and
  prints its row count.

Options:

  -data-dir=<path>  Directory holding identity.db (default "./data")
`)
}

func (c *StatusCommand) Run(args []string) int {
	flags := flag.NewFlagSet("status", flag.ContinueOnError)
	dataDir := flags.String("data-dir", "./data", "directory holding identity.db")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	logger := log.NoopForTest()

	key, err := os.ReadFile(*dataDir + "/process.key")
	if err != nil || len(key) != 32 {
		fmt.Printf("error: no identity store found at %s\n", *dataDir)
		return 1
	}

	store, err := identity.Open(*dataDir+"/identity.db", key, logger)
	if err != nil {
		fmt.Printf("error: failed to open identity store: %s\n", err)
		return 1
	}
	defer store.Close()

	stats, err := store.Stats(context.Background())
	if err != nil {
		fmt.Printf("error: failed to read stats: %s\n", err)
		return 1
	}

	fmt.Printf("registered clients: %d\n", stats.RowCount)
	return 0
}

