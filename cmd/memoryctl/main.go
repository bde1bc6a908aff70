// Command memoryctl operates the memory pipeline: it reports status, flushes
// buffered dialog, runs relational syncs, runs the ingest queue worker and
// simulates or audits gacha draws.
//
// Usage:
//
//	memoryctl [flags] <command> [args]
//
// Configuration is read from --config (YAML), .env files and MEMORY_*
// environment variables, e.g. MEMORY_REDIS_ADDR.
package main

import (
	"fmt"
	"os"

	"github.com/creastat/memory/cmd/memoryctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
