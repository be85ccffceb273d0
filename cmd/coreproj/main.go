// coreproj is the command-line companion to the projection runtime.
//
// Usage:
//
//	coreproj <command> [flags]
//
// Commands:
//
//	init        Generate a starter coreproj.yaml
//	status      Show the latest checkpoint for the configured projection
//	checkpoint  Inspect or reset a projection's checkpoint
//	diagnose    Run diagnostic checks against the configured projection
//	version     Print version information
package main

import (
	"github.com/foldstream/coreproj/cli/commands"

	// Register pgx as a database/sql driver; the postgres event log adapter
	// itself connects through a pgxpool pool.
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Build information, set via -ldflags at build time.
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	commands.Version = version
	commands.Commit = commit
	commands.BuildDate = buildDate

	commands.Execute()
}
