// Command reclaw is the Reclaw Core gateway CLI: start the gateway
// process (run) or scaffold a layered config file (init-config).
// Generalized from the teacher's cmd/picoclaw entry point, which wires
// its subcommands the same way but without cobra at the root; here the
// expanded spec calls for cobra throughout (spec §6), matching the
// idiom the teacher already uses for its own "cron" subcommand tree.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/reclaw/reclaw-core/internal/server"
)

// version is stamped at build time via -ldflags, mirroring the
// teacher's version/gitCommit/buildTime var block.
var version = "dev"

func main() {
	server.Version = version
	root := newRootCommand()
	root.SilenceUsage = true
	root.SilenceErrors = true

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps an error to the CLI exit codes named in spec §6:
// 0 clean, 1 config error, 2 bind failure, 3 storage open failure.
func exitCodeFor(err error) int {
	var cfgErr *server.ConfigError
	if errors.As(err, &cfgErr) {
		return 1
	}
	var bindErr *server.BindError
	if errors.As(err, &bindErr) {
		return 2
	}
	var storageErr *server.StorageError
	if errors.As(err, &storageErr) {
		return 3
	}
	return 1
}
