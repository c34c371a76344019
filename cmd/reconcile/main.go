// Command reconcile runs the accounts-payable reconciliation service
// and its operational subcommands.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

var version = "dev"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands. Separated from main for tests.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(stderr)
	}
	switch args[1] {
	case "serve", "server":
		return runServe(stderr)
	case "migrate":
		return runMigrate(args[2:], stdout, stderr)
	case "import":
		return runImport(args[2:], stdout, stderr)
	case "verify-audit":
		return runVerifyAudit(args[2:], stdout, stderr)
	case "version":
		_, _ = fmt.Fprintln(stdout, version)
		return 0
	case "help", "-h", "--help":
		usage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n", args[1])
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	_, _ = fmt.Fprint(w, `Usage: reconcile [command]

Commands:
  serve         run the HTTP service (default)
  migrate       apply database migrations and exit
  import        import a CSV file from the command line
  verify-audit  verify a tenant's audit chains
  version       print the version
  help          show this help
`)
}

// newLogger builds the process logger honoring LOG_LEVEL.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
