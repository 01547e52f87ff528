/*
main.go - Application entry point

COMMANDS:
  settlement serve                 HTTP API + background sweeper
  settlement sweep                 One sweep pass (cron)
  settlement repair                Re-apply missing credits/grants
  settlement seed --file x.yaml    Load program prices
  settlement verify [--user id]    Ledger consistency check

EXAMPLES:
  # Local development against SQLite, trusting X-User-ID
  SETTLEMENT_AUTH_DEV_HEADER=X-User-ID ./server serve

  # Production
  ./server serve --config /etc/settlement/config.yaml

SEE ALSO:
  - cli/: Command implementations
  - config.example.yaml: Every key with its default
*/
package main

import (
	"fmt"
	"os"

	"github.com/szer/settlement/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
