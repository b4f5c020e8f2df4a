/*
main.go - Application entry point

COMMANDS:
  serve          Run the sync runtime and the HTTP API
  queue list     Show the pending-items view
  queue flush    Apply one batch now
  rollover       Close missing days and open today
  kpis           Print a day report

CONFIGURATION:
  fieldcash.toml in the working directory or /etc/fieldcash, a .env file,
  and FIELDCASH_* environment variables (highest priority). The session
  owner is required:

    FIELDCASH_SESSION_OWNER_ID=agent-7 ./fieldcash serve

EXAMPLES:
  # Serve against a postgres ledger
  FIELDCASH_REMOTE_DRIVER=postgres \
  FIELDCASH_REMOTE_DSN="postgres://localhost/fieldcash?sslmode=disable" \
  ./fieldcash serve

  # Yesterday's report as JSON
  ./fieldcash kpis --date 2025-03-09 --format json

SEE ALSO:
  - cli/: Command implementations
  - config/config.go: All settings and defaults
*/
package main

import (
	"os"

	"github.com/warp/fieldcash/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
