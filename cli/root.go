// Package cli wires the sensor-ingest commands.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const serviceName = "sensor-ingest"

var versionInfo = "dev"

// SetVersion sets the version information from build-time ldflags
func SetVersion(version, commit, date string) {
	versionInfo = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)
}

// Execute runs the CLI and exits non-zero on error.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   serviceName,
		Short: "Collect sensor records over TCP into a session log",
		Long: `sensor-ingest - receive text records from sensor clients and append them,
stamped with the arrival time in milliseconds, to one log file per session.

Clients connect over TCP, send records and send CLOSE before disconnecting.`,
		Version:       versionInfo,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCommand(), newSendCommand())
	return root
}
