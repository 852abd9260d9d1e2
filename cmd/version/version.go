package version

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/sidkik/vaultsync/pkg/version"
)

// Mocked out for unit testing.
var stdout io.Writer = os.Stdout

// New creates a new `version` command.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of vaultsync.",
		Long: "Print the version of vaultsync, and the version of the sync\n" +
			"protocol that it speaks.",
		Run: func(_ *cobra.Command, _ []string) {
			run()
		},
	}
}

func run() {
	fmt.Fprintf(stdout, "version:          %s\n", version.Version)
	fmt.Fprintf(stdout, "protocol version: %s\n", version.ProtocolVersion)
}
