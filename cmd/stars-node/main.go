// Command stars-node is a thin CLI harness for exercising the core
// scheduler standalone, mirroring cmd/ollamacron/main.go's cobra
// rootCmd-plus-subcommands shape, scaled down to the two subcommands
// the core actually needs exercised outside a unit test: serve and
// validate.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "stars-node",
		Short: "STaRS core scheduler node",
		Long:  "A standalone harness for the STaRS availability-information algebra and fair-slowness local scheduler.",
	}

	rootCmd.AddCommand(buildServeCmd())
	rootCmd.AddCommand(buildValidateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
