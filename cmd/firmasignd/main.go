// Command firmasignd runs the self-hosted document-signing coordinator,
// wiring the supervisor the way the teacher's cmd/synnergy wires one node
// subsystem per cobra subcommand.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{Use: "firmasignd", Short: "self-hosted peer-to-peer document signing coordinator"}
	root.PersistentFlags().String("env", "", "environment overlay to merge onto config/default.yaml")
	root.AddCommand(serveCmd(), transportCmd(), transferCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
