package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	os.Exit(run())
}

func run() int {
	root := &cobra.Command{
		Use:     "dupefind",
		Short:   "Find and deduplicate files",
		Version: version + " (" + commit + ")",
	}

	root.AddCommand(newFindCmd())
	root.AddCommand(newDedupeCmd())
	root.AddCommand(newLintCmd())

	if err := root.Execute(); err != nil {
		return 1
	}
	return 0
}
