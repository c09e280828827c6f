package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// NewRootCmd assembles the sentinel CLI, mirroring the teacher's
// cmd/helix root command: a bare cobra.Command carrying subcommands,
// no business logic of its own.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "sentinel",
		Short: "sentinel is a headless NVR pipeline core",
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())
	return root
}

// Execute runs the root command and exits non-zero on error, following
// the teacher's main.go -> cmd.Execute() entry point.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
