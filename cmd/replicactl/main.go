package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	replicacli "github.com/amirimatin/go-replica/pkg/cli"
)

func main() {
	if err := newRoot().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "replicactl",
		Short:         "go-replica management CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	// Attach all replica commands from pkg/cli for reuse in services
	replicacli.AddAll(root)
	return root
}
