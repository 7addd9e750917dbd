package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "courier",
		Short: "Guaranteed delivery messaging engine",
	}

	cmd.AddCommand(newRunCommand())
	cmd.AddCommand(newInspectCommand())

	return cmd
}
