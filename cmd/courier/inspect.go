package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/outofforest/courier/store"
)

func newInspectCommand() *cobra.Command {
	var storePath string

	cmd := &cobra.Command{
		Use:           "inspect",
		Short:         "Print messages kept in store per destination",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := store.Open(storePath)
			if err != nil {
				return err
			}
			defer s.Close()

			summary, err := s.Summary(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DESTINATION\tTARGET\tMESSAGES\tLOCKED")
			for _, qs := range summary {
				target := "local"
				if qs.Target != uuid.Nil {
					target = qs.Target.String()
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", qs.Destination, target, qs.Count, qs.Locked)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&storePath, "store", "", "path to store database (required)")
	_ = cmd.MarkFlagRequired("store")

	return cmd
}
