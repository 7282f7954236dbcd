package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"specforge/internal/phase"
	"specforge/internal/pipeline"
)

func newPhasesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "phases",
		Short: "List the pipeline phases in execution order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PHASE\tDESCRIPTION\tSTATE FILES")
			for _, p := range pipeline.Phases(pipeline.Config{}) {
				var files []string
				if sc, ok := p.(phase.SchemaContributor); ok {
					schema := sc.SchemaEntries()
					for _, key := range schema.Keys() {
						files = append(files, key+"="+schema[key].RelativePath)
					}
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", p.ID(), p.Description(), strings.Join(files, ", "))
			}
			return w.Flush()
		},
	}
}
