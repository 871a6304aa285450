package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newGraphCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "graph [targets...]",
		Short: "Print the tasks a build would run, in dependency batches",
		Long: `Print the selected tasks grouped into batches. Every task in a batch
depends only on tasks in earlier batches, so a batch may run in parallel.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.loadProject()
			if err != nil {
				return usageError(err)
			}
			selected, err := p.graph.Select(normalizeTargets(args)...)
			if err != nil {
				return usageError(err)
			}
			it, err := selected.TopologicalBatches()
			if err != nil {
				return usageError(err)
			}

			n := 0
			for batch, ok := it.Next(); ok; batch, ok = it.Next() {
				n++
				fmt.Fprintf(a.out, "%s %s\n", color.CyanString("%d:", n), strings.Join(batch, " "))
			}
			if n == 0 {
				fmt.Fprintln(a.out, "No tasks.")
			}
			return nil
		},
	}
}

func newTasksCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "tasks",
		Aliases: []string{"ls"},
		Short:   "List the tasks declared in the build file",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.loadProject()
			if err != nil {
				return usageError(err)
			}

			elements := p.graph.Elements(nil)
			if len(elements) == 0 {
				fmt.Fprintf(a.out, "No tasks declared in %s.\n", p.path)
				return nil
			}

			w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TASK\tNAME\tDESCRIPTION\tDEPENDS ON")
			for _, e := range elements {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					e.ID,
					e.Name(),
					e.Description(),
					strings.Join(e.Predecessors, ", "),
				)
			}
			return w.Flush()
		},
	}
}
