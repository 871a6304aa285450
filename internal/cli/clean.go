package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/flexinfer/forge/pkg/types"
)

func newCleanCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "clean [tasks...]",
		Short: "Forget recorded fingerprints so tasks run again",
		Long: `Forget the fingerprints recorded for the given tasks, or for every task
when none are given. Task outputs are left in place.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.loadProject()
			if err != nil {
				return usageError(err)
			}
			ids := normalizeTargets(args)
			for _, id := range ids {
				if _, ok := p.graph.Node(id); !ok {
					return usageError(fmt.Errorf("unknown task %s", id))
				}
			}

			eng, closeStores, err := a.openEngine(cmd.Context())
			if err != nil {
				return usageError(err)
			}
			defer closeStores()

			if err := eng.Clean(cmd.Context(), ids...); err != nil {
				return &ExitError{Code: types.ExitFailed, Err: err}
			}
			if len(ids) == 0 {
				fmt.Fprintln(a.out, "Forgot recorded state of all tasks.")
			} else {
				fmt.Fprintf(a.out, "Forgot recorded state of %s.\n", strings.Join(ids, ", "))
			}
			return nil
		},
	}
}
