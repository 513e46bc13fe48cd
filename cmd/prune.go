package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newPruneCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Forget processed credit keys older than the retention window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := wireApp(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer a.close()

			n, err := a.gate.PruneProcessed(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "removed %d processed credit keys\n", n)
			return err
		},
	}
}
