package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newBaselineCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "baseline",
		Short: "Inspect or reset recorded checksums",
		Long: `Baselines are the checksums recorded when content was last written. Plan
and apply compare the current checksum against them to detect drift.`,
	}

	cmd.AddCommand(newBaselineListCommand(a))
	cmd.AddCommand(newBaselineClearCommand(a))
	return cmd
}

func newBaselineListCommand(a *app) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded baselines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkOutput(output); err != nil {
				return err
			}

			s, err := a.openSession(cmd.Context(), sessionOptions{baselines: true})
			if err != nil {
				return err
			}
			defer s.Close()

			entries := s.baselines.Entries()
			out := cmd.OutOrStdout()
			if output == outputJSON {
				return writeJSON(out, entries)
			}
			if len(entries) == 0 {
				_, err := fmt.Fprintln(out, "No baselines recorded.")
				return err
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RESOURCE\tKIND\tVALUE\tRECORDED")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Resource, e.Kind, e.Value, e.RecordedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", outputText, "output format (text, json)")
	return cmd
}

func newBaselineClearCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Forget every recorded baseline",
		Long: `Remove every recorded checksum. The next apply records fresh baselines
instead of reporting drift.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openSession(cmd.Context(), sessionOptions{baselines: true})
			if err != nil {
				return err
			}
			defer s.Close()

			n := s.baselines.Len()
			if err := s.baselines.Clear(cmd.Context()); err != nil {
				return err
			}
			a.logger.Info().Int("entries", n).Msg("Baselines cleared")
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d baseline(s).\n", n)
			return err
		},
	}
}
