package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/pkg/telemetry"
)

func newValidateCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate MANIFEST...",
		Short: "Check manifests without touching the system",
		Long: `Parse the manifests, check every declaration against its schema, run the
policy gate and build the resources and groups.

Nothing on the system is read or changed. Duplicate identities, unknown group
members, group cycles and policy violations are all reported here.`,
		Example: `  # Validate a manifest directory
  converge validate ./manifests

  # Validate with extra policies
  converge validate site.cue --policy-dir ./policies`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openSession(cmd.Context(), sessionOptions{})
			if err != nil {
				return err
			}
			defer s.Close()

			ctx, span := s.tracer.StartRunSpan(cmd.Context(), "validate", args)
			defer span.End()

			cat, err := s.build(ctx, s.env(), args, "validate", true)
			if err != nil {
				telemetry.RecordError(span, err)
				return err
			}

			out := cmd.OutOrStdout()
			if cat.Policy != nil {
				for _, w := range cat.Policy.Warnings {
					fmt.Fprintf(out, "warning: %s\n", w)
				}
			}
			fmt.Fprintf(out, "Valid: %d resource(s) applied through group %q.\n", cat.Len(), cat.Root.Name())
			return nil
		},
	}

	return cmd
}
