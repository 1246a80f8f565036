package commands

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/pkg/catalog"
	"github.com/openfroyo/converge/pkg/telemetry"
)

var errChangesPending = errors.New("changes pending")

func newPlanCommand(a *app) *cobra.Command {
	var (
		output           string
		detailedExitCode bool
	)

	cmd := &cobra.Command{
		Use:   "plan MANIFEST...",
		Short: "Show what apply would change",
		Long: `Evaluate the manifests against the system and list every property that
is out of sync, without changing anything.

Recursive directories list the changes of their children after their own.
Content drift is detected against the baselines recorded by earlier applies.`,
		Example: `  # Plan a manifest directory
  converge plan ./manifests

  # Machine-readable output
  converge plan site.cue --output json

  # Exit with 2 when changes are pending
  converge plan site.yaml --detailed-exitcode`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkOutput(output); err != nil {
				return err
			}

			s, err := a.openSession(cmd.Context(), sessionOptions{baselines: true})
			if err != nil {
				return err
			}
			defer s.Close()

			ctx, span := s.tracer.StartRunSpan(cmd.Context(), "plan", args)
			defer span.End()

			changes, err := s.plan(ctx, args)
			if err != nil {
				telemetry.RecordError(span, err)
				return err
			}

			if err := printPlan(cmd.OutOrStdout(), output, changes); err != nil {
				return err
			}
			if detailedExitCode && len(changes) > 0 {
				return &ExitError{Code: 2, Err: errChangesPending}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", outputText, "output format (text, json)")
	cmd.Flags().BoolVar(&detailedExitCode, "detailed-exitcode", false, "exit with 2 when changes are pending")

	return cmd
}

// plan builds the manifests into a throwaway env and lists pending changes.
// Evaluation failures that apply would retry are logged, not returned.
func (s *session) plan(ctx context.Context, paths []string) ([]catalog.Change, error) {
	cat, err := s.build(ctx, s.env(), paths, "plan", true)
	if err != nil {
		return nil, err
	}

	tx, err := cat.Root.Evaluate(ctx)
	if tx == nil {
		return nil, err
	}
	if err != nil {
		s.logger.Warn().Err(err).Msg("Some resources could not be evaluated")
	}
	return catalog.Plan(tx), nil
}
