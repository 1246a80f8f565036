package commands

import (
	"context"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/telemetry"
)

// applyOptions are the per-run flags of apply and watch.
type applyOptions struct {
	output     string
	eventsFile string
	eventKinds []string
}

func newApplyCommand(a *app) *cobra.Command {
	var opts applyOptions

	cmd := &cobra.Command{
		Use:   "apply MANIFEST...",
		Short: "Converge the system to the manifests",
		Long: `Evaluate the manifests and sync every out of sync resource, in group order.

A resource that fails does not stop the ones after it. Baselines are saved
after every apply, including partial ones, so content drift is measured
against what was last written.

Change events can be written as JSON lines for other tools to consume.`,
		Example: `  # Apply a manifest directory
  converge apply ./manifests

  # Record change events
  converge apply site.cue --events-file events.jsonl

  # Only record content changes
  converge apply site.cue --events-file events.jsonl --event-kind content-modified --event-kind content-replaced`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkOutput(opts.output); err != nil {
				return err
			}

			s, err := a.openSession(cmd.Context(), sessionOptions{baselines: true, metrics: true})
			if err != nil {
				return err
			}
			defer s.Close()

			var events io.Writer
			if opts.eventsFile != "" {
				f, err := os.OpenFile(opts.eventsFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
				if err != nil {
					return engine.NewConfigurationError("failed to open events file", err).WithResource(opts.eventsFile)
				}
				defer f.Close()
				events = f
			}

			return s.apply(cmd.Context(), cmd.OutOrStdout(), args, opts, events)
		},
	}

	addApplyFlags(cmd, &opts)
	return cmd
}

func addApplyFlags(cmd *cobra.Command, opts *applyOptions) {
	cmd.Flags().StringVarP(&opts.output, "output", "o", outputText, "output format (text, json)")
	cmd.Flags().StringVar(&opts.eventsFile, "events-file", "", "append change events to this file as JSON lines")
	cmd.Flags().StringSliceVar(&opts.eventKinds, "event-kind", nil, "only record these event kinds")
}

// apply runs one build, evaluate and apply cycle and saves the baselines.
func (s *session) apply(ctx context.Context, out io.Writer, paths []string, opts applyOptions, events io.Writer) error {
	ctx, span := s.tracer.StartRunSpan(ctx, "apply", paths)
	defer span.End()
	ctx = telemetry.WithContext(ctx, s.logger)

	cat, err := s.build(ctx, s.env(), paths, "apply", false)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}

	tx, err := cat.Root.Evaluate(ctx)
	if tx == nil {
		telemetry.RecordError(span, err)
		return err
	}
	logger := telemetry.TransactionLogger(s.logger, tx)
	if err != nil {
		logger.Debug().Err(err).Msg("Evaluation deferred for some resources")
	}

	tx.Subscribe(s.tracer.Subscriber())
	tx.Subscribe(s.journal(logger, opts, events).Subscriber(tx.Group))

	changed, applyErr := tx.Apply(ctx)

	if err := s.baselines.Save(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to save baselines")
		if applyErr == nil {
			applyErr = err
		}
	}

	if err := printApply(out, opts.output, tx, changed); err != nil {
		return err
	}
	telemetry.RecordError(span, applyErr)
	return applyErr
}

// journal wires change events to the log and, when set, to an events writer.
func (s *session) journal(logger zerolog.Logger, opts applyOptions, events io.Writer) *telemetry.Journal {
	j := telemetry.NewJournal()
	j.Subscribe(func(e telemetry.Event) {
		logger.Debug().
			Str("event_id", e.ID).
			Str("kind", string(e.Kind)).
			Str("resource", e.Resource).
			Str("parent", e.Parent).
			Msg("Change event")
	}, nil)

	if events != nil {
		var filter telemetry.EventFilter
		if len(opts.eventKinds) > 0 {
			kinds := make([]engine.EventKind, len(opts.eventKinds))
			for i, k := range opts.eventKinds {
				kinds[i] = engine.EventKind(k)
			}
			filter = telemetry.FilterByKind(kinds...)
		}
		j.Subscribe(telemetry.JSONLines(events, func(err error) {
			logger.Warn().Err(err).Msg("Failed to record event")
		}), filter)
	}
	return j
}
