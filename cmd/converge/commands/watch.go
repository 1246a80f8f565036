package commands

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/pkg/config"
	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/policy"
)

func newWatchCommand(a *app) *cobra.Command {
	var opts applyOptions

	cmd := &cobra.Command{
		Use:   "watch MANIFEST...",
		Short: "Apply on every manifest change",
		Long: `Apply the manifests once, then again whenever one of them changes.

Bursts of file events are collapsed into one run (see watch.debounce). Every
run builds fresh resources and downloads remote sources again. Policies in
the policy directory are reloaded when they change.`,
		Example: `  # Keep ./manifests applied
  converge watch ./manifests

  # Serve metrics while watching
  converge watch ./manifests --metrics-addr :9100`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkOutput(opts.output); err != nil {
				return err
			}
			ctx := cmd.Context()

			s, err := a.openSession(ctx, sessionOptions{baselines: true, metrics: true})
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

			if s.policy != nil && a.settings.Policy.Dir != "" {
				pl := policy.NewLoader(a.logger)
				err := pl.Watch(ctx, []string{a.settings.Policy.Dir}, func(ps []policy.Policy) error {
					return s.policy.ReloadPolicies(ctx, ps)
				})
				if err != nil {
					return err
				}
				defer pl.StopWatching()
			}

			run := func() {
				s.fetcher.Reset()
				if err := s.apply(ctx, cmd.OutOrStdout(), args, opts, events); err != nil {
					a.logger.Error().Err(err).Msg("Apply failed")
				}
			}
			return s.watch(ctx, args, a.settings.Watch.Debounce, run)
		},
	}

	addApplyFlags(cmd, &opts)
	return cmd
}

// watch runs fn once, then after every debounced change to the manifests,
// until ctx is done. Files are watched through their directory so editors
// that replace files on save keep triggering runs.
func (s *session) watch(ctx context.Context, paths []string, debounce time.Duration, fn func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return engine.NewConfigurationError("failed to create watcher", err)
	}
	defer watcher.Close()

	ws, err := newWatchSet(watcher, paths)
	if err != nil {
		return err
	}

	fn()

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			s.logger.Info().Msg("Watch stopped")
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ws.relevant(event) {
				continue
			}
			s.logger.Debug().Str("path", event.Name).Str("op", event.Op.String()).Msg("Manifest changed")
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			s.logger.Info().Msg("Manifests changed, applying")
			fn()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn().Err(err).Msg("Watcher error")
		}
	}
}

// watchSet tracks which events concern the manifests.
type watchSet struct {
	dirs  map[string]bool
	files map[string]bool
}

func newWatchSet(w *fsnotify.Watcher, paths []string) (*watchSet, error) {
	ws := &watchSet{dirs: make(map[string]bool), files: make(map[string]bool)}
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, engine.NewConfigurationError("failed to resolve manifest path", err).WithResource(p)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, engine.NewConfigurationError("failed to watch manifests", err).WithResource(p)
		}

		dir := abs
		if info.IsDir() {
			ws.dirs[abs] = true
		} else {
			ws.files[abs] = true
			dir = filepath.Dir(abs)
		}
		if err := w.Add(dir); err != nil {
			return nil, engine.NewConfigurationError("failed to watch manifests", err).WithResource(dir)
		}
	}
	return ws, nil
}

// relevant ignores chmod-only events, files that are not manifests and
// siblings of individually watched files.
func (ws *watchSet) relevant(event fsnotify.Event) bool {
	if event.Op == fsnotify.Chmod {
		return false
	}
	name, err := filepath.Abs(event.Name)
	if err != nil {
		return false
	}
	if ws.files[name] {
		return true
	}
	return ws.dirs[filepath.Dir(name)] && config.IsManifest(name)
}
