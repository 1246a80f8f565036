package commands

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/baseline"
	"github.com/openfroyo/converge/pkg/catalog"
	"github.com/openfroyo/converge/pkg/config"
	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/policy"
	"github.com/openfroyo/converge/pkg/telemetry"
	"github.com/openfroyo/converge/pkg/transports/ssh"
)

// session holds the collaborators of one command invocation. Each run of
// watch mode builds a fresh Env on top of the same session.
type session struct {
	logger    zerolog.Logger
	baselines *baseline.Store
	metrics   *telemetry.Metrics
	tracer    *telemetry.Tracer
	policy    *policy.Engine
	fetcher   *ssh.Fetcher
	builder   *catalog.Builder
	loader    *config.Loader

	stopMetrics context.CancelFunc
}

// sessionOptions selects which collaborators a command needs.
type sessionOptions struct {
	baselines bool
	metrics   bool
}

func (a *app) openSession(ctx context.Context, opts sessionOptions) (*session, error) {
	s := &session{
		logger:  a.logger,
		builder: catalog.NewBuilder(a.logger),
		loader:  config.NewLoader(a.logger),
	}

	tracer, err := telemetry.NewTracer(ctx, telemetry.TracingConfig{
		Exporter:     a.settings.Tracing.Exporter,
		Endpoint:     a.settings.Tracing.Endpoint,
		Insecure:     a.settings.Tracing.Insecure,
		SamplingRate: 1.0,
	}, "converge", a.version)
	if err != nil {
		return nil, err
	}
	s.tracer = tracer

	if a.settings.Policy.Enabled {
		pe, err := policy.NewEngine(a.logger)
		if err != nil {
			s.Close()
			return nil, err
		}
		if dir := a.settings.Policy.Dir; dir != "" {
			if err := pe.LoadPolicies(ctx, []string{dir}); err != nil {
				s.Close()
				return nil, engine.NewConfigurationError("failed to load policies", err).WithResource(dir)
			}
		}
		s.policy = pe
	}

	fetcher, err := ssh.NewFetcher(ssh.FetcherConfig{
		User:       a.settings.SFTP.User,
		KeyPath:    a.settings.SFTP.KeyPath,
		KnownHosts: a.settings.SFTP.KnownHosts,
		Timeout:    a.settings.SFTP.Timeout,
		CacheDir:   a.settings.SFTP.CacheDir,
	}, a.logger)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.fetcher = fetcher

	if opts.baselines {
		store, err := baseline.Open(ctx, a.settings.Baseline, a.logger)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.baselines = store
	} else {
		s.baselines = baseline.NewStore(nil, a.logger)
	}

	if opts.metrics {
		s.metrics = telemetry.NewMetrics(telemetry.MetricsConfig{
			Addr:      a.settings.Metrics.Addr,
			Path:      "/metrics",
			Namespace: "converge",
		})
		mctx, cancel := context.WithCancel(ctx)
		s.stopMetrics = cancel
		if err := s.metrics.Serve(mctx, a.logger); err != nil {
			s.Close()
			return nil, err
		}
	}

	return s, nil
}

// env returns a fresh Env for one catalog build.
func (s *session) env() *engine.Env {
	env := engine.NewEnv(s.baselines, s.logger)
	env.Fetcher = s.fetcher
	return env
}

// build loads the manifests and builds them into env.
func (s *session) build(ctx context.Context, env *engine.Env, paths []string, operation string, dryRun bool) (*catalog.Catalog, error) {
	m, err := s.loader.Load(ctx, paths...)
	if err != nil {
		return nil, err
	}

	opts := catalog.Options{
		Policy:    s.policy,
		Operation: operation,
		DryRun:    dryRun,
	}
	if s.metrics != nil {
		opts.Observers = append(opts.Observers, s.metrics)
	}
	return s.builder.Build(ctx, m, env, opts)
}

// Close releases everything the session opened.
func (s *session) Close() {
	if s.stopMetrics != nil {
		s.stopMetrics()
	}
	if s.fetcher != nil {
		if err := s.fetcher.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to close SFTP connections")
		}
	}
	if s.baselines != nil {
		if err := s.baselines.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to close baseline store")
		}
	}
	if s.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.tracer.Shutdown(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to flush traces")
		}
	}
}
