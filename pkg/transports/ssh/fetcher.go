package ssh

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/engine"
)

// FetcherConfig configures remote source fetching.
type FetcherConfig struct {
	// User is used when the URI names none.
	User string

	// Password enables password authentication.
	Password string

	// KeyPath is the private key used for authentication.
	KeyPath string

	// KnownHosts enables strict host key checking when set.
	KnownHosts string

	// Timeout bounds connection setup.
	Timeout time.Duration

	// CacheDir holds downloaded sources. Defaults to a directory under the
	// user cache directory.
	CacheDir string

	// Attempts is the number of tries for temporary failures.
	Attempts uint

	// Delay is the initial backoff between attempts.
	Delay time.Duration
}

// Fetcher downloads sftp:// sources into a local cache. It implements
// engine.Fetcher. Each URI is downloaded once until Reset is called.
type Fetcher struct {
	cfg    FetcherConfig
	logger zerolog.Logger
	dial   func(ctx context.Context, cfg *Config, logger zerolog.Logger) (*Client, error)

	mu      sync.Mutex
	clients map[string]*Client
	fetched map[string]string
}

var _ engine.Fetcher = (*Fetcher)(nil)

// NewFetcher creates a fetcher.
func NewFetcher(cfg FetcherConfig, logger zerolog.Logger) (*Fetcher, error) {
	if cfg.CacheDir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return nil, engine.NewConfigurationError("no cache directory for remote sources", err)
		}
		cfg.CacheDir = filepath.Join(base, "converge", "sources")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	if cfg.Delay <= 0 {
		cfg.Delay = 200 * time.Millisecond
	}

	return &Fetcher{
		cfg:     cfg,
		logger:  logger.With().Str("component", "sftp-fetcher").Logger(),
		dial:    Dial,
		clients: make(map[string]*Client),
		fetched: make(map[string]string),
	}, nil
}

// Fetch downloads uri and returns the local path of its copy.
func (f *Fetcher) Fetch(ctx context.Context, uri string) (string, error) {
	src, err := ParseSource(uri)
	if err != nil {
		return "", engine.NewConfigurationError("invalid remote source", err).
			WithDetail("source", uri)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if local, ok := f.fetched[uri]; ok {
		return local, nil
	}

	local := f.cachePath(src)
	attempt := 0
	err = retry.Do(func() error {
		attempt++
		if attempt > 1 {
			f.logger.Warn().Int("attempt", attempt).Str("source", uri).Msg("Retrying source download")
		}
		client, err := f.client(ctx, src)
		if err != nil {
			return err
		}
		if err := client.Download(ctx, src.Path, local); err != nil {
			if isTemporary(err) {
				f.dropClient(src)
			}
			return err
		}
		return nil
	},
		retry.Attempts(f.cfg.Attempts),
		retry.Delay(f.cfg.Delay),
		retry.Context(ctx),
		retry.RetryIf(isTemporary),
	)
	if err != nil {
		switch {
		case errors.Is(err, os.ErrNotExist):
			return "", engine.NewConfigurationError("source does not exist", err).
				WithCode(engine.ErrCodeSourceMissing).
				WithDetail("source", uri)
		case isTemporary(err):
			return "", engine.NewTransientError("failed to fetch source", err).
				WithDetail("source", uri)
		default:
			return "", engine.NewApplyError("failed to fetch source", err).
				WithDetail("source", uri)
		}
	}

	f.fetched[uri] = local
	f.logger.Info().Str("source", uri).Str("local", local).Msg("Source fetched")
	return local, nil
}

// Reset forgets what was fetched so the next Fetch downloads again.
func (f *Fetcher) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = make(map[string]string)
}

// Close closes every open connection.
func (f *Fetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var errs []error
	for key, c := range f.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(f.clients, key)
	}
	return errors.Join(errs...)
}

// client returns a cached connection for src, dialling when needed.
// Callers hold f.mu.
func (f *Fetcher) client(ctx context.Context, src Source) (*Client, error) {
	key := f.clientKey(src)
	if c, ok := f.clients[key]; ok {
		return c, nil
	}

	cfg := DefaultConfig(src.Host, f.user(src))
	cfg.Port = src.Port
	cfg.Password = f.cfg.Password
	cfg.PrivateKeyPath = f.cfg.KeyPath
	cfg.KnownHostsPath = f.cfg.KnownHosts
	cfg.StrictHostKeyChecking = f.cfg.KnownHosts != ""
	cfg.ConnectionTimeout = f.cfg.Timeout

	c, err := f.dial(ctx, cfg, f.logger)
	if err != nil {
		return nil, err
	}
	f.clients[key] = c
	return c, nil
}

// dropClient closes and forgets the connection for src. Callers hold f.mu.
func (f *Fetcher) dropClient(src Source) {
	key := f.clientKey(src)
	if c, ok := f.clients[key]; ok {
		_ = c.Close()
		delete(f.clients, key)
	}
}

func (f *Fetcher) user(src Source) string {
	if src.User != "" {
		return src.User
	}
	if f.cfg.User != "" {
		return f.cfg.User
	}
	return os.Getenv("USER")
}

func (f *Fetcher) clientKey(src Source) string {
	return f.user(src) + "@" + src.Host + ":" + strconv.Itoa(src.Port)
}

// cachePath maps a source to its place in the cache directory.
func (f *Fetcher) cachePath(src Source) string {
	return filepath.Join(f.cfg.CacheDir, src.Host+"_"+strconv.Itoa(src.Port), filepath.FromSlash(src.Path))
}
