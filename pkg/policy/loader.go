package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/engine"
)

// Policy file extensions.
const (
	ExtRego = ".rego"
	ExtJSON = ".json"
)

// DefaultDebounce is how long Watch waits for a burst of changes to settle.
const DefaultDebounce = 500 * time.Millisecond

// Loader reads declaration policies from .rego and .json files.
//
// A .rego file is one policy named after the file. Leading comments give its
// description, and a "# severity: <level>" comment its severity (warning by
// default). A .json file holds a Policy document.
//
// Every policy must define a deny set in its package, since that is the
// only rule the engine queries. Files that fail this check fail the load.
type Loader struct {
	logger   zerolog.Logger
	debounce time.Duration
	watcher  *fsnotify.Watcher
}

// NewLoader creates a policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger:   logger.With().Str("component", "policy-loader").Logger(),
		debounce: DefaultDebounce,
	}
}

// SetDebounce changes the delay Watch waits before reloading. Zero or less
// restores the default.
func (l *Loader) SetDebounce(d time.Duration) {
	if d <= 0 {
		d = DefaultDebounce
	}
	l.debounce = d
}

// IsPolicyFile reports whether path has a policy extension.
func IsPolicyFile(path string) bool {
	switch filepath.Ext(path) {
	case ExtRego, ExtJSON:
		return true
	}
	return false
}

// LoadFromPaths loads every policy file named by paths. Directories are
// walked recursively. All problems are reported together, and two files
// defining the same policy name are a DUPLICATE_IDENTITY error.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var (
		files []string
		errs  []error
	)
	for _, path := range paths {
		found, err := policyFiles(path)
		if err != nil {
			errs = append(errs, engine.NewConfigurationError("failed to read policy path", err).
				WithResource(path).
				WithOperation("policy"))
			continue
		}
		files = append(files, found...)
	}

	var (
		policies []Policy
		origin   = make(map[string]string, len(files))
	)
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		p, err := l.loadFromFile(file)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if prev, dup := origin[p.Name]; dup {
			errs = append(errs, engine.NewConfigurationError(
				fmt.Sprintf("policy %q is defined by both %s and %s", p.Name, prev, file), nil).
				WithCode(engine.ErrCodeDuplicateIdentity).
				WithResource(file).
				WithOperation("policy"))
			continue
		}
		origin[p.Name] = file
		policies = append(policies, *p)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	l.logger.Info().
		Int("policies", len(policies)).
		Int("paths", len(paths)).
		Msg("Policies loaded")
	return policies, nil
}

// policyFiles lists the policy files at path in lexical order.
func policyFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && IsPolicyFile(p) {
			files = append(files, p)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

// loadFromFile reads and checks one policy file.
func (l *Loader) loadFromFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewConfigurationError("failed to read policy", err).
			WithResource(path).
			WithOperation("policy")
	}

	var p *Policy
	switch filepath.Ext(path) {
	case ExtRego:
		p = regoPolicy(path, string(data))
	case ExtJSON:
		p, err = jsonPolicy(data)
	default:
		err = fmt.Errorf("unsupported policy file type %q", filepath.Ext(path))
	}
	if err == nil {
		_, err = parseDenyModule(p)
	}
	if err != nil {
		return nil, engine.NewConfigurationError("invalid policy", err).
			WithCode(engine.ErrCodeValidation).
			WithResource(path).
			WithOperation("policy")
	}

	if p.Metadata == nil {
		p.Metadata = map[string]interface{}{}
	}
	p.Metadata["source"] = path

	l.logger.Debug().
		Str("path", path).
		Str("policy", p.Name).
		Str("severity", string(p.Severity)).
		Bool("blocking", p.Severity.Blocking()).
		Bool("enabled", p.Enabled).
		Msg("Policy loaded")
	return p, nil
}

// regoPolicy builds a policy from a .rego file and its header comments.
func regoPolicy(path, content string) *Policy {
	description, severity := regoHeader(content)
	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ExtRego),
		Description: description,
		Rego:        content,
		Severity:    severity,
		Enabled:     true,
	}
}

// regoHeader reads the comment block before the first statement. Comment
// lines form the description, except a "severity:" line, which sets the
// severity.
func regoHeader(content string) (string, Severity) {
	var (
		description []string
		severity    = SeverityWarning
	)
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		comment, ok := strings.CutPrefix(trimmed, "#")
		if !ok {
			break
		}
		comment = strings.TrimSpace(comment)
		if v, ok := strings.CutPrefix(comment, "severity:"); ok {
			switch sev := Severity(strings.TrimSpace(v)); sev {
			case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
				severity = sev
			}
			continue
		}
		if comment != "" {
			description = append(description, comment)
		}
	}
	return strings.Join(description, " "), severity
}

// jsonPolicy decodes a Policy document. Enabled defaults to true and
// severity to warning.
func jsonPolicy(data []byte) (*Policy, error) {
	var aux struct {
		Policy
		Enabled *bool `json:"enabled"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
	}
	p := aux.Policy
	p.Enabled = aux.Enabled == nil || *aux.Enabled

	if p.Name == "" || p.Rego == "" {
		return nil, fmt.Errorf("JSON policy needs a name and rego")
	}
	switch p.Severity {
	case "":
		p.Severity = SeverityWarning
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
	default:
		return nil, fmt.Errorf("unknown severity %q", p.Severity)
	}
	return &p, nil
}

// parseDenyModule parses a policy's rego and checks that it defines deny.
func parseDenyModule(p *Policy) (*ast.Module, error) {
	module, err := ast.ParseModule(p.Name+ExtRego, p.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	for _, rule := range module.Rules {
		if rule.Head.Name.String() == "deny" || rule.Head.Ref().String() == "deny" {
			return module, nil
		}
	}
	return nil, fmt.Errorf("policy %s defines no deny rule in package %s", p.Name, module.Package.Path)
}

// Watch reloads the policies under paths after they change, passing the
// result to reloadFn, until ctx is done or StopWatching is called. A reload
// that fails to load is logged and leaves the current policies in place.
func (l *Loader) Watch(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, path := range paths {
		if err := addDirs(watcher, path); err != nil {
			_ = watcher.Close()
			return engine.NewConfigurationError("failed to watch policies", err).
				WithResource(path).
				WithOperation("policy")
		}
	}
	l.watcher = watcher

	go l.watchLoop(ctx, watcher, paths, reloadFn)

	l.logger.Info().Strs("paths", paths).Msg("Watching policies")
	return nil
}

// addDirs watches path, or every directory below it.
func addDirs(w *fsnotify.Watcher, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return w.Add(filepath.Dir(path))
	}
	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(p)
		}
		return nil
	})
}

func (l *Loader) watchLoop(ctx context.Context, w *fsnotify.Watcher, paths []string, reloadFn func([]Policy) error) {
	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
		_ = w.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if event.Op == fsnotify.Chmod || !IsPolicyFile(event.Name) {
				continue
			}
			l.logger.Debug().Str("path", event.Name).Str("op", event.Op.String()).Msg("Policy changed")
			if timer == nil {
				timer = time.NewTimer(l.debounce)
			} else {
				timer.Reset(l.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			if err := l.reload(ctx, paths, reloadFn); err != nil {
				l.logger.Error().Err(err).Msg("Policy reload failed, keeping current policies")
			}

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.logger.Warn().Err(err).Msg("Policy watcher error")
		}
	}
}

func (l *Loader) reload(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	policies, err := l.LoadFromPaths(ctx, paths)
	if err != nil {
		return err
	}
	if err := reloadFn(policies); err != nil {
		return fmt.Errorf("failed to install reloaded policies: %w", err)
	}
	l.logger.Info().Int("policies", len(policies)).Msg("Policies reloaded")
	return nil
}

// StopWatching stops a running Watch.
func (l *Loader) StopWatching() error {
	if l.watcher == nil {
		return nil
	}
	return l.watcher.Close()
}
