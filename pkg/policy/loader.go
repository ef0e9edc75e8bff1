package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// ReloadFunc receives the complete external policy set after a change.
type ReloadFunc func(ctx context.Context, policies []Policy) error

// Loader reads guard-dog policies from disk and watches them for changes.
// Accepted files: bare .rego modules, and .json or .yaml policy definitions.
type Loader struct {
	logger      zerolog.Logger
	reloadDelay time.Duration
}

// NewLoader creates a policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger:      logger.With().Str("component", "guard-loader").Logger(),
		reloadDelay: 500 * time.Millisecond,
	}
}

var policyExtensions = map[string]bool{".rego": true, ".json": true, ".yaml": true, ".yml": true}

func isPolicyFile(path string) bool {
	return policyExtensions[filepath.Ext(path)]
}

// LoadFromPaths loads every policy under paths. Any unreadable file fails the
// whole load so a partial set is never applied.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var policies []Policy
	for _, root := range paths {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || (path != root && !isPolicyFile(path)) {
				return nil
			}
			p, err := l.loadFromFile(ctx, path)
			if err != nil {
				return fmt.Errorf("failed to load %s: %w", path, err)
			}
			policies = append(policies, *p)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to load policies from %s: %w", root, err)
		}
	}

	l.logger.Debug().Int("total", len(policies)).Strs("paths", paths).Msg("Policies loaded")
	return policies, nil
}

func (l *Loader) loadFromFile(_ context.Context, path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var p Policy
	switch filepath.Ext(path) {
	case ".rego":
		p = Policy{
			Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
			Description: leadingComment(string(data)),
			Rego:        string(data),
			Enabled:     true,
		}
	case ".json":
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("failed to parse YAML policy: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported policy file: %s", path)
	}

	if p.Name == "" {
		return nil, fmt.Errorf("policy in %s has no name", path)
	}
	if p.Severity == "" {
		p.Severity = SeverityError
	}
	p.Builtin = false
	p.Source = path
	p.LoadedAt = time.Now().UTC()
	return &p, nil
}

// leadingComment joins the first block of # comments of a Rego module.
func leadingComment(src string) string {
	var parts []string
	for _, line := range strings.Split(src, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "#") {
			if len(parts) > 0 && line != "" {
				break
			}
			continue
		}
		if c := strings.TrimSpace(strings.TrimPrefix(line, "#")); c != "" {
			parts = append(parts, c)
		}
	}
	return strings.Join(parts, " ")
}

// Watch calls reloadFn with the full policy set after changes under paths,
// debounced by the reload delay. It returns once watching has started and
// stops when ctx is done. A failed reload keeps the previous set.
func (l *Loader) Watch(ctx context.Context, paths []string, reloadFn ReloadFunc) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, root := range paths {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || path == root {
				return watcher.Add(path)
			}
			return nil
		})
		if err != nil {
			l.logger.Warn().Err(err).Str("path", root).Msg("Failed to watch policy path")
		}
	}

	go l.watch(ctx, watcher, paths, reloadFn)
	l.logger.Info().Strs("paths", paths).Msg("Watching guard-dog policies")
	return nil
}

func (l *Loader) watch(ctx context.Context, watcher *fsnotify.Watcher, paths []string, reloadFn ReloadFunc) {
	defer watcher.Close()

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	reload := func() {
		policies, err := l.LoadFromPaths(ctx, paths)
		if err == nil {
			err = reloadFn(ctx, policies)
		}
		if err != nil {
			l.logger.Error().Err(err).Msg("Policy reload failed, keeping the previous set")
			return
		}
		l.logger.Info().Int("count", len(policies)).Msg("Policies reloaded")
	}

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) &&
				!ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if !isPolicyFile(ev.Name) {
				continue
			}
			l.logger.Debug().Str("file", ev.Name).Str("op", ev.Op.String()).Msg("Policy file changed")
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(l.reloadDelay, reload)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Policy watcher error")
		}
	}
}
