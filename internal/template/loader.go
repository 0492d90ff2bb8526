package template

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:default} patterns in a string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		submatch := envVarPattern.FindStringSubmatch(match)
		if len(submatch) < 2 {
			return match
		}
		varName := submatch[1]
		defaultVal := ""
		if len(submatch) >= 3 {
			defaultVal = submatch[2]
		}
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return defaultVal
	})
}

// LoadCatalog reads a catalog YAML file, expands env vars, and validates.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	expanded := expandEnvVars(string(data))
	cat := &Catalog{}
	if err := yaml.Unmarshal([]byte(expanded), cat); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	if err := cat.Validate(); err != nil {
		return nil, err
	}
	return cat, nil
}

// Watcher reloads the catalog file into an engine when it changes. A reload
// that fails to parse or validate keeps the previous catalog active.
type Watcher struct {
	fsw *fsnotify.Watcher
}

// WatchCatalog watches path's directory (editors replace files by rename)
// and swaps the engine's catalog on each successful reload.
func WatchCatalog(path string, engine *Engine) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch catalog dir %s: %w", dir, err)
	}
	target := filepath.Clean(path)

	go func() {
		for {
			select {
			case event, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				cat, err := LoadCatalog(path)
				if err != nil {
					slog.Error("catalog reload failed, keeping previous",
						"file", path,
						"error", err)
					continue
				}
				engine.Swap(cat)
				slog.Info("catalog reloaded",
					"file", path,
					"endpoints", len(cat.Endpoints))
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				slog.Error("fsnotify error", "error", err)
			}
		}
	}()

	return &Watcher{fsw: fsw}, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error { return w.fsw.Close() }
