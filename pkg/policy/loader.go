package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultReloadDelay is how long Watch waits for file events to settle.
const DefaultReloadDelay = 500 * time.Millisecond

// Loader reads policies from .rego files and JSON policy definitions.
type Loader struct {
	logger zerolog.Logger
	cache  map[string]*Policy
	mu     sync.RWMutex
	delay  time.Duration
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  make(map[string]*Policy),
		delay:  DefaultReloadDelay,
	}
}

// WithDelay sets the debounce delay used by Watch.
func (l *Loader) WithDelay(d time.Duration) *Loader {
	l.delay = d
	return l
}

// LoadFromPaths loads policies from a list of file or directory paths.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var allPolicies []Policy

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		policies, err := l.loadFromPath(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		allPolicies = append(allPolicies, policies...)
	}

	l.logger.Debug().
		Int("total", len(allPolicies)).
		Int("sources", len(paths)).
		Msg("Policies loaded from paths")

	return allPolicies, nil
}

// loadFromPath loads policies from a single path (file or directory).
func (l *Loader) loadFromPath(path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}

	if info.IsDir() {
		return l.loadFromDirectory(path)
	}

	policy, err := l.loadFromFile(path)
	if err != nil {
		return nil, err
	}
	return []Policy{*policy}, nil
}

// loadFromDirectory loads all policy files from a directory recursively.
// Unreadable files are logged and skipped.
func (l *Loader) loadFromDirectory(dirPath string) ([]Policy, error) {
	var policies []Policy

	err := filepath.WalkDir(dirPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isPolicyFile(path) {
			return nil
		}

		policy, err := l.loadFromFile(path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to load policy file")
			return nil
		}

		policies = append(policies, *policy)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}

	return policies, nil
}

func isPolicyFile(path string) bool {
	return strings.HasSuffix(path, ".rego") || strings.HasSuffix(path, ".json")
}

// loadFromFile loads a policy from a single file.
func (l *Loader) loadFromFile(filePath string) (*Policy, error) {
	l.mu.RLock()
	if cached, exists := l.cache[filePath]; exists {
		l.mu.RUnlock()
		p := *cached
		return &p, nil
	}
	l.mu.RUnlock()

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var policy *Policy
	switch {
	case strings.HasSuffix(filePath, ".rego"):
		policy = l.parseRegoFile(filePath, data)
	case strings.HasSuffix(filePath, ".json"):
		policy, err = l.parseJSONFile(filePath, data)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported file type: %s", filePath)
	}

	l.mu.Lock()
	l.cache[filePath] = policy
	l.mu.Unlock()

	l.logger.Debug().
		Str("path", filePath).
		Str("policy", policy.Name).
		Msg("Policy loaded from file")

	p := *policy
	return &p, nil
}

// parseRegoFile turns a .rego file into a policy named after the file.
// Violations default to error severity; a deny element may override it.
func (l *Loader) parseRegoFile(filePath string, data []byte) *Policy {
	name := strings.TrimSuffix(filepath.Base(filePath), ".rego")
	now := time.Now()

	return &Policy{
		Name:        name,
		Description: extractDescription(string(data)),
		Rego:        string(data),
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{},
		Metadata: map[string]interface{}{
			"source": filePath,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// parseJSONFile parses a JSON policy definition. The rego field may be
// replaced by rego_file, a path relative to the definition.
func (l *Loader) parseJSONFile(filePath string, data []byte) (*Policy, error) {
	var doc struct {
		Policy
		RegoFile string `json:"rego_file,omitempty"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
	}
	policy := doc.Policy

	if doc.RegoFile != "" {
		regoPath := doc.RegoFile
		if !filepath.IsAbs(regoPath) {
			regoPath = filepath.Join(filepath.Dir(filePath), regoPath)
		}
		src, err := os.ReadFile(regoPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read rego_file: %w", err)
		}
		policy.Rego = string(src)
	}
	if policy.Name == "" {
		policy.Name = strings.TrimSuffix(filepath.Base(filePath), ".json")
	}
	if policy.Rego == "" {
		return nil, fmt.Errorf("policy %s has no rego source", policy.Name)
	}
	if policy.Severity == "" {
		policy.Severity = SeverityError
	}
	if policy.Metadata == nil {
		policy.Metadata = map[string]interface{}{}
	}
	policy.Metadata["source"] = filePath
	if policy.CreatedAt.IsZero() {
		policy.CreatedAt = time.Now()
	}
	if policy.UpdatedAt.IsZero() {
		policy.UpdatedAt = policy.CreatedAt
	}

	return &policy, nil
}

// extractDescription returns the leading comment block of a Rego module.
func extractDescription(content string) string {
	var description strings.Builder

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
			if comment != "" && !strings.HasPrefix(comment, "package") {
				if description.Len() > 0 {
					description.WriteString(" ")
				}
				description.WriteString(comment)
			}
		} else if trimmed != "" && description.Len() > 0 {
			break
		}
	}

	return description.String()
}

// Watch reloads the policies under paths whenever a policy file changes and
// hands them to reloadFn. It blocks until ctx is done.
func (l *Loader) Watch(ctx context.Context, paths []string, reloadFn func([]Policy)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to stat path for watching")
			continue
		}
		if info.IsDir() {
			err = watchDirectory(watcher, path)
		} else {
			// Editors replace files, so the parent directory is watched instead.
			err = watcher.Add(filepath.Dir(path))
		}
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch path")
		}
	}

	l.logger.Info().Int("paths", len(paths)).Msg("Started watching policy paths")

	timer := time.NewTimer(l.delay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := watchDirectory(watcher, event.Name); err != nil {
						l.logger.Warn().Err(err).Str("path", event.Name).Msg("Failed to watch directory")
					}
					continue
				}
			}
			if !isPolicyFile(event.Name) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}

			l.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Policy file changed")
			l.forget(event.Name)
			timer.Reset(l.delay)

		case <-timer.C:
			policies, err := l.LoadFromPaths(ctx, paths)
			if err != nil {
				l.logger.Error().Err(err).Msg("Failed to reload policies")
				continue
			}
			reloadFn(policies)
			l.logger.Info().Int("count", len(policies)).Msg("Policies reloaded from disk")

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func watchDirectory(watcher *fsnotify.Watcher, dirPath string) error {
	return filepath.WalkDir(dirPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}

func (l *Loader) forget(path string) {
	l.mu.Lock()
	delete(l.cache, path)
	l.mu.Unlock()
}

// ClearCache clears the policy cache.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cache = make(map[string]*Policy)
	l.logger.Debug().Msg("Policy cache cleared")
}
