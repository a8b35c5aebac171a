package plugin

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/plapperkasten/internal/log"
)

// Registry holds discovered external plugins indexed by name.
type Registry struct {
	plugins map[string]*External
	invalid map[string]error
}

// NewRegistry creates an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		plugins: make(map[string]*External),
		invalid: make(map[string]error),
	}
}

// Get retrieves a plugin by name.
func (r *Registry) Get(name string) (*External, bool) {
	p, ok := r.plugins[name]
	return p, ok
}

// Names returns the plugin names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.plugins))
	for n := range r.plugins {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Invalid returns the plugin directories that were rejected and why.
func (r *Registry) Invalid() map[string]error {
	return r.invalid
}

// Add registers a plugin in the registry.
func (r *Registry) Add(p *External) error {
	if _, exists := r.plugins[p.Name]; exists {
		return fmt.Errorf("plugin %q already registered", p.Name)
	}
	r.plugins[p.Name] = p
	return nil
}

// Discover scans plugin roots for manifest.yaml files and validates them.
// Roots are processed in order; duplicate names keep the first plugin found.
// Missing roots are skipped. Invalid plugins are logged and recorded but not
// fatal.
func Discover(roots []string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = log.WithComponent("discovery")
	}

	registry := NewRegistry()
	seenRoots := make(map[string]struct{}, len(roots))
	for _, root := range roots {
		root = strings.TrimSpace(root)
		if root == "" {
			continue
		}
		absRoot, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve plugin root %q: %w", root, err)
		}
		if _, ok := seenRoots[absRoot]; ok {
			continue
		}
		seenRoots[absRoot] = struct{}{}

		info, err := os.Stat(absRoot)
		if err != nil {
			if os.IsNotExist(err) {
				logger.Debug("plugin root does not exist", "root", absRoot)
				continue
			}
			return nil, fmt.Errorf("failed to stat plugin root %s: %w", absRoot, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("plugin root is not a directory: %s", absRoot)
		}

		if err := scanRoot(registry, absRoot, logger); err != nil {
			return nil, fmt.Errorf("failed to scan plugin root %s: %w", absRoot, err)
		}
	}
	return registry, nil
}

func scanRoot(registry *Registry, root string, logger *slog.Logger) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || d.Name() != manifestFilename {
			return nil
		}

		pluginPath := filepath.Dir(path)
		p, err := loadExternal(pluginPath, root)
		if err != nil {
			registry.invalid[pluginPath] = err
			logger.Warn("failed to load plugin", "root", root, "path", pluginPath, "error", err)
			return nil
		}

		if err := registry.Add(p); err != nil {
			existing, _ := registry.Get(p.Name)
			logger.Warn("duplicate plugin ignored (keeping first discovered)",
				"plugin", p.Name,
				"ignored_path", p.Path,
				"kept_path", existing.Path,
			)
			return nil
		}

		logger.Info("discovered plugin", "plugin", p.Name, "path", p.Path, "version", p.Version, "protocol", p.Protocol)
		return nil
	})
}

// LoadManifest reads and validates the manifest in pluginPath.
func LoadManifest(pluginPath string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(pluginPath, manifestFilename))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	return &m, nil
}

func loadExternal(pluginPath, root string) (*External, error) {
	m, err := LoadManifest(pluginPath)
	if err != nil {
		return nil, err
	}
	entrypoint := filepath.Join(pluginPath, m.Entrypoint)
	if err := validateTrust(entrypoint, pluginPath, root); err != nil {
		return nil, fmt.Errorf("trust validation failed: %w", err)
	}
	return &External{
		Manifest:   *m,
		Path:       pluginPath,
		Entrypoint: entrypoint,
	}, nil
}

// validateTrust requires the entrypoint to live inside the plugin directory
// and root, to be executable, and the plugin directory not to be
// world-writable.
func validateTrust(entrypointPath, pluginPath, root string) error {
	resolvedEntrypoint, err := filepath.EvalSymlinks(entrypointPath)
	if err != nil {
		return fmt.Errorf("failed to resolve entrypoint symlink: %w", err)
	}
	resolvedPluginPath, err := filepath.EvalSymlinks(pluginPath)
	if err != nil {
		return fmt.Errorf("failed to resolve plugin path symlink: %w", err)
	}
	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return fmt.Errorf("failed to resolve plugin root symlink %s: %w", root, err)
	}

	sep := string(os.PathSeparator)
	if !strings.HasPrefix(resolvedEntrypoint, resolvedRoot+sep) {
		return fmt.Errorf("entrypoint %s is not under plugin root %s", resolvedEntrypoint, resolvedRoot)
	}
	if !strings.HasPrefix(resolvedEntrypoint, resolvedPluginPath+sep) {
		return fmt.Errorf("entrypoint %s is not under plugin directory %s", resolvedEntrypoint, resolvedPluginPath)
	}

	info, err := os.Stat(resolvedEntrypoint)
	if err != nil {
		return fmt.Errorf("entrypoint not found: %w", err)
	}
	if info.Mode()&0111 == 0 {
		return fmt.Errorf("entrypoint is not executable: %s", resolvedEntrypoint)
	}

	pluginInfo, err := os.Stat(resolvedPluginPath)
	if err != nil {
		return fmt.Errorf("plugin directory not found: %w", err)
	}
	if pluginInfo.Mode().Perm()&0002 != 0 {
		return fmt.Errorf("plugin directory is world-writable: %s", resolvedPluginPath)
	}
	return nil
}
