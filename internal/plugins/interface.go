package plugins

import (
	"errors"
	"fmt"
)

// ErrNoPlugin is returned when no registered plugin understands an entry key.
var ErrNoPlugin = errors.New("no plugin can resolve entry")

// Document describes the remote document behind a saved entry.
type Document struct {
	// EntryKey is the canonical saved-entry key that was resolved
	EntryKey string
	// URL is the absolute URL of the document to keep offline
	URL string
	// Title is a display title derived from the key
	Title string
	// Plugin names the resolver that produced the document
	Plugin string
}

// Plugin maps saved-entry keys of one family to document URLs
type Plugin interface {
	// Name returns the plugin name for identification
	Name() string

	// CanHandle returns true if this plugin understands the entry key
	CanHandle(entryKey string) bool

	// Resolve returns the document for entryKey, fetched with scheme
	Resolve(entryKey, scheme string) (*Document, error)

	// Priority returns the priority of this plugin (higher = higher priority)
	// Useful when multiple plugins can handle the same key
	Priority() int
}

// Registry manages all registered plugins
type Registry struct {
	plugins []Plugin
	scheme  string
}

// NewRegistry creates a registry whose documents are fetched over scheme
func NewRegistry(scheme string) *Registry {
	if scheme == "" {
		scheme = "https"
	}
	return &Registry{
		plugins: make([]Plugin, 0),
		scheme:  scheme,
	}
}

// Register adds a plugin to the registry
func (r *Registry) Register(plugin Plugin) {
	r.plugins = append(r.plugins, plugin)
}

// FindPlugin returns the plugin with the highest priority that can handle
// the entry key
func (r *Registry) FindPlugin(entryKey string) Plugin {
	var bestPlugin Plugin
	highestPriority := -1

	for _, plugin := range r.plugins {
		if plugin.CanHandle(entryKey) && plugin.Priority() > highestPriority {
			bestPlugin = plugin
			highestPriority = plugin.Priority()
		}
	}

	return bestPlugin
}

// Resolve finds the document behind a saved entry
func (r *Registry) Resolve(entryKey string) (*Document, error) {
	plugin := r.FindPlugin(entryKey)
	if plugin == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoPlugin, entryKey)
	}

	doc, err := plugin.Resolve(entryKey, r.scheme)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", plugin.Name(), err)
	}
	doc.Plugin = plugin.Name()
	return doc, nil
}

// ListPlugins returns all registered plugins
func (r *Registry) ListPlugins() []Plugin {
	return append([]Plugin(nil), r.plugins...)
}
