package builtin

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/pders01/stow/internal/plugins"
	"github.com/pders01/stow/internal/resource"
)

// WebPlugin handles entries saved from plain URLs. Their keys are already
// resource keys.
type WebPlugin struct{}

func NewWebPlugin() *WebPlugin {
	return &WebPlugin{}
}

func (p *WebPlugin) Name() string {
	return "web"
}

func (p *WebPlugin) CanHandle(entryKey string) bool {
	host, _ := resource.Split(entryKey)
	return strings.Contains(entryKey, "/") && strings.ContainsAny(host, ".:") && !strings.Contains(host, "wiki:")
}

func (p *WebPlugin) Priority() int {
	return 10
}

func (p *WebPlugin) Resolve(entryKey, scheme string) (*plugins.Document, error) {
	host, path := resource.Split(entryKey)
	if host == "" {
		return nil, fmt.Errorf("missing host in %s", entryKey)
	}
	u := &url.URL{Scheme: scheme, Host: host, Path: path}

	title := strings.Trim(path, "/")
	if i := strings.LastIndexByte(title, '/'); i >= 0 {
		title = title[i+1:]
	}
	if title == "" {
		title = host
	}
	return &plugins.Document{EntryKey: entryKey, URL: u.String(), Title: title}, nil
}

// Register installs every built-in plugin.
func Register(r *plugins.Registry) {
	r.Register(NewWikiPlugin())
	r.Register(NewWebPlugin())
}
