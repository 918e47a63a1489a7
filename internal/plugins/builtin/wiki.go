// Package builtin holds the entry resolvers shipped with stow.
package builtin

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/pders01/stow/internal/plugins"
)

// "enwiki:Cat", "de-wiki:Katze" and plain "wiki:Cat" (English).
var wikiKey = regexp.MustCompile(`^([a-z]{2,3}(?:-[a-z]+)?)?-?wiki:(.+)$`)

// WikiPlugin resolves wiki article keys to their mobile-html rendering
type WikiPlugin struct {
	// HostFormat builds the host from the language code, e.g. "%s.wikipedia.org".
	// A value without a verb is used as-is.
	HostFormat string
}

// NewWikiPlugin creates a resolver for Wikipedia articles
func NewWikiPlugin() *WikiPlugin {
	return &WikiPlugin{HostFormat: "%s.wikipedia.org"}
}

func (p *WikiPlugin) Name() string {
	return "wiki"
}

func (p *WikiPlugin) CanHandle(entryKey string) bool {
	return wikiKey.MatchString(entryKey)
}

func (p *WikiPlugin) Priority() int {
	return 50
}

func (p *WikiPlugin) Resolve(entryKey, scheme string) (*plugins.Document, error) {
	m := wikiKey.FindStringSubmatch(entryKey)
	if m == nil {
		return nil, fmt.Errorf("not a wiki key: %s", entryKey)
	}
	lang, title := m[1], m[2]
	if lang == "" {
		lang = "en"
	}

	host := p.HostFormat
	if strings.Contains(host, "%s") {
		host = fmt.Sprintf(host, lang)
	}

	u := &url.URL{
		Scheme: scheme,
		Host:   host,
		Path:   "/api/rest_v1/page/mobile-html/" + title,
	}
	return &plugins.Document{
		EntryKey: entryKey,
		URL:      u.String(),
		Title:    strings.ReplaceAll(title, "_", " "),
	}, nil
}
