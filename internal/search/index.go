// Package search keeps a full-text index of the documents saved offline.
package search

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	bleveQuery "github.com/blevesearch/bleve/v2/search/query"

	"github.com/pders01/stow/internal/debuglog"
)

const snippetLength = 200

// Result is one saved entry matching a query.
type Result struct {
	EntryKey string
	Title    string
	Score    float64
	Snippet  string
}

// Index is a bleve index of saved documents keyed by entry key.
type Index struct {
	idx bleve.Index
}

type document struct {
	Type     string `json:"type"`
	EntryKey string `json:"entry_key"`
	Title    string `json:"title"`
	Content  string `json:"content"`
}

// Open opens the index at path, creating it when it does not exist.
func Open(path string) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating index directory: %w", err)
	}

	idx, err := bleve.Open(path)
	if err != nil {
		idx, err = bleve.New(path, buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("creating index at %s: %w", path, err)
		}
	}
	return &Index{idx: idx}, nil
}

// OpenMemory returns an index that lives only in memory.
func OpenMemory() (*Index, error) {
	idx, err := bleve.NewMemOnly(buildIndexMapping())
	if err != nil {
		return nil, err
	}
	return &Index{idx: idx}, nil
}

func buildIndexMapping() mapping.IndexMapping {
	im := bleve.NewIndexMapping()
	im.DefaultAnalyzer = standard.Name

	dm := bleve.NewDocumentMapping()

	title := bleve.NewTextFieldMapping()
	title.Analyzer = standard.Name
	title.Store = true
	title.IncludeTermVectors = true

	// stored so results can carry a snippet
	content := bleve.NewTextFieldMapping()
	content.Analyzer = standard.Name
	content.Store = true
	content.IncludeTermVectors = false

	key := bleve.NewTextFieldMapping()
	key.Analyzer = keyword.Name
	key.Store = true

	dm.AddFieldMappingsAt("title", title)
	dm.AddFieldMappingsAt("content", content)
	dm.AddFieldMappingsAt("entry_key", key)

	im.DefaultMapping = dm
	return im
}

// Index adds or replaces the document of a saved entry.
func (ix *Index) Index(entryKey, title, text string) error {
	doc := document{Type: "entry", EntryKey: entryKey, Title: title, Content: text}
	if err := ix.idx.Index(entryKey, doc); err != nil {
		return fmt.Errorf("indexing %s: %w", entryKey, err)
	}
	debuglog.Debugf("indexed %s (%d chars)", entryKey, len(text))
	return nil
}

// Delete drops a saved entry from the index. Unknown keys are ignored.
func (ix *Index) Delete(entryKey string) error {
	return ix.idx.Delete(entryKey)
}

// Search matches every term against title, content and entry key, title
// hits weighing most. Queries shorter than two characters return nothing.
func (ix *Index) Search(query string, limit int) ([]*Result, error) {
	if len(strings.TrimSpace(query)) < 2 {
		return []*Result{}, nil
	}
	if limit <= 0 {
		limit = 10
	}

	tokens := tokenize(query)
	var qs []bleveQuery.Query
	for _, tok := range tokens {
		qt := bleve.NewMatchQuery(tok)
		qt.SetField("title")
		qt.SetBoost(4.0)
		qs = append(qs, qt)
		qtp := bleve.NewPrefixQuery(tok)
		qtp.SetField("title")
		qtp.SetBoost(3.5)
		qs = append(qs, qtp)

		qc := bleve.NewMatchQuery(tok)
		qc.SetField("content")
		qc.SetBoost(1.0)
		qs = append(qs, qc)
		qcp := bleve.NewPrefixQuery(tok)
		qcp.SetField("content")
		qcp.SetBoost(0.8)
		qs = append(qs, qcp)

		qk := bleve.NewWildcardQuery("*" + tok + "*")
		qk.SetField("entry_key")
		qk.SetBoost(0.5)
		qs = append(qs, qk)
	}
	if len(qs) == 0 {
		return []*Result{}, nil
	}

	req := bleve.NewSearchRequestOptions(bleve.NewDisjunctionQuery(qs...), limit, 0, false)
	req.Fields = []string{"title", "content", "entry_key"}
	res, err := ix.idx.Search(req)
	if err != nil {
		return nil, fmt.Errorf("searching %q: %w", query, err)
	}

	out := make([]*Result, 0, len(res.Hits))
	for _, h := range res.Hits {
		r := &Result{EntryKey: h.ID, Score: h.Score}
		if t, ok := h.Fields["title"].(string); ok {
			r.Title = t
		}
		if c, ok := h.Fields["content"].(string); ok {
			r.Snippet = bestSnippet(c, tokens, snippetLength)
		}
		out = append(out, r)
	}
	return out, nil
}

// DocCount reports how many entries are indexed.
func (ix *Index) DocCount() (int, error) {
	n, err := ix.idx.DocCount()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (ix *Index) Close() error {
	return ix.idx.Close()
}

// tokenize lower-cases text and splits it on anything that is not a letter
// or digit, dropping single characters.
func tokenize(text string) []string {
	var terms []string
	current := strings.Builder{}

	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			current.WriteRune(unicode.ToLower(r))
		} else if current.Len() > 0 {
			if term := current.String(); len([]rune(term)) > 1 {
				terms = append(terms, term)
			}
			current.Reset()
		}
	}
	if term := current.String(); len([]rune(term)) > 1 {
		terms = append(terms, term)
	}
	return terms
}

// bestSnippet picks the window of words holding the most query terms.
func bestSnippet(text string, terms []string, maxLength int) string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return ""
	}
	windowSize := maxLength / 8
	if windowSize > len(words) {
		windowSize = len(words)
	}

	bestStart, bestScore := 0, -1
	for start := 0; start+windowSize <= len(words); start++ {
		score := 0
		for _, w := range words[start : start+windowSize] {
			lw := strings.ToLower(w)
			for _, t := range terms {
				if strings.Contains(lw, t) {
					score++
				}
			}
		}
		if score > bestScore {
			bestStart, bestScore = start, score
		}
	}

	snippet := strings.Join(words[bestStart:bestStart+windowSize], " ")
	return truncate(snippet, maxLength)
}

func truncate(text string, maxLen int) string {
	if len(text) <= maxLen {
		return text
	}
	cut := maxLen - 3
	for cut > 0 && !utf8RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "..."
}

func utf8RuneStart(b byte) bool { return b&0xC0 != 0x80 }
