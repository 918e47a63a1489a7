// Package markup locates and rewrites image references in HTML documents
// and pulls out the text used for search.
package markup

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/pders01/stow/internal/resource"
)

// imageSelector matches every element whose attributes can point at an
// image. data-src/data-srcset cover lazy-loading placeholders.
const imageSelector = "img[src], img[srcset], source[srcset], [data-src], [data-srcset]"

var (
	srcAttrs    = []string{"src", "data-src"}
	srcsetAttrs = []string{"srcset", "data-srcset"}
)

// Image is one image reference found in a document.
type Image struct {
	// Source is the attribute value as written in the document.
	Source string
	Ref    resource.Ref
}

func parse(doc []byte) (*goquery.Document, error) {
	d, err := goquery.NewDocumentFromReader(bytes.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return d, nil
}

// FindImages returns each distinct image variant referenced by doc, in
// document order. References that do not canonicalise (data: URIs, other
// schemes) are skipped.
func FindImages(doc []byte, base *url.URL) ([]Image, error) {
	d, err := parse(doc)
	if err != nil {
		return nil, err
	}

	var images []Image
	seen := make(map[resource.Ref]bool)
	add := func(raw string) {
		ref, err := resource.Canonical(raw, base)
		if err != nil || seen[ref] {
			return
		}
		seen[ref] = true
		images = append(images, Image{Source: raw, Ref: ref})
	}

	d.Find(imageSelector).Each(func(_ int, s *goquery.Selection) {
		if !isImageElement(s) {
			return
		}
		for _, attr := range srcAttrs {
			if v, ok := s.Attr(attr); ok {
				add(v)
			}
		}
		for _, attr := range srcsetAttrs {
			if v, ok := s.Attr(attr); ok {
				for _, c := range ParseSrcset(v) {
					add(c.URL)
				}
			}
		}
	})

	return images, nil
}

// isImageElement keeps <source> inside <video>/<audio> and data-src on
// scripts and iframes out of the image set.
func isImageElement(s *goquery.Selection) bool {
	switch goquery.NodeName(s) {
	case "img":
		return true
	case "source":
		return s.ParentFiltered("picture").Length() > 0
	case "script", "iframe", "video", "audio":
		return false
	default:
		// lazy-load placeholders, e.g. <span class="pcs-lazy-load-placeholder" data-src=...>
		return true
	}
}

// Rewrite replaces every image URL in doc with the result of fn. When fn
// reports false the reference is left as written. Nothing but image
// attributes is touched.
func Rewrite(doc []byte, base *url.URL, fn func(ref resource.Ref, raw string) (string, bool)) ([]byte, error) {
	d, err := parse(doc)
	if err != nil {
		return nil, err
	}

	replace := func(raw string) string {
		ref, err := resource.Canonical(raw, base)
		if err != nil {
			return raw
		}
		if out, ok := fn(ref, raw); ok {
			return out
		}
		return raw
	}

	d.Find(imageSelector).Each(func(_ int, s *goquery.Selection) {
		if !isImageElement(s) {
			return
		}
		for _, attr := range srcAttrs {
			if v, ok := s.Attr(attr); ok {
				s.SetAttr(attr, replace(v))
			}
		}
		for _, attr := range srcsetAttrs {
			if v, ok := s.Attr(attr); ok {
				candidates := ParseSrcset(v)
				for i := range candidates {
					candidates[i].URL = replace(candidates[i].URL)
				}
				s.SetAttr(attr, FormatSrcset(candidates))
			}
		}
	})

	out, err := d.Html()
	if err != nil {
		return nil, fmt.Errorf("render html: %w", err)
	}
	return []byte(out), nil
}

// nonContentSelectors lists elements to strip before extracting body text.
const nonContentSelectors = "script, style, nav, header, footer, noscript"

// Extract returns the document title and its visible text with runs of
// whitespace collapsed.
func Extract(doc []byte) (title, text string, err error) {
	d, err := parse(doc)
	if err != nil {
		return "", "", err
	}

	title = strings.TrimSpace(d.Find("title").First().Text())
	if title == "" {
		if og, ok := d.Find("meta[property='og:title']").Attr("content"); ok {
			title = strings.TrimSpace(og)
		}
	}
	if title == "" {
		title = strings.TrimSpace(d.Find("h1").First().Text())
	}

	body := d.Find("article").First()
	if body.Length() == 0 {
		body = d.Find("body").First()
	}
	body.Find(nonContentSelectors).Remove()
	text = strings.Join(strings.Fields(body.Text()), " ")

	return title, text, nil
}
