// Package interceptor answers a renderer's resource requests from the cache,
// fetching and storing on a miss, and rewrites documents so their images
// point at the local namespace.
package interceptor

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/sync/singleflight"

	"github.com/pders01/stow/internal/cache"
	"github.com/pders01/stow/internal/config"
	"github.com/pders01/stow/internal/debuglog"
	"github.com/pders01/stow/internal/failure"
	"github.com/pders01/stow/internal/fetch"
	"github.com/pders01/stow/internal/markup"
	"github.com/pders01/stow/internal/media"
	"github.com/pders01/stow/internal/metrics"
	"github.com/pders01/stow/internal/plugins"
	"github.com/pders01/stow/internal/resource"
	"github.com/pders01/stow/internal/validation"
)

// Store is the part of the cache the interceptor reads and fills.
type Store interface {
	BestVariant(key string, desired int) (*cache.Record, bool, error)
	PutRecord(rec *cache.Record) error
}

// Resolver maps an entry key to its document.
type Resolver interface {
	Resolve(entryKey string) (*plugins.Document, error)
}

// Response is one served resource.
type Response struct {
	Body        []byte
	ContentType string
	Key         string
	// Width of the variant served, which may differ from the one requested
	Width int
	// Source is metrics.SourceCache or metrics.SourceNetwork
	Source string
}

type Interceptor struct {
	store        Store
	getter       fetch.Getter
	resolver     Resolver
	origins      *validation.OriginValidator
	types        *media.TypeDetector
	metrics      *metrics.Metrics
	prefix       string
	scheme       string
	defaultWidth int

	group singleflight.Group
}

type Option func(*Interceptor)

func WithResolver(r Resolver) Option {
	return func(ic *Interceptor) { ic.resolver = r }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(ic *Interceptor) { ic.metrics = m }
}

// WithOriginValidator replaces the validator applied to passthrough fetches.
func WithOriginValidator(v *validation.OriginValidator) Option {
	return func(ic *Interceptor) { ic.origins = v }
}

func New(store Store, getter fetch.Getter, cfg *config.Config, opts ...Option) *Interceptor {
	origins := validation.NewOriginValidator()
	if cfg.Fetch.AllowPrivate {
		origins = validation.NewPermissiveOriginValidator()
	}
	ic := &Interceptor{
		store:        store,
		getter:       getter,
		origins:      origins,
		types:        media.Default(),
		prefix:       strings.TrimSuffix(cfg.Server.Prefix, "/"),
		scheme:       cfg.Fetch.Scheme,
		defaultWidth: cfg.Server.DefaultImageWidth,
	}
	for _, opt := range opts {
		opt(ic)
	}
	return ic
}

// Prefix is the path every local URL starts with.
func (ic *Interceptor) Prefix() string {
	return ic.prefix
}

// LocalURL encodes a resource key and desired width into the local
// namespace: <prefix>/<base64url(key)>?w=<width>.
func (ic *Interceptor) LocalURL(key string, width int) string {
	u := ic.prefix + "/" + base64.RawURLEncoding.EncodeToString([]byte(key))
	if width > 0 {
		u += "?w=" + strconv.Itoa(width)
	}
	return u
}

// PageURL is the local address of a saved entry's rewritten document.
func (ic *Interceptor) PageURL(entryKey string) string {
	return ic.prefix + "/page/" + url.PathEscape(entryKey)
}

// Decode reverses LocalURL. It accepts a path with query or a full URL.
func (ic *Interceptor) Decode(local string) (string, int, error) {
	const op = "decode"

	u, err := url.Parse(local)
	if err != nil {
		return "", 0, failure.Malformed(op, local, err)
	}
	rest, ok := strings.CutPrefix(u.Path, ic.prefix+"/")
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return "", 0, failure.Malformed(op, local, errors.New("not a local resource URL"))
	}
	raw, err := base64.RawURLEncoding.DecodeString(rest)
	if err != nil || len(raw) == 0 {
		return "", 0, failure.Malformed(op, local, fmt.Errorf("bad resource key: %v", err))
	}
	if strings.ContainsFunc(string(raw), unicode.IsControl) {
		return "", 0, failure.Malformed(op, local, errors.New("control character in resource key"))
	}

	width := 0
	if w := u.Query().Get("w"); w != "" {
		width, err = strconv.Atoi(w)
		if err != nil || width < 0 || width > resource.MaxWidth {
			return "", 0, failure.Malformed(op, local, fmt.Errorf("bad width %q", w))
		}
	}
	return string(raw), width, nil
}

// Rewrite points every image in doc at the local namespace. The requested
// width is the larger of width and the width the document itself asked
// for, so high-density srcset candidates keep their resolution. Rewrite
// does no I/O.
func (ic *Interceptor) Rewrite(doc []byte, base *url.URL, width int) ([]byte, error) {
	return markup.Rewrite(doc, base, func(ref resource.Ref, _ string) (string, bool) {
		return ic.LocalURL(ref.Key, max(width, ref.Width)), true
	})
}

// Serve answers a local URL from the cache, fetching and storing the
// resource on a miss. HTML documents are rewritten on the way out.
func (ic *Interceptor) Serve(ctx context.Context, local string) (*Response, error) {
	key, width, err := ic.Decode(local)
	if err != nil {
		ic.metrics.Served(metrics.SourceError)
		return nil, err
	}
	return ic.serve(ctx, key, width, media.KindUnknown)
}

// ServePage serves the document of a saved entry with its images rewritten
// to width, or the configured default width when width is zero.
func (ic *Interceptor) ServePage(ctx context.Context, entryKey string, width int) (*Response, error) {
	if ic.resolver == nil {
		return nil, failure.NotFound("page", entryKey, plugins.ErrNoPlugin)
	}
	key, err := resource.EntryKey(entryKey)
	if err != nil {
		return nil, failure.Malformed("page", entryKey, err)
	}
	doc, err := ic.resolver.Resolve(key)
	if err != nil {
		ic.metrics.Served(metrics.SourceError)
		return nil, failure.NotFound("page", key, err)
	}
	ref, err := resource.Canonical(doc.URL, nil)
	if err != nil {
		ic.metrics.Served(metrics.SourceError)
		return nil, failure.Malformed("page", key, err)
	}
	if width <= 0 {
		width = ic.defaultWidth
	}
	return ic.serveDocument(ctx, ref.Key, doc.URL, width)
}

func (ic *Interceptor) serveDocument(ctx context.Context, key, docURL string, width int) (*Response, error) {
	resp, err := ic.lookupOrFetch(ctx, key, 0, docURL, media.KindDocument)
	if err != nil {
		return nil, err
	}
	return ic.rewriteResponse(resp, docURL, width)
}

func (ic *Interceptor) serve(ctx context.Context, key string, width int, want media.Kind) (*Response, error) {
	target := resource.VariantURL(key, width, ic.scheme)
	resp, err := ic.lookupOrFetch(ctx, key, width, target, want)
	if err != nil {
		return nil, err
	}
	if ic.types.IsDocument(resp.ContentType) {
		return ic.rewriteResponse(resp, target, ic.defaultWidth)
	}
	return resp, nil
}

func (ic *Interceptor) rewriteResponse(resp *Response, docURL string, width int) (*Response, error) {
	base, err := url.Parse(docURL)
	if err != nil {
		return nil, failure.Malformed("rewrite", resp.Key, err)
	}
	body, err := ic.Rewrite(resp.Body, base, width)
	if err != nil {
		return nil, failure.Malformed("rewrite", resp.Key, err)
	}
	out := *resp
	out.Body = body
	return &out, nil
}

// lookupOrFetch is the cache-or-network path shared by Serve and ServePage.
func (ic *Interceptor) lookupOrFetch(ctx context.Context, key string, width int, target string, want media.Kind) (*Response, error) {
	log := debuglog.WithFields(map[string]any{"key": key, "width": width})

	rec, ok, err := ic.store.BestVariant(key, width)
	if err != nil {
		ic.metrics.Served(metrics.SourceError)
		return nil, err
	}
	if ok {
		ic.metrics.Served(metrics.SourceCache)
		log.Debugf("served variant %d from cache", rec.Width)
		return &Response{Body: rec.Bytes, ContentType: rec.ContentType, Key: key, Width: rec.Width, Source: metrics.SourceCache}, nil
	}

	if err := ic.origins.Validate(target); err != nil {
		ic.metrics.Served(metrics.SourceError)
		return nil, failure.Malformed("serve", key, err)
	}

	rec, err = ic.passthrough(ctx, key, width, target, want)
	if err != nil {
		ic.metrics.Served(metrics.SourceError)
		log.Debugf("passthrough failed: %v", err)
		return nil, err
	}
	ic.metrics.Served(metrics.SourceNetwork)
	return &Response{Body: rec.Bytes, ContentType: rec.ContentType, Key: key, Width: rec.Width, Source: metrics.SourceNetwork}, nil
}

// passthrough fetches one variant and stores it. Concurrent calls for the
// same variant share a single fetch that runs under the first caller's
// context. When that caller is cancelled nothing is stored and the others
// try again under their own contexts. Every caller stops waiting as soon as
// its own context is done.
func (ic *Interceptor) passthrough(ctx context.Context, key string, width int, target string, want media.Kind) (*cache.Record, error) {
	flightKey := resource.Ref{Key: key, Width: width}.String()

	for {
		ch := ic.group.DoChan(flightKey, func() (any, error) {
			return ic.fetchAndStore(ctx, key, width, target, want)
		})

		var res singleflight.Result
		select {
		case res = <-ch:
		case <-ctx.Done():
			return nil, failure.FromContext("serve", key, ctx.Err())
		}

		if res.Err == nil {
			return res.Val.(*cache.Record), nil
		}
		if failure.KindOf(res.Err) == failure.KindCancelled && ctx.Err() == nil {
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, failure.FromContext("serve", key, ctxErr)
		}
		return nil, res.Err
	}
}

func (ic *Interceptor) fetchAndStore(ctx context.Context, key string, width int, target string, want media.Kind) (*cache.Record, error) {
	accept := fetch.AcceptImage
	if want == media.KindDocument {
		accept = fetch.AcceptDocument
	}

	resp, err := ic.getter.Fetch(ctx, target, fetch.Options{Accept: accept})
	if err != nil {
		ic.metrics.Fetched(kindLabel(want), metrics.OutcomeFailed, 0)
		return nil, err
	}

	ct := ic.types.DetectContentType(target, resp.ContentType, resp.Body)
	if err := ic.types.Check(want, ct); err != nil {
		ic.metrics.Fetched(kindLabel(want), metrics.OutcomeFailed, len(resp.Body))
		return nil, failure.Malformed("serve", key, err)
	}
	ic.metrics.Fetched(kindLabel(want), metrics.OutcomeOK, len(resp.Body))

	// a cancelled request must leave the store untouched
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, failure.FromContext("serve", key, ctxErr)
	}

	rec := &cache.Record{
		Key:         key,
		Width:       width,
		Bytes:       resp.Body,
		ContentType: ct,
		ETag:        resp.ETag,
	}
	if err := ic.store.PutRecord(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func kindLabel(k media.Kind) string {
	if k == media.KindDocument {
		return "document"
	}
	return "image"
}
