// Package fetch issues the GET requests behind every document and image
// download and classifies their failures.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pders01/stow/internal/config"
	"github.com/pders01/stow/internal/failure"
)

const (
	defaultUserAgent = "stow/1.0 (https://github.com/pders01/stow)"
	defaultTimeout   = 30 * time.Second
	defaultMaxBody   = 32 << 20

	AcceptDocument = "text/html, application/xhtml+xml;q=0.9, */*;q=0.5"
	AcceptImage    = "image/avif, image/webp, image/png, image/svg+xml, image/*;q=0.8, */*;q=0.5"
	AcceptFeed     = "application/rss+xml, application/atom+xml, application/xml, text/xml"
)

// Getter is what the orchestrator and interceptor need from a fetcher.
type Getter interface {
	Fetch(ctx context.Context, url string, opts Options) (*Response, error)
}

type Options struct {
	Accept string
	// ETag makes the request conditional. A 304 comes back as NotModified.
	ETag string
}

type Response struct {
	URL         string
	Status      int
	Body        []byte
	ContentType string
	ETag        string
	NotModified bool
}

type Fetcher struct {
	client    *http.Client
	userAgent string
	maxBody   int64
}

func NewFetcher(cfg *config.Config) *Fetcher {
	f := &Fetcher{
		client:    &http.Client{Timeout: defaultTimeout},
		userAgent: defaultUserAgent,
		maxBody:   defaultMaxBody,
	}
	if cfg != nil {
		if cfg.Fetch.HTTPTimeout > 0 {
			f.client.Timeout = cfg.Fetch.HTTPTimeout
		}
		if cfg.Fetch.UserAgent != "" {
			f.userAgent = cfg.Fetch.UserAgent
		}
		if cfg.Fetch.MaxBodyBytes > 0 {
			f.maxBody = cfg.Fetch.MaxBodyBytes
		}
	}
	return f
}

// WithClient swaps the HTTP client, keeping its timeout.
func (f *Fetcher) WithClient(c *http.Client) *Fetcher {
	f.client = c
	return f
}

func (f *Fetcher) Fetch(ctx context.Context, url string, opts Options) (*Response, error) {
	const op = "fetch"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, failure.Malformed(op, url, fmt.Errorf("creating request: %w", err))
	}

	req.Header.Set("User-Agent", f.userAgent)
	if opts.Accept != "" {
		req.Header.Set("Accept", opts.Accept)
	}
	if opts.ETag != "" {
		req.Header.Set("If-None-Match", opts.ETag)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, failure.FromContext(op, url, ctxErr)
		}
		return nil, failure.Transient(op, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return &Response{
			URL:         url,
			Status:      resp.StatusCode,
			ETag:        resp.Header.Get("ETag"),
			NotModified: true,
		}, nil
	}

	if fe := failure.FromStatus(op, url, resp.StatusCode); fe != nil {
		if fe.Kind == failure.KindTransient {
			fe.RetryAfter = RetryAfter(resp)
		}
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck
		return nil, fe
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, failure.FromContext(op, url, ctxErr)
		}
		return nil, failure.Transient(op, url, fmt.Errorf("reading body: %w", err))
	}
	if int64(len(body)) > f.maxBody {
		return nil, failure.Malformed(op, url, fmt.Errorf("body exceeds %d bytes", f.maxBody))
	}
	if len(body) == 0 {
		return nil, failure.Malformed(op, url, errors.New("empty body"))
	}

	return &Response{
		URL:         url,
		Status:      resp.StatusCode,
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		ETag:        resp.Header.Get("ETag"),
	}, nil
}

// RetryAfter parses the Retry-After header in either of its forms. It
// returns zero when the header is absent or unusable.
func RetryAfter(resp *http.Response) time.Duration {
	v := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(v); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
