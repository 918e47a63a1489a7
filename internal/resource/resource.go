// Package resource turns remote URLs and user-supplied page identifiers into
// the canonical keys used by the cache and the saved list.
package resource

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var (
	ErrEmptyKey   = errors.New("resource key cannot be empty")
	ErrInvalidURL = errors.New("invalid resource URL")
)

// Thumbnails look like /thumb/a/ab/Cat.jpg/320px-Cat.jpg. The last path
// component carries the width and is not part of the key.
var widthPrefix = regexp.MustCompile(`^(?:[a-z0-9]+-)*?(\d+)px-`)

const thumbSegment = "/thumb/"

// MaxWidth is the widest variant a key can name. Stored variant keys are
// zero-padded to eight digits.
const MaxWidth = 99_999_999

// Ref identifies one stored variant of a logical resource.
type Ref struct {
	Key   string
	Width int
}

func (r Ref) String() string {
	if r.Width == 0 {
		return r.Key
	}
	return fmt.Sprintf("%s@%dw", r.Key, r.Width)
}

// Canonical resolves raw against base (which may be nil) and returns the
// scheme-less, query-less key plus the variant width parsed from thumbnail
// paths.
func Canonical(raw string, base *url.URL) (Ref, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Ref{}, ErrEmptyKey
	}
	if strings.HasPrefix(strings.ToLower(raw), "data:") {
		return Ref{}, fmt.Errorf("%w: inline data URI", ErrInvalidURL)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Ref{}, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	if u.Scheme == "" && u.Host != "" {
		u.Scheme = "https"
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Ref{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return Ref{}, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	p := u.Path
	if p == "" {
		p = "/"
	}

	width := 0
	if strings.Contains(p, thumbSegment) {
		dir, last := path.Split(p)
		if m := widthPrefix.FindStringSubmatch(last); m != nil {
			w, convErr := strconv.Atoi(m[1])
			if convErr != nil || w > MaxWidth {
				return Ref{}, fmt.Errorf("%w: variant width %s out of range", ErrInvalidURL, m[1])
			}
			if w > 0 {
				width = w
				p = strings.TrimSuffix(dir, "/")
			}
		}
	}

	key := norm.NFC.String(strings.ToLower(u.Host) + p)
	if hasControl(key) {
		return Ref{}, fmt.Errorf("%w: control character in %q", ErrInvalidURL, key)
	}
	return Ref{Key: key, Width: width}, nil
}

// hasControl reports whether s holds a control character. Keys are joined
// with NUL in the store, so none may appear inside one.
func hasControl(s string) bool {
	return strings.IndexFunc(s, unicode.IsControl) >= 0
}

// Split separates a key into its host and path.
func Split(key string) (host, p string) {
	if i := strings.IndexByte(key, '/'); i >= 0 {
		return key[:i], key[i:]
	}
	return key, "/"
}

// IsThumbnail reports whether key names a resource served in pixel-width
// variants.
func IsThumbnail(key string) bool {
	_, p := Split(key)
	return strings.Contains(p, thumbSegment)
}

// VariantURL rebuilds a fetchable URL for key at width. Keys that are not
// thumbnails are fetched as-is regardless of width.
func VariantURL(key string, width int, scheme string) string {
	if scheme == "" {
		scheme = "https"
	}
	host, p := Split(key)
	if width > 0 && IsThumbnail(key) {
		name := path.Base(p)
		if strings.HasSuffix(strings.ToLower(name), ".svg") {
			name += ".png"
		}
		p = p + "/" + strconv.Itoa(width) + "px-" + name
	}
	u := &url.URL{Scheme: scheme, Host: host, Path: p}
	return u.String()
}

// EntryKey canonicalises a saved-entry identifier. URLs are reduced like
// resource keys; "prefix:Title" identifiers get a lower-case prefix and
// underscores instead of spaces.
func EntryKey(raw string) (string, error) {
	raw = norm.NFC.String(strings.TrimSpace(raw))
	if raw == "" {
		return "", ErrEmptyKey
	}

	if strings.Contains(raw, "://") || strings.HasPrefix(raw, "//") {
		ref, err := Canonical(raw, nil)
		if err != nil {
			return "", err
		}
		return ref.Key, nil
	}

	if hasControl(raw) {
		return "", fmt.Errorf("%w: control character in %q", ErrInvalidURL, raw)
	}
	raw = strings.ReplaceAll(raw, " ", "_")
	if i := strings.IndexByte(raw, ':'); i > 0 {
		prefix, title := raw[:i], raw[i+1:]
		if title == "" {
			return "", fmt.Errorf("%w: missing title after %q", ErrEmptyKey, prefix)
		}
		return strings.ToLower(prefix) + ":" + title, nil
	}
	return raw, nil
}

// FileName returns a filesystem-safe name for a key/width pair.
func FileName(key string, width int) string {
	name := key
	if width > 0 {
		name = key + "__" + strconv.Itoa(width)
	}
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:])
}
