package resource

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonical(t *testing.T) {
	base, err := url.Parse("https://en.wikipedia.org/api/rest_v1/page/mobile-html/Cat")
	require.NoError(t, err)

	tests := []struct {
		name      string
		raw       string
		wantKey   string
		wantWidth int
		wantErr   bool
	}{
		{
			name:      "thumbnail with width",
			raw:       "https://upload.wikimedia.org/wikipedia/commons/thumb/a/ab/Cat.jpg/320px-Cat.jpg",
			wantKey:   "upload.wikimedia.org/wikipedia/commons/thumb/a/ab/Cat.jpg",
			wantWidth: 320,
		},
		{
			name:      "protocol relative thumbnail",
			raw:       "//upload.wikimedia.org/wikipedia/commons/thumb/a/ab/Cat.jpg/640px-Cat.jpg",
			wantKey:   "upload.wikimedia.org/wikipedia/commons/thumb/a/ab/Cat.jpg",
			wantWidth: 640,
		},
		{
			name:      "page-prefixed thumbnail",
			raw:       "https://upload.wikimedia.org/wikipedia/commons/thumb/1/12/Doc.tif/lossy-page1-220px-Doc.tif.jpg",
			wantKey:   "upload.wikimedia.org/wikipedia/commons/thumb/1/12/Doc.tif",
			wantWidth: 220,
		},
		{
			name:    "query and fragment dropped, host lowered",
			raw:     "HTTPS://Upload.Wikimedia.org/wikipedia/commons/a/ab/Cat.jpg?download=1#top",
			wantKey: "upload.wikimedia.org/wikipedia/commons/a/ab/Cat.jpg",
		},
		{
			name:    "relative reference resolved against base",
			raw:     "/static/images/logo.png",
			wantKey: "en.wikipedia.org/static/images/logo.png",
		},
		{
			name:    "width-looking name outside thumb path is kept",
			raw:     "https://example.org/img/320px-Cat.jpg",
			wantKey: "example.org/img/320px-Cat.jpg",
		},
		{name: "data uri", raw: "data:image/png;base64,AAAA", wantErr: true},
		{name: "unsupported scheme", raw: "ftp://example.org/a.png", wantErr: true},
		{name: "empty", raw: "   ", wantErr: true},
		{
			name:      "widest representable variant",
			raw:       "https://upload.wikimedia.org/wikipedia/commons/thumb/a/ab/Cat.jpg/99999999px-Cat.jpg",
			wantKey:   "upload.wikimedia.org/wikipedia/commons/thumb/a/ab/Cat.jpg",
			wantWidth: MaxWidth,
		},
		{
			name:    "variant width beyond store ordering",
			raw:     "https://upload.wikimedia.org/wikipedia/commons/thumb/a/ab/Cat.jpg/100000000px-Cat.jpg",
			wantErr: true,
		},
		{name: "escaped NUL in path", raw: "https://example.org/a%00b.png", wantErr: true},
		{name: "escaped newline in path", raw: "https://example.org/a%0Ab.png", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, err := Canonical(tt.raw, base)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKey, ref.Key)
			assert.Equal(t, tt.wantWidth, ref.Width)
		})
	}
}

func TestCanonical_SameImageDifferentWidthsShareKey(t *testing.T) {
	a, err := Canonical("https://upload.wikimedia.org/wikipedia/commons/thumb/a/ab/Cat.jpg/320px-Cat.jpg", nil)
	require.NoError(t, err)
	b, err := Canonical("https://upload.wikimedia.org/wikipedia/commons/thumb/a/ab/Cat.jpg/1280px-Cat.jpg", nil)
	require.NoError(t, err)

	assert.Equal(t, a.Key, b.Key)
	assert.NotEqual(t, a.Width, b.Width)
}

func TestVariantURL(t *testing.T) {
	key := "upload.wikimedia.org/wikipedia/commons/thumb/a/ab/Cat.jpg"
	assert.Equal(t,
		"https://upload.wikimedia.org/wikipedia/commons/thumb/a/ab/Cat.jpg/640px-Cat.jpg",
		VariantURL(key, 640, ""))

	assert.Equal(t,
		"http://127.0.0.1:8080/wikipedia/commons/thumb/a/ab/Cat.jpg/320px-Cat.jpg",
		VariantURL("127.0.0.1:8080/wikipedia/commons/thumb/a/ab/Cat.jpg", 320, "http"))

	svg := "upload.wikimedia.org/wikipedia/commons/thumb/b/bc/Map.svg"
	assert.Equal(t,
		"https://upload.wikimedia.org/wikipedia/commons/thumb/b/bc/Map.svg/200px-Map.svg.png",
		VariantURL(svg, 200, "https"))

	plain := "example.org/img/a.png"
	assert.Equal(t, "https://example.org/img/a.png", VariantURL(plain, 320, "https"))
}

func TestVariantURL_RoundTrip(t *testing.T) {
	raw := "https://upload.wikimedia.org/wikipedia/commons/thumb/a/ab/Cat.jpg/320px-Cat.jpg"
	ref, err := Canonical(raw, nil)
	require.NoError(t, err)
	assert.Equal(t, raw, VariantURL(ref.Key, ref.Width, "https"))
}

func TestEntryKey(t *testing.T) {
	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{raw: "enwiki:Cat", want: "enwiki:Cat"},
		{raw: "  ENWIKI:Siamese cat ", want: "enwiki:Siamese_cat"},
		{raw: "https://Example.org/articles/one?utm_source=x", want: "example.org/articles/one"},
		{raw: "Plain title", want: "Plain_title"},
		{raw: "enwiki:", wantErr: true},
		{raw: "enwiki:Cat\x00Dog", wantErr: true},
		{raw: "https://example.org/a%00b", wantErr: true},
		{raw: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := EntryKey(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEntryKey_NFC(t *testing.T) {
	decomposed := "enwiki:Cafe\u0301"
	composed := "enwiki:Caf\u00e9"

	a, err := EntryKey(decomposed)
	require.NoError(t, err)
	b, err := EntryKey(composed)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestFileName(t *testing.T) {
	key := "upload.wikimedia.org/wikipedia/commons/thumb/a/ab/Cat.jpg"

	assert.Len(t, FileName(key, 320), 64)
	assert.NotEqual(t, FileName(key, 320), FileName(key, 640))
	assert.NotEqual(t, FileName(key, 0), FileName(key, 320))
	assert.Equal(t, FileName(key, 320), FileName(key, 320))
}
