package media

import (
	_ "embed"
	"fmt"
	"mime"
	"net/http"
	"path"
	"runtime"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed media_types.toml
var mediaTypesTOML []byte

// Kind is the class of content a resource is expected to hold.
type Kind int

const (
	KindUnknown Kind = iota
	KindImage
	KindDocument
)

func (k Kind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindDocument:
		return "document"
	default:
		return "unknown"
	}
}

type TypeConfig struct {
	MimeTypes  []string          `toml:"mime_types"`
	Extensions map[string]string `toml:"extensions"`
}

type TypesConfig struct {
	Image     TypeConfig                `toml:"image"`
	Document  TypeConfig                `toml:"document"`
	Platforms map[string]PlatformConfig `toml:"platforms"`
}

type PlatformConfig struct {
	DefaultOpener string `toml:"default_opener"`
}

// TypeDetector answers content-type questions from the embedded table.
type TypeDetector struct {
	config *TypesConfig
}

func NewTypeDetector() (*TypeDetector, error) {
	var config TypesConfig
	if err := toml.Unmarshal(mediaTypesTOML, &config); err != nil {
		return nil, fmt.Errorf("parsing media types: %w", err)
	}
	return &TypeDetector{config: &config}, nil
}

var defaultDetector *TypeDetector

func init() {
	d, err := NewTypeDetector()
	if err != nil {
		panic(err)
	}
	defaultDetector = d
}

// Default returns the detector built from the embedded table.
func Default() *TypeDetector {
	return defaultDetector
}

func extension(rawURL string) string {
	p := rawURL
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	ext := path.Ext(p)
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

func baseType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mt
}

func opaque(mt string) bool {
	return mt == "" || mt == "application/octet-stream" || mt == "binary/octet-stream"
}

// DetectContentType returns header when it names a concrete type, then the
// type implied by the URL's extension, then a sniff of body.
func (d *TypeDetector) DetectContentType(rawURL, header string, body []byte) string {
	if !opaque(baseType(header)) {
		return header
	}
	ext := extension(rawURL)
	if ct, ok := d.config.Image.Extensions[ext]; ok {
		return ct
	}
	if ct, ok := d.config.Document.Extensions[ext]; ok {
		return ct
	}
	if len(body) > 0 {
		return http.DetectContentType(body)
	}
	if header != "" {
		return header
	}
	return "application/octet-stream"
}

// KindOf classifies a content type.
func (d *TypeDetector) KindOf(contentType string) Kind {
	mt := baseType(contentType)
	for _, t := range d.config.Image.MimeTypes {
		if mt == t {
			return KindImage
		}
	}
	if strings.HasPrefix(mt, "image/") {
		return KindImage
	}
	for _, t := range d.config.Document.MimeTypes {
		if mt == t {
			return KindDocument
		}
	}
	return KindUnknown
}

// KindOfURL guesses the kind from the URL alone.
func (d *TypeDetector) KindOfURL(rawURL string) Kind {
	ext := extension(rawURL)
	if _, ok := d.config.Image.Extensions[ext]; ok {
		return KindImage
	}
	if _, ok := d.config.Document.Extensions[ext]; ok {
		return KindDocument
	}
	return KindUnknown
}

func (d *TypeDetector) IsImage(contentType string) bool {
	return d.KindOf(contentType) == KindImage
}

func (d *TypeDetector) IsDocument(contentType string) bool {
	return d.KindOf(contentType) == KindDocument
}

// Check reports an error when contentType does not hold content of want.
func (d *TypeDetector) Check(want Kind, contentType string) error {
	if want == KindUnknown {
		return nil
	}
	if got := d.KindOf(contentType); got != want {
		return fmt.Errorf("expected %s content, got %q", want, contentType)
	}
	return nil
}

// GetDefaultOpener returns the platform opener listed in the table.
func (d *TypeDetector) GetDefaultOpener() string {
	if p, ok := d.config.Platforms[runtime.GOOS]; ok && p.DefaultOpener != "" {
		return p.DefaultOpener
	}
	return "open"
}
