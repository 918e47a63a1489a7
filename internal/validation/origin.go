package validation

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// OriginValidator decides whether a remote URL may be fetched on behalf of
// the renderer or a feed import.
type OriginValidator struct {
	// AllowLocalhost determines if loopback hosts are permitted
	AllowLocalhost bool
	// AllowPrivateIPs determines if private and link-local addresses are permitted
	AllowPrivateIPs bool
	// MaxLength is the maximum allowed URL length
	MaxLength int
}

// NewOriginValidator creates a validator with secure defaults
func NewOriginValidator() *OriginValidator {
	return &OriginValidator{MaxLength: 2048}
}

// NewPermissiveOriginValidator allows local development origins
func NewPermissiveOriginValidator() *OriginValidator {
	return &OriginValidator{
		AllowLocalhost:  true,
		AllowPrivateIPs: true,
		MaxLength:       2048,
	}
}

// Validate checks an absolute http(s) URL.
func (v *OriginValidator) Validate(raw string) error {
	_, err := v.parse(raw)
	return err
}

// Normalize accepts user input such as "en.wikipedia.org/feed", adds https
// when no scheme is given and returns the validated URL.
func (v *OriginValidator) Normalize(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("URL cannot be empty")
	}
	if !strings.HasPrefix(input, "http://") && !strings.HasPrefix(input, "https://") {
		input = "https://" + input
	}
	u, err := v.parse(input)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

func (v *OriginValidator) parse(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, fmt.Errorf("URL cannot be empty")
	}
	if v.MaxLength > 0 && len(raw) > v.MaxLength {
		return nil, fmt.Errorf("URL too long (max %d characters)", v.MaxLength)
	}
	if strings.ContainsAny(raw, "<>\"'`") {
		return nil, fmt.Errorf("URL contains invalid characters")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("URL must use http or https protocol")
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("URL must have a valid hostname")
	}
	if err := v.checkHost(u.Hostname()); err != nil {
		return nil, err
	}
	if strings.Contains(u.Path, "/../") || strings.HasSuffix(u.Path, "/..") {
		return nil, fmt.Errorf("directory traversal patterns not allowed in URL path")
	}
	return u, nil
}

func (v *OriginValidator) checkHost(hostname string) error {
	hostname = strings.ToLower(hostname)

	if !v.AllowLocalhost && isLocalhost(hostname) {
		return fmt.Errorf("localhost URLs are not permitted")
	}

	if ip := net.ParseIP(hostname); ip != nil {
		if ip.IsUnspecified() || ip.Equal(net.IPv4bcast) {
			return fmt.Errorf("unroutable address %s", hostname)
		}
		if !v.AllowLocalhost && ip.IsLoopback() {
			return fmt.Errorf("localhost URLs are not permitted")
		}
		if !v.AllowPrivateIPs && isPrivateIP(ip) {
			return fmt.Errorf("private IP addresses are not permitted")
		}
	}
	return nil
}

func isLocalhost(hostname string) bool {
	return hostname == "localhost" ||
		hostname == "::1" ||
		strings.HasPrefix(hostname, "127.") ||
		strings.HasSuffix(hostname, ".localhost")
}

func isPrivateIP(ip net.IP) bool {
	return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()
}
