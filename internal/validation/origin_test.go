package validation

import (
	"net"
	"strings"
	"testing"
)

func TestNewOriginValidator(t *testing.T) {
	v := NewOriginValidator()
	if v.AllowLocalhost {
		t.Error("Expected AllowLocalhost to be false for security")
	}
	if v.AllowPrivateIPs {
		t.Error("Expected AllowPrivateIPs to be false for security")
	}
	if v.MaxLength != 2048 {
		t.Errorf("Expected MaxLength to be 2048, got %d", v.MaxLength)
	}

	p := NewPermissiveOriginValidator()
	if !p.AllowLocalhost || !p.AllowPrivateIPs {
		t.Error("Expected permissive validator to allow local origins")
	}
}

func TestOriginValidator_Validate(t *testing.T) {
	v := NewOriginValidator()

	tests := []struct {
		name        string
		input       string
		shouldError bool
		errorMsg    string
	}{
		{name: "wikipedia", input: "https://upload.wikimedia.org/wikipedia/commons/a/ab/Cat.jpg"},
		{name: "http allowed", input: "http://example.org/page"},
		{name: "empty", input: "", shouldError: true, errorMsg: "cannot be empty"},
		{name: "ftp", input: "ftp://example.org/file", shouldError: true, errorMsg: "http or https"},
		{name: "missing host", input: "https:///path", shouldError: true, errorMsg: "valid hostname"},
		{name: "localhost", input: "http://localhost:8080/x", shouldError: true, errorMsg: "localhost"},
		{name: "loopback ip", input: "http://127.0.0.1:8080/x", shouldError: true, errorMsg: "localhost"},
		{name: "private ip", input: "http://192.168.1.10/x", shouldError: true, errorMsg: "private IP"},
		{name: "link local", input: "http://169.254.169.254/latest/meta-data", shouldError: true, errorMsg: "private IP"},
		{name: "ipv6 unique local", input: "http://[fd00::1]/x", shouldError: true, errorMsg: "private IP"},
		{name: "unspecified", input: "http://0.0.0.0/x", shouldError: true, errorMsg: "unroutable"},
		{name: "script characters", input: "https://example.org/<script>", shouldError: true, errorMsg: "invalid characters"},
		{name: "traversal", input: "https://example.org/a/../../etc/passwd", shouldError: true, errorMsg: "traversal"},
		{name: "too long", input: "https://example.org/" + strings.Repeat("a", 2100), shouldError: true, errorMsg: "too long"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.input)
			if tt.shouldError {
				if err == nil {
					t.Fatalf("Expected error for %q", tt.input)
				}
				if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error containing %q, got %q", tt.errorMsg, err.Error())
				}
				return
			}
			if err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestOriginValidator_Permissive(t *testing.T) {
	v := NewPermissiveOriginValidator()

	for _, input := range []string{"http://127.0.0.1:8080/x", "http://localhost/x", "http://10.0.0.5/feed"} {
		if err := v.Validate(input); err != nil {
			t.Errorf("Validate(%q) unexpected error: %v", input, err)
		}
	}
}

func TestOriginValidator_Normalize(t *testing.T) {
	v := NewOriginValidator()

	got, err := v.Normalize("  en.wikipedia.org/w/index.php?title=Special:RecentChanges&feed=atom ")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !strings.HasPrefix(got, "https://en.wikipedia.org/") {
		t.Errorf("Expected https to be added, got %s", got)
	}

	if _, err := v.Normalize("   "); err == nil {
		t.Error("Expected error for blank input")
	}
}

func TestIsPrivateIP(t *testing.T) {
	tests := []struct {
		ip       string
		expected bool
	}{
		{"10.1.2.3", true},
		{"172.16.0.1", true},
		{"172.32.0.1", false},
		{"192.168.0.1", true},
		{"127.0.0.1", true},
		{"169.254.1.1", true},
		{"8.8.8.8", false},
		{"fe80::1", true},
		{"fc00::1", true},
		{"2001:4860:4860::8888", false},
	}

	for _, tt := range tests {
		ip := net.ParseIP(tt.ip)
		if got := isPrivateIP(ip); got != tt.expected {
			t.Errorf("isPrivateIP(%s) = %v, want %v", tt.ip, got, tt.expected)
		}
	}
}
