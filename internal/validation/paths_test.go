package validation

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPathValidator_Clean(t *testing.T) {
	base := t.TempDir()
	v := &PathValidator{AllowedBaseDirs: []string{base}, MaxPathLength: 4096}

	tests := []struct {
		name        string
		input       string
		shouldError bool
		errorMsg    string
	}{
		{name: "inside base", input: filepath.Join(base, "stow.db")},
		{name: "nested", input: filepath.Join(base, "cache", "ab")},
		{name: "empty", input: "", shouldError: true, errorMsg: "cannot be empty"},
		{name: "null byte", input: base + "/a\x00b", shouldError: true, errorMsg: "null bytes"},
		{name: "control char", input: base + "/a\x01b", shouldError: true, errorMsg: "control characters"},
		{name: "traversal", input: base + "/../escape", shouldError: true, errorMsg: "traversal"},
		{name: "outside base", input: "/definitely/not/allowed", shouldError: true, errorMsg: "not within allowed"},
		{name: "bad tilde", input: "~root/x", shouldError: true, errorMsg: "tilde"},
		{name: "too long", input: base + "/" + strings.Repeat("a", 5000), shouldError: true, errorMsg: "too long"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.Clean(tt.input)
			if tt.shouldError {
				if err == nil {
					t.Fatalf("Expected error for %q, got %s", tt.input, got)
				}
				if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error containing %q, got %q", tt.errorMsg, err.Error())
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if !filepath.IsAbs(got) {
				t.Errorf("Expected absolute path, got %s", got)
			}
		})
	}
}

func TestPathValidator_HomeExpansion(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	got, err := NewPermissivePathValidator().Clean("~/.stow/stow.db")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got != filepath.Join(home, ".stow", "stow.db") {
		t.Errorf("Expected expansion under %s, got %s", home, got)
	}
}

func TestPathValidator_FileAndDir(t *testing.T) {
	base := t.TempDir()
	v := NewPermissivePathValidator()

	file, err := v.File(filepath.Join(base, "data", "stow.db"))
	if err != nil {
		t.Fatalf("File() error: %v", err)
	}
	if info, err := os.Stat(filepath.Dir(file)); err != nil || !info.IsDir() {
		t.Error("File() should create the parent directory")
	}

	if _, err := v.File(base); err == nil {
		t.Error("File() should reject an existing directory")
	}

	dir, err := v.Dir(filepath.Join(base, "cache"), true)
	if err != nil {
		t.Fatalf("Dir() error: %v", err)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Error("Dir() should create the directory")
	}

	plain := filepath.Join(base, "plain")
	if err := os.WriteFile(plain, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := v.Dir(plain, false); err == nil {
		t.Error("Dir() should reject a regular file")
	}

	missing, err := v.Dir(filepath.Join(base, "later"), false)
	if err != nil {
		t.Fatalf("Dir() error for missing directory without create: %v", err)
	}
	if _, err := os.Stat(missing); !os.IsNotExist(err) {
		t.Error("Dir() must not create when create is false")
	}
}

func TestNewPathValidator_Defaults(t *testing.T) {
	v := NewPathValidator()
	if len(v.AllowedBaseDirs) != 3 {
		t.Fatalf("Expected 3 allowed base dirs, got %v", v.AllowedBaseDirs)
	}

	tmp := filepath.Join(os.TempDir(), "stow-check", "stow.db")
	if _, err := v.Clean(tmp); err != nil {
		t.Errorf("Expected temp dir to be allowed: %v", err)
	}
}
