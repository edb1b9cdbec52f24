package utils

import (
	"os"
	"path/filepath"
	"testing"
)

func TestTokenCounterCountsTokens(t *testing.T) {
	tc, err := NewTokenCounter("gpt-4o")
	if err != nil {
		t.Fatalf("NewTokenCounter failed: %v", err)
	}

	count := tc.CountTokens("The quick brown fox jumps over the lazy dog")
	if count <= 0 {
		t.Errorf("Expected positive token count, got %d", count)
	}
	if count > 20 {
		t.Errorf("Token count implausibly high for short sentence: %d", count)
	}
}

func TestTokenCounterNilFallback(t *testing.T) {
	var tc *TokenCounter

	text := "12345678"
	if got := tc.CountTokens(text); got != len(text)/4 {
		t.Errorf("Expected fallback estimate %d, got %d", len(text)/4, got)
	}
}

func TestCopyDir(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "copy")

	if err := os.MkdirAll(filepath.Join(src, "pkg"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "main.go"), []byte("package main\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "pkg", "util.go"), []byte("package pkg\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := CopyDir(src, dst); err != nil {
		t.Fatalf("CopyDir failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dst, "pkg", "util.go"))
	if err != nil {
		t.Fatalf("Expected copied file: %v", err)
	}
	if string(data) != "package pkg\n" {
		t.Errorf("Unexpected copied content: %q", string(data))
	}
}

func TestCleanDirectoryContents(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0755); err != nil {
		t.Fatal(err)
	}

	if err := CleanDirectoryContents(dir); err != nil {
		t.Fatalf("CleanDirectoryContents failed: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("Expected empty directory, found %d entries", len(entries))
	}

	// Missing directory is not an error.
	if err := CleanDirectoryContents(filepath.Join(dir, "missing")); err != nil {
		t.Errorf("Expected nil for missing directory, got %v", err)
	}
}
