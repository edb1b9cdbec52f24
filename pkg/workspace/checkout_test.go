package workspace

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestCheckoutFromSourceDir(t *testing.T) {
	source := t.TempDir()
	if err := os.WriteFile(filepath.Join(source, "main.go"), []byte("package main\n"), 0644); err != nil {
		t.Fatalf("Failed to seed source dir: %v", err)
	}

	base := t.TempDir()
	dir, cleanup, err := Checkout(context.Background(), CheckoutSpec{
		BaseDir:    base,
		SourceDir:  source,
		InstanceID: "django__django-11099",
	})
	if err != nil {
		t.Fatalf("Checkout failed: %v", err)
	}

	if filepath.Base(dir) != "django__django-11099" {
		t.Errorf("Unexpected checkout dir name: %s", dir)
	}
	if _, err := os.Stat(filepath.Join(dir, "main.go")); err != nil {
		t.Errorf("Expected copied file in checkout: %v", err)
	}

	cleanup()
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("Expected checkout dir removed by cleanup")
	}
}

func TestCheckoutReplacesStaleDir(t *testing.T) {
	source := t.TempDir()
	if err := os.WriteFile(filepath.Join(source, "fresh.txt"), []byte("fresh\n"), 0644); err != nil {
		t.Fatalf("Failed to seed source dir: %v", err)
	}

	base := t.TempDir()
	stale := filepath.Join(base, "instance-1")
	if err := os.MkdirAll(stale, 0755); err != nil {
		t.Fatalf("Failed to create stale dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(stale, "stale.txt"), []byte("stale\n"), 0644); err != nil {
		t.Fatalf("Failed to seed stale dir: %v", err)
	}

	dir, cleanup, err := Checkout(context.Background(), CheckoutSpec{
		BaseDir:    base,
		SourceDir:  source,
		InstanceID: "instance-1",
	})
	if err != nil {
		t.Fatalf("Checkout failed: %v", err)
	}
	defer cleanup()

	if _, err := os.Stat(filepath.Join(dir, "stale.txt")); !os.IsNotExist(err) {
		t.Error("Expected stale content cleared before checkout")
	}
	if _, err := os.Stat(filepath.Join(dir, "fresh.txt")); err != nil {
		t.Errorf("Expected fresh content in checkout: %v", err)
	}
}

func TestCheckoutValidation(t *testing.T) {
	if _, _, err := Checkout(context.Background(), CheckoutSpec{BaseDir: t.TempDir(), SourceDir: t.TempDir()}); err == nil {
		t.Error("Expected error for missing instance id")
	}
	if _, _, err := Checkout(context.Background(), CheckoutSpec{BaseDir: t.TempDir(), InstanceID: "x"}); err == nil {
		t.Error("Expected error when neither repo URL nor source dir is set")
	}
}

func TestWithCheckoutCleansUpAfterCallback(t *testing.T) {
	source := t.TempDir()
	if err := os.WriteFile(filepath.Join(source, "f.txt"), []byte("x\n"), 0644); err != nil {
		t.Fatalf("Failed to seed source dir: %v", err)
	}

	var seen string
	err := WithCheckout(context.Background(), CheckoutSpec{
		BaseDir:    t.TempDir(),
		SourceDir:  source,
		InstanceID: "cb",
	}, func(dir string) error {
		seen = dir
		return nil
	})
	if err != nil {
		t.Fatalf("WithCheckout failed: %v", err)
	}
	if seen == "" {
		t.Fatal("Callback never ran")
	}
	if _, err := os.Stat(seen); !os.IsNotExist(err) {
		t.Error("Expected checkout removed after callback")
	}
}

func TestWithCheckoutCleansUpOnCallbackError(t *testing.T) {
	source := t.TempDir()
	if err := os.WriteFile(filepath.Join(source, "f.txt"), []byte("x\n"), 0644); err != nil {
		t.Fatalf("Failed to seed source dir: %v", err)
	}

	boom := errors.New("act failed")
	var seen string
	err := WithCheckout(context.Background(), CheckoutSpec{
		BaseDir:    t.TempDir(),
		SourceDir:  source,
		InstanceID: "cb-err",
	}, func(dir string) error {
		seen = dir
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected callback error, got: %v", err)
	}
	if _, err := os.Stat(seen); !os.IsNotExist(err) {
		t.Error("Expected checkout removed after failed callback")
	}
}

func TestSanitizeInstanceID(t *testing.T) {
	cases := map[string]string{
		"django/django":        "django_django",
		"repo name with space": "repo_name_with_space",
		"ok-id_1.2":            "ok-id_1.2",
	}
	for input, want := range cases {
		if got := sanitizeInstanceID(input); got != want {
			t.Errorf("sanitizeInstanceID(%q) = %q, want %q", input, got, want)
		}
	}
}
