package secrets_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/relaymesh/relayd/internal/secrets"
)

func TestResolveLiteral(t *testing.T) {
	got, err := secrets.Resolve("literal: secret123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "secret123" {
		t.Fatalf("expected %q, got %q", "secret123", got)
	}

	// No space after the prefix is also valid.
	got, err = secrets.Resolve("literal:hunter2")
	if err != nil || got != "hunter2" {
		t.Fatalf("expected %q, got %q (err=%v)", "hunter2", got, err)
	}
}

func TestResolveEnv(t *testing.T) {
	t.Setenv("RELAYD_TEST_SECRET", "hunter2")

	got, err := secrets.Resolve("env:RELAYD_TEST_SECRET")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "hunter2" {
		t.Fatalf("expected %q, got %q", "hunter2", got)
	}

	// Leading spaces after the prefix are skipped.
	got, err = secrets.Resolve("env:   RELAYD_TEST_SECRET")
	if err != nil || got != "hunter2" {
		t.Fatalf("expected %q, got %q (err=%v)", "hunter2", got, err)
	}
}

func TestResolveEnvUndefined(t *testing.T) {
	os.Unsetenv("RELAYD_TEST_UNSET")

	got, err := secrets.Resolve("env:RELAYD_TEST_UNSET")
	if got != "env:RELAYD_TEST_UNSET" {
		t.Fatalf("undefined variable must leave the directive unchanged, got %q", got)
	}
	var nf secrets.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if nf.Var != "RELAYD_TEST_UNSET" {
		t.Fatalf("expected variable name in error, got %q", nf.Var)
	}
}

func TestResolvePlain(t *testing.T) {
	got, err := secrets.Resolve("swordfish")
	if err != nil || got != "swordfish" {
		t.Fatalf("plain secret must pass through, got %q (err=%v)", got, err)
	}
}

func TestReadPasswordFile(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "pw")
	if err := os.WriteFile(path, []byte("topsecret\nsecond line ignored"), 0o600); err != nil {
		t.Fatal(err)
	}
	got, ok := secrets.ReadPasswordFile(path)
	if !ok || got != "topsecret" {
		t.Fatalf("expected %q, got %q (ok=%v)", "topsecret", got, ok)
	}
}

func TestReadPasswordFileTruncates(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "pw")
	long := strings.Repeat("x", 400)
	if err := os.WriteFile(path, []byte(long), 0o600); err != nil {
		t.Fatal(err)
	}
	got, ok := secrets.ReadPasswordFile(path)
	if !ok {
		t.Fatal("expected a secret")
	}
	if len(got) != 199 {
		t.Fatalf("expected 199-byte limit, got %d bytes", len(got))
	}
}

func TestReadPasswordFileFailures(t *testing.T) {
	if _, ok := secrets.ReadPasswordFile(filepath.Join(t.TempDir(), "missing")); ok {
		t.Fatal("missing file must report !ok")
	}

	empty := filepath.Join(t.TempDir(), "empty")
	if err := os.WriteFile(empty, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, ok := secrets.ReadPasswordFile(empty); ok {
		t.Fatal("empty file must report !ok")
	}

	newlineOnly := filepath.Join(t.TempDir(), "nl")
	if err := os.WriteFile(newlineOnly, []byte("\npassword"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, ok := secrets.ReadPasswordFile(newlineOnly); ok {
		t.Fatal("leading newline means zero bytes read, must report !ok")
	}
}
