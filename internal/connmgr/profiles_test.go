package connmgr_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/relaymesh/relayd/internal/connmgr"
	"github.com/relaymesh/relayd/internal/entity"
)

func TestCreateTLSProfileRequiresName(t *testing.T) {
	m := newManager(t, connmgr.Options{})

	if _, err := m.CreateTLSProfile(entity.Entity{"certFile": "/tmp/cert.pem"}); !entity.IsMissingField(err) {
		t.Fatalf("expected MissingFieldError, got %v", err)
	}
	if len(m.TLSProfiles()) != 0 {
		t.Fatal("partial profile must be discarded on failure")
	}
}

func TestCreateTLSProfilePasswordFileFallback(t *testing.T) {
	m := newManager(t, connmgr.Options{})

	pwFile := filepath.Join(t.TempDir(), "pw")
	if err := os.WriteFile(pwFile, []byte("filepass\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := m.CreateTLSProfile(entity.Entity{
		"name":         "from-file",
		"passwordFile": pwFile,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	profile, ok := m.TLSProfileByName("from-file")
	if !ok {
		t.Fatal("profile not found")
	}
	if profile.Password != "filepass" {
		t.Fatalf("expected password from file, got %q", profile.Password)
	}
}

func TestCreateTLSProfileInlinePasswordWins(t *testing.T) {
	m := newManager(t, connmgr.Options{})

	pwFile := filepath.Join(t.TempDir(), "pw")
	if err := os.WriteFile(pwFile, []byte("filepass"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := m.CreateTLSProfile(entity.Entity{
		"name":         "inline",
		"password":     "literal: inlinepass",
		"passwordFile": pwFile,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	profile, _ := m.TLSProfileByName("inline")
	if profile.Password != "inlinepass" {
		t.Fatalf("inline password must win over passwordFile, got %q", profile.Password)
	}
}

func TestCreateTLSProfileUnreadablePasswordFileIgnored(t *testing.T) {
	m := newManager(t, connmgr.Options{})

	if _, err := m.CreateTLSProfile(entity.Entity{
		"name":         "no-file",
		"passwordFile": filepath.Join(t.TempDir(), "missing"),
	}); err != nil {
		t.Fatalf("unreadable password file must be ignored, got %v", err)
	}

	profile, _ := m.TLSProfileByName("no-file")
	if profile.Password != "" {
		t.Fatalf("expected empty password, got %q", profile.Password)
	}
}

func TestCreateTLSProfileEnvDirective(t *testing.T) {
	m := newManager(t, connmgr.Options{})

	t.Setenv("RELAYD_TLS_PASS", "envpass")
	if _, err := m.CreateTLSProfile(entity.Entity{
		"name":     "env-backed",
		"password": "env:RELAYD_TLS_PASS",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	profile, _ := m.TLSProfileByName("env-backed")
	if profile.Password != "envpass" {
		t.Fatalf("expected env-resolved password, got %q", profile.Password)
	}
}

func TestCreateTLSProfileEnvUndefinedLenient(t *testing.T) {
	m := newManager(t, connmgr.Options{})

	os.Unsetenv("RELAYD_TLS_UNSET")
	if _, err := m.CreateTLSProfile(entity.Entity{
		"name":     "env-missing",
		"password": "env:RELAYD_TLS_UNSET",
	}); err != nil {
		t.Fatalf("lenient mode must not fail on undefined env var, got %v", err)
	}

	profile, _ := m.TLSProfileByName("env-missing")
	if profile.Password != "env:RELAYD_TLS_UNSET" {
		t.Fatalf("directive must be kept unchanged, got %q", profile.Password)
	}
}

func TestCreateTLSProfileEnvUndefinedStrict(t *testing.T) {
	m := newManager(t, connmgr.Options{Strict: true})

	os.Unsetenv("RELAYD_TLS_UNSET")
	if _, err := m.CreateTLSProfile(entity.Entity{
		"name":     "env-missing",
		"password": "env:RELAYD_TLS_UNSET",
	}); err == nil {
		t.Fatal("strict mode must fail on undefined env var")
	}
	if len(m.TLSProfiles()) != 0 {
		t.Fatal("failed create must leave the collection unchanged")
	}
}

func TestTLSProfileLookupFirstMatchWins(t *testing.T) {
	m := newManager(t, connmgr.Options{})

	firstID, err := m.CreateTLSProfile(entity.Entity{"name": "dup", "certFile": "/first.crt"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.CreateTLSProfile(entity.Entity{"name": "dup", "certFile": "/second.crt"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	profile, _ := m.TLSProfileByName("dup")
	if profile.CertFile != "/first.crt" {
		t.Fatalf("lookup must return the first profile in insertion order, got %q", profile.CertFile)
	}

	// Removing the first repoints the name at the next oldest.
	if err := m.DeleteTLSProfile(firstID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	profile, ok := m.TLSProfileByName("dup")
	if !ok || profile.CertFile != "/second.crt" {
		t.Fatalf("expected second profile after delete, got %+v (ok=%v)", profile, ok)
	}
}

func TestDeleteTLSProfileNotFound(t *testing.T) {
	m := newManager(t, connmgr.Options{})

	if err := m.DeleteTLSProfile("bogus"); !connmgr.IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}
