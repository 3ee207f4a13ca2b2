package connmgr_test

import (
	"math"
	"testing"

	"github.com/relaymesh/relayd/internal/connmgr"
	"github.com/relaymesh/relayd/internal/entity"
)

// normalize builds a listener from the entity and returns its config.
func normalize(t *testing.T, m *connmgr.Manager, e entity.Entity) connmgr.ServerConfig {
	t.Helper()
	id, err := m.CreateListener(e)
	if err != nil {
		t.Fatalf("create listener: %v", err)
	}
	cfg, err := m.ListenerConfig(id)
	if err != nil {
		t.Fatalf("listener config: %v", err)
	}
	return cfg
}

func TestNormalizeExampleEntity(t *testing.T) {
	m := newManager(t, connmgr.Options{})

	cfg := normalize(t, m, entity.Entity{
		"port":               "5672",
		"role":               "normal",
		"maxFrameSize":       "512",
		"maxSessions":        "10",
		"idleTimeoutSeconds": "0",
		"host":               "0.0.0.0",
	})

	if cfg.HostPort != "0.0.0.0:5672" {
		t.Fatalf("expected host_port 0.0.0.0:5672, got %q", cfg.HostPort)
	}
	if cfg.MaxFrameSize != connmgr.MinMaxFrameSize {
		t.Fatalf("expected maxFrameSize at the protocol minimum, got %d", cfg.MaxFrameSize)
	}
	if cfg.MaxSessions != 10 {
		t.Fatalf("expected maxSessions 10, got %d", cfg.MaxSessions)
	}
	if cfg.IncomingCapacity < connmgr.MinMaxFrameSize {
		t.Fatalf("incoming capacity %d below protocol minimum", cfg.IncomingCapacity)
	}
}

func TestNormalizeHostPortConcatenation(t *testing.T) {
	m := newManager(t, connmgr.Options{})

	for _, tc := range []struct{ host, port, want string }{
		{"127.0.0.1", "5672", "127.0.0.1:5672"},
		{"example.com", "10000", "example.com:10000"},
		{"0.0.0.0", "amqp", "0.0.0.0:amqp"},
		// IPv6 literals are bracketed so the address stays dialable.
		{"::1", "5672", "[::1]:5672"},
	} {
		cfg := normalize(t, m, listenerEntity(entity.Entity{"host": tc.host, "port": tc.port}))
		if cfg.HostPort != tc.want {
			t.Fatalf("host %q port %q: got %q, want %q", tc.host, tc.port, cfg.HostPort, tc.want)
		}
	}
}

func TestNormalizeHostAliasResolution(t *testing.T) {
	m := newManager(t, connmgr.Options{})

	cfg := normalize(t, m, listenerEntity(entity.Entity{"host": "10.0.0.1", "addr": "10.0.0.2"}))
	if cfg.Host != "10.0.0.1" {
		t.Fatalf("host must win over addr, got %q", cfg.Host)
	}

	e := listenerEntity(nil)
	delete(e, "host")
	e["addr"] = "10.0.0.2"
	cfg = normalize(t, m, e)
	if cfg.Host != "10.0.0.2" {
		t.Fatalf("addr must be used when host is empty, got %q", cfg.Host)
	}

	e = listenerEntity(entity.Entity{"host": "", "addr": ""})
	if _, err := m.CreateListener(e); err == nil {
		t.Fatal("expected failure when neither host nor addr is set")
	}
}

func TestNormalizeMaxSessionsClamp(t *testing.T) {
	m := newManager(t, connmgr.Options{})

	for _, tc := range []struct {
		in   string
		want int64
	}{
		{"-5", 32768},
		{"0", 32768},
		{"1", 1},
		{"10", 10},
		{"32768", 32768},
		{"32769", 32768},
		{"1000000", 32768},
	} {
		cfg := normalize(t, m, listenerEntity(entity.Entity{"maxSessions": tc.in}))
		if cfg.MaxSessions != tc.want {
			t.Fatalf("maxSessions %s: got %d, want %d", tc.in, cfg.MaxSessions, tc.want)
		}
		if cfg.MaxSessions < 1 || cfg.MaxSessions > 32768 {
			t.Fatalf("maxSessions %d outside [1, 32768]", cfg.MaxSessions)
		}
	}
}

func TestNormalizeIncomingCapacity(t *testing.T) {
	m := newManager(t, connmgr.Options{})

	// Unset session frames: full ceiling budget.
	cfg := normalize(t, m, listenerEntity(entity.Entity{"maxFrameSize": "16384"}))
	if want := int64(math.MaxInt32) * 16384; cfg.IncomingCapacity != want {
		t.Fatalf("unset maxSessionFrames: got %d, want %d", cfg.IncomingCapacity, want)
	}

	// Small request promoted to the protocol minimum.
	cfg = normalize(t, m, listenerEntity(entity.Entity{"maxFrameSize": "100", "maxSessionFrames": "1"}))
	if cfg.IncomingCapacity != connmgr.MinMaxFrameSize {
		t.Fatalf("tiny budget must be promoted to %d, got %d", connmgr.MinMaxFrameSize, cfg.IncomingCapacity)
	}

	// Plain product.
	cfg = normalize(t, m, listenerEntity(entity.Entity{"maxFrameSize": "16384", "maxSessionFrames": "100"}))
	if cfg.IncomingCapacity != 16384*100 {
		t.Fatalf("expected %d, got %d", 16384*100, cfg.IncomingCapacity)
	}

	// Oversized request clamped to the fixed ceiling.
	cfg = normalize(t, m, listenerEntity(entity.Entity{"maxFrameSize": "16384", "maxSessionFrames": "10000000"}))
	if cfg.IncomingCapacity != math.MaxInt32 {
		t.Fatalf("oversized budget must clamp to %d, got %d", math.MaxInt32, cfg.IncomingCapacity)
	}

	if cfg.IncomingCapacity < connmgr.MinMaxFrameSize {
		t.Fatalf("incoming capacity %d below protocol minimum", cfg.IncomingCapacity)
	}
}

func TestNormalizeDeprecatedFlagDerivations(t *testing.T) {
	m := newManager(t, connmgr.Options{})

	cfg := normalize(t, m, listenerEntity(entity.Entity{"requirePeerAuth": "true"}))
	if !cfg.RequireAuthentication {
		t.Fatal("deprecated requirePeerAuth must imply requireAuthentication")
	}

	cfg = normalize(t, m, listenerEntity(entity.Entity{"allowUnsecured": "false"}))
	if !cfg.RequireEncryption {
		t.Fatal("deprecated allowUnsecured=false must imply requireEncryption")
	}

	// requireSsl flips the allowUnsecured default, which in turn feeds
	// requireEncryption.
	cfg = normalize(t, m, listenerEntity(entity.Entity{"requireSsl": "true"}))
	if !cfg.RequireEncryption {
		t.Fatal("requireSsl=true must derive requireEncryption via the allowUnsecured default")
	}

	cfg = normalize(t, m, listenerEntity(nil))
	if cfg.RequireAuthentication || cfg.RequireEncryption {
		t.Fatalf("defaults must not require auth or encryption: %+v", cfg)
	}
	if !cfg.AllowInsecureAuthentication {
		t.Fatal("allowInsecureAuthentication is hardwired true")
	}
	if !cfg.VerifyHostName {
		t.Fatal("verifyHostName defaults to true")
	}
}

func TestNormalizeStripAnnotations(t *testing.T) {
	m := newManager(t, connmgr.Options{})

	for _, tc := range []struct {
		spec            string
		wantIn, wantOut bool
	}{
		{"both", true, true},
		{"in", true, false},
		{"out", false, true},
		{"no", false, false},
		{"", true, true},
		{"bogus", true, true},
	} {
		e := listenerEntity(nil)
		if tc.spec != "" {
			e["stripAnnotations"] = tc.spec
		}
		cfg := normalize(t, m, e)
		if cfg.StripInboundAnnotations != tc.wantIn || cfg.StripOutboundAnnotations != tc.wantOut {
			t.Fatalf("stripAnnotations %q: got in=%v out=%v, want in=%v out=%v",
				tc.spec, cfg.StripInboundAnnotations, cfg.StripOutboundAnnotations, tc.wantIn, tc.wantOut)
		}
	}
}

func TestNormalizeOptionalDefaults(t *testing.T) {
	m := newManager(t, connmgr.Options{})

	cfg := normalize(t, m, listenerEntity(nil))
	if cfg.LinkCapacity != 250 {
		t.Fatalf("linkCapacity default must be 250, got %d", cfg.LinkCapacity)
	}
	if cfg.Cost != 1 {
		t.Fatalf("cost default must be 1, got %d", cfg.Cost)
	}
	if cfg.HTTP {
		t.Fatal("http must default to false")
	}

	cfg = normalize(t, m, listenerEntity(entity.Entity{"httpRoot": "/var/www"}))
	if !cfg.HTTP {
		t.Fatal("httpRoot must imply http")
	}

	cfg = normalize(t, m, listenerEntity(entity.Entity{"logMessage": "message-id,to"}))
	if !cfg.LogBits.Enabled("message-id") || !cfg.LogBits.Enabled("to") || cfg.LogBits.Enabled("subject") {
		t.Fatalf("logMessage bits wrong: %#x", cfg.LogBits)
	}
}

func TestNormalizeMalformedNumeric(t *testing.T) {
	m := newManager(t, connmgr.Options{})

	e := listenerEntity(entity.Entity{"maxFrameSize": "lots"})
	if _, err := m.CreateListener(e); !entity.IsMalformedField(err) {
		t.Fatalf("expected MalformedFieldError, got %v", err)
	}
}

func TestNormalizeTLSProfileCopy(t *testing.T) {
	m := newManager(t, connmgr.Options{})

	profileID, err := m.CreateTLSProfile(entity.Entity{
		"name":         "server-tls",
		"certFile":     "/etc/relayd/certs/server.crt",
		"keyFile":      "/etc/relayd/certs/server.key",
		"password":     "literal: keypass",
		"certDb":       "/etc/relayd/certs/ca.pem",
		"trustedCerts": "/etc/relayd/certs/trusted.pem",
		"uidFormat":    "1nc",
	})
	if err != nil {
		t.Fatalf("create profile: %v", err)
	}

	cfg := normalize(t, m, listenerEntity(entity.Entity{
		"sslProfile":     "server-tls",
		"requireSsl":     "true",
		"saslMechanisms": "PLAIN EXTERNAL",
	}))

	if cfg.SSLCertFile != "/etc/relayd/certs/server.crt" || cfg.SSLPrivateKeyFile != "/etc/relayd/certs/server.key" {
		t.Fatalf("credential paths not copied: %+v", cfg)
	}
	if cfg.SSLPassword != "keypass" {
		t.Fatalf("expected resolved literal password, got %q", cfg.SSLPassword)
	}
	if !cfg.SSLRequired {
		t.Fatal("requireSsl must set ssl_required")
	}
	if !cfg.SSLRequirePeerAuthentication {
		t.Fatal("EXTERNAL in saslMechanisms must require peer authentication")
	}

	// Deleting the profile must not disturb the already-copied fields.
	if err := m.DeleteTLSProfile(profileID); err != nil {
		t.Fatalf("delete profile: %v", err)
	}
	id2, err := m.CreateListener(listenerEntity(entity.Entity{"port": "5673"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_ = id2

	infos := m.Listeners()
	cfgAfter, err := m.ListenerConfig(infos[0].ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfgAfter.SSLCertFile != "/etc/relayd/certs/server.crt" {
		t.Fatal("profile deletion must not invalidate copied TLS fields")
	}
}

func TestNormalizeUnknownTLSProfileLenient(t *testing.T) {
	m := newManager(t, connmgr.Options{})

	cfg := normalize(t, m, listenerEntity(entity.Entity{"sslProfile": "no-such-profile"}))
	if cfg.SSLCertFile != "" || cfg.SSLPrivateKeyFile != "" {
		t.Fatal("unknown profile must leave TLS fields empty")
	}
	if cfg.SSLProfileName != "no-such-profile" {
		t.Fatalf("profile name must be retained, got %q", cfg.SSLProfileName)
	}
}

func TestNormalizeUnknownTLSProfileStrict(t *testing.T) {
	m := newManager(t, connmgr.Options{Strict: true})

	if _, err := m.CreateListener(listenerEntity(entity.Entity{"sslProfile": "no-such-profile"})); err == nil {
		t.Fatal("strict mode must fail on unresolved profile name")
	}
	if len(m.Listeners()) != 0 {
		t.Fatal("failed create must leave the collection unchanged")
	}
}
