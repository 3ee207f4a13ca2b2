package connmgr

import (
	"errors"
	"log"
	"math"
	"net"
	"strings"

	"github.com/relaymesh/relayd/internal/entity"
	"github.com/relaymesh/relayd/internal/failover"
	"github.com/relaymesh/relayd/internal/logfields"
)

const (
	// MinMaxFrameSize is the protocol floor for the negotiated max frame
	// size. Values below it are silently promoted; the promoted number
	// also feeds the incoming-capacity calculation.
	MinMaxFrameSize = 512

	// MaxSessionsCeiling is the transport-layer limit on concurrent
	// sessions per connection.
	MaxSessionsCeiling = 32768

	// sessionFrameCeiling bounds the per-session buffering budget in
	// bytes. Fixed regardless of host word size.
	sessionFrameCeiling = math.MaxInt32
)

// ServerConfig is the normalized configuration record for one listener or
// connector. It is immutable once built; records are replaced by
// delete-then-recreate, never updated in place.
type ServerConfig struct {
	Host     string
	Port     string
	HostPort string
	Role     string
	Name     string
	Cost     int64

	ProtocolFamily string
	HTTP           bool
	HTTPRoot       string

	MaxFrameSize       int64
	MaxSessions        int64
	IncomingCapacity   int64
	IdleTimeoutSeconds int64
	LinkCapacity       int64

	SASLUsername   string
	SASLPassword   string
	SASLMechanisms string

	VerifyHostName              bool
	RequireAuthentication       bool
	RequireEncryption           bool
	AllowInsecureAuthentication bool
	MultiTenant                 bool

	StripInboundAnnotations  bool
	StripOutboundAnnotations bool

	LogMessage string
	LogBits    logfields.Bits

	// TLS fields are copied out of the named profile at resolution time;
	// the profile itself is never referenced after normalization.
	SSLProfileName               string
	SSLRequired                  bool
	SSLRequirePeerAuthentication bool
	SSLCertFile                  string
	SSLPrivateKeyFile            string
	SSLPassword                  string
	SSLTrustedCertificateDB      string
	SSLTrustedCertificates       string
	SSLUIDFormat                 string
	SSLDisplayNameFile           string

	// FailoverList is only populated for listeners that advertise
	// alternate endpoints.
	FailoverList failover.List
}

// errHostUnresolved is an internal invariant violation: validation upstream
// should guarantee at least one of host/addr is set.
var errHostUnresolved = errors.New("connmgr: endpoint host unresolved (neither host nor addr set)")

// resolveHost prefers a non-empty "host" field over the legacy "addr"
// alias; both default to the same address upstream, so the first non-empty
// value wins.
func resolveHost(e entity.Entity) (string, error) {
	host := e.OptString("host", "")
	addr := e.OptString("addr", "")

	switch {
	case host != "":
		return host, nil
	case addr != "":
		return addr, nil
	default:
		return "", errHostUnresolved
	}
}

// loadStripAnnotations maps the stripAnnotations enum onto the two
// direction flags. Absent or unrecognized values strip both directions.
func loadStripAnnotations(cfg *ServerConfig, spec string) {
	switch spec {
	case "in":
		cfg.StripInboundAnnotations = true
		cfg.StripOutboundAnnotations = false
	case "out":
		cfg.StripInboundAnnotations = false
		cfg.StripOutboundAnnotations = true
	case "no":
		cfg.StripInboundAnnotations = false
		cfg.StripOutboundAnnotations = false
	default:
		cfg.StripInboundAnnotations = true
		cfg.StripOutboundAnnotations = true
	}
}

// loadServerConfig normalizes a raw entity into a ServerConfig. The read
// order is significant: boolean policy fields first, then mandatory
// fields, then derived values. Callers hold the registry lock so TLS
// profile lookup sees a consistent collection.
func (m *Manager) loadServerConfig(e entity.Entity) (*ServerConfig, error) {
	authenticatePeer, err := e.OptBool("authenticatePeer", false)
	if err != nil {
		return nil, err
	}
	verifyHostName, err := e.OptBool("verifyHostName", true)
	if err != nil {
		return nil, err
	}
	requireEncryption, err := e.OptBool("requireEncryption", false)
	if err != nil {
		return nil, err
	}
	requireSsl, err := e.OptBool("requireSsl", false)
	if err != nil {
		return nil, err
	}
	depRequirePeerAuth, err := e.OptBool("requirePeerAuth", false)
	if err != nil {
		return nil, err
	}
	depAllowUnsecured, err := e.OptBool("allowUnsecured", !requireSsl)
	if err != nil {
		return nil, err
	}

	cfg := &ServerConfig{}
	cfg.LogMessage = e.OptString("logMessage", "")
	cfg.LogBits = logfields.Encode(cfg.LogMessage)

	if cfg.Port, err = e.String("port"); err != nil {
		return nil, err
	}
	cfg.Name = e.OptString("name", "")
	if cfg.Role, err = e.String("role"); err != nil {
		return nil, err
	}
	if cfg.Cost, err = e.OptInt("cost", 1); err != nil {
		return nil, err
	}
	cfg.ProtocolFamily = e.OptString("protocolFamily", "")
	if cfg.HTTP, err = e.OptBool("http", false); err != nil {
		return nil, err
	}
	cfg.HTTPRoot = e.OptString("httpRoot", "")
	// httpRoot implies http
	cfg.HTTP = cfg.HTTP || cfg.HTTPRoot != ""

	if cfg.MaxFrameSize, err = e.Int("maxFrameSize"); err != nil {
		return nil, err
	}
	if cfg.MaxSessions, err = e.Int("maxSessions"); err != nil {
		return nil, err
	}
	ssnFrames, err := e.OptInt("maxSessionFrames", 0)
	if err != nil {
		return nil, err
	}
	if cfg.IdleTimeoutSeconds, err = e.Int("idleTimeoutSeconds"); err != nil {
		return nil, err
	}
	cfg.SASLUsername = e.OptString("saslUsername", "")
	cfg.SASLPassword = e.OptString("saslPassword", "")
	cfg.SASLMechanisms = e.OptString("saslMechanisms", "")
	cfg.SSLProfileName = e.OptString("sslProfile", "")
	if cfg.LinkCapacity, err = e.OptInt("linkCapacity", 0); err != nil {
		return nil, err
	}
	if cfg.MultiTenant, err = e.OptBool("multiTenant", false); err != nil {
		return nil, err
	}

	if cfg.Host, err = resolveHost(e); err != nil {
		return nil, err
	}
	cfg.HostPort = net.JoinHostPort(cfg.Host, cfg.Port)

	if cfg.LinkCapacity == 0 {
		cfg.LinkCapacity = 250
	}

	// The transport layer disallows more than 32768 sessions.
	if cfg.MaxSessions <= 0 || cfg.MaxSessions > MaxSessionsCeiling {
		cfg.MaxSessions = MaxSessionsCeiling
	}

	// Silently promote the minimum max-frame-size; the promoted value is
	// needed for the incoming-capacity calculation below.
	if cfg.MaxFrameSize < MinMaxFrameSize {
		cfg.MaxFrameSize = MinMaxFrameSize
	}

	if ssnFrames == 0 {
		if cfg.MaxFrameSize > math.MaxInt64/int64(sessionFrameCeiling) {
			cfg.IncomingCapacity = math.MaxInt64
		} else {
			cfg.IncomingCapacity = sessionFrameCeiling * cfg.MaxFrameSize
		}
	} else if ssnFrames > sessionFrameCeiling/cfg.MaxFrameSize {
		cfg.IncomingCapacity = sessionFrameCeiling
		computed := int64(sessionFrameCeiling) / cfg.MaxFrameSize
		log.Printf("[ConnMgr] Endpoint name=%q host=%q port=%q: requested maxSessionFrames truncated from %d to %d",
			cfg.Name, cfg.Host, cfg.Port, ssnFrames, computed)
	} else if trial := ssnFrames * cfg.MaxFrameSize; trial < MinMaxFrameSize {
		// A requested budget below one minimum frame is promoted.
		cfg.IncomingCapacity = MinMaxFrameSize
	} else {
		cfg.IncomingCapacity = trial
	}

	// Hardwired pending an actual need to configure it.
	cfg.AllowInsecureAuthentication = true
	cfg.VerifyHostName = verifyHostName

	loadStripAnnotations(cfg, e.OptString("stripAnnotations", ""))

	cfg.RequireAuthentication = authenticatePeer || depRequirePeerAuth
	cfg.RequireEncryption = requireEncryption || !depAllowUnsecured

	if cfg.SSLProfileName != "" {
		cfg.SSLRequired = requireSsl || !depAllowUnsecured
		cfg.SSLRequirePeerAuthentication = strings.Contains(cfg.SASLMechanisms, "EXTERNAL")

		profile := m.findTLSProfile(cfg.SSLProfileName)
		if profile == nil {
			if m.strict {
				return nil, &ProfileNotFoundError{Name: cfg.SSLProfileName}
			}
			log.Printf("[ConnMgr] TLS profile %q not found for endpoint %s; continuing without TLS credentials",
				cfg.SSLProfileName, cfg.HostPort)
		} else {
			cfg.SSLCertFile = profile.CertFile
			cfg.SSLPrivateKeyFile = profile.PrivateKeyFile
			cfg.SSLPassword = profile.Password
			cfg.SSLTrustedCertificateDB = profile.TrustedCertificateDB
			cfg.SSLTrustedCertificates = profile.TrustedCertificates
			cfg.SSLUIDFormat = profile.UIDFormat
			cfg.SSLDisplayNameFile = profile.DisplayNameFile
		}
	}

	return cfg, nil
}
