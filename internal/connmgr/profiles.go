package connmgr

import (
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/relaymesh/relayd/internal/entity"
	"github.com/relaymesh/relayd/internal/secrets"
)

// TLSProfile is a named bundle of certificate, key, and trust material.
// Profiles are owned exclusively by the registry; endpoint configs copy the
// string fields out at resolution time and never alias a live profile.
type TLSProfile struct {
	ID                   string
	Name                 string
	CertFile             string
	PrivateKeyFile       string
	Password             string
	TrustedCertificateDB string
	TrustedCertificates  string
	UIDFormat            string
	DisplayNameFile      string
}

// ProfileNotFoundError indicates a referenced TLS profile name did not
// resolve. Only surfaced as a failure when the manager runs strict.
type ProfileNotFoundError struct {
	Name string
}

func (e *ProfileNotFoundError) Error() string {
	return fmt.Sprintf("connmgr: tls profile %q not found", e.Name)
}

// CreateTLSProfile builds a profile from an entity and appends it to the
// registry. A mandatory-field failure discards the partial profile.
func (m *Manager) CreateTLSProfile(e entity.Entity) (string, error) {
	m.mu.Lock()

	name, err := e.String("name")
	if err != nil {
		m.mu.Unlock()
		log.Printf("[ConnMgr] Unable to create TLS profile: %v", err)
		return "", err
	}

	profile := &TLSProfile{
		ID:                   uuid.NewString(),
		Name:                 name,
		CertFile:             e.OptString("certFile", ""),
		PrivateKeyFile:       e.OptString("keyFile", ""),
		Password:             e.OptString("password", ""),
		TrustedCertificateDB: e.OptString("certDb", ""),
		TrustedCertificates:  e.OptString("trustedCerts", ""),
		UIDFormat:            e.OptString("uidFormat", ""),
		DisplayNameFile:      e.OptString("displayNameFile", ""),
	}

	// No inline password: fall back to an optional password file. Open or
	// read failures are not surfaced; the profile simply has no password.
	if profile.Password == "" {
		if path := e.OptString("passwordFile", ""); path != "" {
			if secret, ok := secrets.ReadPasswordFile(path); ok {
				profile.Password = secret
			}
		}
	}

	if profile.Password != "" {
		resolved, resolveErr := secrets.Resolve(profile.Password)
		if resolveErr != nil {
			if m.strict {
				m.mu.Unlock()
				log.Printf("[ConnMgr] Unable to create TLS profile %q: %v", name, resolveErr)
				return "", resolveErr
			}
			// Lenient: keep the unresolved directive and carry on.
			log.Printf("[ConnMgr] TLS profile %q: %v", name, resolveErr)
		}
		profile.Password = resolved
	}

	m.profileOrder = append(m.profileOrder, profile)
	if _, exists := m.profiles[name]; !exists {
		m.profiles[name] = profile
	}

	log.Printf("[ConnMgr] Created TLS profile %q", name)
	m.notifyLocked(Event{Kind: EventCreated, Entity: EntityTLSProfile, ID: profile.ID, Name: name})
	m.mu.Unlock()

	m.flushEvents()
	return profile.ID, nil
}

// findTLSProfile returns the first profile created under name, or nil.
// Callers hold m.mu.
func (m *Manager) findTLSProfile(name string) *TLSProfile {
	return m.profiles[name]
}

// TLSProfileByName returns a copy of the first profile with the given name.
func (m *Manager) TLSProfileByName(name string) (TLSProfile, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	profile := m.findTLSProfile(name)
	if profile == nil {
		return TLSProfile{}, false
	}
	return *profile, true
}

// TLSProfiles lists profiles in insertion order.
func (m *Manager) TLSProfiles() []TLSProfile {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]TLSProfile, 0, len(m.profileOrder))
	for _, p := range m.profileOrder {
		out = append(out, *p)
	}
	return out
}

// DeleteTLSProfile removes a profile by id. Live endpoint configs built
// from the profile are unaffected: their TLS fields were copied.
func (m *Manager) DeleteTLSProfile(id string) error {
	m.mu.Lock()

	idx := -1
	for i, p := range m.profileOrder {
		if p.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return NotFoundError{Entity: string(EntityTLSProfile), Key: id}
	}

	removed := m.profileOrder[idx]
	m.profileOrder = append(m.profileOrder[:idx], m.profileOrder[idx+1:]...)

	// Repoint the name key at the next-oldest profile sharing the name.
	if m.profiles[removed.Name] == removed {
		delete(m.profiles, removed.Name)
		for _, p := range m.profileOrder {
			if p.Name == removed.Name {
				m.profiles[removed.Name] = p
				break
			}
		}
	}

	log.Printf("[ConnMgr] Deleted TLS profile %q", removed.Name)
	m.notifyLocked(Event{Kind: EventDeleted, Entity: EntityTLSProfile, ID: id, Name: removed.Name})
	m.mu.Unlock()

	m.flushEvents()
	return nil
}
