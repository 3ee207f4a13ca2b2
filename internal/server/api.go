// Package server exposes relayd's admin HTTP API: CRUD for listeners,
// connectors and TLS profiles, daemon status, and a WebSocket event feed.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/relaymesh/relayd/internal/config/store"
	"github.com/relaymesh/relayd/internal/connmgr"
	"github.com/relaymesh/relayd/internal/entity"
	"github.com/relaymesh/relayd/internal/version"
)

// EntityPersister saves and removes endpoint definitions so they survive
// restarts. A nil persister keeps everything in memory only.
type EntityPersister interface {
	SaveEntity(ctx context.Context, entity store.EndpointEntity) error
	DeleteEntity(ctx context.Context, kind, id string) error
}

// APIServer wires HTTP routes to the endpoint registry.
type APIServer struct {
	mgr     *connmgr.Manager
	events  *EventServer
	persist EntityPersister
}

// NewAPIServer creates the admin API around a registry. events and
// persist may be nil.
func NewAPIServer(mgr *connmgr.Manager, events *EventServer, persist EntityPersister) *APIServer {
	return &APIServer{mgr: mgr, events: events, persist: persist}
}

// Handler builds the route table.
func (s *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/status", s.handleStatus)
	mux.HandleFunc("/v1/listeners", s.handleListeners)
	mux.HandleFunc("/v1/listeners/", s.handleListenerByID)
	mux.HandleFunc("/v1/connectors", s.handleConnectors)
	mux.HandleFunc("/v1/connectors/", s.handleConnectorByID)
	mux.HandleFunc("/v1/tls-profiles", s.handleTLSProfiles)
	mux.HandleFunc("/v1/tls-profiles/", s.handleTLSProfileByID)
	if s.events != nil {
		mux.HandleFunc("/v1/events", s.events.HandleWebSocket)
	}
	return mux
}

type statusResponse struct {
	Version    string `json:"version"`
	State      string `json:"state"`
	Listeners  int    `json:"listeners"`
	Connectors int    `json:"connectors"`
}

func (s *APIServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Version:    version.String(),
		State:      s.mgr.State().String(),
		Listeners:  len(s.mgr.Listeners()),
		Connectors: len(s.mgr.Connectors()),
	})
}

type createResponse struct {
	ID string `json:"id"`
}

// decodeEntity reads a flat JSON object of string-valued fields.
func decodeEntity(r *http.Request) (entity.Entity, error) {
	var e entity.Entity
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		return nil, fmt.Errorf("decode request body: %w", err)
	}
	return e, nil
}

func (s *APIServer) handleListeners(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.mgr.Listeners())
	case http.MethodPost:
		s.createEndpoint(w, r, store.KindListener, s.mgr.CreateListener)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *APIServer) handleConnectors(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.mgr.Connectors())
	case http.MethodPost:
		s.createEndpoint(w, r, store.KindConnector, s.mgr.CreateConnector)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *APIServer) createEndpoint(w http.ResponseWriter, r *http.Request, kind string, create func(entity.Entity) (string, error)) {
	e, err := decodeEntity(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := create(e)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.saveEntity(r.Context(), kind, id, e)
	writeJSON(w, http.StatusCreated, createResponse{ID: id})
}

func (s *APIServer) saveEntity(ctx context.Context, kind, id string, e entity.Entity) {
	if s.persist == nil {
		return
	}
	err := s.persist.SaveEntity(ctx, store.EndpointEntity{
		Kind:   kind,
		ID:     id,
		Name:   e.OptString("name", ""),
		Fields: e,
	})
	if err != nil {
		// The endpoint is live; losing persistence degrades restarts only.
		log.Printf("[APIServer] persist %s %s: %v", kind, id, err)
	}
}

func (s *APIServer) removeEntity(ctx context.Context, kind, id string) {
	if s.persist == nil {
		return
	}
	if err := s.persist.DeleteEntity(ctx, kind, id); err != nil && !store.IsNotFound(err) {
		log.Printf("[APIServer] unpersist %s %s: %v", kind, id, err)
	}
}

// pathID extracts the trailing id from /v1/<collection>/<id>.
func pathID(path, prefix string) string {
	id := strings.TrimPrefix(path, prefix)
	return strings.Trim(id, "/")
}

func (s *APIServer) handleListenerByID(w http.ResponseWriter, r *http.Request) {
	id := pathID(r.URL.Path, "/v1/listeners/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "listener id required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		cfg, err := s.mgr.ListenerConfig(id)
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, cfg)
	case http.MethodDelete:
		if err := s.mgr.DeleteListener(id); err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.removeEntity(r.Context(), store.KindListener, id)
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *APIServer) handleConnectorByID(w http.ResponseWriter, r *http.Request) {
	id := pathID(r.URL.Path, "/v1/connectors/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "connector id required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		cfg, err := s.mgr.ConnectorConfig(id)
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, cfg)
	case http.MethodDelete:
		if err := s.mgr.DeleteConnector(id); err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.removeEntity(r.Context(), store.KindConnector, id)
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// tlsProfileView is the API representation of a profile. The password is
// never echoed back.
type tlsProfileView struct {
	ID                   string `json:"id"`
	Name                 string `json:"name"`
	CertFile             string `json:"certFile,omitempty"`
	PrivateKeyFile       string `json:"keyFile,omitempty"`
	TrustedCertificateDB string `json:"certDb,omitempty"`
	TrustedCertificates  string `json:"trustedCerts,omitempty"`
	UIDFormat            string `json:"uidFormat,omitempty"`
	DisplayNameFile      string `json:"displayNameFile,omitempty"`
	HasPassword          bool   `json:"hasPassword"`
}

func profileView(p connmgr.TLSProfile) tlsProfileView {
	return tlsProfileView{
		ID:                   p.ID,
		Name:                 p.Name,
		CertFile:             p.CertFile,
		PrivateKeyFile:       p.PrivateKeyFile,
		TrustedCertificateDB: p.TrustedCertificateDB,
		TrustedCertificates:  p.TrustedCertificates,
		UIDFormat:            p.UIDFormat,
		DisplayNameFile:      p.DisplayNameFile,
		HasPassword:          p.Password != "",
	}
}

func (s *APIServer) handleTLSProfiles(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		profiles := s.mgr.TLSProfiles()
		views := make([]tlsProfileView, 0, len(profiles))
		for _, p := range profiles {
			views = append(views, profileView(p))
		}
		writeJSON(w, http.StatusOK, views)
	case http.MethodPost:
		s.createEndpoint(w, r, store.KindSSLProfile, s.mgr.CreateTLSProfile)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *APIServer) handleTLSProfileByID(w http.ResponseWriter, r *http.Request) {
	id := pathID(r.URL.Path, "/v1/tls-profiles/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "tls profile id required")
		return
	}

	switch r.Method {
	case http.MethodDelete:
		if err := s.mgr.DeleteTLSProfile(id); err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.removeEntity(r.Context(), store.KindSSLProfile, id)
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}
