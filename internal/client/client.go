// Package client is the HTTP client relayctl uses to talk to a running
// relayd admin API.
package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/relaymesh/relayd/internal/connmgr"
)

const (
	defaultHTTPTimeout = 10 * time.Second
	maxErrorBody       = 8 << 10

	// DefaultBaseURL is where relayd binds its admin API by default.
	DefaultBaseURL = "http://127.0.0.1:8402"
)

// Client wraps HTTP interactions with the daemon.
type Client struct {
	client  *http.Client
	baseURL string
}

// New builds a client. An empty baseURL falls back to the RELAYD_BASE_URL
// environment variable, then to DefaultBaseURL.
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = strings.TrimSpace(os.Getenv("RELAYD_BASE_URL"))
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		client:  &http.Client{Timeout: defaultHTTPTimeout},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// BaseURL returns the base HTTP URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Status mirrors the daemon's /v1/status response.
type Status struct {
	Version    string `json:"version"`
	State      string `json:"state"`
	Listeners  int    `json:"listeners"`
	Connectors int    `json:"connectors"`
}

// TLSProfile mirrors one entry of the daemon's /v1/tls-profiles response.
type TLSProfile struct {
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

// Status fetches daemon state and endpoint counts.
func (c *Client) Status() (Status, error) {
	var out Status
	if err := c.getJSON("/v1/status", &out); err != nil {
		return Status{}, err
	}
	return out, nil
}

// CreateListener submits a listener definition and returns its id.
func (c *Client) CreateListener(fields map[string]string) (string, error) {
	return c.create("/v1/listeners", fields)
}

// CreateConnector submits a connector definition and returns its id.
func (c *Client) CreateConnector(fields map[string]string) (string, error) {
	return c.create("/v1/connectors", fields)
}

// CreateTLSProfile submits a TLS profile definition and returns its id.
func (c *Client) CreateTLSProfile(fields map[string]string) (string, error) {
	return c.create("/v1/tls-profiles", fields)
}

// ListListeners returns the daemon's listener handles.
func (c *Client) ListListeners() ([]connmgr.EndpointInfo, error) {
	var out []connmgr.EndpointInfo
	if err := c.getJSON("/v1/listeners", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListConnectors returns the daemon's connector handles.
func (c *Client) ListConnectors() ([]connmgr.EndpointInfo, error) {
	var out []connmgr.EndpointInfo
	if err := c.getJSON("/v1/connectors", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListTLSProfiles returns the daemon's TLS profiles.
func (c *Client) ListTLSProfiles() ([]TLSProfile, error) {
	var out []TLSProfile
	if err := c.getJSON("/v1/tls-profiles", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteListener removes a listener by id.
func (c *Client) DeleteListener(id string) error {
	return c.delete("/v1/listeners/" + id)
}

// DeleteConnector removes a connector by id.
func (c *Client) DeleteConnector(id string) error {
	return c.delete("/v1/connectors/" + id)
}

// DeleteTLSProfile removes a TLS profile by id.
func (c *Client) DeleteTLSProfile(id string) error {
	return c.delete("/v1/tls-profiles/" + id)
}

func (c *Client) create(path string, fields map[string]string) (string, error) {
	payload, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("client: marshal request: %w", err)
	}

	resp, err := c.client.Post(c.baseURL+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("client: POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("client: POST %s: %w", path, readAPIError(resp))
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("client: decode create response: %w", err)
	}
	return created.ID, nil
}

func (c *Client) getJSON(path string, out any) error {
	resp, err := c.client.Get(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("client: GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("client: GET %s: %w", path, readAPIError(resp))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) delete(path string) error {
	req, err := http.NewRequest(http.MethodDelete, c.baseURL+path, http.NoBody)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("client: DELETE %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("client: DELETE %s: %w", path, readAPIError(resp))
	}
	return nil
}

func readAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if len(body) == 0 {
		return errors.New(resp.Status)
	}
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "{") {
		var payload struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal([]byte(trimmed), &payload); err == nil {
			if msg := strings.TrimSpace(payload.Error); msg != "" {
				return errors.New(msg)
			}
		}
		// Fall back to the raw payload when the envelope cannot be parsed.
	}
	return errors.New(trimmed)
}
