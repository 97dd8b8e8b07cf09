package keyhandler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/ruteri/tee-confidential-io/keyhierarchy"
)

// Client talks to the key service management API. It is used by the
// operational CLI; applications inside the process use the key service
// directly.
type Client struct {
	URL    string
	Client *http.Client
}

// NewClient creates a management client for the given base URL.
func NewClient(url string) *Client {
	return &Client{URL: url, Client: http.DefaultClient}
}

// Derive requests the active subkey metadata for a purpose label.
func (c *Client) Derive(purpose string) (*KeyResponse, error) {
	var resp KeyResponse
	if err := c.post("/api/keys/derive", PurposeRequest{Purpose: purpose}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Rotate requests a new key version for a purpose label.
func (c *Client) Rotate(purpose string) (*KeyResponse, error) {
	var resp KeyResponse
	if err := c.post("/api/keys/rotate", PurposeRequest{Purpose: purpose}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Revoke permanently disables the slot owning a key id.
func (c *Client) Revoke(keyID string) error {
	return c.post("/api/keys/revoke", RevokeRequest{KeyID: keyID}, nil)
}

// Status reports the state of one purpose slot.
func (c *Client) Status(purpose string) (*keyhierarchy.SlotStatus, error) {
	var status keyhierarchy.SlotStatus
	if err := c.get("/api/keys/status?purpose="+url.QueryEscape(purpose), &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Purposes lists every purpose label the service has derived for.
func (c *Client) Purposes() ([]string, error) {
	var purposes []string
	if err := c.get("/api/keys/purposes", &purposes); err != nil {
		return nil, err
	}
	return purposes, nil
}

func (c *Client) post(path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("could not encode request: %w", err)
	}

	resp, err := c.httpClient().Post(c.URL+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("could not request key service: %w", err)
	}
	return decodeResponse(resp, out)
}

func (c *Client) get(path string, out any) error {
	resp, err := c.httpClient().Get(c.URL + path)
	if err != nil {
		return fmt.Errorf("could not request key service: %w", err)
	}
	return decodeResponse(resp, out)
}

func (c *Client) httpClient() *http.Client {
	if c.Client == nil {
		c.Client = http.DefaultClient
	}
	return c.Client
}

func decodeResponse(resp *http.Response, out any) error {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("could not read key service response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("key service returned %d: %s", resp.StatusCode, string(body))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("could not parse key service response: %w", err)
	}
	return nil
}
