package tui

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/fentz26/deadhand/internal/models"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// Client wraps HTTP calls to the deadhand API
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client with timeout
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: DefaultClientTimeout,
		},
	}
}

// Health reports whether the daemon answers /health.
func (c *Client) Health() error {
	resp, err := c.httpClient.Get(c.baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon unhealthy: %s", resp.Status)
	}
	return nil
}

// Status evaluates owner and returns their liveness and switch state.
func (c *Client) Status(owner string) (*OwnerStatus, error) {
	var status OwnerStatus
	if err := c.do(http.MethodGet, "/owners/"+url.PathEscape(owner)+"/status", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// CheckIn records a check-in for owner.
func (c *Client) CheckIn(owner string) (*OwnerStatus, error) {
	var status OwnerStatus
	if err := c.do(http.MethodPost, "/owners/"+url.PathEscape(owner)+"/checkin", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Releases returns the entries of the owner's current or last episode.
func (c *Client) Releases(owner string) ([]models.ReleaseEntry, error) {
	var entries []models.ReleaseEntry
	err := c.do(http.MethodGet, "/owners/"+url.PathEscape(owner)+"/releases", &entries)
	return entries, err
}

// Assets returns the assets of owner.
func (c *Client) Assets(owner string) ([]models.Asset, error) {
	var assets []models.Asset
	err := c.do(http.MethodGet, "/assets?owner="+url.QueryEscape(owner), &assets)
	return assets, err
}

// ExecutionLog returns the execution attempts of an asset.
func (c *Client) ExecutionLog(assetID string) ([]models.ExecutionRecord, error) {
	var records []models.ExecutionRecord
	err := c.do(http.MethodGet, "/assets/"+url.PathEscape(assetID)+"/log", &records)
	return records, err
}

func (c *Client) do(method, path string, out interface{}) error {
	req, err := http.NewRequest(method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		body, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("API error: %s", apiErr.Error)
		}
		return fmt.Errorf("API error: %s", string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
