package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"vico_home/vicocall/internal/domain"
)

const requestTimeout = 10 * time.Second

// iceServerResponse is one entry of the credentials endpoint. urls may be
// a single string or a list.
type iceServerResponse struct {
	URLs       json.RawMessage `json:"urls"`
	Username   string          `json:"username"`
	Credential string          `json:"credential"`
}

// Client fetches TURN credentials from a metered-style endpoint.
// It implements domain.ICEServerFetcher.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

// NewClient creates an API client for endpoint, authenticating with apiKey.
func NewClient(endpoint, apiKey string) *Client {
	return &Client{
		endpoint: endpoint,
		apiKey:   apiKey,
		http:     &http.Client{Timeout: requestTimeout},
	}
}

// FetchICEServers calls the credentials endpoint and returns its server list.
func (c *Client) FetchICEServers(ctx context.Context) ([]domain.ICEServer, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("apiKey", c.apiKey)
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
	}

	var entries []iceServerResponse
	if err := json.Unmarshal(respBody, &entries); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	servers := make([]domain.ICEServer, 0, len(entries))
	for i, e := range entries {
		urls, err := decodeURLs(e.URLs)
		if err != nil {
			return nil, fmt.Errorf("server %d: %w", i, err)
		}
		if len(urls) == 0 {
			continue
		}
		servers = append(servers, domain.ICEServer{URLs: urls, Username: e.Username, Credential: e.Credential})
	}
	if len(servers) == 0 {
		return nil, fmt.Errorf("no ice servers in response")
	}
	return servers, nil
}

func decodeURLs(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return []string{one}, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err != nil {
		return nil, fmt.Errorf("urls: %w", err)
	}
	return many, nil
}
