// Package docsapi is a thin client for the external document metadata
// API: listing and creating documents and fetching their persisted
// snapshots. The sync engine itself never depends on it; callers feed
// the snapshot bytes into a session as an opaque payload.
package docsapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

type DocItem struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Client struct {
	base   *url.URL
	client *http.Client
}

// New builds a client for the API at base, e.g. http://host:8080.
func New(base string) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base url: %w", err)
	}
	return &Client{base: u, client: http.DefaultClient}, nil
}

// List returns the known documents.
func (c *Client) List(ctx context.Context) ([]DocItem, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base.JoinPath("api", "docs").String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to list docs: %w", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	default:
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	var out []DocItem
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode doc list: %w", err)
	}
	return out, nil
}

// Create registers a new document with the given title.
func (c *Client) Create(ctx context.Context, title string) (*DocItem, error) {
	body, _ := json.Marshal(map[string]string{"title": title})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base.JoinPath("api", "docs").String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to create doc: %w", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
	default:
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	var out DocItem
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode doc: %w", err)
	}
	return &out, nil
}

// GetSnapshot fetches the persisted snapshot bytes for a document. A
// document that has no snapshot yet yields nil: callers start from an
// empty replica.
func (c *Client) GetSnapshot(ctx context.Context, id string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base.JoinPath("api", "docs", id).String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent, http.StatusNotFound:
		return nil, nil
	default:
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot body: %w", err)
	}
	return raw, nil
}
