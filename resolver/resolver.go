// Package resolver turns record references into navigable URLs.
package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var ErrEmptyRecordID = errors.New("empty record id")

// Resolver returns the URL of a record page. objectKind may be empty.
type Resolver interface {
	Resolve(ctx context.Context, recordID, objectKind string) (string, error)
}

// Template builds record URLs locally from a base URL.
type Template struct {
	BaseURL string
}

func (t Template) Resolve(ctx context.Context, recordID, objectKind string) (string, error) {
	if recordID == "" {
		return "", ErrEmptyRecordID
	}
	base := strings.TrimRight(t.BaseURL, "/")
	id := url.PathEscape(recordID)
	if objectKind == "" {
		return fmt.Sprintf("%s/%s", base, id), nil
	}
	return fmt.Sprintf("%s/lightning/r/%s/%s/view", base, url.PathEscape(objectKind), id), nil
}

const httpTimeout = 10 * time.Second

// HTTP asks a lookup service for the URL.
type HTTP struct {
	endpoint   string
	httpClient *http.Client
}

func NewHTTP(endpoint string, client *http.Client) *HTTP {
	if client == nil {
		client = &http.Client{Timeout: httpTimeout}
	}
	return &HTTP{endpoint: endpoint, httpClient: client}
}

type lookupResponse struct {
	URL string `json:"url"`
}

func (h *HTTP) Resolve(ctx context.Context, recordID, objectKind string) (string, error) {
	if recordID == "" {
		return "", ErrEmptyRecordID
	}
	q := url.Values{}
	q.Set("id", recordID)
	if objectKind != "" {
		q.Set("object", objectKind)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("link lookup returned %d: %s", resp.StatusCode, string(bytes.TrimSpace(body)))
	}

	var out lookupResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if out.URL == "" {
		return "", fmt.Errorf("link lookup for %s returned no url", recordID)
	}
	return out.URL, nil
}
