package adminclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultBaseURL = "http://localhost:3000"

// Client calls the feed generator's admin API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a new admin API client. If baseURL is empty, it
// defaults to http://localhost:3000.
func NewClient(baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError is a non-2xx response from the admin API.
type APIError struct {
	Status  int      `json:"-"`
	Type    string   `json:"error"`
	Message string   `json:"message"`
	Missing []string `json:"missing,omitempty"`
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("API error (status %d): %s: %s", e.Status, e.Type, e.Message)
	if len(e.Missing) > 0 {
		msg += " (missing: " + strings.Join(e.Missing, ", ") + ")"
	}
	return msg
}

// InsertPost backfills a single post, bypassing the membership filter.
// Returns false if the post was already stored.
func (c *Client) InsertPost(ctx context.Context, uri, cid, creator string) (bool, error) {
	body := map[string]string{"uri": uri, "cid": cid, "creator": creator}

	var resp struct {
		Inserted bool `json:"inserted"`
	}
	if err := c.do(ctx, http.MethodPost, "/admin/insertPost", body, &resp); err != nil {
		return false, fmt.Errorf("insert post: %w", err)
	}
	return resp.Inserted, nil
}

// UpdateFeed confirms postURIs are stored for feedURI and returns the
// feed's post count.
func (c *Client) UpdateFeed(ctx context.Context, feedURI string, postURIs []string) (int64, error) {
	body := map[string]any{"feedUri": feedURI, "postUris": postURIs}

	var resp struct {
		Success   bool  `json:"success"`
		PostCount int64 `json:"postCount"`
	}
	if err := c.do(ctx, http.MethodPost, "/admin/updateFeed", body, &resp); err != nil {
		return 0, fmt.Errorf("update feed: %w", err)
	}
	return resp.PostCount, nil
}

// Stats is the admin stats response.
type Stats struct {
	Posts     int64 `json:"posts"`
	FeedPosts int64 `json:"feedPosts"`
	Feeds     []struct {
		Feed  string `json:"feed"`
		Count int64  `json:"count"`
	} `json:"feeds"`
	Creators []struct {
		Creator string `json:"creator"`
		Count   int64  `json:"count"`
	} `json:"creators"`
}

// Stats fetches store statistics.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var resp Stats
	if err := c.do(ctx, http.MethodGet, "/admin/stats", nil, &resp); err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	return &resp, nil
}

// Page is one page of stored post URIs.
type Page struct {
	Feed []struct {
		Post string `json:"post"`
	} `json:"feed"`
	Cursor string `json:"cursor,omitempty"`
}

// ListPosts pages through stored posts, optionally for one creator.
func (c *Client) ListPosts(ctx context.Context, creator string, limit int, cursor string) (*Page, error) {
	q := url.Values{}
	if creator != "" {
		q.Set("creator", creator)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	path := "/admin/posts"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp Page
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	return &resp, nil
}

// ReloadMembers asks the server to re-read its membership list and returns
// the new member count.
func (c *Client) ReloadMembers(ctx context.Context) (int, error) {
	var resp struct {
		Members int `json:"members"`
	}
	if err := c.do(ctx, http.MethodPost, "/admin/reloadMembers", nil, &resp); err != nil {
		return 0, fmt.Errorf("reload members: %w", err)
	}
	return resp.Members, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, result any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(respBody, apiErr) != nil {
			apiErr.Message = string(respBody)
		}
		return apiErr
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}

	return nil
}
