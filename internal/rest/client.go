// Package rest consumes the external REST collaborators: the history
// endpoint that seeds a conversation before live events are layered on, and
// the media-upload service that returns a durable URL for attachments.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	v1 "marketchat/contracts/chat/v1"
)

const (
	defaultTimeout      = 10 * time.Second
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// Client talks to the marketplace REST API.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
}

// NewClient constructs a Client. The token is sent as a bearer credential on
// every request.
func NewClient(baseURL, token string, httpc *http.Client) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("rest: missing base url")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("rest: invalid base url: %w", err)
	}
	if httpc == nil {
		httpc = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{baseURL: baseURL, token: token, httpc: httpc}, nil
}

// FetchHistory loads the most recent messages of a conversation, oldest
// first, mapped to wire payloads so the reconciler can seed them directly.
func (c *Client) FetchHistory(ctx context.Context, conversationID string, limit int) ([]v1.NewMessagePayload, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, errors.New("rest: missing conversation id")
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	endpoint := fmt.Sprintf("%s/conversations/%s/messages?limit=%s",
		c.baseURL, url.PathEscape(conversationID), strconv.Itoa(limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rest: history fetch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rest: history fetch: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Messages []v1.NewMessagePayload `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("rest: decode history: %w", err)
	}
	return body.Messages, nil
}

// Upload posts media to the upload service and returns the durable
// attachment to reference from send_message.
func (c *Client) Upload(ctx context.Context, filename, kind string, data io.Reader) (*v1.Media, error) {
	if kind != v1.MediaImage && kind != v1.MediaVideo {
		return nil, fmt.Errorf("rest: unsupported media kind: %q", kind)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, data); err != nil {
		return nil, fmt.Errorf("rest: read media: %w", err)
	}
	if err := mw.WriteField("kind", kind); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/media", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.authorize(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rest: upload: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("rest: upload: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("rest: decode upload: %w", err)
	}
	if strings.TrimSpace(body.URL) == "" {
		return nil, errors.New("rest: upload response missing url")
	}

	return &v1.Media{URL: body.URL, Kind: kind}, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
