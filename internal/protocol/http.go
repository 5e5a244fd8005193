package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fieldkit/fieldsync/internal/schema"
)

// HTTPClient implements Client over plain HTTPS/JSON.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.SugaredLogger
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithToken sets the bearer token attached to every request.
func WithToken(token string) HTTPOption {
	return func(c *HTTPClient) { c.token = token }
}

// WithHTTPClient swaps the underlying *http.Client, e.g. for tests or
// custom transports.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(c *HTTPClient) { c.http = hc }
}

// WithLogger sets the client's logger.
func WithLogger(logger *zap.SugaredLogger) HTTPOption {
	return func(c *HTTPClient) { c.logger = logger }
}

// NewHTTPClient creates a client against the given base URL.
func NewHTTPClient(baseURL string, opts ...HTTPOption) *HTTPClient {
	c := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Push implements Client.Push.
func (c *HTTPClient) Push(ctx context.Context, items []PushItem) (*PushResponse, error) {
	var resp PushResponse
	req := struct {
		Items []PushItem `json:"items"`
	}{Items: items}

	if err := c.do(ctx, "push", http.MethodPost, "/v1/sync/push", req, &resp); err != nil {
		return nil, err
	}
	c.logger.Debugw("push complete", "items", len(items), "server_seq", resp.ServerSeq)
	return &resp, nil
}

// PrepareMedia implements Client.PrepareMedia.
func (c *HTTPClient) PrepareMedia(ctx context.Context, files []MediaDescriptor) ([]*schema.PendingUpload, error) {
	var resp struct {
		Uploads []*schema.PendingUpload `json:"uploads"`
	}
	req := struct {
		Files []MediaDescriptor `json:"files"`
	}{Files: files}

	if err := c.do(ctx, "prepare_media", http.MethodPost, "/v1/sync/media/prepare", req, &resp); err != nil {
		return nil, err
	}
	return resp.Uploads, nil
}

// UploadMedia implements Client.UploadMedia. The request is built entirely
// from the ticket: its URL, method, and headers. The media file is
// streamed from local disk.
func (c *HTTPClient) UploadMedia(ctx context.Context, upload *schema.PendingUpload, media *schema.Media) error {
	f, err := os.Open(media.URI)
	if err != nil {
		return fmt.Errorf("failed to open media file %s: %w", media.URI, err)
	}
	defer f.Close()

	req, err := http.NewRequestWithContext(ctx, upload.Method, upload.UploadURL, f)
	if err != nil {
		return fmt.Errorf("failed to build upload request: %w", err)
	}
	req.ContentLength = media.Size
	for k, v := range upload.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &NetworkError{Op: "upload_media", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &ServerError{Op: "upload_media", Status: resp.StatusCode, Body: string(body)}
	}

	c.logger.Debugw("media uploaded", "media_id", media.ID, "bytes", media.Size)
	return nil
}

// CompleteUpload implements Client.CompleteUpload.
func (c *HTTPClient) CompleteUpload(ctx context.Context, mediaID int64) (string, error) {
	var resp struct {
		ServerID string `json:"server_id"`
	}
	path := "/v1/sync/media/" + strconv.FormatInt(mediaID, 10) + "/complete"
	if err := c.do(ctx, "complete_upload", http.MethodPost, path, nil, &resp); err != nil {
		return "", err
	}
	return resp.ServerID, nil
}

// Commit implements Client.Commit.
func (c *HTTPClient) Commit(ctx context.Context, eventServerIDs, mediaServerIDs []string) error {
	req := struct {
		Events []string `json:"events"`
		Media  []string `json:"media"`
	}{Events: eventServerIDs, Media: mediaServerIDs}
	return c.do(ctx, "commit", http.MethodPost, "/v1/sync/commit", req, nil)
}

// Pull implements Client.Pull.
func (c *HTTPClient) Pull(ctx context.Context, streamID string, cursor int64) (*PullResponse, error) {
	var resp PullResponse
	path := "/v1/sync/pull?" + url.Values{
		"stream": {streamID},
		"cursor": {strconv.FormatInt(cursor, 10)},
	}.Encode()

	if err := c.do(ctx, "pull", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	c.logger.Debugw("pull complete", "stream", streamID, "events", len(resp.Events), "server_seq", resp.ServerSeq)
	return &resp, nil
}

// do round-trips one JSON call. Transport failures come back as
// NetworkError, non-2xx responses as ServerError.
func (c *HTTPClient) do(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &ServerError{Op: op, Status: resp.StatusCode, Body: string(data)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", op, err)
		}
	}
	return nil
}
