// Package rpc is the client of the authoritative document service.
package rpc

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

	"canvas-sync/internal/domain"
)

const DefaultTimeout = 10 * time.Second

// Service is the RPC boundary the sync engine talks to.
type Service interface {
	// Submit sends one operation. A duplicate submission of an already
	// applied op succeeds with Applied=false.
	Submit(ctx context.Context, documentID string, op domain.Operation) (domain.SubmitResult, error)
	Snapshot(ctx context.Context, documentID string) (*domain.Snapshot, error)
	Checkpoint(ctx context.Context, documentID string) (domain.CheckpointResult, error)
	History(ctx context.Context, documentID string) (*domain.RemoteHistory, error)
}

// envelope is the response body shape of the service.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	timeout    time.Duration
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{},
		timeout:    DefaultTimeout,
	}
}

// WithTimeout bounds every request. Expiry is reported as a transient error.
func (c *Client) WithTimeout(timeout time.Duration) *Client {
	c.timeout = timeout
	return c
}

func (c *Client) WithHTTPClient(httpClient *http.Client) *Client {
	c.httpClient = httpClient
	return c
}

func (c *Client) documentURL(documentID, action string) string {
	return fmt.Sprintf("%s/api/v1/documents/%s/%s", c.baseURL, url.PathEscape(documentID), action)
}

func (c *Client) Submit(ctx context.Context, documentID string, op domain.Operation) (domain.SubmitResult, error) {
	var result domain.SubmitResult
	err := c.do(ctx, http.MethodPost, c.documentURL(documentID, "operations"), op, &result)
	if err == nil {
		return result, nil
	}

	var rpcErr *Error
	if errors.As(err, &rpcErr) && rpcErr.Kind == KindDuplicate {
		return domain.SubmitResult{Applied: false, Revision: result.Revision}, nil
	}
	return domain.SubmitResult{}, err
}

func (c *Client) Snapshot(ctx context.Context, documentID string) (*domain.Snapshot, error) {
	var snap domain.Snapshot
	if err := c.do(ctx, http.MethodGet, c.documentURL(documentID, "snapshot"), nil, &snap); err != nil {
		return nil, err
	}
	if snap.Objects == nil {
		snap.Objects = domain.ObjectMap{}
	}
	return &snap, nil
}

func (c *Client) Checkpoint(ctx context.Context, documentID string) (domain.CheckpointResult, error) {
	var result domain.CheckpointResult
	if err := c.do(ctx, http.MethodPost, c.documentURL(documentID, "checkpoint"), struct{}{}, &result); err != nil {
		return domain.CheckpointResult{}, err
	}
	return result, nil
}

func (c *Client) History(ctx context.Context, documentID string) (*domain.RemoteHistory, error) {
	var history domain.RemoteHistory
	if err := c.do(ctx, http.MethodGet, c.documentURL(documentID, "history"), nil, &history); err != nil {
		return nil, err
	}
	return &history, nil
}

// do performs one request and decodes the envelope's data into out. On a
// non-2xx status out is still filled from data when present, so callers can
// read the revision of a duplicate.
func (c *Client) do(ctx context.Context, method, target string, body, out interface{}) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportError(err)
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)
	if decodeErr == nil && len(env.Data) > 0 && out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil && resp.StatusCode < 300 {
			return &Error{Kind: KindUnknown, Code: "decode", Message: err.Error(), Status: resp.StatusCode, Err: err}
		}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if decodeErr != nil {
			return &Error{Kind: KindUnknown, Code: "decode", Message: decodeErr.Error(), Status: resp.StatusCode, Err: decodeErr}
		}
		return nil
	}

	message := env.Error
	if message == "" {
		message = env.Message
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	return &Error{
		Kind:    kindForStatus(resp.StatusCode),
		Code:    env.Code,
		Message: message,
		Status:  resp.StatusCode,
	}
}
