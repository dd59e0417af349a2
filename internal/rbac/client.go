package rbac

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/labdesk/labdesk/internal/platform/httpx"
)

// listEnvelopeFields are the wrapper keys list endpoints have been seen to use.
var listEnvelopeFields = []string{"items", "rows", "data"}

// DecodeList normalizes a list payload that may be a bare array or wrapped in
// {items}, {rows} or {data}. Any other shape yields an empty list.
func DecodeList[T any](raw []byte) []T {
	var items []T
	if err := json.Unmarshal(raw, &items); err == nil {
		if items == nil {
			return []T{}
		}
		return items
	}
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return []T{}
	}
	for _, field := range listEnvelopeFields {
		blob, ok := envelope[field]
		if !ok {
			continue
		}
		if err := json.Unmarshal(blob, &items); err == nil && items != nil {
			return items
		}
	}
	return []T{}
}

// Client talks to a running labdesk server's role endpoints.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient constructs a new client authenticating with a bearer token.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Ping checks that the server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

// ListRoles returns roles whose name contains search.
func (c *Client) ListRoles(ctx context.Context, search string) ([]RoleRef, error) {
	path := "/roles"
	if search != "" {
		path += "?search=" + url.QueryEscape(search)
	}
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	return DecodeList[RoleRef](raw), nil
}

// ExportMatrix downloads a role's matrix file.
func (c *Client) ExportMatrix(ctx context.Context, roleID int64) (ExportFile, error) {
	var file ExportFile
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/roles/%d/matrix/export", roleID), nil, &file)
	return file, err
}

// PreviewImport uploads a matrix file and returns the reconciled matrix
// without saving it.
func (c *Client) PreviewImport(ctx context.Context, roleID int64, raw []byte) (Matrix, error) {
	var resp matrixResponse
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/roles/%d/matrix/import", roleID), bytes.NewReader(raw), &resp); err != nil {
		return nil, err
	}
	return resp.Permissions, nil
}

// SaveMatrix stores the matrix as the role's full grant set.
func (c *Client) SaveMatrix(ctx context.Context, roleID int64, m Matrix) (MatrixDiff, error) {
	body, err := json.Marshal(saveMatrixRequest{Permissions: m})
	if err != nil {
		return MatrixDiff{}, err
	}
	var diff MatrixDiff
	err = c.do(ctx, http.MethodPut, fmt.Sprintf("/roles/%d/matrix", roleID), bytes.NewReader(body), &diff)
	return diff, err
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", httpx.ErrUpstream, method, path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %w", httpx.ErrUpstream, err)
	}
	if resp.StatusCode >= 400 {
		return responseError(resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decode response: %w", httpx.ErrUpstream, err)
	}
	return nil
}

func responseError(status int, body []byte) error {
	var problem httpx.ProblemDetail
	_ = json.Unmarshal(body, &problem)
	detail := problem.Detail
	if detail == "" {
		detail = http.StatusText(status)
	}
	var sentinel error
	switch status {
	case http.StatusBadRequest:
		sentinel = httpx.ErrValidation
	case http.StatusUnauthorized:
		sentinel = httpx.ErrUnauthorized
	case http.StatusForbidden:
		sentinel = httpx.ErrForbidden
	case http.StatusNotFound:
		sentinel = httpx.ErrNotFound
	case http.StatusConflict:
		sentinel = httpx.ErrConflict
	default:
		sentinel = httpx.ErrUpstream
	}
	return fmt.Errorf("%w: server returned %d: %s", sentinel, status, detail)
}
