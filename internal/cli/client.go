package cli

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

	"github.com/garyjia/quote-approval/internal/application/service"
	"github.com/garyjia/quote-approval/internal/domain/entity"
	httpapi "github.com/garyjia/quote-approval/internal/interfaces/http"
)

// APIError is a non-success answer of the approval API
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// ResyncResult is the answer of POST /approvals/:quoteId/resync
type ResyncResult struct {
	Record    *entity.ApprovalRecord `json:"record"`
	SyncState entity.SyncState       `json:"sync_state"`
}

// Client talks to the approval HTTP API
type Client struct {
	baseURL string
	http    *http.Client
	actorID string
	roles   []string
}

// NewClient creates a client for the server at baseURL. actorID and roles are
// sent with status queries so the server can compute permitted actions.
func NewClient(baseURL string, timeout time.Duration, actorID string, roles []string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		actorID: actorID,
		roles:   roles,
	}
}

func (c *Client) Status(ctx context.Context, quoteID string, verify bool) (*service.StatusView, error) {
	path := "/approvals/" + url.PathEscape(quoteID) + "/status"
	if verify {
		path += "?verify=true"
	}
	var view service.StatusView
	if err := c.do(ctx, http.MethodGet, path, nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

func (c *Client) History(ctx context.Context, quoteID string) ([]*entity.ApprovalOperation, error) {
	var ops []*entity.ApprovalOperation
	if err := c.do(ctx, http.MethodGet, "/approvals/"+url.PathEscape(quoteID)+"/history", nil, &ops); err != nil {
		return nil, err
	}
	return ops, nil
}

// HistoryXLSX copies the spreadsheet export of a quote's history into w
func (c *Client) HistoryXLSX(ctx context.Context, quoteID string, w io.Writer) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/approvals/"+url.PathEscape(quoteID)+"/history?format=xlsx", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("failed to read export: %w", err)
	}
	return nil
}

func (c *Client) Operate(ctx context.Context, quoteID string, body httpapi.OperateRequest) (*httpapi.OperateResponse, error) {
	var out httpapi.OperateResponse
	if err := c.do(ctx, http.MethodPost, "/approvals/"+url.PathEscape(quoteID)+"/operate", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Resync(ctx context.Context, quoteID string) (*ResyncResult, error) {
	var out ResyncResult
	if err := c.do(ctx, http.MethodPost, "/approvals/"+url.PathEscape(quoteID)+"/resync", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Register(ctx context.Context, quoteID, ownerID string) (*entity.ApprovalRecord, error) {
	var rec entity.ApprovalRecord
	body := httpapi.RegisterRequest{OwnerID: ownerID}
	if err := c.do(ctx, http.MethodPost, "/approvals/"+url.PathEscape(quoteID)+"/register", body, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *Client) Purge(ctx context.Context, quoteID string) error {
	return c.do(ctx, http.MethodDelete, "/approvals/"+url.PathEscape(quoteID), nil, nil)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body interface{}) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.actorID != "" {
		req.Header.Set("X-Actor-Id", c.actorID)
		if len(c.roles) > 0 {
			req.Header.Set("X-Actor-Roles", strings.Join(c.roles, ","))
		}
	}
	return req, nil
}

// envelope mirrors httpapi.Response with the payload left undecoded
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if !env.Success {
		return &APIError{StatusCode: resp.StatusCode, Message: env.Error}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("failed to decode response data: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var env envelope
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &env); err != nil || env.Error == "" {
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: env.Error}
}
