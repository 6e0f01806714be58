// Package zoho is the Zoho CRM v2 client behind the CRM collaborator of the
// lead core.
package zoho

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/xavierca1/leadsync/internal/entity"
	"github.com/xavierca1/leadsync/internal/infra/http/middleware"
	"github.com/xavierca1/leadsync/internal/logger"
)

const leadsModule = "/Leads"

// APIError is a non-success answer from Zoho. StatusCode lets the core
// classify it as recoverable or fatal.
type APIError struct {
	Op      string
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("zoho %s: status %d: %s %s", e.Op, e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("zoho %s: status %d: %s", e.Op, e.Status, e.Message)
}

func (e *APIError) StatusCode() int { return e.Status }

type Client struct {
	HTTPClient *http.Client
	Tokens     *TokenSource
	Log        *zerolog.Logger
}

func NewClient(tokens *TokenSource) *Client {
	return &Client{
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		Tokens:     tokens,
		Log:        logger.Named("zoho"),
	}
}

// do sends one API request. A 401 drops the tenant's token and the request is
// retried exactly once with a fresh one.
func (c *Client) do(ctx context.Context, tenantID, method, path string, query url.Values, payload any) (int, []byte, error) {
	var body []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("encode zoho request: %w", err)
		}
		body = b
	}

	for attempt := 0; ; attempt++ {
		tok, err := c.Tokens.Token(ctx, tenantID)
		if err != nil {
			return 0, nil, err
		}

		u := tok.APIURL + path
		if len(query) > 0 {
			u += "?" + query.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(body))
		if err != nil {
			return 0, nil, err
		}
		req.Header.Set("Authorization", "Zoho-oauthtoken "+tok.AccessToken)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			return 0, nil, fmt.Errorf("zoho %s %s: %w", method, path, err)
		}
		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return resp.StatusCode, nil, fmt.Errorf("read zoho response: %w", readErr)
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			logger.C(ctx, c.Log).Warn().Str("path", path).Msg("zoho rejected token, refreshing once")
			c.Tokens.Invalidate(tenantID, tok.AccessToken)
			continue
		}
		return resp.StatusCode, respBody, nil
	}
}

func apiError(op string, status int, body []byte) *APIError {
	var er errorResponse
	_ = json.Unmarshal(body, &er)
	e := &APIError{Op: op, Status: status, Code: er.Code, Message: er.Message}
	if e.Code == "" && e.Message == "" {
		e.Message = string(body)
	}
	return e
}

func (c *Client) fail(op string, err error) error {
	middleware.RecordIntegrationError("zoho")
	c.Log.Error().Err(err).Str("op", op).Msg("zoho call failed")
	return err
}

// SearchByField returns the first Lead whose field equals value, or nil.
func (c *Client) SearchByField(ctx context.Context, tenantID string, field entity.SearchField, value string) (*entity.ExternalLead, error) {
	apiField, ok := searchFields[field]
	if !ok {
		return nil, fmt.Errorf("zoho: unsupported search field %q", field)
	}
	q := url.Values{"criteria": {fmt.Sprintf("(%s:equals:%s)", apiField, criteriaValue(value))}}

	status, body, err := c.do(ctx, tenantID, http.MethodGet, leadsModule+"/search", q, nil)
	if err != nil {
		return nil, c.fail("search", err)
	}
	switch {
	case status == http.StatusNoContent:
		return nil, nil
	case status != http.StatusOK:
		return nil, c.fail("search", apiError("search", status, body))
	}

	var env recordsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, c.fail("search", fmt.Errorf("decode zoho search: %w", err))
	}
	if len(env.Data) == 0 {
		return nil, nil
	}
	return fromRecord(env.Data[0]), nil
}

// GetByID returns nil, nil when the Lead does not exist.
func (c *Client) GetByID(ctx context.Context, tenantID, id string) (*entity.ExternalLead, error) {
	status, body, err := c.do(ctx, tenantID, http.MethodGet, leadsModule+"/"+url.PathEscape(id), nil, nil)
	if err != nil {
		return nil, c.fail("get", err)
	}
	switch status {
	case http.StatusOK:
	case http.StatusNoContent, http.StatusNotFound:
		return nil, nil
	default:
		return nil, c.fail("get", apiError("get", status, body))
	}

	var env recordsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, c.fail("get", fmt.Errorf("decode zoho record: %w", err))
	}
	if len(env.Data) == 0 {
		return nil, nil
	}
	return fromRecord(env.Data[0]), nil
}

// Create inserts a Lead and returns its id. Workflow rules run on creation.
func (c *Client) Create(ctx context.Context, tenantID string, w entity.ExternalWrite) (string, error) {
	req := writeRequest{Data: []map[string]any{toRecord(w)}, Trigger: []string{"workflow"}}
	res, err := c.write(ctx, tenantID, "create", http.MethodPost, leadsModule, req)
	if err != nil {
		return "", err
	}
	if res.Details.ID == "" {
		return "", c.fail("create", &APIError{Op: "create", Status: http.StatusBadGateway, Message: "no id in response"})
	}
	return res.Details.ID, nil
}

func (c *Client) Update(ctx context.Context, tenantID, id string, w entity.ExternalWrite) error {
	req := writeRequest{Data: []map[string]any{toRecord(w)}}
	_, err := c.write(ctx, tenantID, "update", http.MethodPut, leadsModule+"/"+url.PathEscape(id), req)
	return err
}

// write checks both the HTTP status and the per-record status of a write.
func (c *Client) write(ctx context.Context, tenantID, op, method, path string, payload writeRequest) (writeResult, error) {
	status, body, err := c.do(ctx, tenantID, method, path, nil, payload)
	if err != nil {
		return writeResult{}, c.fail(op, err)
	}

	var resp writeResponse
	_ = json.Unmarshal(body, &resp)
	if status >= 300 && len(resp.Data) == 0 {
		return writeResult{}, c.fail(op, apiError(op, status, body))
	}
	if len(resp.Data) == 0 {
		return writeResult{}, c.fail(op, &APIError{Op: op, Status: http.StatusBadGateway, Message: "empty write response"})
	}

	res := resp.Data[0]
	if res.Status != "success" {
		return writeResult{}, c.fail(op, &APIError{Op: op, Status: recordStatus(status, res.Code), Code: res.Code, Message: res.Message})
	}
	return res, nil
}

// recordStatus maps a per-record error code to an HTTP-like status.
func recordStatus(httpStatus int, code string) int {
	if code == "DUPLICATE_DATA" {
		return http.StatusConflict
	}
	if httpStatus >= 400 {
		return httpStatus
	}
	return http.StatusBadRequest
}
