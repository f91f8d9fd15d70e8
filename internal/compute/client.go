// Package compute is the request layer for the remote derived-field service.
// It is stateless and never touches the status store.
package compute

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

	"github.com/harunnryd/tablesync/internal/config"
	tserrors "github.com/harunnryd/tablesync/internal/errors"

	"github.com/oklog/ulid/v2"
)

const maxResponseBytes = 4 << 20

// Options holds the settings needed to construct a Client.
type Options struct {
	// BaseURL is the root URL of the table service (e.g. "http://localhost:8000/api").
	BaseURL string

	// Token is an optional bearer credential. Empty means anonymous.
	Token string

	// TableID scopes record mutations and batch refreshes.
	TableID string

	// Timeout applies to each request. Defaults to 30 seconds.
	Timeout time.Duration

	UserAgent string

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client
}

// Client issues compute, status, update and refresh requests.
// All methods are safe for concurrent use.
type Client struct {
	baseURL   string
	token     string
	tableID   string
	timeout   time.Duration
	userAgent string
	client    *http.Client
}

func NewClient(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, tserrors.InvalidInput("base url is required")
	}
	parsed, err := url.Parse(base)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, tserrors.InvalidInput(fmt.Sprintf("invalid base url %q", opts.BaseURL))
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout, _ = config.DurationOrDefault("", config.DefaultRemoteRequestTimeout)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	userAgent := strings.TrimSpace(opts.UserAgent)
	if userAgent == "" {
		userAgent = config.DefaultRemoteUserAgent
	}

	return &Client{
		baseURL:   base,
		token:     strings.TrimSpace(opts.Token),
		tableID:   strings.TrimSpace(opts.TableID),
		timeout:   timeout,
		userAgent: userAgent,
		client:    httpClient,
	}, nil
}

func NewClientFromConfig(cfg config.RemoteConfig) (*Client, error) {
	timeout, err := config.DurationOrDefault(cfg.RequestTimeout, config.DefaultRemoteRequestTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse remote request timeout: %w", err)
	}
	return NewClient(Options{
		BaseURL:   cfg.BaseURL,
		Token:     cfg.Token,
		TableID:   cfg.TableID,
		Timeout:   timeout,
		UserAgent: cfg.UserAgent,
	})
}

// RequestCompute asks the remote side to compute fieldID.
func (c *Client) RequestCompute(ctx context.Context, fieldID string, opts CalculateOptions) Outcome {
	out := Outcome{FieldID: fieldID}
	if strings.TrimSpace(fieldID) == "" {
		out.Err = tserrors.InvalidInput("field id is required")
		return out
	}

	var resp calculateResponse
	path := "/fields/" + url.PathEscape(fieldID) + "/calculate"
	if err := c.do(ctx, http.MethodPost, path, nil, calculateRequest{Force: opts.Force}, &resp); err != nil {
		out.Err = err
		return out
	}

	out.Message = resp.Message
	out.CalculatedCount = resp.CalculatedCount
	out.Values = resp.Values
	if !resp.Success {
		msg := resp.Message
		if msg == "" {
			msg = "calculation failed"
		}
		out.Err = tserrors.Remote(0, msg)
		return out
	}

	out.Success = true
	return out
}

// QueryStatus reads the remote computation status of fieldID. It never
// triggers a computation.
func (c *Client) QueryStatus(ctx context.Context, fieldID string) (FieldStatus, error) {
	if strings.TrimSpace(fieldID) == "" {
		return FieldStatus{}, tserrors.InvalidInput("field id is required")
	}

	var resp virtualInfoResponse
	path := "/fields/" + url.PathEscape(fieldID) + "/virtual-info"
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &resp); err != nil {
		return FieldStatus{FieldID: fieldID}, err
	}
	return resp.toFieldStatus(fieldID), nil
}

// UpdateRecord applies field edits to recordID and reports which derived
// fields were recomputed as a side effect.
func (c *Client) UpdateRecord(ctx context.Context, recordID string, values map[string]any) (*UpdatedRecord, error) {
	if strings.TrimSpace(recordID) == "" {
		return nil, tserrors.InvalidInput("record id is required")
	}
	if values == nil {
		values = map[string]any{}
	}

	var resp updateResponse
	path := "/records/" + url.PathEscape(recordID) + "/with-virtual-fields"
	if err := c.do(ctx, http.MethodPut, path, c.tableQuery(), values, &resp); err != nil {
		return nil, err
	}

	if resp.Record.ID == "" {
		resp.Record.ID = recordID
	}
	return &UpdatedRecord{
		Record:           resp.Record,
		RecomputedFields: resp.Meta.RecomputedFields,
	}, nil
}

// BatchRefresh triggers recomputation of every derived field of recordIDs.
func (c *Client) BatchRefresh(ctx context.Context, recordIDs []string) (*BatchRefreshResult, error) {
	if len(recordIDs) == 0 {
		return nil, tserrors.InvalidInput("at least one record id is required")
	}

	var resp batchRefreshResponse
	if err := c.do(ctx, http.MethodPost, "/records/batch-refresh-virtual-fields", c.tableQuery(), batchRefreshRequest{RecordIDs: recordIDs}, &resp); err != nil {
		return nil, err
	}

	result := &BatchRefreshResult{
		Success:        resp.Success,
		RefreshedCount: resp.RefreshedCount,
		Message:        resp.Message,
	}
	if !resp.Success {
		msg := resp.Message
		if msg == "" {
			msg = "batch refresh failed"
		}
		return result, tserrors.Remote(0, msg)
	}
	return result, nil
}

func (c *Client) tableQuery() url.Values {
	if c.tableID == "" {
		return nil
	}
	return url.Values{"table_id": []string{c.tableID}}
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the optional {"data": ...} response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorBody covers the error shapes the service emits.
type apiErrorBody struct {
	Error   json.RawMessage `json:"error"`
	Message string          `json:"message"`
	Detail  json.RawMessage `json:"detail"`
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, dest any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return tserrors.InvalidInput(fmt.Sprintf("marshal request body: %v", err))
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return tserrors.InvalidInput(fmt.Sprintf("create request: %v", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Request-ID", ulid.Make().String())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		op := fmt.Sprintf("%s %s", method, path)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return tserrors.Transport(op+": request timeout", err)
		}
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("%s: %w", op, err)
		}
		return tserrors.Transport(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return c.handleResponse(method, path, resp, dest)
}

func (c *Client) handleResponse(method, path string, resp *http.Response, dest any) error {
	op := fmt.Sprintf("%s %s", method, path)

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return tserrors.Transport(op+": read response body", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return parseErrorResponse(op, resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil || len(bytes.TrimSpace(bodyBytes)) == 0 {
		return nil
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return tserrors.Remote(resp.StatusCode, fmt.Sprintf("decode response: %v", err))
	}

	payload := bodyBytes
	if len(envelope.Data) > 0 && string(envelope.Data) != "null" {
		payload = envelope.Data
	}
	if err := json.Unmarshal(payload, dest); err != nil {
		return tserrors.Remote(resp.StatusCode, fmt.Sprintf("decode response: %v", err))
	}
	return nil
}

func parseErrorResponse(op string, statusCode int, body []byte) error {
	message := extractErrorMessage(body)
	if message == "" {
		message = http.StatusText(statusCode)
	}

	switch statusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return tserrors.Transport(fmt.Sprintf("%s: %d %s", op, statusCode, message), nil)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %w", tserrors.ErrNotFound, tserrors.Remote(statusCode, message))
	default:
		return tserrors.Remote(statusCode, message)
	}
}

func extractErrorMessage(body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return ""
	}

	var parsed apiErrorBody
	if err := json.Unmarshal(trimmed, &parsed); err != nil {
		return string(trimmed)
	}
	if parsed.Message != "" {
		return parsed.Message
	}
	for _, raw := range []json.RawMessage{parsed.Error, parsed.Detail} {
		if msg := rawMessage(raw); msg != "" {
			return msg
		}
	}
	return string(trimmed)
}

// rawMessage reads either a plain string or an object with a "message" field.
func rawMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Message
	}
	return ""
}
