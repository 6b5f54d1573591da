package mure

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

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the mure server (e.g. "http://localhost:8420").
	BaseURL string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the mure colony API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("mure: BaseURL is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: baseURL,
		client:  httpClient,
	}, nil
}

// ---------------------------------------------------------------------------
// Agents
// ---------------------------------------------------------------------------

// SeedAgent creates a generation-zero agent funded by birth grants.
func (c *Client) SeedAgent(ctx context.Context, req SeedAgentRequest) (*Agent, error) {
	var resp Agent
	if err := c.post(ctx, "/v1/agents", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetAgent retrieves a single agent by id.
func (c *Client) GetAgent(ctx context.Context, id uuid.UUID) (*Agent, error) {
	var resp Agent
	if err := c.get(ctx, "/v1/agents/"+id.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListAgents lists agents, optionally filtered by status. A full page
// usually means more rows exist at the next offset.
func (c *Client) ListAgents(ctx context.Context, opts *ListAgentsOptions) ([]Agent, error) {
	params := url.Values{}
	if opts != nil {
		if opts.Status != "" {
			params.Set("status", string(opts.Status))
		}
		addPagination(params, opts.Limit, opts.Offset)
	}

	var resp []Agent
	if err := c.get(ctx, withQuery("/v1/agents", params), &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Family retrieves an agent together with its parent and direct children.
func (c *Client) Family(ctx context.Context, id uuid.UUID) (*Family, error) {
	var resp Family
	if err := c.get(ctx, "/v1/agents/"+id.String()+"/family", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Ledger retrieves an agent's ledger transactions, newest first,
// optionally filtered by budget.
func (c *Client) Ledger(ctx context.Context, id uuid.UUID, opts *LedgerOptions) ([]Transaction, error) {
	params := url.Values{}
	if opts != nil {
		if opts.Budget != "" {
			params.Set("budget", string(opts.Budget))
		}
		addPagination(params, opts.Limit, opts.Offset)
	}

	var resp []Transaction
	if err := c.get(ctx, withQuery("/v1/agents/"+id.String()+"/ledger", params), &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Logs retrieves an agent's log stream, newest first, optionally filtered
// by level.
func (c *Client) Logs(ctx context.Context, id uuid.UUID, opts *LogOptions) ([]LogEntry, error) {
	params := url.Values{}
	if opts != nil {
		if opts.Level != "" {
			params.Set("level", string(opts.Level))
		}
		addPagination(params, opts.Limit, opts.Offset)
	}

	var resp []LogEntry
	if err := c.get(ctx, withQuery("/v1/agents/"+id.String()+"/logs", params), &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// AppendLog delivers a human answer or narrative note into an agent's log
// stream. The agent sees it on its next cycle.
func (c *Client) AppendLog(ctx context.Context, id uuid.UUID, req AppendLogRequest) (*LogEntry, error) {
	var resp LogEntry
	if err := c.post(ctx, "/v1/agents/"+id.String()+"/logs", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Credit issues a manual reconciliation credit against one of an agent's
// budgets through the same ledger path the engine uses.
func (c *Client) Credit(ctx context.Context, id uuid.UUID, req CreditRequest) (*Transaction, error) {
	var resp Transaction
	if err := c.post(ctx, "/v1/agents/"+id.String()+"/credit", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Requests
// ---------------------------------------------------------------------------

// CreateRequest files an approval-gated request on behalf of an agent.
func (c *Client) CreateRequest(ctx context.Context, req CreateRequestInput) (*Request, error) {
	var resp Request
	if err := c.post(ctx, "/v1/requests", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListRequests lists requests, optionally filtered by status and agent.
func (c *Client) ListRequests(ctx context.Context, opts *ListRequestsOptions) ([]Request, error) {
	params := url.Values{}
	if opts != nil {
		if opts.Status != "" {
			params.Set("status", string(opts.Status))
		}
		if opts.AgentID != nil {
			params.Set("agent_id", opts.AgentID.String())
		}
		addPagination(params, opts.Limit, opts.Offset)
	}

	var resp []Request
	if err := c.get(ctx, withQuery("/v1/requests", params), &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetRequest retrieves a single request by id.
func (c *Client) GetRequest(ctx context.Context, id uuid.UUID) (*Request, error) {
	var resp Request
	if err := c.get(ctx, "/v1/requests/"+id.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ResolveRequest approves or denies a pending request. Approval executes
// the requested action before the call returns; resolving an already
// resolved request is a conflict.
func (c *Client) ResolveRequest(ctx context.Context, id uuid.UUID, input ResolveInput) (*Request, error) {
	var resp Request
	if err := c.post(ctx, "/v1/requests/"+id.String()+"/resolve", input, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ResolveBulk resolves each request independently. Per-request failures
// land in the result slice, not in the returned error.
func (c *Client) ResolveBulk(ctx context.Context, ids []uuid.UUID, decision Decision, resolvedBy string) ([]BulkResult, error) {
	body := map[string]any{
		"ids":         ids,
		"decision":    decision,
		"resolved_by": resolvedBy,
	}
	var resp []BulkResult
	if err := c.post(ctx, "/v1/requests/resolve-bulk", body, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ---------------------------------------------------------------------------
// Cycle, settings, and ledger integrity
// ---------------------------------------------------------------------------

// TriggerCycle starts a colony cycle in the background. A cycle already
// in flight surfaces as a conflict, see IsSchedulerBusy.
func (c *Client) TriggerCycle(ctx context.Context) error {
	var resp struct {
		Status string `json:"status"`
	}
	return c.post(ctx, "/v1/cycle/trigger", nil, &resp)
}

// CycleStatus reports whether a cycle is running and what the last one
// did.
func (c *Client) CycleStatus(ctx context.Context) (*CycleStatus, error) {
	var resp CycleStatus
	if err := c.get(ctx, "/v1/cycle/status", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Settings retrieves the colony policy.
func (c *Client) Settings(ctx context.Context) (*Settings, error) {
	var resp Settings
	if err := c.get(ctx, "/v1/settings", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpdateSettings replaces the colony policy. The server normalizes the
// saved form, so the response may differ from the input.
func (c *Client) UpdateSettings(ctx context.Context, s Settings) (*Settings, error) {
	var resp Settings
	if err := c.put(ctx, "/v1/settings", s, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// VerifyAgentLedger recomputes one agent's ledger hash chains and
// compares them to the stored hashes.
func (c *Client) VerifyAgentLedger(ctx context.Context, id uuid.UUID) (*LedgerVerification, error) {
	params := url.Values{}
	params.Set("agent_id", id.String())

	var resp LedgerVerification
	if err := c.get(ctx, "/v1/ledger/verify?"+params.Encode(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// VerifyLedgers verifies every agent with ledger rows. Expensive on a
// large colony.
func (c *Client) VerifyLedgers(ctx context.Context) (*LedgerVerifySummary, error) {
	var resp LedgerVerifySummary
	if err := c.get(ctx, "/v1/ledger/verify", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Search and health
// ---------------------------------------------------------------------------

// SearchThoughts performs a semantic similarity search over the colony's
// thought stream.
func (c *Client) SearchThoughts(ctx context.Context, query string, opts *SearchOptions) ([]ThoughtMatch, error) {
	params := url.Values{}
	params.Set("q", query)
	if opts != nil {
		if opts.AgentID != nil {
			params.Set("agent_id", opts.AgentID.String())
		}
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
	}

	var resp []ThoughtMatch
	if err := c.get(ctx, "/v1/search/thoughts?"+params.Encode(), &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Health checks process liveness. It performs no dependency checks.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var resp Health
	if err := c.get(ctx, "/healthz", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Ready checks readiness, which is gated on Postgres. A degraded search
// index is reported in the response but does not fail readiness.
func (c *Client) Ready(ctx context.Context) (*Health, error) {
	var resp Health
	if err := c.get(ctx, "/readyz", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Version returns the server's build version.
func (c *Client) Version(ctx context.Context) (string, error) {
	var resp struct {
		Version string `json:"version"`
	}
	if err := c.get(ctx, "/version", &resp); err != nil {
		return "", err
	}
	return resp.Version, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

func addPagination(params url.Values, limit, offset int) {
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		params.Set("offset", strconv.Itoa(offset))
	}
}

func withQuery(path string, params url.Values) string {
	if len(params) == 0 {
		return path
	}
	return path + "?" + params.Encode()
}

// apiEnvelope is the server's standard response wrapper. List endpoints
// carry pagination fields alongside data; the client unwraps data and
// leaves page detection to the caller (a full page means more rows).
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("mure: marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("mure: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.doRequest(req, dest)
}

func (c *Client) put(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("mure: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("mure: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("mure: create request: %w", err)
	}

	return c.doRequest(req, dest)
}

func (c *Client) doRequest(req *http.Request, dest any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("mure: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("mure: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	// 204 No Content — nothing to decode.
	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("mure: decode response envelope: %w", err)
	}

	if envelope.Data == nil {
		// Fallback: some endpoints may not wrap in "data".
		return json.Unmarshal(bodyBytes, dest)
	}

	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
