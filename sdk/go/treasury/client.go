// Package treasury is a Go client for the treasury controller REST API.
package treasury

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the treasury controller API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu           sync.RWMutex
	accessToken  string
	refreshToken string
}

// APIError represents an error payload returned by the controller.
type APIError struct {
	StatusCode int               `json:"-"`
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Details    map[string]string `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("treasury api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("treasury api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the controller API. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q: scheme and host are required", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Authenticate exchanges username and password for tokens and stores them for
// subsequent calls.
func (c *Client) Authenticate(ctx context.Context, username, password string) (Token, error) {
	return c.token(ctx, tokenRequest{GrantType: "password", Username: username, Password: password})
}

// Refresh exchanges the stored refresh token for a new token pair.
func (c *Client) Refresh(ctx context.Context) (Token, error) {
	c.mu.RLock()
	refresh := c.refreshToken
	c.mu.RUnlock()
	if refresh == "" {
		return Token{}, fmt.Errorf("treasury: refresh token is not set")
	}
	return c.token(ctx, tokenRequest{GrantType: "refresh_token", RefreshToken: refresh})
}

func (c *Client) token(ctx context.Context, req tokenRequest) (Token, error) {
	var token Token
	if err := c.call(ctx, http.MethodPost, "/api/v1/auth/token", nil, req, &token); err != nil {
		return Token{}, err
	}
	c.mu.Lock()
	c.accessToken = token.AccessToken
	if token.RefreshToken != "" {
		c.refreshToken = token.RefreshToken
	}
	c.mu.Unlock()
	return token, nil
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken overrides the stored access token.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// Submit queues a transaction request and returns its tracked outcome.
func (c *Client) Submit(ctx context.Context, req TransactionRequest) (Outcome, error) {
	var outcome Outcome
	err := c.call(ctx, http.MethodPost, "/api/v1/transactions", nil, req, &outcome)
	return outcome, err
}

// Transaction fetches the outcome of a submitted request.
func (c *Client) Transaction(ctx context.Context, requestID string) (Outcome, error) {
	var outcome Outcome
	err := c.call(ctx, http.MethodGet, "/api/v1/transactions/"+requestID, nil, nil, &outcome)
	return outcome, err
}

// Transactions lists tracked outcomes, optionally filtered by status.
func (c *Client) Transactions(ctx context.Context, status string, limit int) ([]Outcome, error) {
	var outcomes []Outcome
	err := c.call(ctx, http.MethodGet, "/api/v1/transactions", listQuery(map[string]string{"status": status}, limit), nil, &outcomes)
	return outcomes, err
}

// Record fetches a ledger record by identifier.
func (c *Client) Record(ctx context.Context, recordID string) (Record, error) {
	var record Record
	err := c.call(ctx, http.MethodGet, "/api/v1/records/"+recordID, nil, nil, &record)
	return record, err
}

// Accounts lists all accounts.
func (c *Client) Accounts(ctx context.Context) ([]Account, error) {
	var accounts []Account
	err := c.call(ctx, http.MethodGet, "/api/v1/accounts", nil, nil, &accounts)
	return accounts, err
}

// Account fetches an account by identifier.
func (c *Client) Account(ctx context.Context, accountID string) (Account, error) {
	var account Account
	err := c.call(ctx, http.MethodGet, "/api/v1/accounts/"+accountID, nil, nil, &account)
	return account, err
}

// Unfreeze clears the frozen flag of an account.
func (c *Client) Unfreeze(ctx context.Context, accountID, actor string) (Account, error) {
	var account Account
	err := c.call(ctx, http.MethodPost, "/api/v1/accounts/"+accountID+"/unfreeze", nil,
		operatorRequest{Actor: actor}, &account)
	return account, err
}

// Limits returns the current limit window totals.
func (c *Client) Limits(ctx context.Context) ([]LimitWindow, error) {
	var windows []LimitWindow
	err := c.call(ctx, http.MethodGet, "/api/v1/limits", nil, nil, &windows)
	return windows, err
}

// PendingApprovals lists requests waiting for signatures.
func (c *Client) PendingApprovals(ctx context.Context) ([]Ballot, error) {
	var ballots []Ballot
	err := c.call(ctx, http.MethodGet, "/api/v1/approvals", nil, nil, &ballots)
	return ballots, err
}

// Approve signs a pending request. approverID is ignored when the server
// authenticates callers.
func (c *Client) Approve(ctx context.Context, requestID, approverID, comment string) (Ballot, error) {
	return c.sign(ctx, requestID, Decision{Decision: DecisionApprove, ApproverID: approverID, Comment: comment})
}

// Reject rejects a pending request.
func (c *Client) Reject(ctx context.Context, requestID, approverID, comment string) (Ballot, error) {
	return c.sign(ctx, requestID, Decision{Decision: DecisionReject, ApproverID: approverID, Comment: comment})
}

func (c *Client) sign(ctx context.Context, requestID string, decision Decision) (Ballot, error) {
	var ballot Ballot
	err := c.call(ctx, http.MethodPost, "/api/v1/approvals/"+requestID, nil, decision, &ballot)
	return ballot, err
}

// Reconcile runs an on-demand reconciliation. With no account IDs every
// unfrozen account is reconciled.
func (c *Client) Reconcile(ctx context.Context, accountIDs ...string) ([]ReconciliationResult, error) {
	var results []ReconciliationResult
	err := c.call(ctx, http.MethodPost, "/api/v1/reconciliations", nil,
		map[string][]string{"accounts": accountIDs}, &results)
	return results, err
}

// Reconciliations lists recent reconciliation results.
func (c *Client) Reconciliations(ctx context.Context, accountID, status string, limit int) ([]ReconciliationResult, error) {
	var results []ReconciliationResult
	query := listQuery(map[string]string{"account_id": accountID, "status": status}, limit)
	err := c.call(ctx, http.MethodGet, "/api/v1/reconciliations", query, nil, &results)
	return results, err
}

// Emergency returns the emergency state and the latest health report.
func (c *Client) Emergency(ctx context.Context) (EmergencyView, error) {
	var view EmergencyView
	err := c.call(ctx, http.MethodGet, "/api/v1/emergency", nil, nil, &view)
	return view, err
}

// ActivateEmergency puts the controller into emergency mode.
func (c *Client) ActivateEmergency(ctx context.Context, reason, actor string) (EmergencyView, error) {
	var view EmergencyView
	err := c.call(ctx, http.MethodPost, "/api/v1/emergency/activate", nil,
		operatorRequest{Reason: reason, Actor: actor}, &view)
	return view, err
}

// DeactivateEmergency leaves emergency mode once health checks pass.
func (c *Client) DeactivateEmergency(ctx context.Context, actor string) (EmergencyView, error) {
	var view EmergencyView
	err := c.call(ctx, http.MethodPost, "/api/v1/emergency/deactivate", nil, operatorRequest{Actor: actor}, &view)
	return view, err
}

// Health reports whether the controller answers and whether it is in emergency mode.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var health Health
	err := c.call(ctx, http.MethodGet, "/healthz", nil, nil, &health)
	return health, err
}

func listQuery(filters map[string]string, limit int) url.Values {
	query := url.Values{}
	for k, v := range filters {
		if v != "" {
			query.Set(k, v)
		}
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	return query
}

func (c *Client) call(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	if len(query) > 0 {
		rel.RawQuery = query.Encode()
	}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr APIError
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		apiErr.StatusCode = resp.StatusCode
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
