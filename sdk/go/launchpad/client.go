package launchpad

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// PrincipalHeader identifies the caller to the service.
const PrincipalHeader = "X-Principal"

// Client wraps the launchpad REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	principal  string
	poll       PollOptions
}

// Option customises a Client.
type Option func(*Client)

// WithPrincipal sets the principal recorded as the creator of submitted tasks.
func WithPrincipal(principal string) Option {
	return func(c *Client) {
		c.principal = principal
	}
}

// WithPollOptions overrides the polling defaults used by WaitForTask.
func WithPollOptions(opts PollOptions) Option {
	return func(c *Client) {
		c.poll = opts
	}
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("launchpad api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("launchpad api error (%d): %s", e.StatusCode, e.Message)
}

// IsInProgress reports whether err means another task of the same type is running.
func IsInProgress(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests
}

// NewClient creates a client for the service at rawURL. When httpClient is nil
// a client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url: %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	c := &Client{baseURL: parsed, httpClient: httpClient, poll: DefaultPollOptions}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

type acceptedResponse struct {
	TaskID string `json:"taskId"`
}

// Distribute submits a full distribution and returns the new task id.
func (c *Client) Distribute(ctx context.Context, req DistributeRequest) (string, error) {
	return c.submit(ctx, http.MethodPost, "/token/distribute", req)
}

// RetryDistribution re-runs the unconfirmed steps of a previous distribution.
func (c *Client) RetryDistribution(ctx context.Context, agentID, taskID string) (string, error) {
	return c.submit(ctx, http.MethodPatch, "/token/distribute", map[string]string{
		"agentId": agentID,
		"taskId":  taskID,
	})
}

// DistributionView returns the merged view of all distribution attempts.
func (c *Client) DistributionView(ctx context.Context, agentID string) (DistributionView, error) {
	var view DistributionView
	err := c.call(ctx, http.MethodGet, "/token/distribute", url.Values{"agentId": {agentID}}, nil, &view)
	return view, err
}

// AddLiquidity submits an ADD_LIQUIDITY task.
func (c *Client) AddLiquidity(ctx context.Context, agentID string, req LiquidityRequest) (string, error) {
	return c.submit(ctx, http.MethodPost, agentPath(agentID, "add-liquidity"), req)
}

// BurnTokens submits a BURN_TOKENS task.
func (c *Client) BurnTokens(ctx context.Context, agentID, burnAmount string) (string, error) {
	return c.submit(ctx, http.MethodPost, agentPath(agentID, "burn-tokens"), map[string]string{
		"burnAmount": burnAmount,
	})
}

// TransferOwnership submits a TRANSFER_OWNERSHIP task.
func (c *Client) TransferOwnership(ctx context.Context, agentID, transferType string) (string, error) {
	return c.submit(ctx, http.MethodPost, agentPath(agentID, "transfer-ownership"), map[string]string{
		"transferType": transferType,
	})
}

// DeployMining submits a DEPLOY_MINING task.
func (c *Client) DeployMining(ctx context.Context, agentID string) (string, error) {
	return c.submit(ctx, http.MethodPost, agentPath(agentID, "deploy-mining"), struct{}{})
}

// DeployPayment submits a DEPLOY_PAYMENT_CONTRACT task.
func (c *Client) DeployPayment(ctx context.Context, agentID string) (string, error) {
	return c.submit(ctx, http.MethodPost, agentPath(agentID, "deploy-payment"), struct{}{})
}

// BurnXAAAndNFT submits a BURN_XAA_AND_NFT task. An empty amount uses the
// server default.
func (c *Client) BurnXAAAndNFT(ctx context.Context, agentID, xaaAmount string) (string, error) {
	body := map[string]string{}
	if xaaAmount != "" {
		body["xaaAmount"] = xaaAmount
	}
	return c.submit(ctx, http.MethodPost, agentPath(agentID, "burn-xaa-nft"), body)
}

// GetTask returns the snapshot of a task owned by agentID.
func (c *Client) GetTask(ctx context.Context, agentID, taskID string) (Task, error) {
	var t Task
	err := c.call(ctx, http.MethodGet, agentPath(agentID, "tasks", taskID), nil, nil, &t)
	return t, err
}

// IAOResult returns the sale outcome of an agent.
func (c *Client) IAOResult(ctx context.Context, agentID string) (IAOResult, error) {
	var r IAOResult
	err := c.call(ctx, http.MethodGet, agentPath(agentID, "iao-success"), nil, nil, &r)
	return r, err
}

// Stats returns task counts, optionally filtered by agent and task type.
func (c *Client) Stats(ctx context.Context, agentID, taskType string) (TaskStats, error) {
	query := url.Values{}
	if agentID != "" {
		query.Set("agentId", agentID)
	}
	if taskType != "" {
		query.Set("type", taskType)
	}
	var stats TaskStats
	err := c.call(ctx, http.MethodGet, "/tasks/stats", query, nil, &stats)
	return stats, err
}

func agentPath(agentID string, parts ...string) string {
	return strings.Join(append([]string{"/agents", agentID}, parts...), "/")
}

func (c *Client) submit(ctx context.Context, method, endpoint string, payload any) (string, error) {
	var resp acceptedResponse
	if err := c.call(ctx, method, endpoint, nil, payload, &resp); err != nil {
		return "", err
	}
	if resp.TaskID == "" {
		return "", errors.New("launchpad: response did not include a task id")
	}
	return resp.TaskID, nil
}

func (c *Client) call(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := c.newRequest(ctx, method, endpoint, query, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	u := *c.baseURL
	u.RawPath = ""
	u.Path = path.Join(c.baseURL.Path, endpoint)
	u.RawQuery = query.Encode()
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.principal != "" {
		req.Header.Set(PrincipalHeader, c.principal)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
