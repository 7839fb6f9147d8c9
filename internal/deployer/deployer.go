package deployer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"TokenLaunch-Orchestrator/internal/agent"
	xerrors "TokenLaunch-Orchestrator/internal/errors"
	"TokenLaunch-Orchestrator/pkg/logger"
)

// Config 描述部署服务的地址与凭证。Token 通常来自环境变量。
type Config struct {
	BaseURL     string        `yaml:"base_url" json:"base_url"`
	Token       string        `yaml:"token" json:"token"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`
	MiningPath  string        `yaml:"mining_path" json:"mining_path"`
	PaymentPath string        `yaml:"payment_path" json:"payment_path"`
	PendingPath string        `yaml:"pending_path" json:"pending_path"`
}

// ApplyDefaults 填充未配置的字段。
func (c *Config) ApplyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MiningPath == "" {
		c.MiningPath = "/deploy/mining"
	}
	if c.PaymentPath == "" {
		c.PaymentPath = "/deploy/payment"
	}
	if c.PendingPath == "" {
		c.PendingPath = "/deployments/pending"
	}
}

// Enabled 判断是否配置了部署服务。
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.BaseURL) != ""
}

// Client 是部署服务的 HTTP 客户端。
type Client struct {
	cfg        Config
	baseURL    *url.URL
	httpClient *http.Client
	logger     *slog.Logger
}

// DeployRequest 是发送给部署服务的请求体。
type DeployRequest struct {
	AgentID            string `json:"agentId"`
	TokenAddress       string `json:"tokenAddress"`
	CreatorAddress     string `json:"creatorAddress,omitempty"`
	IAOContractAddress string `json:"iaoContractAddress,omitempty"`
}

type deployResponse struct {
	Address         string `json:"address"`
	ContractAddress string `json:"contractAddress"`
	ProxyAddress    string `json:"proxyAddress"`
	Error           string `json:"error"`
	Message         string `json:"message"`
}

type pendingResponse struct {
	Pending *bool `json:"pending"`
}

// New 创建部署服务客户端。httpClient 为 nil 时使用 cfg.Timeout 构造默认客户端。
func New(cfg Config, httpClient *http.Client) (*Client, error) {
	cfg.ApplyDefaults()
	parsed, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("部署服务地址无效: %q", cfg.BaseURL))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		cfg:        cfg,
		baseURL:    parsed,
		httpClient: httpClient,
		logger:     logger.Named("deployer"),
	}, nil
}

// DeployMining 部署挖矿合约并返回合约地址。
func (c *Client) DeployMining(ctx context.Context, a *agent.Agent) (string, error) {
	return c.deploy(ctx, c.cfg.MiningPath, a)
}

// DeployPayment 部署支付合约并返回合约地址。
func (c *Client) DeployPayment(ctx context.Context, a *agent.Agent) (string, error) {
	return c.deploy(ctx, c.cfg.PaymentPath, a)
}

// Pending 查询部署服务上是否仍有该 Agent 未完成的部署。
func (c *Client) Pending(ctx context.Context, agentID string) (bool, error) {
	endpoint := c.endpoint(c.cfg.PendingPath)
	query := endpoint.Query()
	query.Set("agentId", agentID)
	endpoint.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeExternalService, err, "创建部署状态请求失败", xerrors.WithRetryable(false))
	}
	body, err := c.do(req)
	if err != nil {
		return false, err
	}
	var resp pendingResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.Pending == nil {
		return false, xerrors.New(xerrors.CodeExternalService, "部署服务返回了无法识别的状态: "+truncate(body), xerrors.WithRetryable(false))
	}
	return *resp.Pending, nil
}

func (c *Client) deploy(ctx context.Context, path string, a *agent.Agent) (string, error) {
	if a == nil {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "agent 不能为空")
	}
	payload, err := json.Marshal(DeployRequest{
		AgentID:            a.ID,
		TokenAddress:       a.TokenAddress,
		CreatorAddress:     a.CreatorAddress,
		IAOContractAddress: a.IAOContractAddress,
	})
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeExternalService, err, "编码部署请求失败", xerrors.WithRetryable(false))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path).String(), bytes.NewReader(payload))
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeExternalService, err, "创建部署请求失败", xerrors.WithRetryable(false))
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := c.do(req)
	if err != nil {
		return "", err
	}
	var resp deployResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", xerrors.New(xerrors.CodeExternalService, "部署服务返回了无法解析的响应: "+truncate(body), xerrors.WithRetryable(false))
	}
	address := firstNonEmpty(resp.Address, resp.ContractAddress, resp.ProxyAddress)
	if !common.IsHexAddress(address) {
		message := firstNonEmpty(resp.Error, resp.Message, "响应中没有合约地址")
		return "", xerrors.New(xerrors.CodeExternalService, "部署服务未返回有效地址: "+message, xerrors.WithRetryable(false))
	}
	c.logger.Info("合约部署完成",
		slog.String("agent_id", a.ID),
		slog.String("path", path),
		slog.String("address", address))
	return common.HexToAddress(address).Hex(), nil
}

// do 发送请求并返回 2xx 响应体。网络错误与非 2xx 响应均可重试。
func (c *Client) do(req *http.Request) ([]byte, error) {
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExternalService, err, "请求部署服务失败")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExternalService, err, "读取部署服务响应失败")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var detail deployResponse
		_ = json.Unmarshal(body, &detail)
		message := firstNonEmpty(detail.Error, detail.Message, truncate(body))
		c.logger.Warn("部署服务返回错误",
			slog.String("url", req.URL.String()),
			slog.Int("status", resp.StatusCode),
			slog.String("error", message))
		return nil, xerrors.New(xerrors.CodeExternalService,
			fmt.Sprintf("部署服务返回 %d: %s", resp.StatusCode, message),
			xerrors.WithMetadata("status", fmt.Sprint(resp.StatusCode)))
	}
	return body, nil
}

func (c *Client) endpoint(path string) *url.URL {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	return &u
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

func truncate(body []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
