package agent

import (
	"context"
	"net/http"
	"strings"
	"time"

	xerrors "TokenLaunch-Orchestrator/internal/errors"
)

// Agent 描述一个发行目标及其跨任务的前置条件标记。
type Agent struct {
	ID                     string `json:"id"`
	Name                   string `json:"name,omitempty"`
	CreatorAddress         string `json:"creatorAddress,omitempty"`
	TokenAddress           string `json:"tokenAddress,omitempty"`
	IAOContractAddress     string `json:"iaoContractAddress,omitempty"`
	PoolAddress            string `json:"poolAddress,omitempty"`
	MiningContractAddress  string `json:"miningContractAddress,omitempty"`
	PaymentContractAddress string `json:"paymentContractAddress,omitempty"`
	NFTTokenID             string `json:"nftTokenId,omitempty"`

	LiquidityAdded         bool `json:"liquidityAdded"`
	TokensBurned           bool `json:"tokensBurned"`
	OwnerTransferred       bool `json:"ownerTransferred"`
	MiningOwnerTransferred bool `json:"miningOwnerTransferred"`

	// IAOStartTime 与 IAOEndTime 为链上时间戳（秒）。
	IAOStartTime  int64 `json:"iaoStartTime,omitempty"`
	IAOEndTime    int64 `json:"iaoEndTime,omitempty"`
	IAOSuccessful *bool `json:"iaoSuccessful"`
	IAOCheckedAt  int64 `json:"iaoCheckedAt,omitempty"`

	CreatedAt int64 `json:"createdAt"`
	UpdatedAt int64 `json:"updatedAt"`
}

// IAOEnded 判断募集窗口是否已经结束。
func (a *Agent) IAOEnded(now time.Time) bool {
	return a.IAOEndTime > 0 && now.Unix() >= a.IAOEndTime
}

// Patch 描述一次对 Agent 的增量修改，nil 字段保持不变。
// 布尔标记只能由 false 置为 true。
type Patch struct {
	LiquidityAdded         bool
	TokensBurned           bool
	OwnerTransferred       bool
	MiningOwnerTransferred bool
	PoolAddress            *string
	MiningContractAddress  *string
	PaymentContractAddress *string
}

// Empty 判断补丁是否没有任何修改。
func (p Patch) Empty() bool {
	return !p.LiquidityAdded && !p.TokensBurned && !p.OwnerTransferred && !p.MiningOwnerTransferred &&
		p.PoolAddress == nil && p.MiningContractAddress == nil && p.PaymentContractAddress == nil
}

func (p Patch) applyTo(a *Agent) {
	a.LiquidityAdded = a.LiquidityAdded || p.LiquidityAdded
	a.TokensBurned = a.TokensBurned || p.TokensBurned
	a.OwnerTransferred = a.OwnerTransferred || p.OwnerTransferred
	a.MiningOwnerTransferred = a.MiningOwnerTransferred || p.MiningOwnerTransferred
	if p.PoolAddress != nil {
		a.PoolAddress = *p.PoolAddress
	}
	if p.MiningContractAddress != nil {
		a.MiningContractAddress = *p.MiningContractAddress
	}
	if p.PaymentContractAddress != nil {
		a.PaymentContractAddress = *p.PaymentContractAddress
	}
}

// String 返回地址的指针，便于构造 Patch。
func String(v string) *string {
	return &v
}

// IAOWindowChange 记录一次链上募集时间窗口的变更。
type IAOWindowChange struct {
	ID                int64  `json:"id"`
	AgentID           string `json:"agentId"`
	ContractAddress   string `json:"contractAddress"`
	PreviousStartTime int64  `json:"previousStartTime"`
	PreviousEndTime   int64  `json:"previousEndTime"`
	StartTime         int64  `json:"startTime"`
	EndTime           int64  `json:"endTime"`
	TxHash            string `json:"txHash,omitempty"`
	BlockNumber       uint64 `json:"blockNumber,omitempty"`
	CreatedAt         int64  `json:"createdAt"`
}

// Repository 抽象了 Agent 的持久化。
type Repository interface {
	Get(ctx context.Context, id string) (*Agent, error)
	// Upsert 写入完整的 Agent，通常由外部发行流程或测试使用。
	Upsert(ctx context.Context, agent *Agent) error
	// Update 应用补丁并返回最新快照。
	Update(ctx context.Context, id string, patch Patch) (*Agent, error)
	// FindByIAOContract 按募集合约地址查找，地址大小写不敏感。
	FindByIAOContract(ctx context.Context, address string) (*Agent, error)
	// ListIAOContracts 返回所有已配置募集合约的 Agent。
	ListIAOContracts(ctx context.Context) ([]*Agent, error)
	// ListIAOUndetermined 返回募集已在 endedBefore 之前结束但结果尚未确定的 Agent。
	ListIAOUndetermined(ctx context.Context, endedBefore int64) ([]*Agent, error)
	// UpdateIAOWindow 写入新的时间窗口并追加一条变更记录。
	UpdateIAOWindow(ctx context.Context, change IAOWindowChange) (*Agent, error)
	SetIAOResult(ctx context.Context, id string, successful bool, checkedAt int64) error
	History(ctx context.Context, id string) ([]IAOWindowChange, error)
	Close() error
}

const (
	CodeAgentNotFound xerrors.Code = "AGENT_NOT_FOUND"
)

// ErrAgentNotFound 表示指定的 Agent 不存在。
var ErrAgentNotFound = xerrors.New(CodeAgentNotFound, "agent not found")

func init() {
	xerrors.Register(CodeAgentNotFound, xerrors.Attributes{
		Message:    "agent not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
}

// NormalizeAddress 统一地址格式，用于大小写不敏感的比较。
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

func cloneAgent(a *Agent) *Agent {
	clone := *a
	if a.IAOSuccessful != nil {
		v := *a.IAOSuccessful
		clone.IAOSuccessful = &v
	}
	return &clone
}
