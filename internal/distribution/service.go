package distribution

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"TokenLaunch-Orchestrator/internal/agent"
	xerrors "TokenLaunch-Orchestrator/internal/errors"
	"TokenLaunch-Orchestrator/internal/task"
)

// Submitter 是创建任务所需的最小接口，由 task.Service 实现。
type Submitter interface {
	Submit(ctx context.Context, req task.SubmitRequest) (*task.Task, error)
	Get(ctx context.Context, id string) (*task.Task, error)
	MergedView(ctx context.Context, agentID string, taskType task.Type) (task.MergedView, error)
}

// Service 在接口层同步校验前置条件，校验通过后才创建后台任务。
// 前置条件失败时返回 PRECONDITION_FAILED，且不会创建任务行。
type Service struct {
	engine *Engine
	tasks  Submitter
	agents agent.Repository
}

// NewService 构造 Service。
func NewService(engine *Engine, tasks Submitter, agents agent.Repository) *Service {
	return &Service{engine: engine, tasks: tasks, agents: agents}
}

// DistributeRequest 对应 POST /token/distribute。
type DistributeRequest struct {
	AgentID        string        `json:"agentId"`
	TotalSupply    json.Number   `json:"totalSupply"`
	TokenAddress   string        `json:"tokenAddress"`
	IncludeBurn    bool          `json:"includeBurn,omitempty"`
	BurnPercentage json.Number   `json:"burnPercentage,omitempty"`
	Airdrops       []AirdropItem `json:"airdrops,omitempty"`
	RetryTaskID    string        `json:"retryTaskId,omitempty"`
}

// Distribute 校验并提交完整分发任务。携带 RetryTaskID 时重放该任务的参数。
func (s *Service) Distribute(ctx context.Context, req DistributeRequest, createdBy string) (*task.Task, error) {
	agentID := strings.TrimSpace(req.AgentID)
	if agentID == "" {
		return nil, NewPreconditionError("agentId is required")
	}
	params := DistributeParams{
		AgentID:        agentID,
		TotalSupply:    strings.TrimSpace(req.TotalSupply.String()),
		TokenAddress:   strings.TrimSpace(req.TokenAddress),
		IncludeBurn:    req.IncludeBurn,
		BurnPercentage: strings.TrimSpace(req.BurnPercentage.String()),
		Airdrops:       req.Airdrops,
	}
	if retryID := strings.TrimSpace(req.RetryTaskID); retryID != "" {
		prior, err := s.retrySource(ctx, agentID, retryID)
		if err != nil {
			return nil, err
		}
		replayed, err := decodeDistributeParams(prior.Result.Metadata)
		if err != nil {
			return nil, NewPreconditionError("task %s metadata cannot be replayed: %v", retryID, err)
		}
		params = replayed
		params.AgentID = agentID
		params.RetryTaskID = retryID
	}
	return s.submitDistribution(ctx, params, createdBy)
}

// RetryFailed 对应 PATCH /token/distribute，重新执行指定任务中未确认的步骤。
func (s *Service) RetryFailed(ctx context.Context, taskID, agentID, createdBy string) (*task.Task, error) {
	return s.Distribute(ctx, DistributeRequest{AgentID: agentID, RetryTaskID: taskID}, createdBy)
}

func (s *Service) retrySource(ctx context.Context, agentID, taskID string) (*task.Task, error) {
	prior, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if prior.AgentID != agentID {
		return nil, task.ErrTaskNotFound
	}
	if prior.Type != task.TypeDistributeTokens {
		return nil, NewPreconditionError("task %s is not a distribution task", taskID)
	}
	if !prior.Status.IsTerminal() {
		return nil, xerrors.Wrap(task.CodeTaskInProgress, task.ErrTaskInProgress, "task "+taskID+" is still running")
	}
	return prior, nil
}

func (s *Service) submitDistribution(ctx context.Context, params DistributeParams, createdBy string) (*task.Task, error) {
	a, err := s.agents.Get(ctx, params.AgentID)
	if err != nil {
		return nil, err
	}
	token, err := requireToken(a)
	if err != nil {
		return nil, err
	}
	if !common.IsHexAddress(params.TokenAddress) || common.HexToAddress(params.TokenAddress) != token {
		return nil, NewPreconditionError("tokenAddress %s does not match agent token %s", params.TokenAddress, a.TokenAddress)
	}
	if _, err := s.engine.buildPlan(params); err != nil {
		return nil, err
	}
	return s.submit(ctx, task.TypeDistributeTokens, a.ID, createdBy, params.Metadata())
}

// DistributionView 对应 GET /token/distribute，返回合并后的分发视图。
func (s *Service) DistributionView(ctx context.Context, agentID string) (task.MergedView, error) {
	if strings.TrimSpace(agentID) == "" {
		return task.MergedView{}, NewPreconditionError("agentId is required")
	}
	return s.tasks.MergedView(ctx, agentID, task.TypeDistributeTokens)
}

// LiquidityRequest 对应 POST /agents/{id}/add-liquidity。
type LiquidityRequest struct {
	LiquidityAmount json.Number `json:"liquidityAmount"`
	XAAAmount       json.Number `json:"xaaAmount"`
}

// AddLiquidity 校验并提交添加流动性任务。
func (s *Service) AddLiquidity(ctx context.Context, agentID string, req LiquidityRequest, createdBy string) (*task.Task, error) {
	a, err := s.agents.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if err := s.engine.CheckAddLiquidity(a); err != nil {
		return nil, err
	}
	if err := s.positive("liquidityAmount", req.LiquidityAmount.String(), s.engine.cfg.TokenDecimals); err != nil {
		return nil, err
	}
	if err := s.positive("xaaAmount", req.XAAAmount.String(), s.engine.cfg.XAADecimals); err != nil {
		return nil, err
	}
	return s.submit(ctx, task.TypeAddLiquidity, a.ID, createdBy, map[string]any{
		metaLiquidityAmount: strings.TrimSpace(req.LiquidityAmount.String()),
		metaXAAAmount:       strings.TrimSpace(req.XAAAmount.String()),
	})
}

// BurnRequest 对应 POST /agents/{id}/burn-tokens。
type BurnRequest struct {
	BurnAmount json.Number `json:"burnAmount"`
}

// BurnTokens 校验并提交销毁代币任务。
func (s *Service) BurnTokens(ctx context.Context, agentID string, req BurnRequest, createdBy string) (*task.Task, error) {
	a, err := s.agents.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if err := s.engine.CheckBurnTokens(a); err != nil {
		return nil, err
	}
	if err := s.positive("burnAmount", req.BurnAmount.String(), s.engine.cfg.TokenDecimals); err != nil {
		return nil, err
	}
	return s.submit(ctx, task.TypeBurnTokens, a.ID, createdBy, map[string]any{
		metaBurnAmount: strings.TrimSpace(req.BurnAmount.String()),
	})
}

// OwnershipRequest 对应 POST /agents/{id}/transfer-ownership。
type OwnershipRequest struct {
	TransferType string `json:"transferType"`
}

// TransferOwnership 校验并提交所有权转移任务。
func (s *Service) TransferOwnership(ctx context.Context, agentID string, req OwnershipRequest, createdBy string) (*task.Task, error) {
	transferType, err := ParseTransferType(req.TransferType)
	if err != nil {
		return nil, err
	}
	a, err := s.agents.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if err := s.engine.CheckTransferOwnership(a, transferType); err != nil {
		return nil, err
	}
	return s.submit(ctx, task.TypeTransferOwnership, a.ID, createdBy, map[string]any{
		metaTransferType: string(transferType),
	})
}

// DeployMining 校验并提交挖矿合约部署任务。
func (s *Service) DeployMining(ctx context.Context, agentID, createdBy string) (*task.Task, error) {
	a, err := s.agents.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if err := s.engine.CheckDeployMining(a); err != nil {
		return nil, err
	}
	if err := s.ensureNoPendingDeployment(ctx, a.ID); err != nil {
		return nil, err
	}
	return s.submit(ctx, task.TypeDeployMining, a.ID, createdBy, map[string]any{})
}

// DeployPayment 校验并提交支付合约部署任务。
func (s *Service) DeployPayment(ctx context.Context, agentID, createdBy string) (*task.Task, error) {
	a, err := s.agents.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if err := s.engine.CheckDeployPayment(a); err != nil {
		return nil, err
	}
	if err := s.ensureNoPendingDeployment(ctx, a.ID); err != nil {
		return nil, err
	}
	return s.submit(ctx, task.TypeDeployPaymentContract, a.ID, createdBy, map[string]any{})
}

// BurnXAARequest 对应 POST /agents/{id}/burn-xaa-nft，XAAAmount 为空时使用配置值。
type BurnXAARequest struct {
	XAAAmount json.Number `json:"xaaAmount,omitempty"`
}

// BurnXAAAndNFT 校验并提交销毁 XAA 与 NFT 的任务。
func (s *Service) BurnXAAAndNFT(ctx context.Context, agentID string, req BurnXAARequest, createdBy string) (*task.Task, error) {
	a, err := s.agents.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if err := s.engine.CheckBurnXAAAndNFT(a); err != nil {
		return nil, err
	}
	view, err := s.tasks.MergedView(ctx, a.ID, task.TypeBurnXAAAndNFT)
	if err != nil {
		return nil, err
	}
	if view.Completed(task.TxBurn) && view.Completed(task.TxNFT) {
		return nil, NewPreconditionError("XAA and NFT of agent %s are already burned", a.ID)
	}
	amount := strings.TrimSpace(req.XAAAmount.String())
	if amount == "" {
		amount = s.engine.cfg.XAABurnAmount
	}
	if err := s.positive("xaaAmount", amount, s.engine.cfg.XAADecimals); err != nil {
		return nil, err
	}
	return s.submit(ctx, task.TypeBurnXAAAndNFT, a.ID, createdBy, map[string]any{metaXAAAmount: amount})
}

// ensureNoPendingDeployment 查询部署服务，存在未完成的部署时拒绝新任务。
func (s *Service) ensureNoPendingDeployment(ctx context.Context, agentID string) error {
	pending, err := s.engine.deployer.Pending(ctx, agentID)
	if err != nil {
		return err
	}
	if pending {
		return xerrors.Wrap(task.CodeTaskInProgress, task.ErrTaskInProgress, "a deployment for agent "+agentID+" is still pending")
	}
	return nil
}

func (s *Service) positive(field, value string, decimals int) error {
	amount, err := ParseUnits(value, decimals)
	if err != nil {
		return NewPreconditionError("%s: %v", field, err)
	}
	if amount.Sign() <= 0 {
		return NewPreconditionError("%s must be greater than 0", field)
	}
	return nil
}

func (s *Service) submit(ctx context.Context, taskType task.Type, agentID, createdBy string, metadata map[string]any) (*task.Task, error) {
	t, err := s.tasks.Submit(ctx, task.SubmitRequest{
		Type:      taskType,
		AgentID:   agentID,
		CreatedBy: createdBy,
		Metadata:  metadata,
	})
	if err != nil {
		return t, err
	}
	s.engine.logger.Info("任务已受理",
		slog.String("task_id", t.ID),
		slog.String("task_type", string(taskType)),
		slog.String("agent_id", agentID))
	return t, nil
}
