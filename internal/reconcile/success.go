package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/robfig/cron/v3"

	"TokenLaunch-Orchestrator/internal/agent"
	xerrors "TokenLaunch-Orchestrator/internal/errors"
	"TokenLaunch-Orchestrator/internal/observability/metrics"
	"TokenLaunch-Orchestrator/internal/web3"
	"TokenLaunch-Orchestrator/pkg/logger"
)

const (
	// MessageNotEnded 表示募集尚未结束，此时不会读取链上状态。
	MessageNotEnded   = "IAO还未结束，无法判断是否成功"
	MessageNoContract = "IAO合约地址不存在"
)

// Caller 是只读合约调用能力，web3.Client 满足该接口。
type Caller interface {
	CallContract(ctx context.Context, call web3.Call) ([]any, error)
}

// SuccessResult 是募集结果。IsSuccessful 为 nil 表示暂时无法判断，
// 与明确的 false（募集失败）含义不同。
type SuccessResult struct {
	IsSuccessful *bool  `json:"isSuccessful"`
	Error        string `json:"error,omitempty"`
}

// Determined 判断结果是否已确定。
func (r SuccessResult) Determined() bool {
	return r.IsSuccessful != nil
}

// SweepReport 汇总一次募集结果巡检。
type SweepReport struct {
	Checked      int `json:"checked"`
	Determined   int `json:"determined"`
	Undetermined int `json:"undetermined"`
}

// SuccessChecker 读取募集合约的 isSuccess 判断募集是否成功。
type SuccessChecker struct {
	caller Caller
	agents agent.Repository
	now    func() time.Time
	logger *slog.Logger
}

// NewSuccessChecker 构造 SuccessChecker。
func NewSuccessChecker(caller Caller, agents agent.Repository) *SuccessChecker {
	return &SuccessChecker{
		caller: caller,
		agents: agents,
		now:    time.Now,
		logger: logger.Named("iao-success"),
	}
}

// Check 返回 Agent 的募集结果。募集未结束时直接返回 nil 结果，不访问链。
func (c *SuccessChecker) Check(ctx context.Context, a *agent.Agent) SuccessResult {
	if a == nil || !common.IsHexAddress(a.IAOContractAddress) {
		return SuccessResult{Error: MessageNoContract}
	}
	if !a.IAOEnded(c.now()) {
		return SuccessResult{Error: MessageNotEnded}
	}
	if c.caller == nil {
		return SuccessResult{Error: "链客户端未初始化"}
	}

	values, err := c.caller.CallContract(ctx, web3.Call{
		To:     common.HexToAddress(a.IAOContractAddress),
		ABI:    web3.IAOABI,
		Method: "isSuccess",
	})
	if err != nil {
		wrapped := xerrors.Wrap(xerrors.CodeReconciliation, err, "查询募集结果失败")
		c.logger.Warn("查询募集结果失败",
			slog.String("agent_id", a.ID),
			slog.String("contract", a.IAOContractAddress),
			slog.Any("error", err))
		return SuccessResult{Error: wrapped.Message()}
	}
	if len(values) == 0 {
		return SuccessResult{Error: "isSuccess 没有返回值"}
	}
	ok, isBool := values[0].(bool)
	if !isBool {
		return SuccessResult{Error: "isSuccess 返回值类型错误"}
	}
	return SuccessResult{IsSuccessful: &ok}
}

// CheckByID 加载 Agent 后检查募集结果。
func (c *SuccessChecker) CheckByID(ctx context.Context, agentID string) (SuccessResult, error) {
	a, err := c.agents.Get(ctx, agentID)
	if err != nil {
		return SuccessResult{}, err
	}
	return c.Check(ctx, a), nil
}

// Sweep 检查所有已结束但结果未确定的募集，并写回确定的结果。
func (c *SuccessChecker) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	now := c.now()
	pending, err := c.agents.ListIAOUndetermined(ctx, now.Unix())
	if err != nil {
		return report, xerrors.Wrap(xerrors.CodeReconciliation, err, "读取待判断的募集失败")
	}
	for _, a := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++
		result := c.Check(ctx, a)
		if !result.Determined() {
			report.Undetermined++
			continue
		}
		if err := c.agents.SetIAOResult(ctx, a.ID, *result.IsSuccessful, now.UnixMilli()); err != nil {
			c.logger.Error("写入募集结果失败", slog.String("agent_id", a.ID), slog.Any("error", err))
			report.Undetermined++
			continue
		}
		report.Determined++
		metrics.ObserveReconciledEvent("iao_result")
		logger.Audit().Info("募集结果已确定",
			slog.String("agent_id", a.ID),
			slog.String("contract", a.IAOContractAddress),
			slog.Bool("successful", *result.IsSuccessful),
		)
	}
	if report.Checked > 0 {
		c.logger.Info("募集结果巡检完成",
			slog.Int("checked", report.Checked),
			slog.Int("determined", report.Determined),
			slog.Int("undetermined", report.Undetermined))
	}
	return report, nil
}

// Schedule 将募集结果巡检注册到 cron 调度器。
func (c *SuccessChecker) Schedule(ctx context.Context, cr *cron.Cron, spec string) (cron.EntryID, error) {
	return cr.AddFunc(spec, func() {
		if _, err := c.Sweep(ctx); err != nil {
			c.logger.Error("募集结果巡检失败", slog.Any("error", err))
		}
	})
}
