package distribution

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cast"

	"TokenLaunch-Orchestrator/internal/task"
)

// 元数据中使用的键，与 HTTP 请求字段保持一致。
const (
	metaAgentID         = "agentId"
	metaTotalSupply     = "totalSupply"
	metaTokenAddress    = "tokenAddress"
	metaIncludeBurn     = "includeBurn"
	metaBurnPercentage  = "burnPercentage"
	metaAirdrops        = "airdrops"
	metaRetryTaskID     = "retryTaskId"
	metaLiquidityAmount = "liquidityAmount"
	metaXAAAmount       = "xaaAmount"
	metaBurnAmount      = "burnAmount"
	metaTransferType    = "transferType"
)

// AirdropItem 是空投名单中的一项，Amount 为整币单位。
type AirdropItem struct {
	ToAddress string      `json:"toAddress"`
	Amount    json.Number `json:"amount"`
}

// DistributeParams 是完整分发的输入参数。
type DistributeParams struct {
	AgentID        string
	TotalSupply    string
	TokenAddress   string
	IncludeBurn    bool
	BurnPercentage string
	Airdrops       []AirdropItem
	RetryTaskID    string
}

// Metadata 将参数编码为任务元数据，数量一律以字符串保存以避免精度损失。
func (p DistributeParams) Metadata() map[string]any {
	meta := map[string]any{
		metaAgentID:      p.AgentID,
		metaTotalSupply:  p.TotalSupply,
		metaTokenAddress: p.TokenAddress,
		metaIncludeBurn:  p.IncludeBurn,
	}
	if p.BurnPercentage != "" {
		meta[metaBurnPercentage] = p.BurnPercentage
	}
	if len(p.Airdrops) > 0 {
		items := make([]any, 0, len(p.Airdrops))
		for _, item := range p.Airdrops {
			items = append(items, map[string]any{"toAddress": item.ToAddress, "amount": item.Amount.String()})
		}
		meta[metaAirdrops] = items
	}
	if p.RetryTaskID != "" {
		meta[metaRetryTaskID] = p.RetryTaskID
	}
	return meta
}

// decodeDistributeParams 从任务元数据还原参数。
func decodeDistributeParams(meta map[string]any) (DistributeParams, error) {
	p := DistributeParams{
		AgentID:        cast.ToString(meta[metaAgentID]),
		TotalSupply:    cast.ToString(meta[metaTotalSupply]),
		TokenAddress:   cast.ToString(meta[metaTokenAddress]),
		IncludeBurn:    cast.ToBool(meta[metaIncludeBurn]),
		BurnPercentage: cast.ToString(meta[metaBurnPercentage]),
		RetryTaskID:    cast.ToString(meta[metaRetryTaskID]),
	}
	if raw, ok := meta[metaAirdrops]; ok && raw != nil {
		list, err := cast.ToSliceE(raw)
		if err != nil {
			return p, fmt.Errorf("airdrops 格式错误: %w", err)
		}
		for i, entry := range list {
			fields, err := cast.ToStringMapE(entry)
			if err != nil {
				return p, fmt.Errorf("airdrops[%d] 格式错误: %w", i, err)
			}
			p.Airdrops = append(p.Airdrops, AirdropItem{
				ToAddress: cast.ToString(fields["toAddress"]),
				Amount:    json.Number(cast.ToString(fields["amount"])),
			})
		}
	}
	return p, nil
}

// distributionPlan 是根据参数与配置计算出的各步骤数量（最小单位）。
type distributionPlan struct {
	token       common.Address
	totalSupply *big.Int
	creator     *big.Int
	iao         *big.Int
	liquidity   *big.Int
	burn        *big.Int
	includeBurn bool
	airdrops    []airdropTransfer
}

type airdropTransfer struct {
	to     common.Address
	amount *big.Int
}

// buildPlan 校验参数并计算分配。错误均为前置条件错误。
func (e *Engine) buildPlan(p DistributeParams) (*distributionPlan, error) {
	if !common.IsHexAddress(p.TokenAddress) {
		return nil, NewPreconditionError("tokenAddress %q is not a valid address", p.TokenAddress)
	}
	total, err := ParseUnits(p.TotalSupply, e.cfg.TokenDecimals)
	if err != nil {
		return nil, NewPreconditionError("totalSupply: %v", err)
	}
	if total.Sign() <= 0 {
		return nil, NewPreconditionError("totalSupply must be greater than 0")
	}

	alloc := e.cfg.Allocation
	plan := &distributionPlan{
		token:       common.HexToAddress(p.TokenAddress),
		totalSupply: total,
		creator:     percentOf(total, big.NewRat(alloc.CreatorPercent, 1)),
		iao:         percentOf(total, big.NewRat(alloc.IAOPercent, 1)),
		liquidity:   percentOf(total, big.NewRat(alloc.LiquidityPercent, 1)),
		includeBurn: p.IncludeBurn,
	}

	burnPct := big.NewRat(alloc.BurnPercent, 1)
	if strings.TrimSpace(p.BurnPercentage) != "" {
		burnPct, err = parsePercent(p.BurnPercentage)
		if err != nil {
			return nil, NewPreconditionError("burnPercentage: %v", err)
		}
	}
	plan.burn = percentOf(total, burnPct)

	if len(p.Airdrops) > 0 {
		for i, item := range p.Airdrops {
			if !common.IsHexAddress(item.ToAddress) {
				return nil, NewPreconditionError("airdrops[%d]: invalid address %q", i, item.ToAddress)
			}
			amount, err := ParseUnits(item.Amount, e.cfg.TokenDecimals)
			if err != nil || amount.Sign() <= 0 {
				return nil, NewPreconditionError("airdrops[%d]: invalid amount %q", i, item.Amount)
			}
			plan.airdrops = append(plan.airdrops, airdropTransfer{to: common.HexToAddress(item.ToAddress), amount: amount})
		}
	} else if len(e.cfg.Airdrop.Recipients) > 0 {
		pool := percentOf(total, big.NewRat(alloc.AirdropPercent, 1))
		shares := splitEvenly(pool, len(e.cfg.Airdrop.Recipients))
		for i, addr := range e.cfg.Airdrop.Recipients {
			plan.airdrops = append(plan.airdrops, airdropTransfer{to: common.HexToAddress(addr), amount: shares[i]})
		}
	}
	return plan, nil
}

// flowString 从单步流程的元数据读取字符串字段。
func flowString(t *task.Task, key string) string {
	return strings.TrimSpace(cast.ToString(t.Result.Metadata[key]))
}
