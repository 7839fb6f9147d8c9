package distribution

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"TokenLaunch-Orchestrator/internal/agent"
	xerrors "TokenLaunch-Orchestrator/internal/errors"
	"TokenLaunch-Orchestrator/internal/task"
	"TokenLaunch-Orchestrator/internal/web3"
	"TokenLaunch-Orchestrator/pkg/retry"
)

// TransferType 指定所有权转移的目标合约。
type TransferType string

const (
	TransferToken  TransferType = "token"
	TransferMining TransferType = "mining"
	TransferBoth   TransferType = "both"
)

// ParseTransferType 校验 transferType 参数。
func ParseTransferType(raw string) (TransferType, error) {
	switch t := TransferType(strings.ToLower(strings.TrimSpace(raw))); t {
	case TransferToken, TransferMining, TransferBoth:
		return t, nil
	default:
		return "", NewPreconditionError("transferType must be one of token, mining, both")
	}
}

// CheckAddLiquidity 检查添加流动性的前置条件。
func (e *Engine) CheckAddLiquidity(a *agent.Agent) error {
	if _, err := requireToken(a); err != nil {
		return err
	}
	if a.LiquidityAdded {
		return NewPreconditionError("liquidity already added for agent %s", a.ID)
	}
	return e.requireLiquidityConfig()
}

// CheckBurnTokens 检查销毁代币的前置条件。
func (e *Engine) CheckBurnTokens(a *agent.Agent) error {
	if _, err := requireToken(a); err != nil {
		return err
	}
	if !a.LiquidityAdded {
		return NewPreconditionError("burn requires liquidity to be added first")
	}
	if a.TokensBurned {
		return NewPreconditionError("tokens already burned for agent %s", a.ID)
	}
	return nil
}

// CheckTransferOwnership 检查所有权转移的前置条件。both 要求两部分中
// 尚未完成的部分都满足条件，且至少有一部分尚未完成。
func (e *Engine) CheckTransferOwnership(a *agent.Agent, transferType TransferType) error {
	if _, err := requireCreator(a); err != nil {
		return err
	}
	tokenErr := checkTokenOwnership(a)
	miningErr := checkMiningOwnership(a)
	switch transferType {
	case TransferToken:
		return tokenErr
	case TransferMining:
		return miningErr
	case TransferBoth:
		if a.OwnerTransferred && a.MiningOwnerTransferred {
			return NewPreconditionError("ownership already transferred for agent %s", a.ID)
		}
		if !a.OwnerTransferred && tokenErr != nil {
			return tokenErr
		}
		if !a.MiningOwnerTransferred && miningErr != nil {
			return miningErr
		}
		return nil
	default:
		return NewPreconditionError("unsupported transferType %q", transferType)
	}
}

func checkTokenOwnership(a *agent.Agent) error {
	if _, err := requireToken(a); err != nil {
		return err
	}
	if !a.LiquidityAdded || !a.TokensBurned {
		return NewPreconditionError("ownership transfer requires liquidity added and tokens burned")
	}
	if a.OwnerTransferred {
		return NewPreconditionError("token ownership already transferred for agent %s", a.ID)
	}
	return nil
}

func checkMiningOwnership(a *agent.Agent) error {
	if !common.IsHexAddress(a.MiningContractAddress) {
		return NewPreconditionError("agent %s has no mining contract", a.ID)
	}
	if a.MiningOwnerTransferred {
		return NewPreconditionError("mining ownership already transferred for agent %s", a.ID)
	}
	return nil
}

// CheckDeployMining 检查部署挖矿合约的前置条件。
func (e *Engine) CheckDeployMining(a *agent.Agent) error {
	if e.deployer == nil {
		return NewPreconditionError("deployment service is not configured")
	}
	if _, err := requireToken(a); err != nil {
		return err
	}
	if strings.TrimSpace(a.MiningContractAddress) != "" {
		return NewPreconditionError("mining contract already deployed for agent %s", a.ID)
	}
	return nil
}

// CheckDeployPayment 检查部署支付合约的前置条件。
func (e *Engine) CheckDeployPayment(a *agent.Agent) error {
	if e.deployer == nil {
		return NewPreconditionError("deployment service is not configured")
	}
	if _, err := requireToken(a); err != nil {
		return err
	}
	if strings.TrimSpace(a.PaymentContractAddress) != "" {
		return NewPreconditionError("payment contract already deployed for agent %s", a.ID)
	}
	return nil
}

// CheckBurnXAAAndNFT 检查销毁 XAA 与 NFT 的前置条件。
func (e *Engine) CheckBurnXAAAndNFT(a *agent.Agent) error {
	if strings.TrimSpace(a.NFTTokenID) == "" {
		return NewPreconditionError("agent %s has no NFT", a.ID)
	}
	if _, ok := new(big.Int).SetString(strings.TrimSpace(a.NFTTokenID), 10); !ok {
		return NewPreconditionError("agent %s has an invalid NFT token id %q", a.ID, a.NFTTokenID)
	}
	if !common.IsHexAddress(e.cfg.XAATokenAddress) {
		return NewPreconditionError("distribution.xaa_token_address is not configured")
	}
	if !common.IsHexAddress(e.cfg.NFTContractAddress) {
		return NewPreconditionError("distribution.nft_contract_address is not configured")
	}
	return nil
}

func (e *Engine) runAddLiquidity(ctx context.Context, t *task.Task, recorder task.Recorder) task.Outcome {
	led := newLedger(t, recorder, e.logger)
	tokenAmount, err := ParseUnits(t.Result.Metadata[metaLiquidityAmount], e.cfg.TokenDecimals)
	if err != nil {
		return led.halt("liquidityAmount: " + err.Error())
	}
	xaaAmount, err := ParseUnits(t.Result.Metadata[metaXAAAmount], e.cfg.XAADecimals)
	if err != nil {
		return led.halt("xaaAmount: " + err.Error())
	}
	steps := []pipelineStep{{
		tx:      task.TxLiquidity,
		require: e.CheckAddLiquidity,
		run: func(ctx context.Context, a *agent.Agent, _ *task.TransactionRecord) task.TransactionRecord {
			return e.addLiquidity(ctx, hexAddress(a.TokenAddress), tokenAmount, xaaAmount)
		},
		patch: e.liquidityPatch,
	}}
	view, err := e.priorView(ctx, t)
	if err != nil {
		return led.halt("load previous attempts: " + xerrors.MessageOf(err))
	}
	return e.runSteps(ctx, t, led, steps, view, nil)
}

func (e *Engine) runBurnTokens(ctx context.Context, t *task.Task, recorder task.Recorder) task.Outcome {
	led := newLedger(t, recorder, e.logger)
	amount, err := ParseUnits(t.Result.Metadata[metaBurnAmount], e.cfg.TokenDecimals)
	if err != nil {
		return led.halt("burnAmount: " + err.Error())
	}
	steps := []pipelineStep{{
		tx:      task.TxBurn,
		require: e.CheckBurnTokens,
		run: func(ctx context.Context, a *agent.Agent, _ *task.TransactionRecord) task.TransactionRecord {
			return e.exec(ctx, burnOp(hexAddress(a.TokenAddress), amount))
		},
		patch: func(task.TransactionRecord) agent.Patch { return agent.Patch{TokensBurned: true} },
	}}
	view, err := e.priorView(ctx, t)
	if err != nil {
		return led.halt("load previous attempts: " + xerrors.MessageOf(err))
	}
	return e.runSteps(ctx, t, led, steps, view, nil)
}

func (e *Engine) runTransferOwnership(ctx context.Context, t *task.Task, recorder task.Recorder) task.Outcome {
	led := newLedger(t, recorder, e.logger)
	transferType, err := ParseTransferType(flowString(t, metaTransferType))
	if err != nil {
		return led.halt(xerrors.MessageOf(err))
	}

	var steps []pipelineStep
	if transferType == TransferToken || transferType == TransferBoth {
		steps = append(steps, pipelineStep{
			tx:   task.TxOwnership,
			done: func(a *agent.Agent) bool { return transferType == TransferBoth && a.OwnerTransferred },
			require: func(a *agent.Agent) error {
				if _, err := requireCreator(a); err != nil {
					return err
				}
				return checkTokenOwnership(a)
			},
			run: func(ctx context.Context, a *agent.Agent, _ *task.TransactionRecord) task.TransactionRecord {
				creator, _ := requireCreator(a)
				return e.exec(ctx, ownershipOp(task.TxOwnership, hexAddress(a.TokenAddress), creator))
			},
			patch: func(task.TransactionRecord) agent.Patch { return agent.Patch{OwnerTransferred: true} },
		})
	}
	if transferType == TransferMining || transferType == TransferBoth {
		steps = append(steps, pipelineStep{
			tx:   task.TxMining,
			done: func(a *agent.Agent) bool { return transferType == TransferBoth && a.MiningOwnerTransferred },
			require: func(a *agent.Agent) error {
				if _, err := requireCreator(a); err != nil {
					return err
				}
				return checkMiningOwnership(a)
			},
			run: func(ctx context.Context, a *agent.Agent, _ *task.TransactionRecord) task.TransactionRecord {
				creator, _ := requireCreator(a)
				return e.exec(ctx, ownershipOp(task.TxMining, hexAddress(a.MiningContractAddress), creator))
			},
			patch: func(task.TransactionRecord) agent.Patch { return agent.Patch{MiningOwnerTransferred: true} },
		})
	}
	view, err := e.priorView(ctx, t)
	if err != nil {
		return led.halt("load previous attempts: " + xerrors.MessageOf(err))
	}
	return e.runSteps(ctx, t, led, steps, view, nil)
}

func (e *Engine) runDeployMining(ctx context.Context, t *task.Task, recorder task.Recorder) task.Outcome {
	led := newLedger(t, recorder, e.logger)
	steps := []pipelineStep{{
		tx:      task.TxMining,
		require: e.CheckDeployMining,
		run: func(ctx context.Context, a *agent.Agent, _ *task.TransactionRecord) task.TransactionRecord {
			return e.deploy(ctx, task.TxMining, a, e.deployer.DeployMining)
		},
		patch: func(r task.TransactionRecord) agent.Patch {
			return agent.Patch{MiningContractAddress: agent.String(r.ToAddress)}
		},
	}}
	view, err := e.priorView(ctx, t)
	if err != nil {
		return led.halt("load previous attempts: " + xerrors.MessageOf(err))
	}
	return e.runSteps(ctx, t, led, steps, view, nil)
}

func (e *Engine) runDeployPayment(ctx context.Context, t *task.Task, recorder task.Recorder) task.Outcome {
	led := newLedger(t, recorder, e.logger)
	steps := []pipelineStep{{
		tx:      task.TxPayment,
		require: e.CheckDeployPayment,
		run: func(ctx context.Context, a *agent.Agent, _ *task.TransactionRecord) task.TransactionRecord {
			return e.deploy(ctx, task.TxPayment, a, e.deployer.DeployPayment)
		},
		patch: func(r task.TransactionRecord) agent.Patch {
			return agent.Patch{PaymentContractAddress: agent.String(r.ToAddress)}
		},
	}}
	view, err := e.priorView(ctx, t)
	if err != nil {
		return led.halt("load previous attempts: " + xerrors.MessageOf(err))
	}
	return e.runSteps(ctx, t, led, steps, view, nil)
}

// deploy 以部署重试策略调用外部部署服务，返回的地址写入记录的 toAddress。
func (e *Engine) deploy(ctx context.Context, txType task.TxType, a *agent.Agent, call func(context.Context, *agent.Agent) (string, error)) task.TransactionRecord {
	policy := e.deployPolicy
	if policy.Retryable == nil {
		policy.Retryable = xerrors.RetryableError
	}
	address, err := retry.DoValue(ctx, policy, func(ctx context.Context) (string, error) {
		return call(ctx, a)
	})
	if err == nil && !common.IsHexAddress(address) {
		err = xerrors.New(xerrors.CodeExternalService, "deployment service returned an invalid address: "+address)
	}
	if err != nil {
		return failedRecord(Op{Type: txType}, xerrors.MessageOf(err), e.now())
	}
	return task.TransactionRecord{
		Type:      txType,
		ToAddress: common.HexToAddress(address).Hex(),
		Status:    task.TxConfirmed,
		Timestamp: e.now().UnixMilli(),
	}
}

// runBurnXAAAndNFT 依次销毁 XAA 与 NFT。历史尝试中已确认的销毁不会再次上链。
func (e *Engine) runBurnXAAAndNFT(ctx context.Context, t *task.Task, recorder task.Recorder) task.Outcome {
	led := newLedger(t, recorder, e.logger)
	raw := t.Result.Metadata[metaXAAAmount]
	if flowString(t, metaXAAAmount) == "" {
		raw = e.cfg.XAABurnAmount
	}
	xaaAmount, err := ParseUnits(raw, e.cfg.XAADecimals)
	if err != nil {
		return led.halt("xaaAmount: " + err.Error())
	}
	steps := []pipelineStep{
		{
			tx:      task.TxBurn,
			require: e.CheckBurnXAAAndNFT,
			run: func(ctx context.Context, _ *agent.Agent, _ *task.TransactionRecord) task.TransactionRecord {
				return e.exec(ctx, burnOp(hexAddress(e.cfg.XAATokenAddress), xaaAmount))
			},
		},
		{
			tx:      task.TxNFT,
			require: e.CheckBurnXAAAndNFT,
			run: func(ctx context.Context, a *agent.Agent, _ *task.TransactionRecord) task.TransactionRecord {
				tokenID, _ := new(big.Int).SetString(strings.TrimSpace(a.NFTTokenID), 10)
				nft := hexAddress(e.cfg.NFTContractAddress)
				return e.exec(ctx, Op{
					Type:      task.TxNFT,
					Amount:    tokenID.String(),
					ToAddress: nft.Hex(),
					Calls: []web3.Call{{
						To:     nft,
						ABI:    web3.ERC721ABI,
						Method: "burn",
						Args:   []any{tokenID},
					}},
				})
			},
		},
	}
	view, err := e.priorView(ctx, t)
	if err != nil {
		return led.halt("load previous attempts: " + xerrors.MessageOf(err))
	}
	return e.runSteps(ctx, t, led, steps, view, nil)
}
