package distribution

import (
	"context"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"TokenLaunch-Orchestrator/internal/agent"
	"TokenLaunch-Orchestrator/internal/task"
	"TokenLaunch-Orchestrator/internal/web3"
)

func transferOp(txType task.TxType, token, to common.Address, amount *big.Int) Op {
	return Op{
		Type:      txType,
		Amount:    amount.String(),
		ToAddress: to.Hex(),
		Calls: []web3.Call{{
			To:     token,
			ABI:    web3.ERC20ABI,
			Method: "transfer",
			Args:   []any{to, amount},
		}},
	}
}

func burnOp(token common.Address, amount *big.Int) Op {
	return Op{
		Type:      task.TxBurn,
		Amount:    amount.String(),
		ToAddress: token.Hex(),
		Calls: []web3.Call{{
			To:     token,
			ABI:    web3.ERC20ABI,
			Method: "burn",
			Args:   []any{amount},
		}},
	}
}

func ownershipOp(txType task.TxType, contract, newOwner common.Address) Op {
	return Op{
		Type:      txType,
		ToAddress: newOwner.Hex(),
		Calls: []web3.Call{{
			To:     contract,
			ABI:    web3.OwnableABI,
			Method: "transferOwnership",
			Args:   []any{newOwner},
		}},
	}
}

// requireLiquidityConfig 检查添加流动性所需的合约配置。
func (e *Engine) requireLiquidityConfig() error {
	required := []struct{ name, addr string }{
		{"router_address", e.cfg.RouterAddress},
		{"factory_address", e.cfg.FactoryAddress},
		{"xaa_token_address", e.cfg.XAATokenAddress},
	}
	for _, r := range required {
		if !common.IsHexAddress(r.addr) {
			return NewPreconditionError("distribution.%s is not configured", r.name)
		}
	}
	return nil
}

// addLiquidity 授权代币与 XAA 给路由合约后添加流动性。确认后通过工厂
// 合约读取交易对地址，写入记录的 toAddress。
func (e *Engine) addLiquidity(ctx context.Context, token common.Address, tokenAmount, xaaAmount *big.Int) task.TransactionRecord {
	router := common.HexToAddress(e.cfg.RouterAddress)
	xaa := common.HexToAddress(e.cfg.XAATokenAddress)
	deadline := big.NewInt(e.now().Add(e.cfg.LiquidityDeadline).Unix())

	op := Op{
		Type:      task.TxLiquidity,
		Amount:    tokenAmount.String(),
		ToAddress: router.Hex(),
		Calls: []web3.Call{
			{To: token, ABI: web3.ERC20ABI, Method: "approve", Args: []any{router, tokenAmount}},
			{To: xaa, ABI: web3.ERC20ABI, Method: "approve", Args: []any{router, xaaAmount}},
			{
				To:     router,
				ABI:    web3.RouterABI,
				Method: "addLiquidity",
				Args: []any{
					token, xaa,
					tokenAmount, xaaAmount,
					big.NewInt(0), big.NewInt(0),
					e.custodial(), deadline,
				},
			},
		},
	}
	record := e.exec(ctx, op)
	if record.Status != task.TxConfirmed {
		return record
	}
	if pool, err := e.pairAddress(ctx, token, xaa); err != nil {
		e.logger.Warn("读取交易对地址失败", slog.String("token", token.Hex()), slog.Any("error", err))
	} else {
		record.ToAddress = pool.Hex()
	}
	return record
}

func (e *Engine) pairAddress(ctx context.Context, token, xaa common.Address) (common.Address, error) {
	values, err := e.client.CallContract(ctx, web3.Call{
		To:     common.HexToAddress(e.cfg.FactoryAddress),
		ABI:    web3.FactoryABI,
		Method: "getPair",
		Args:   []any{token, xaa},
	})
	if err != nil {
		return common.Address{}, err
	}
	if len(values) == 0 {
		return common.Address{}, NewPreconditionError("getPair returned no value")
	}
	pool, ok := values[0].(common.Address)
	if !ok || pool == (common.Address{}) {
		return common.Address{}, NewPreconditionError("getPair returned an empty pair")
	}
	return pool, nil
}

// liquidityPatch 在流动性确认后标记 Agent，并保存交易对地址。
func (e *Engine) liquidityPatch(record task.TransactionRecord) agent.Patch {
	patch := agent.Patch{LiquidityAdded: true}
	router := strings.ToLower(e.cfg.RouterAddress)
	if record.ToAddress != "" && strings.ToLower(record.ToAddress) != router {
		patch.PoolAddress = agent.String(record.ToAddress)
	}
	return patch
}

// requireToken 检查 Agent 已部署代币，并返回代币地址。
func requireToken(a *agent.Agent) (common.Address, error) {
	if !common.IsHexAddress(a.TokenAddress) {
		return common.Address{}, NewPreconditionError("agent %s has no token deployed", a.ID)
	}
	return common.HexToAddress(a.TokenAddress), nil
}

func requireCreator(a *agent.Agent) (common.Address, error) {
	if !common.IsHexAddress(a.CreatorAddress) {
		return common.Address{}, NewPreconditionError("agent %s has no creator address", a.ID)
	}
	return common.HexToAddress(a.CreatorAddress), nil
}

func hexAddress(s string) common.Address {
	return common.HexToAddress(strings.TrimSpace(s))
}
