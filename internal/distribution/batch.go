package distribution

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "TokenLaunch-Orchestrator/internal/errors"
	"TokenLaunch-Orchestrator/internal/task"
	"TokenLaunch-Orchestrator/internal/web3"
	"TokenLaunch-Orchestrator/pkg/retry"
)

// runAirdrop 逐笔执行空投：每一笔都经过 钱包限制器 -> 重试 -> 执行器，
// 结果折叠为一条 airdrop 记录。prior 中已确认的条目直接沿用，不再发送。
func (e *Engine) runAirdrop(ctx context.Context, token common.Address, transfers []airdropTransfer, prior *task.TransactionRecord) task.TransactionRecord {
	done := confirmedItems(prior)
	items := make([]task.BatchItem, len(transfers))

	policy := e.airdropPolicy
	if policy.Retryable == nil {
		policy.Retryable = xerrors.RetryableError
	}

	// 按列表顺序逐笔进入钱包限制器，nonce 顺序与条目顺序一致。
	total := new(big.Int)
	for i, transfer := range transfers {
		amount := transfer.amount.String()
		total.Add(total, transfer.amount)
		key := itemKey(transfer.to.Hex(), amount)
		if hashes := done[key]; len(hashes) > 0 {
			items[i] = task.BatchItem{ToAddress: transfer.to.Hex(), Amount: amount, TxHash: hashes[0], Status: task.TxConfirmed}
			done[key] = hashes[1:]
			continue
		}
		items[i] = e.sendAirdropItem(ctx, Op{
			Type:      task.TxAirdrop,
			Amount:    amount,
			ToAddress: transfer.to.Hex(),
			Calls: []web3.Call{{
				To:     token,
				ABI:    web3.ERC20ABI,
				Method: "transfer",
				Args:   []any{transfer.to, transfer.amount},
			}},
		}, policy)
	}

	batch := &task.BatchResult{Total: len(items), Items: items}
	record := task.TransactionRecord{
		Type:        task.TxAirdrop,
		Amount:      total.String(),
		Status:      task.TxConfirmed,
		BatchResult: batch,
		Timestamp:   e.now().UnixMilli(),
	}
	for _, item := range items {
		if item.Status == task.TxConfirmed {
			batch.CompletedCount++
			record.TxHash = item.TxHash
		} else {
			batch.FailedCount++
		}
	}
	if batch.FailedCount > 0 {
		record.Status = task.TxFailed
		record.Error = fmt.Sprintf("%d of %d airdrop transfers failed", batch.FailedCount, batch.Total)
	}
	e.logger.Info("空投批次完成",
		slog.Int("total", batch.Total),
		slog.Int("completed", batch.CompletedCount),
		slog.Int("failed", batch.FailedCount))
	return record
}

// sendAirdropItem 在同一个钱包槽位内完成单笔转账的全部重试。
func (e *Engine) sendAirdropItem(ctx context.Context, op Op, policy retry.Policy) task.BatchItem {
	var record task.TransactionRecord
	err := e.wallet.Execute(ctx, func(ctx context.Context) error {
		var err error
		record, err = retry.DoValue(ctx, policy, func(ctx context.Context) (task.TransactionRecord, error) {
			return e.executor.Attempt(ctx, op)
		})
		return err
	})
	if record.Type == "" {
		message := "airdrop not attempted"
		if err != nil {
			message = err.Error()
		}
		record = failedRecord(op, message, e.now())
	}
	return task.BatchItem{
		ToAddress: op.ToAddress,
		Amount:    op.Amount,
		TxHash:    record.TxHash,
		Status:    record.Status,
		Error:     record.Error,
	}
}

// confirmedItems 提取上一次空投中已确认的条目，键为 地址|数量。
func confirmedItems(prior *task.TransactionRecord) map[string][]string {
	done := make(map[string][]string)
	if prior == nil || prior.BatchResult == nil {
		return done
	}
	for _, item := range prior.BatchResult.Items {
		if item.Status == task.TxConfirmed {
			key := itemKey(item.ToAddress, item.Amount)
			done[key] = append(done[key], item.TxHash)
		}
	}
	return done
}

func itemKey(address, amount string) string {
	return strings.ToLower(address) + "|" + amount
}
