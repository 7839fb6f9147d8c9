package distribution

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "TokenLaunch-Orchestrator/internal/errors"
	"TokenLaunch-Orchestrator/internal/observability/metrics"
	"TokenLaunch-Orchestrator/internal/task"
	"TokenLaunch-Orchestrator/internal/web3"
	"TokenLaunch-Orchestrator/pkg/logger"
)

// Op 描述一个逻辑链上效果，可能由多笔顺序执行的交易组成（例如先授权再调用）。
type Op struct {
	Type      task.TxType
	Amount    string
	ToAddress string
	Calls     []web3.Call
}

// Executor 通过托管签名提交交易并将结果归类为 confirmed 或 failed。
type Executor struct {
	client         web3.Client
	receiptTimeout time.Duration
	logger         *slog.Logger
	now            func() time.Time
}

// NewExecutor 创建 Executor。receiptTimeout 限制每笔交易等待回执的时间。
func NewExecutor(client web3.Client, receiptTimeout time.Duration) *Executor {
	if receiptTimeout <= 0 {
		receiptTimeout = 60 * time.Second
	}
	return &Executor{
		client:         client,
		receiptTimeout: receiptTimeout,
		logger:         logger.Named("executor"),
		now:            time.Now,
	}
}

// Execute 执行 op 并返回唯一一条交易记录，从不返回错误。
func (e *Executor) Execute(ctx context.Context, op Op) task.TransactionRecord {
	record, _ := e.Attempt(ctx, op)
	return record
}

// Attempt 与 Execute 相同，但同时返回分类后的错误，供重试策略判断。
// 提交失败对应 TX_SUBMISSION_FAILED（可重试），回执失败对应 TX_REVERTED，
// 等待超时对应 TIMEOUT，后两者都不可按原参数直接重试。
func (e *Executor) Attempt(ctx context.Context, op Op) (task.TransactionRecord, error) {
	record := task.TransactionRecord{
		Type:      op.Type,
		Amount:    op.Amount,
		ToAddress: op.ToAddress,
		Status:    task.TxPending,
	}
	err := e.run(ctx, op, &record)
	record.Timestamp = e.now().UnixMilli()
	if err != nil {
		record.Status = task.TxFailed
		record.Error = xerrors.MessageOf(err)
	} else {
		record.Status = task.TxConfirmed
	}
	metrics.ObserveTransaction(string(op.Type), string(record.Status))

	attrs := []any{
		slog.String("tx_type", string(op.Type)),
		slog.String("tx_hash", record.TxHash),
		slog.String("to", op.ToAddress),
		slog.String("status", string(record.Status)),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", record.Error), slog.String("code", string(xerrors.CodeOf(err))))
		e.logger.Warn("链上交易失败", attrs...)
	} else {
		e.logger.Info("链上交易已确认", attrs...)
	}
	return record, err
}

func (e *Executor) run(ctx context.Context, op Op, record *task.TransactionRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = xerrors.New(xerrors.CodeSubmission, fmt.Sprintf("panic: %v", r), xerrors.WithRetryable(false))
		}
	}()
	if e.client == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "链客户端未初始化", xerrors.WithRetryable(false))
	}
	if len(op.Calls) == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "没有可执行的合约调用")
	}

	for _, call := range op.Calls {
		hash, sendErr := e.client.SendTransaction(ctx, call)
		if sendErr != nil {
			return xerrors.New(xerrors.CodeSubmission, sendErr.Error())
		}
		record.TxHash = hash.Hex()
		if err := e.wait(ctx, call.Method, hash); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) wait(ctx context.Context, method string, hash common.Hash) error {
	waitCtx, cancel := context.WithTimeout(ctx, e.receiptTimeout)
	defer cancel()

	receipt, err := e.client.WaitReceipt(waitCtx, hash)
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return xerrors.New(xerrors.CodeTimeout,
				fmt.Sprintf("transaction %s not confirmed within %s; verify on-chain state before retry", hash.Hex(), e.receiptTimeout),
				xerrors.WithMetadata("tx_hash", hash.Hex()))
		}
		if ctx.Err() != nil {
			return xerrors.New(xerrors.CodeTimeout,
				fmt.Sprintf("waiting for transaction %s interrupted: %v; verify on-chain state before retry", hash.Hex(), ctx.Err()),
				xerrors.WithMetadata("tx_hash", hash.Hex()))
		}
		return xerrors.New(xerrors.CodeTimeout,
			fmt.Sprintf("receipt for transaction %s unavailable: %v", hash.Hex(), err),
			xerrors.WithMetadata("tx_hash", hash.Hex()))
	}
	if !receipt.Succeeded() {
		return xerrors.New(xerrors.CodeReverted,
			fmt.Sprintf("transaction %s reverted (%s)", hash.Hex(), method),
			xerrors.WithMetadata("tx_hash", hash.Hex()))
	}
	return nil
}
