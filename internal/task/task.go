package task

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"strings"

	xerrors "TokenLaunch-Orchestrator/internal/errors"
)

// Type 表示一次编排尝试的业务类型。
type Type string

const (
	TypeDistributeTokens      Type = "DISTRIBUTE_TOKENS"
	TypeAddLiquidity          Type = "ADD_LIQUIDITY"
	TypeBurnTokens            Type = "BURN_TOKENS"
	TypeTransferOwnership     Type = "TRANSFER_OWNERSHIP"
	TypeDeployMining          Type = "DEPLOY_MINING"
	TypeDeployPaymentContract Type = "DEPLOY_PAYMENT_CONTRACT"
	TypeBurnXAAAndNFT         Type = "BURN_XAA_AND_NFT"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusPending       Status = "PENDING"
	StatusProcessing    Status = "PROCESSING"
	StatusCompleted     Status = "COMPLETED"
	StatusPartialFailed Status = "PARTIAL_FAILED"
	StatusFailed        Status = "FAILED"
)

// TxType 标识一条链上交易记录所属的步骤。
type TxType string

const (
	TxCreator   TxType = "creator"
	TxIAO       TxType = "iao"
	TxLiquidity TxType = "liquidity"
	TxAirdrop   TxType = "airdrop"
	TxMining    TxType = "mining"
	TxBurn      TxType = "burn"
	TxOwnership TxType = "ownership"
	TxNFT       TxType = "nft"
	TxPayment   TxType = "payment"
)

// StepOrder 是合并视图输出步骤列表时使用的固定顺序。
var StepOrder = []TxType{TxCreator, TxIAO, TxLiquidity, TxAirdrop, TxMining, TxBurn, TxOwnership, TxNFT, TxPayment}

// TxStatus 表示单条交易记录的确认状态。
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

// BatchItem 记录批量发送中的单笔转账。
type BatchItem struct {
	ToAddress string   `json:"toAddress"`
	Amount    string   `json:"amount"`
	TxHash    string   `json:"txHash,omitempty"`
	Status    TxStatus `json:"status"`
	Error     string   `json:"error,omitempty"`
}

// BatchResult 汇总扇出操作的逐笔结果。
type BatchResult struct {
	Total          int         `json:"total"`
	CompletedCount int         `json:"completedCount"`
	FailedCount    int         `json:"failedCount"`
	Items          []BatchItem `json:"items,omitempty"`
}

// TransactionRecord 描述任务中尝试的一次链上效果。
type TransactionRecord struct {
	Type        TxType       `json:"type"`
	Amount      string       `json:"amount,omitempty"`
	TxHash      string       `json:"txHash,omitempty"`
	Status      TxStatus     `json:"status"`
	ToAddress   string       `json:"toAddress,omitempty"`
	Error       string       `json:"error,omitempty"`
	BatchResult *BatchResult `json:"batchResult,omitempty"`
	Timestamp   int64        `json:"timestamp,omitempty"`
}

// TaskResult 是任务的结构化结果：输入参数、交易账本与错误信息。
type TaskResult struct {
	Metadata     map[string]any      `json:"metadata,omitempty"`
	Transactions []TransactionRecord `json:"transactions"`
	Error        string              `json:"error,omitempty"`
}

// ResultPatch 描述一次状态迁移对结果的增量修改。Metadata 不可修改。
type ResultPatch struct {
	// Transactions 非 nil 时整体替换交易账本。
	Transactions []TransactionRecord
	// Error 非空时覆盖错误信息。
	Error string
}

// Task 描述一次编排尝试。
type Task struct {
	ID          string     `json:"id"`
	Type        Type       `json:"type"`
	Status      Status     `json:"status"`
	AgentID     string     `json:"agentId"`
	CreatedBy   string     `json:"createdBy,omitempty"`
	CreatedAt   int64      `json:"createdAt"`
	UpdatedAt   int64      `json:"updatedAt"`
	StartedAt   int64      `json:"startedAt,omitempty"`
	CompletedAt int64      `json:"completedAt,omitempty"`
	Result      TaskResult `json:"result"`
}

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrTaskConflict 表示任务 ID 已存在。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "task conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrTaskInProgress 表示同一 Agent 已有进行中的同类任务。
	ErrTaskInProgress = xerrors.New(CodeTaskInProgress, "task already in progress")
	// ErrInvalidTransition 表示状态迁移不合法。
	ErrInvalidTransition = xerrors.New(CodeTaskInvalidTransition, "invalid task status transition")
)

const (
	CodeTaskNotFound          xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskConflict          xerrors.Code = "TASK_CONFLICT"
	CodeTaskInProgress        xerrors.Code = "TASK_IN_PROGRESS"
	CodeTaskInvalidTransition xerrors.Code = "TASK_INVALID_TRANSITION"
	CodeTaskValidation        xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskPublish           xerrors.Code = "TASK_PUBLISH_FAILED"
	CodeTaskProcessing        xerrors.Code = "TASK_PROCESSING_FAILED"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:    "task not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
	xerrors.Register(CodeTaskConflict, xerrors.Attributes{
		Message:    "task conflict",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeTaskInProgress, xerrors.Attributes{
		Message:    "task already in progress",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusTooManyRequests,
	})
	xerrors.Register(CodeTaskInvalidTransition, xerrors.Attributes{
		Message:    "invalid task status transition",
		Severity:   xerrors.SeverityWarning,
		Alert:      true,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:    "task validation failed",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusBadRequest,
	})
	xerrors.Register(CodeTaskPublish, xerrors.Attributes{
		Message:    "failed to publish task",
		Severity:   xerrors.SeverityCritical,
		Retryable:  true,
		Alert:      true,
		HTTPStatus: http.StatusInternalServerError,
	})
	xerrors.Register(CodeTaskProcessing, xerrors.Attributes{
		Message:    "task execution failed",
		Severity:   xerrors.SeverityWarning,
		Alert:      true,
		HTTPStatus: http.StatusInternalServerError,
	})
}

// IsTerminal 判断状态是否为终态。
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusPartialFailed || s == StatusFailed
}

// IsActive 判断任务是否仍由后台持有。
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusProcessing
}

// CanTransition 判断从 from 到 to 的迁移是否满足单调性。
// PROCESSING 到 PROCESSING 用于在执行中途写入交易账本；
// 终态只允许迁移到自身，用于补写被中断任务的账本。
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusFailed
	case StatusProcessing:
		return to == StatusProcessing || to.IsTerminal()
	default:
		return from.IsTerminal() && to == from
	}
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusProcessing, StatusCompleted, StatusPartialFailed, StatusFailed:
		return true
	default:
		return false
	}
}

// IsValidType 检查任务类型。
func IsValidType(t Type) bool {
	switch t {
	case TypeDistributeTokens, TypeAddLiquidity, TypeBurnTokens, TypeTransferOwnership,
		TypeDeployMining, TypeDeployPaymentContract, TypeBurnXAAAndNFT:
		return true
	default:
		return false
	}
}

// IsValidTxType 检查交易记录类型。
func IsValidTxType(t TxType) bool {
	for _, known := range StepOrder {
		if known == t {
			return true
		}
	}
	return false
}

// Validate 在每次写入前检查结果结构。
func (r TaskResult) Validate() error {
	for i, tx := range r.Transactions {
		if !IsValidTxType(tx.Type) {
			return xerrors.New(CodeTaskValidation, fmt.Sprintf("transactions[%d]: unknown type %q", i, tx.Type))
		}
		switch tx.Status {
		case TxPending, TxConfirmed, TxFailed:
		default:
			return xerrors.New(CodeTaskValidation, fmt.Sprintf("transactions[%d]: unknown status %q", i, tx.Status))
		}
		if tx.Status == TxFailed && strings.TrimSpace(tx.Error) == "" {
			return xerrors.New(CodeTaskValidation, fmt.Sprintf("transactions[%d]: failed record requires an error", i))
		}
		if b := tx.BatchResult; b != nil && b.CompletedCount+b.FailedCount > b.Total {
			return xerrors.New(CodeTaskValidation, fmt.Sprintf("transactions[%d]: batch counts exceed total", i))
		}
	}
	return nil
}

// apply 合并补丁，始终保留原有的 Metadata。
func (r TaskResult) apply(patch ResultPatch) TaskResult {
	next := TaskResult{
		Metadata:     r.Metadata,
		Transactions: r.Transactions,
		Error:        r.Error,
	}
	if patch.Transactions != nil {
		next.Transactions = cloneTransactions(patch.Transactions)
	}
	if patch.Error != "" {
		next.Error = patch.Error
	}
	return next
}

// IsTaskError 判断错误是否为指定的任务错误码。
func IsTaskError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	return stdErrors.Is(err, xerrors.New(target, ""))
}

func cloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]any, len(metadata))
	for key, value := range metadata {
		cloned[key] = cloneValue(value)
	}
	return cloned
}

func cloneValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return cloneMetadata(v)
	case []any:
		out := make([]any, len(v))
		for i := range v {
			out[i] = cloneValue(v[i])
		}
		return out
	default:
		return v
	}
}

func cloneTransactions(txs []TransactionRecord) []TransactionRecord {
	if txs == nil {
		return nil
	}
	out := make([]TransactionRecord, len(txs))
	for i, tx := range txs {
		out[i] = tx
		if tx.BatchResult != nil {
			batch := *tx.BatchResult
			batch.Items = append([]BatchItem(nil), tx.BatchResult.Items...)
			out[i].BatchResult = &batch
		}
	}
	return out
}

func cloneTask(task *Task) *Task {
	clone := *task
	clone.Result = TaskResult{
		Metadata:     cloneMetadata(task.Result.Metadata),
		Transactions: cloneTransactions(task.Result.Transactions),
		Error:        task.Result.Error,
	}
	return &clone
}
