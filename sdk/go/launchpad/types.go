package launchpad

// Task statuses reported by the service.
const (
	StatusPending       = "PENDING"
	StatusProcessing    = "PROCESSING"
	StatusCompleted     = "COMPLETED"
	StatusPartialFailed = "PARTIAL_FAILED"
	StatusFailed        = "FAILED"
)

// Transfer types accepted by TransferOwnership.
const (
	TransferToken  = "token"
	TransferMining = "mining"
	TransferBoth   = "both"
)

// AirdropItem is a single recipient of the airdrop step.
type AirdropItem struct {
	ToAddress string `json:"toAddress"`
	Amount    string `json:"amount"`
}

// DistributeRequest is the payload of POST /token/distribute. Amounts are
// decimal strings in whole tokens.
type DistributeRequest struct {
	AgentID        string        `json:"agentId"`
	TotalSupply    string        `json:"totalSupply"`
	TokenAddress   string        `json:"tokenAddress"`
	IncludeBurn    bool          `json:"includeBurn,omitempty"`
	BurnPercentage string        `json:"burnPercentage,omitempty"`
	Airdrops       []AirdropItem `json:"airdrops,omitempty"`
	RetryTaskID    string        `json:"retryTaskId,omitempty"`
}

// LiquidityRequest is the payload of POST /agents/{id}/add-liquidity.
type LiquidityRequest struct {
	LiquidityAmount string `json:"liquidityAmount"`
	XAAAmount       string `json:"xaaAmount"`
}

// BatchItem is one transfer of a fan-out step.
type BatchItem struct {
	ToAddress string `json:"toAddress"`
	Amount    string `json:"amount"`
	TxHash    string `json:"txHash,omitempty"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// BatchResult summarises a fan-out step.
type BatchResult struct {
	Total          int         `json:"total"`
	CompletedCount int         `json:"completedCount"`
	FailedCount    int         `json:"failedCount"`
	Items          []BatchItem `json:"items,omitempty"`
}

// TransactionRecord is one on-chain effect attempted by a task.
type TransactionRecord struct {
	Type        string       `json:"type"`
	Amount      string       `json:"amount,omitempty"`
	TxHash      string       `json:"txHash,omitempty"`
	Status      string       `json:"status"`
	ToAddress   string       `json:"toAddress,omitempty"`
	Error       string       `json:"error,omitempty"`
	BatchResult *BatchResult `json:"batchResult,omitempty"`
	Timestamp   int64        `json:"timestamp,omitempty"`
}

// TaskResult carries the ledger of a task.
type TaskResult struct {
	Metadata     map[string]any      `json:"metadata,omitempty"`
	Transactions []TransactionRecord `json:"transactions"`
	Error        string              `json:"error,omitempty"`
}

// Task is a snapshot of a single orchestration attempt.
type Task struct {
	ID          string     `json:"id"`
	Type        string     `json:"type"`
	Status      string     `json:"status"`
	AgentID     string     `json:"agentId"`
	CreatedBy   string     `json:"createdBy,omitempty"`
	CreatedAt   int64      `json:"createdAt"`
	UpdatedAt   int64      `json:"updatedAt"`
	StartedAt   int64      `json:"startedAt,omitempty"`
	CompletedAt int64      `json:"completedAt,omitempty"`
	Result      TaskResult `json:"result"`
}

// Terminal reports whether the task has stopped running.
func (t Task) Terminal() bool {
	switch t.Status {
	case StatusCompleted, StatusPartialFailed, StatusFailed:
		return true
	}
	return false
}

// DistributionView merges all distribution attempts of an agent.
type DistributionView struct {
	AgentID        string                       `json:"agentId,omitempty"`
	Type           string                       `json:"type,omitempty"`
	Transactions   map[string]TransactionRecord `json:"transactions"`
	CompletedSteps []string                     `json:"completedSteps"`
	FailedSteps    []string                     `json:"failedSteps"`
	FinalStatus    string                       `json:"finalStatus"`
	TaskIDs        []string                     `json:"taskIds"`
	LatestTaskID   string                       `json:"latestTaskId,omitempty"`
	LatestStatus   string                       `json:"latestStatus,omitempty"`
}

// TaskStats aggregates task counts by status.
type TaskStats struct {
	Total         int `json:"total"`
	Pending       int `json:"pending"`
	Processing    int `json:"processing"`
	Completed     int `json:"completed"`
	PartialFailed int `json:"partialFailed"`
	Failed        int `json:"failed"`
}

// IAOResult is the sale outcome. IsSuccessful is nil while undetermined.
type IAOResult struct {
	IsSuccessful *bool  `json:"isSuccessful"`
	Error        string `json:"error,omitempty"`
}
