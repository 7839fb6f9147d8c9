package task

// MergedView 是同一 Agent 多次尝试合并后的逻辑视图，不落库。
type MergedView struct {
	AgentID        string                       `json:"agentId,omitempty"`
	Type           Type                         `json:"type,omitempty"`
	Transactions   map[TxType]TransactionRecord `json:"transactions"`
	CompletedSteps []TxType                     `json:"completedSteps"`
	FailedSteps    []TxType                     `json:"failedSteps"`
	FinalStatus    Status                       `json:"finalStatus"`
	TaskIDs        []string                     `json:"taskIds"`
	LatestTaskID   string                       `json:"latestTaskId,omitempty"`
	LatestStatus   Status                       `json:"latestStatus,omitempty"`
}

// Merge 按新到旧的顺序合并任务的交易记录。
//
// 每种交易类型只保留一条权威记录：先出现的记录占位，之后只有 confirmed
// 记录可以覆盖尚未 confirmed 的记录，与先后顺序无关。
func Merge(tasks []*Task) MergedView {
	view := MergedView{
		Transactions:   make(map[TxType]TransactionRecord),
		CompletedSteps: []TxType{},
		FailedSteps:    []TxType{},
		TaskIDs:        make([]string, 0, len(tasks)),
	}
	for _, t := range tasks {
		if t == nil {
			continue
		}
		if view.LatestTaskID == "" {
			view.LatestTaskID = t.ID
			view.LatestStatus = t.Status
			view.AgentID = t.AgentID
			view.Type = t.Type
		}
		view.TaskIDs = append(view.TaskIDs, t.ID)
		for _, tx := range t.Result.Transactions {
			existing, seen := view.Transactions[tx.Type]
			if !seen || (tx.Status == TxConfirmed && existing.Status != TxConfirmed) {
				view.Transactions[tx.Type] = tx
			}
		}
	}

	for _, step := range StepOrder {
		tx, ok := view.Transactions[step]
		if !ok {
			continue
		}
		switch tx.Status {
		case TxConfirmed:
			view.CompletedSteps = append(view.CompletedSteps, step)
		case TxFailed:
			view.FailedSteps = append(view.FailedSteps, step)
		}
	}
	view.FinalStatus = classify(len(view.Transactions), len(view.CompletedSteps), len(view.FailedSteps))
	return view
}

// Completed 判断某个步骤在合并视图中是否已经确认。
func (v MergedView) Completed(step TxType) bool {
	tx, ok := v.Transactions[step]
	return ok && tx.Status == TxConfirmed
}

func classify(total, completed, failed int) Status {
	switch {
	case total == 0:
		return StatusPending
	case failed == 0 && completed > 0:
		return StatusCompleted
	case failed > 0 && completed > 0:
		return StatusPartialFailed
	case failed > 0:
		return StatusFailed
	default:
		// 只有 pending 记录：仍在执行中。
		return StatusPending
	}
}
