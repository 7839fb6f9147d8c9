package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"time"

	"TokenLaunch-Orchestrator/sdk/go/launchpad"
)

func main() {
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /token/distribute", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"taskId": "task-demo"})
	})
	mux.HandleFunc("GET /agents/agent-demo/tasks/task-demo", func(w http.ResponseWriter, r *http.Request) {
		status := launchpad.StatusProcessing
		if polls.Add(1) > 2 {
			status = launchpad.StatusCompleted
		}
		_ = json.NewEncoder(w).Encode(launchpad.Task{
			ID:      "task-demo",
			Type:    "DISTRIBUTE_TOKENS",
			AgentID: "agent-demo",
			Status:  status,
			Result: launchpad.TaskResult{Transactions: []launchpad.TransactionRecord{
				{Type: "creator", Status: "confirmed", TxHash: "0x01"},
				{Type: "iao", Status: "confirmed", TxHash: "0x02"},
			}},
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := launchpad.NewClient(srv.URL, srv.Client(),
		launchpad.WithPrincipal("demo@example.com"),
		launchpad.WithPollOptions(launchpad.PollOptions{Interval: 100 * time.Millisecond, MaxAttempts: 10}),
	)
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	final, err := client.DistributeAndWait(ctx, launchpad.DistributeRequest{
		AgentID:      "agent-demo",
		TotalSupply:  "1000000000",
		TokenAddress: "0x0000000000000000000000000000000000000001",
		IncludeBurn:  true,
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("task %s finished with status %s\n", final.ID, final.Status)
	for _, tx := range final.Result.Transactions {
		fmt.Printf("  %-10s %-10s %s\n", tx.Type, tx.Status, tx.TxHash)
	}
}
