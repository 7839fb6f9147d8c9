package agent

import (
	"context"
	"strings"
	"testing"
	"time"

	xerrors "TokenLaunch-Orchestrator/internal/errors"
	"TokenLaunch-Orchestrator/internal/storage/sqldb"
)

func newSQLiteRepository(t *testing.T) *SQLRepository {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	db, err := sqldb.Open(context.Background(), sqldb.Config{
		Driver: "sqlite",
		DSN:    "file:" + name + "?mode=memory&cache=shared",
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := NewSQLRepository(db)
	if err != nil {
		t.Fatalf("new repository: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func repositories(t *testing.T) map[string]Repository {
	return map[string]Repository{
		"memory": NewMemoryRepository(),
		"sqlite": newSQLiteRepository(t),
	}
}

func seedAgent(t *testing.T, repo Repository, agent *Agent) {
	t.Helper()
	if err := repo.Upsert(context.Background(), agent); err != nil {
		t.Fatalf("upsert agent: %v", err)
	}
}

func TestRepositoryPatchIsIdempotent(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedAgent(t, repo, &Agent{ID: "agent-1", Name: "Alpha", TokenAddress: "0xToken"})

			patch := Patch{LiquidityAdded: true, PoolAddress: String("0xPool")}
			first, err := repo.Update(ctx, "agent-1", patch)
			if err != nil {
				t.Fatalf("first update: %v", err)
			}
			second, err := repo.Update(ctx, "agent-1", patch)
			if err != nil {
				t.Fatalf("second update: %v", err)
			}
			if !first.LiquidityAdded || !second.LiquidityAdded || second.PoolAddress != "0xPool" {
				t.Fatalf("unexpected agent after patch: %+v", second)
			}

			// 未设置的标记不能被清除。
			after, err := repo.Update(ctx, "agent-1", Patch{TokensBurned: true})
			if err != nil {
				t.Fatalf("third update: %v", err)
			}
			if !after.LiquidityAdded || !after.TokensBurned || after.OwnerTransferred {
				t.Fatalf("flags not preserved: %+v", after)
			}
			if after.TokenAddress != "0xToken" || after.Name != "Alpha" {
				t.Fatalf("unrelated fields changed: %+v", after)
			}

			if _, err := repo.Update(ctx, "missing", patch); !xerrors.HasCode(err, CodeAgentNotFound) {
				t.Fatalf("expected not found, got %v", err)
			}
		})
	}
}

func TestRepositoryFindByIAOContractIgnoresCase(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedAgent(t, repo, &Agent{ID: "agent-1", IAOContractAddress: "0xabcDEF0000000000000000000000000000000001"})
			seedAgent(t, repo, &Agent{ID: "agent-2"})

			found, err := repo.FindByIAOContract(ctx, "0xABCdef0000000000000000000000000000000001")
			if err != nil {
				t.Fatalf("find: %v", err)
			}
			if found.ID != "agent-1" {
				t.Fatalf("unexpected agent %s", found.ID)
			}
			if _, err := repo.FindByIAOContract(ctx, "0x0000000000000000000000000000000000000002"); !xerrors.HasCode(err, CodeAgentNotFound) {
				t.Fatalf("expected not found, got %v", err)
			}

			list, err := repo.ListIAOContracts(ctx)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(list) != 1 || list[0].ID != "agent-1" {
				t.Fatalf("unexpected contract list: %+v", list)
			}
		})
	}
}

func TestRepositoryIAOWindowHistory(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedAgent(t, repo, &Agent{ID: "agent-1", IAOContractAddress: "0xIAO", IAOStartTime: 100, IAOEndTime: 200})

			updated, err := repo.UpdateIAOWindow(ctx, IAOWindowChange{
				AgentID:         "agent-1",
				ContractAddress: "0xIAO",
				StartTime:       150,
				EndTime:         300,
				TxHash:          "0xhash1",
				BlockNumber:     10,
			})
			if err != nil {
				t.Fatalf("update window: %v", err)
			}
			if updated.IAOStartTime != 150 || updated.IAOEndTime != 300 {
				t.Fatalf("unexpected window: %+v", updated)
			}
			if _, err := repo.UpdateIAOWindow(ctx, IAOWindowChange{AgentID: "agent-1", ContractAddress: "0xIAO", StartTime: 150, EndTime: 400, BlockNumber: 11}); err != nil {
				t.Fatalf("second update: %v", err)
			}

			history, err := repo.History(ctx, "agent-1")
			if err != nil {
				t.Fatalf("history: %v", err)
			}
			if len(history) != 2 {
				t.Fatalf("expected 2 history entries, got %d", len(history))
			}
			latest := history[0]
			if latest.PreviousEndTime != 300 || latest.EndTime != 400 || latest.BlockNumber != 11 {
				t.Fatalf("unexpected latest entry: %+v", latest)
			}
			oldest := history[1]
			if oldest.PreviousStartTime != 100 || oldest.PreviousEndTime != 200 || oldest.TxHash != "0xhash1" {
				t.Fatalf("unexpected oldest entry: %+v", oldest)
			}

			if _, err := repo.UpdateIAOWindow(ctx, IAOWindowChange{AgentID: "missing"}); !xerrors.HasCode(err, CodeAgentNotFound) {
				t.Fatalf("expected not found, got %v", err)
			}
		})
	}
}

func TestRepositoryIAOResult(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedAgent(t, repo, &Agent{ID: "ended", IAOContractAddress: "0x1", IAOEndTime: 100})
			seedAgent(t, repo, &Agent{ID: "running", IAOContractAddress: "0x2", IAOEndTime: 500})
			seedAgent(t, repo, &Agent{ID: "no-window", IAOContractAddress: "0x3"})

			pending, err := repo.ListIAOUndetermined(ctx, 200)
			if err != nil {
				t.Fatalf("list undetermined: %v", err)
			}
			if len(pending) != 1 || pending[0].ID != "ended" {
				t.Fatalf("unexpected undetermined list: %+v", pending)
			}

			checkedAt := time.Now().UnixMilli()
			if err := repo.SetIAOResult(ctx, "ended", false, checkedAt); err != nil {
				t.Fatalf("set result: %v", err)
			}
			got, err := repo.Get(ctx, "ended")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.IAOSuccessful == nil || *got.IAOSuccessful || got.IAOCheckedAt != checkedAt {
				t.Fatalf("unexpected result: %+v", got)
			}

			pending, err = repo.ListIAOUndetermined(ctx, 200)
			if err != nil {
				t.Fatalf("list undetermined: %v", err)
			}
			if len(pending) != 0 {
				t.Fatalf("expected empty list, got %+v", pending)
			}
			if err := repo.SetIAOResult(ctx, "missing", true, checkedAt); !xerrors.HasCode(err, CodeAgentNotFound) {
				t.Fatalf("expected not found, got %v", err)
			}
		})
	}
}

func TestMemoryRepositoryReturnsCopies(t *testing.T) {
	repo := NewMemoryRepository()
	ok := true
	seedAgent(t, repo, &Agent{ID: "agent-1", IAOSuccessful: &ok})

	got, err := repo.Get(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got.LiquidityAdded = true
	*got.IAOSuccessful = false

	again, _ := repo.Get(context.Background(), "agent-1")
	if again.LiquidityAdded || !*again.IAOSuccessful {
		t.Fatalf("stored agent mutated through copy: %+v", again)
	}
}
