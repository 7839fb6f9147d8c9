package reconcile

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/redis/go-redis/v9"

	"TokenLaunch-Orchestrator/internal/agent"
	xerrors "TokenLaunch-Orchestrator/internal/errors"
	"TokenLaunch-Orchestrator/internal/web3"
)

var (
	iaoAddr     = common.HexToAddress("0x2000000000000000000000000000000000000001")
	strangeAddr = common.HexToAddress("0x2000000000000000000000000000000000000002")
)

type fakeSource struct {
	mu         sync.Mutex
	head       uint64
	logs       []types.Log
	queries    []gethcore.FilterQuery
	failHead   int
	failFilter map[uint64]bool
}

func (f *fakeSource) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failHead > 0 {
		f.failHead--
		return 0, errors.New("rpc unavailable")
	}
	return f.head, nil
}

func (f *fakeSource) FilterLogs(_ context.Context, q gethcore.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	from, to := q.FromBlock.Uint64(), q.ToBlock.Uint64()
	if f.failFilter[from] {
		return nil, errors.New("query returned more than 10000 results")
	}
	watched := make(map[common.Address]bool, len(q.Addresses))
	for _, a := range q.Addresses {
		watched[a] = true
	}
	var out []types.Log
	for _, l := range f.logs {
		if l.BlockNumber >= from && l.BlockNumber <= to && watched[l.Address] {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeSource) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

func timeUpdatedLog(t *testing.T, contract common.Address, block uint64, start, end int64) types.Log {
	t.Helper()
	data, err := web3.IAOABI.Events["TimeUpdated"].Inputs.Pack(big.NewInt(start), big.NewInt(end))
	if err != nil {
		t.Fatalf("pack event: %v", err)
	}
	return types.Log{
		Address:     contract,
		Topics:      []common.Hash{web3.TimeUpdatedTopic},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.BigToHash(new(big.Int).SetUint64(block)),
	}
}

func testConfig() Config {
	cfg := Config{StartBlock: 100, MaxBlockRange: 10, PollInterval: 5 * time.Millisecond, RestartCooldown: 5 * time.Millisecond}
	cfg.ApplyDefaults()
	return cfg
}

func seedAgents(t *testing.T) *agent.MemoryRepository {
	t.Helper()
	repo := agent.NewMemoryRepository()
	err := repo.Upsert(context.Background(), &agent.Agent{
		ID:                 "agent-1",
		IAOContractAddress: iaoAddr.Hex(),
		IAOStartTime:       10,
		IAOEndTime:         20,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return repo
}

func TestPollUpdatesWindowAndHistory(t *testing.T) {
	ctx := context.Background()
	repo := seedAgents(t)
	source := &fakeSource{head: 120, logs: []types.Log{
		timeUpdatedLog(t, iaoAddr, 105, 1000, 2000),
	}}
	cursor := NewMemoryCursor()
	listener := NewListener(testConfig(), source, repo, cursor)

	report, err := listener.Poll(ctx)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if report.Events != 1 || report.Updated != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if n := source.queryCount(); n != 3 {
		t.Fatalf("expected 3 chunked queries for blocks 100-120, got %d", n)
	}
	if next, ok, _ := cursor.Load(ctx); !ok || next != 121 {
		t.Fatalf("cursor should move past the head, got %d %v", next, ok)
	}

	a, _ := repo.Get(ctx, "agent-1")
	if a.IAOStartTime != 1000 || a.IAOEndTime != 2000 {
		t.Fatalf("window not updated: %d-%d", a.IAOStartTime, a.IAOEndTime)
	}
	history, _ := repo.History(ctx, "agent-1")
	if len(history) != 1 || history[0].PreviousStartTime != 10 || history[0].PreviousEndTime != 20 || history[0].BlockNumber != 105 {
		t.Fatalf("unexpected history %+v", history)
	}
}

func TestPollBackfillsContractRegisteredBehindCursor(t *testing.T) {
	ctx := context.Background()
	repo := seedAgents(t)
	lateAddr := common.HexToAddress("0x2000000000000000000000000000000000000003")
	source := &fakeSource{head: 120, logs: []types.Log{
		timeUpdatedLog(t, lateAddr, 103, 50, 60),
		timeUpdatedLog(t, lateAddr, 108, 70, 80),
	}}
	cursor := NewMemoryCursor()
	listener := NewListener(testConfig(), source, repo, cursor)

	if _, err := listener.Poll(ctx); err != nil {
		t.Fatalf("first poll: %v", err)
	}
	err := repo.Upsert(ctx, &agent.Agent{ID: "agent-2", IAOContractAddress: lateAddr.Hex(), IAOStartTime: 1, IAOEndTime: 2})
	if err != nil {
		t.Fatalf("register agent-2: %v", err)
	}
	source.mu.Lock()
	source.head = 125
	source.mu.Unlock()

	report, err := listener.Poll(ctx)
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if report.Backfilled != 1 || report.Updated != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	a, _ := repo.Get(ctx, "agent-2")
	if a.IAOStartTime != 70 || a.IAOEndTime != 80 {
		t.Fatalf("window should follow the latest event, got %d-%d", a.IAOStartTime, a.IAOEndTime)
	}
	history, _ := repo.History(ctx, "agent-2")
	if len(history) != 1 || history[0].BlockNumber != 108 {
		t.Fatalf("unexpected history %+v", history)
	}

	restarted := NewListener(testConfig(), source, repo, cursor)
	report, err = restarted.Poll(ctx)
	if err != nil {
		t.Fatalf("poll after restart: %v", err)
	}
	if report.Updated != 0 {
		t.Fatalf("replayed events must not update again, got %+v", report)
	}
	if history, _ := repo.History(ctx, "agent-2"); len(history) != 1 {
		t.Fatalf("restart added history: %+v", history)
	}
}

func TestPollSkipsIrrelevantEvents(t *testing.T) {
	ctx := context.Background()
	repo := seedAgents(t)
	removed := timeUpdatedLog(t, iaoAddr, 101, 5, 6)
	removed.Removed = true
	garbled := timeUpdatedLog(t, iaoAddr, 102, 5, 6)
	garbled.Data = []byte{0x01}
	source := &fakeSource{head: 105, logs: []types.Log{
		removed,
		garbled,
		timeUpdatedLog(t, iaoAddr, 103, 10, 20),
		timeUpdatedLog(t, strangeAddr, 104, 7, 8),
	}}
	listener := NewListener(testConfig(), source, repo, nil)

	report, err := listener.Poll(ctx)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if report.Events != 3 || report.Updated != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	history, _ := repo.History(ctx, "agent-1")
	if len(history) != 0 {
		t.Fatalf("no history expected, got %d", len(history))
	}
}

func TestPollErrorKeepsCursorAtFailedChunk(t *testing.T) {
	ctx := context.Background()
	repo := seedAgents(t)
	source := &fakeSource{head: 125, failFilter: map[uint64]bool{110: true}}
	cursor := NewMemoryCursor()
	listener := NewListener(testConfig(), source, repo, cursor)

	_, err := listener.Poll(ctx)
	if !xerrors.HasCode(err, xerrors.CodeReconciliation) {
		t.Fatalf("expected reconciliation error, got %v", err)
	}
	if next, _, _ := cursor.Load(ctx); next != 110 {
		t.Fatalf("cursor should stop at the failed chunk, got %d", next)
	}
}

func TestPollRespectsConfirmations(t *testing.T) {
	ctx := context.Background()
	repo := seedAgents(t)
	cfg := testConfig()
	cfg.Confirmations = 5
	source := &fakeSource{head: 104, logs: []types.Log{timeUpdatedLog(t, iaoAddr, 102, 1, 2)}}
	cursor := NewMemoryCursor()
	listener := NewListener(cfg, source, repo, cursor)

	if _, err := listener.Poll(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if source.queryCount() != 0 {
		t.Fatalf("blocks past the confirmed head must not be read")
	}
	if _, ok, _ := cursor.Load(ctx); ok {
		t.Fatalf("cursor should not move")
	}
}

func TestListenerRestartsAfterFailure(t *testing.T) {
	ctx := context.Background()
	repo := seedAgents(t)
	source := &fakeSource{head: 110, failHead: 3, logs: []types.Log{timeUpdatedLog(t, iaoAddr, 105, 300, 400)}}
	listener := NewListener(testConfig(), source, repo, NewMemoryCursor())

	if err := listener.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := listener.Start(ctx); err == nil {
		t.Fatalf("second start should fail")
	}
	defer listener.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		a, _ := repo.Get(ctx, "agent-1")
		if a.IAOEndTime == 400 {
			listener.Stop()
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("listener did not recover from RPC failures")
}

func TestRedisCursor(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer client.Close()
	ctx := context.Background()

	cursor := NewRedisCursorWithClient(client, "test:cursor")
	if _, ok, err := cursor.Load(ctx); err != nil || ok {
		t.Fatalf("empty cursor: ok=%v err=%v", ok, err)
	}
	if err := cursor.Save(ctx, 42); err != nil {
		t.Fatalf("save: %v", err)
	}
	block, ok, err := cursor.Load(ctx)
	if err != nil || !ok || block != 42 {
		t.Fatalf("load = %d %v %v", block, ok, err)
	}
	if err := cursor.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := NewCursorStore(CursorConfig{Driver: "etcd"}); err == nil {
		t.Fatalf("unknown driver should fail")
	}
}

type fakeCaller struct {
	mu      sync.Mutex
	calls   int
	results map[common.Address]any
}

func (f *fakeCaller) CallContract(_ context.Context, call web3.Call) ([]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	switch v := f.results[call.To].(type) {
	case error:
		return nil, v
	case bool:
		return []any{v}, nil
	default:
		return nil, errors.New("execution reverted")
	}
}

func fixedChecker(caller Caller, repo agent.Repository, now time.Time) *SuccessChecker {
	c := NewSuccessChecker(caller, repo)
	c.now = func() time.Time { return now }
	return c
}

func TestCheckBeforeEndSkipsChain(t *testing.T) {
	caller := &fakeCaller{}
	now := time.Unix(1_000, 0)
	checker := fixedChecker(caller, agent.NewMemoryRepository(), now)

	result := checker.Check(context.Background(), &agent.Agent{ID: "a", IAOContractAddress: iaoAddr.Hex(), IAOEndTime: 2_000})
	if result.IsSuccessful != nil || result.Error != MessageNotEnded {
		t.Fatalf("unexpected result %+v", result)
	}
	if caller.calls != 0 {
		t.Fatalf("chain must not be read before the sale ends")
	}

	result = checker.Check(context.Background(), &agent.Agent{ID: "b", IAOEndTime: 10})
	if result.IsSuccessful != nil || result.Error != MessageNoContract {
		t.Fatalf("missing contract should be undetermined, got %+v", result)
	}
}

func TestCheckDistinguishesFalseFromUnknown(t *testing.T) {
	other := common.HexToAddress("0x2000000000000000000000000000000000000003")
	caller := &fakeCaller{results: map[common.Address]any{
		iaoAddr: false,
		other:   errors.New("execution reverted"),
	}}
	checker := fixedChecker(caller, agent.NewMemoryRepository(), time.Unix(5_000, 0))

	failed := checker.Check(context.Background(), &agent.Agent{ID: "a", IAOContractAddress: iaoAddr.Hex(), IAOEndTime: 10})
	if failed.IsSuccessful == nil || *failed.IsSuccessful {
		t.Fatalf("expected a defined false, got %+v", failed)
	}
	unknown := checker.Check(context.Background(), &agent.Agent{ID: "b", IAOContractAddress: other.Hex(), IAOEndTime: 10})
	if unknown.IsSuccessful != nil || unknown.Error == "" {
		t.Fatalf("reverted call should be undetermined, got %+v", unknown)
	}
}

func TestSweepPersistsDeterminedResults(t *testing.T) {
	ctx := context.Background()
	other := common.HexToAddress("0x2000000000000000000000000000000000000003")
	repo := agent.NewMemoryRepository()
	for _, a := range []*agent.Agent{
		{ID: "ended", IAOContractAddress: iaoAddr.Hex(), IAOEndTime: 100},
		{ID: "reverts", IAOContractAddress: other.Hex(), IAOEndTime: 100},
		{ID: "running", IAOContractAddress: strangeAddr.Hex(), IAOEndTime: 9_000},
	} {
		if err := repo.Upsert(ctx, a); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	caller := &fakeCaller{results: map[common.Address]any{iaoAddr: true, strangeAddr: true}}
	checker := fixedChecker(caller, repo, time.Unix(1_000, 0))

	report, err := checker.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Checked != 2 || report.Determined != 1 || report.Undetermined != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	ended, _ := repo.Get(ctx, "ended")
	if ended.IAOSuccessful == nil || !*ended.IAOSuccessful || ended.IAOCheckedAt == 0 {
		t.Fatalf("result not persisted: %+v", ended)
	}
	reverts, _ := repo.Get(ctx, "reverts")
	if reverts.IAOSuccessful != nil {
		t.Fatalf("undetermined results must stay null")
	}
	result, err := checker.CheckByID(ctx, "running")
	if err != nil || result.Error != MessageNotEnded {
		t.Fatalf("running sale should not be determinable: %+v %v", result, err)
	}
}
