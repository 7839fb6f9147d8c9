package distribution

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"TokenLaunch-Orchestrator/internal/agent"
	xerrors "TokenLaunch-Orchestrator/internal/errors"
	"TokenLaunch-Orchestrator/internal/task"
	"TokenLaunch-Orchestrator/internal/web3"
	"TokenLaunch-Orchestrator/pkg/limiter"
	"TokenLaunch-Orchestrator/pkg/retry"
)

const (
	outcomeReject  = "reject"
	outcomeRevert  = "revert"
	outcomeTimeout = "timeout"
)

var (
	custodialAddr = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	tokenAddr     = common.HexToAddress("0x1000000000000000000000000000000000000001")
	creatorAddr   = common.HexToAddress("0x1000000000000000000000000000000000000002")
	iaoAddr       = common.HexToAddress("0x1000000000000000000000000000000000000003")
	routerAddr    = common.HexToAddress("0x1000000000000000000000000000000000000004")
	factoryAddr   = common.HexToAddress("0x1000000000000000000000000000000000000005")
	xaaAddr       = common.HexToAddress("0x1000000000000000000000000000000000000006")
	pairAddr      = common.HexToAddress("0x1000000000000000000000000000000000000007")
	nftAddr       = common.HexToAddress("0x1000000000000000000000000000000000000008")
	miningAddr    = common.HexToAddress("0x1000000000000000000000000000000000000009")
)

// fakeChain 按 decide 的返回值模拟提交失败、回滚与回执超时。
type fakeChain struct {
	mu       sync.Mutex
	seq      int64
	sent     []web3.Call
	outcomes map[common.Hash]string
	decide   func(call web3.Call) string
}

func newFakeChain() *fakeChain {
	return &fakeChain{outcomes: make(map[common.Hash]string)}
}

func (f *fakeChain) Address() common.Address { return custodialAddr }

func (f *fakeChain) SendTransaction(_ context.Context, call web3.Call) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, call)
	outcome := ""
	if f.decide != nil {
		outcome = f.decide(call)
	}
	if outcome == outcomeReject {
		return common.Hash{}, errors.New("nonce too low")
	}
	f.seq++
	hash := common.BigToHash(big.NewInt(f.seq))
	f.outcomes[hash] = outcome
	return hash, nil
}

func (f *fakeChain) WaitReceipt(ctx context.Context, hash common.Hash) (*web3.Receipt, error) {
	f.mu.Lock()
	outcome := f.outcomes[hash]
	f.mu.Unlock()
	switch outcome {
	case outcomeTimeout:
		<-ctx.Done()
		return nil, ctx.Err()
	case outcomeRevert:
		return &web3.Receipt{TxHash: hash, Status: types.ReceiptStatusFailed}, nil
	default:
		return &web3.Receipt{TxHash: hash, Status: types.ReceiptStatusSuccessful}, nil
	}
}

func (f *fakeChain) CallContract(_ context.Context, call web3.Call) ([]any, error) {
	if call.Method == "getPair" {
		return []any{pairAddr}, nil
	}
	return nil, errors.New("unexpected call " + call.Method)
}

func (f *fakeChain) FilterLogs(context.Context, gethcore.FilterQuery) ([]types.Log, error) {
	return nil, nil
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) { return 0, nil }

func (f *fakeChain) Close() {}

func (f *fakeChain) calls() []web3.Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]web3.Call(nil), f.sent...)
}

// count 统计发往 to 的 method 调用次数；recipient 非空时还要求首个参数匹配。
func (f *fakeChain) count(method string, to common.Address, recipient *common.Address) int {
	n := 0
	for _, call := range f.calls() {
		if call.Method != method || call.To != to {
			continue
		}
		if recipient != nil {
			if len(call.Args) == 0 || call.Args[0] != *recipient {
				continue
			}
		}
		n++
	}
	return n
}

func isTransferTo(call web3.Call, recipient common.Address) bool {
	return call.Method == "transfer" && len(call.Args) > 0 && call.Args[0] == recipient
}

type fakeDeployer struct {
	mu      sync.Mutex
	calls   int
	pending bool
	results []deployResult
}

type deployResult struct {
	address string
	err     error
}

func (d *fakeDeployer) next() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if len(d.results) == 0 {
		return miningAddr.Hex(), nil
	}
	r := d.results[0]
	if len(d.results) > 1 {
		d.results = d.results[1:]
	}
	return r.address, r.err
}

func (d *fakeDeployer) DeployMining(context.Context, *agent.Agent) (string, error)  { return d.next() }
func (d *fakeDeployer) DeployPayment(context.Context, *agent.Agent) (string, error) { return d.next() }
func (d *fakeDeployer) Pending(context.Context, string) (bool, error)               { return d.pending, nil }

type harness struct {
	chain     *fakeChain
	agents    *agent.MemoryRepository
	store     *task.MemoryStore
	tasks     *task.Service
	engine    *Engine
	service   *Service
	processor *task.Processor
}

func testConfig() Config {
	cfg := Config{
		XAATokenAddress:    xaaAddr.Hex(),
		RouterAddress:      routerAddr.Hex(),
		FactoryAddress:     factoryAddr.Hex(),
		NFTContractAddress: nftAddr.Hex(),
		LiquidityXAAAmount: "1000",
		XAABurnAmount:      "10",
		ReceiptTimeout:     time.Second,
	}
	cfg.ApplyDefaults()
	return cfg
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		chain:  newFakeChain(),
		agents: agent.NewMemoryRepository(),
		store:  task.NewMemoryStore(),
	}
	h.tasks = task.NewService(h.store, task.NewMemoryQueue(64))
	base := []Option{
		WithWalletLimiter(limiter.New(1)),
		WithAirdropPolicy(retry.AirdropSend.WithDelay(time.Millisecond)),
		WithDeploymentPolicy(retry.Deployment.WithDelay(time.Millisecond)),
	}
	h.engine = NewEngine(cfg, h.chain, h.agents, h.tasks, append(base, opts...)...)
	h.service = NewService(h.engine, h.tasks, h.agents)
	h.processor = task.NewProcessor(h.store, nil)
	h.engine.Register(h.processor)
	return h
}

func (h *harness) seedAgent(t *testing.T, mutate func(a *agent.Agent)) {
	t.Helper()
	a := &agent.Agent{
		ID:                 "agent-1",
		CreatorAddress:     creatorAddr.Hex(),
		TokenAddress:       tokenAddr.Hex(),
		IAOContractAddress: iaoAddr.Hex(),
	}
	if mutate != nil {
		mutate(a)
	}
	if err := h.agents.Upsert(context.Background(), a); err != nil {
		t.Fatalf("seed agent: %v", err)
	}
}

func (h *harness) agent(t *testing.T) *agent.Agent {
	t.Helper()
	a, err := h.agents.Get(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("load agent: %v", err)
	}
	return a
}

// run 同步执行已提交的任务并返回终态快照。
func (h *harness) run(t *testing.T, submitted *task.Task) *task.Task {
	t.Helper()
	if err := h.processor.Handle(context.Background(), submitted.ID); err != nil {
		t.Fatalf("handle task: %v", err)
	}
	final, err := h.store.Get(context.Background(), submitted.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	return final
}

func txTypes(records []task.TransactionRecord) []task.TxType {
	out := make([]task.TxType, 0, len(records))
	for _, r := range records {
		out = append(out, r.Type)
	}
	return out
}

func equalTypes(got, want []task.TxType) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func distributeRequest() DistributeRequest {
	return DistributeRequest{
		AgentID:      "agent-1",
		TotalSupply:  "1000000",
		TokenAddress: tokenAddr.Hex(),
		IncludeBurn:  true,
	}
}

func TestDistributeRunsFullPipeline(t *testing.T) {
	h := newHarness(t, testConfig())
	h.seedAgent(t, nil)

	submitted, err := h.service.Distribute(context.Background(), distributeRequest(), "ops")
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	final := h.run(t, submitted)
	if final.Status != task.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", final.Status, final.Result.Error)
	}
	want := []task.TxType{task.TxCreator, task.TxIAO, task.TxLiquidity, task.TxBurn, task.TxOwnership}
	if got := txTypes(final.Result.Transactions); !equalTypes(got, want) {
		t.Fatalf("unexpected steps: %v", got)
	}
	records := final.Result.Transactions
	if records[0].Amount != "150000000000000000000000" {
		t.Fatalf("unexpected creator amount %s", records[0].Amount)
	}
	if records[3].Amount != "50000000000000000000000" {
		t.Fatalf("unexpected burn amount %s", records[3].Amount)
	}
	if !strings.EqualFold(records[2].ToAddress, pairAddr.Hex()) {
		t.Fatalf("liquidity record should point at the pool, got %s", records[2].ToAddress)
	}
	for _, r := range records {
		if r.Status != task.TxConfirmed || r.TxHash == "" {
			t.Fatalf("expected confirmed record with hash, got %+v", r)
		}
	}

	a := h.agent(t)
	if !a.LiquidityAdded || !a.TokensBurned || !a.OwnerTransferred {
		t.Fatalf("expected flags to be set, got %+v", a)
	}
	if !strings.EqualFold(a.PoolAddress, pairAddr.Hex()) {
		t.Fatalf("expected pool address to be saved, got %s", a.PoolAddress)
	}
	if n := h.chain.count("transferOwnership", tokenAddr, &creatorAddr); n != 1 {
		t.Fatalf("expected one ownership transfer to creator, got %d", n)
	}
}

func TestDistributeHaltsWhenLiquidityFails(t *testing.T) {
	h := newHarness(t, testConfig())
	h.seedAgent(t, nil)
	h.chain.decide = func(call web3.Call) string {
		if call.Method == "addLiquidity" {
			return outcomeRevert
		}
		return ""
	}

	submitted, err := h.service.Distribute(context.Background(), distributeRequest(), "ops")
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	final := h.run(t, submitted)
	if final.Status != task.StatusPartialFailed {
		t.Fatalf("expected PARTIAL_FAILED, got %s", final.Status)
	}
	want := []task.TxType{task.TxCreator, task.TxIAO, task.TxLiquidity}
	if got := txTypes(final.Result.Transactions); !equalTypes(got, want) {
		t.Fatalf("unexpected steps: %v", got)
	}
	liquidity := final.Result.Transactions[2]
	if liquidity.Status != task.TxFailed || !strings.Contains(liquidity.Error, "reverted") {
		t.Fatalf("expected reverted liquidity record, got %+v", liquidity)
	}
	if !strings.HasPrefix(final.Result.Error, "liquidity: ") {
		t.Fatalf("unexpected task error %q", final.Result.Error)
	}
	for _, call := range h.chain.calls() {
		if call.Method == "burn" || call.Method == "transferOwnership" {
			t.Fatalf("no step after liquidity may run, saw %s", call.Method)
		}
	}
	if h.agent(t).LiquidityAdded {
		t.Fatalf("liquidity flag must stay false")
	}
}

func TestDistributeFailsWhenFirstStepIsRejected(t *testing.T) {
	h := newHarness(t, testConfig())
	h.seedAgent(t, nil)
	h.chain.decide = func(call web3.Call) string {
		if isTransferTo(call, creatorAddr) {
			return outcomeReject
		}
		return ""
	}

	submitted, err := h.service.Distribute(context.Background(), distributeRequest(), "ops")
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	final := h.run(t, submitted)
	if final.Status != task.StatusFailed {
		t.Fatalf("expected FAILED, got %s", final.Status)
	}
	if len(final.Result.Transactions) != 1 {
		t.Fatalf("expected a single record, got %d", len(final.Result.Transactions))
	}
	if !strings.Contains(final.Result.Transactions[0].Error, "nonce too low") {
		t.Fatalf("expected submission error to be kept, got %q", final.Result.Transactions[0].Error)
	}
}

func TestRetrySkipsConfirmedSteps(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	h.seedAgent(t, func(a *agent.Agent) { a.LiquidityAdded = true })

	params := DistributeParams{AgentID: "agent-1", TotalSupply: "1000000", TokenAddress: tokenAddr.Hex()}
	prior := &task.Task{ID: "prior", Type: task.TypeDistributeTokens, AgentID: "agent-1", Result: task.TaskResult{Metadata: params.Metadata()}}
	if err := h.store.Create(ctx, prior); err != nil {
		t.Fatalf("create prior: %v", err)
	}
	if _, err := h.store.Claim(ctx, prior.ID); err != nil {
		t.Fatalf("claim prior: %v", err)
	}
	if _, err := h.store.Transition(ctx, prior.ID, task.StatusPartialFailed, task.ResultPatch{
		Transactions: []task.TransactionRecord{
			{Type: task.TxCreator, Status: task.TxConfirmed, TxHash: "0xc1"},
			{Type: task.TxIAO, Status: task.TxFailed, Error: "nonce too low"},
		},
		Error: "iao: nonce too low",
	}); err != nil {
		t.Fatalf("finish prior: %v", err)
	}

	retried, err := h.service.RetryFailed(ctx, prior.ID, "agent-1", "ops")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.Result.Metadata[metaRetryTaskID] != prior.ID {
		t.Fatalf("expected retry metadata to reference %s, got %v", prior.ID, retried.Result.Metadata)
	}
	final := h.run(t, retried)
	if final.Status != task.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", final.Status, final.Result.Error)
	}
	if got := txTypes(final.Result.Transactions); !equalTypes(got, []task.TxType{task.TxIAO}) {
		t.Fatalf("retry should only run iao, got %v", got)
	}
	if n := h.chain.count("transfer", tokenAddr, &creatorAddr); n != 0 {
		t.Fatalf("creator transfer must not be re-sent, sent %d", n)
	}

	view, err := h.service.DistributionView(ctx, "agent-1")
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if !equalTypes(view.CompletedSteps, []task.TxType{task.TxCreator, task.TxIAO}) {
		t.Fatalf("unexpected completed steps %v", view.CompletedSteps)
	}
	if len(view.FailedSteps) != 0 || view.FinalStatus != task.StatusCompleted {
		t.Fatalf("unexpected merged view %+v", view)
	}
}

func TestRetryRejectsRunningSource(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	h.seedAgent(t, nil)

	first, err := h.service.Distribute(ctx, distributeRequest(), "ops")
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	_, err = h.service.RetryFailed(ctx, first.ID, "agent-1", "ops")
	if !xerrors.HasCode(err, task.CodeTaskInProgress) {
		t.Fatalf("expected TASK_IN_PROGRESS, got %v", err)
	}
	if _, err := h.service.RetryFailed(ctx, first.ID, "agent-2", "ops"); !errors.Is(err, task.ErrTaskNotFound) {
		t.Fatalf("expected not found for another agent, got %v", err)
	}
}

func airdropRecipients(n int) ([]common.Address, []AirdropItem) {
	addrs := make([]common.Address, n)
	items := make([]AirdropItem, n)
	for i := range addrs {
		addrs[i] = common.BigToAddress(big.NewInt(int64(0xa000 + i)))
		items[i] = AirdropItem{ToAddress: addrs[i].Hex(), Amount: "1"}
	}
	return addrs, items
}

func TestAirdropBatchIsolatesFailures(t *testing.T) {
	h := newHarness(t, testConfig())
	h.seedAgent(t, func(a *agent.Agent) { a.LiquidityAdded = true })
	addrs, items := airdropRecipients(5)
	h.chain.decide = func(call web3.Call) string {
		if isTransferTo(call, addrs[2]) {
			return outcomeReject
		}
		return ""
	}

	req := distributeRequest()
	req.IncludeBurn = false
	req.Airdrops = items
	submitted, err := h.service.Distribute(context.Background(), req, "ops")
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	final := h.run(t, submitted)
	if final.Status != task.StatusPartialFailed {
		t.Fatalf("expected PARTIAL_FAILED, got %s", final.Status)
	}
	records := final.Result.Transactions
	airdrop := records[len(records)-1]
	if airdrop.Type != task.TxAirdrop || airdrop.BatchResult == nil {
		t.Fatalf("expected airdrop record, got %+v", airdrop)
	}
	batch := airdrop.BatchResult
	if batch.Total != 5 || batch.CompletedCount != 4 || batch.FailedCount != 1 {
		t.Fatalf("unexpected batch counts %+v", batch)
	}
	if airdrop.Status != task.TxFailed || airdrop.Error != "1 of 5 airdrop transfers failed" {
		t.Fatalf("unexpected airdrop status %s %q", airdrop.Status, airdrop.Error)
	}
	if batch.Items[2].Status != task.TxFailed || batch.Items[2].Error == "" {
		t.Fatalf("third item should fail, got %+v", batch.Items[2])
	}
	if n := h.chain.count("transfer", tokenAddr, &addrs[2]); n != 6 {
		t.Fatalf("failed item should be attempted 6 times, got %d", n)
	}
	if peak := h.engine.Wallet().Peak(); peak != 1 {
		t.Fatalf("wallet writes must be serialized, peak %d", peak)
	}
}

func TestAirdropSendsInListOrder(t *testing.T) {
	h := newHarness(t, testConfig())
	h.seedAgent(t, func(a *agent.Agent) { a.LiquidityAdded = true })
	addrs, items := airdropRecipients(8)

	req := distributeRequest()
	req.IncludeBurn = false
	req.Airdrops = items
	submitted, err := h.service.Distribute(context.Background(), req, "ops")
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if final := h.run(t, submitted); final.Status != task.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", final.Status, final.Result.Error)
	}

	next := 0
	for _, call := range h.chain.calls() {
		if next < len(addrs) && isTransferTo(call, addrs[next]) {
			next++
		}
	}
	if next != len(addrs) {
		t.Fatalf("airdrop transfers left list order after item %d", next)
	}
}

func TestAirdropRetryResendsOnlyFailedItems(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	h.seedAgent(t, func(a *agent.Agent) { a.LiquidityAdded = true })
	addrs, items := airdropRecipients(3)

	one := "1000000000000000000"
	params := DistributeParams{AgentID: "agent-1", TotalSupply: "1000000", TokenAddress: tokenAddr.Hex(), Airdrops: items}
	prior := &task.Task{ID: "prior", Type: task.TypeDistributeTokens, AgentID: "agent-1", Result: task.TaskResult{Metadata: params.Metadata()}}
	if err := h.store.Create(ctx, prior); err != nil {
		t.Fatalf("create prior: %v", err)
	}
	if _, err := h.store.Claim(ctx, prior.ID); err != nil {
		t.Fatalf("claim prior: %v", err)
	}
	if _, err := h.store.Transition(ctx, prior.ID, task.StatusPartialFailed, task.ResultPatch{
		Transactions: []task.TransactionRecord{
			{Type: task.TxCreator, Status: task.TxConfirmed, TxHash: "0xc1"},
			{Type: task.TxIAO, Status: task.TxConfirmed, TxHash: "0xc2"},
			{Type: task.TxAirdrop, Status: task.TxFailed, Error: "1 of 3 airdrop transfers failed", BatchResult: &task.BatchResult{
				Total: 3, CompletedCount: 2, FailedCount: 1,
				Items: []task.BatchItem{
					{ToAddress: strings.ToLower(addrs[0].Hex()), Amount: one, TxHash: "0xa0", Status: task.TxConfirmed},
					{ToAddress: addrs[1].Hex(), Amount: one, TxHash: "0xa1", Status: task.TxConfirmed},
					{ToAddress: addrs[2].Hex(), Amount: one, Status: task.TxFailed, Error: "nonce too low"},
				},
			}},
		},
		Error: "airdrop: 1 of 3 airdrop transfers failed",
	}); err != nil {
		t.Fatalf("finish prior: %v", err)
	}

	retried, err := h.service.RetryFailed(ctx, prior.ID, "agent-1", "ops")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	final := h.run(t, retried)
	if final.Status != task.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", final.Status, final.Result.Error)
	}
	sent := h.chain.calls()
	if len(sent) != 1 || !isTransferTo(sent[0], addrs[2]) {
		t.Fatalf("only the failed recipient should be re-sent, got %d calls", len(sent))
	}
	airdrop := final.Result.Transactions[0]
	if airdrop.BatchResult.CompletedCount != 3 || airdrop.BatchResult.FailedCount != 0 {
		t.Fatalf("unexpected batch %+v", airdrop.BatchResult)
	}
	if airdrop.BatchResult.Items[0].TxHash != "0xa0" || airdrop.BatchResult.Items[1].TxHash != "0xa1" {
		t.Fatalf("confirmed items should keep their hashes: %+v", airdrop.BatchResult.Items)
	}
}

func TestAirdropSplitsConfiguredRecipients(t *testing.T) {
	cfg := testConfig()
	cfg.Airdrop.Recipients = []string{creatorAddr.Hex(), iaoAddr.Hex(), miningAddr.Hex()}
	h := newHarness(t, cfg)

	plan, err := h.engine.buildPlan(DistributeParams{TotalSupply: "100", TokenAddress: tokenAddr.Hex()})
	if err != nil {
		t.Fatalf("build plan: %v", err)
	}
	if len(plan.airdrops) != 3 {
		t.Fatalf("expected 3 airdrops, got %d", len(plan.airdrops))
	}
	sum := new(big.Int)
	for _, a := range plan.airdrops {
		sum.Add(sum, a.amount)
	}
	want, _ := ParseUnits("2", 18)
	if sum.Cmp(want) != 0 {
		t.Fatalf("airdrop shares should add up to 2%% of supply, got %s", sum)
	}
}

func TestBurnTokensRequiresLiquidity(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	h.seedAgent(t, nil)

	_, err := h.service.BurnTokens(ctx, "agent-1", BurnRequest{BurnAmount: "10"}, "ops")
	if !IsPrecondition(err) {
		t.Fatalf("expected precondition error, got %v", err)
	}
	if status := xerrors.HTTPStatus(err); status != 400 {
		t.Fatalf("expected 400, got %d", status)
	}
	tasks, err := h.tasks.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("no task may be created, found %d", len(tasks))
	}
	if len(h.chain.calls()) != 0 {
		t.Fatalf("no transaction may be sent")
	}
}

func TestBurnTokensFlow(t *testing.T) {
	h := newHarness(t, testConfig())
	h.seedAgent(t, func(a *agent.Agent) { a.LiquidityAdded = true })

	submitted, err := h.service.BurnTokens(context.Background(), "agent-1", BurnRequest{BurnAmount: "2.5"}, "ops")
	if err != nil {
		t.Fatalf("burn: %v", err)
	}
	final := h.run(t, submitted)
	if final.Status != task.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", final.Status, final.Result.Error)
	}
	if got := final.Result.Transactions[0].Amount; got != "2500000000000000000" {
		t.Fatalf("unexpected burn amount %s", got)
	}
	if !h.agent(t).TokensBurned {
		t.Fatalf("tokensBurned should be set")
	}
}

func TestDistributeRejectsInvalidInput(t *testing.T) {
	cases := map[string]func(r *DistributeRequest){
		"token mismatch":   func(r *DistributeRequest) { r.TokenAddress = miningAddr.Hex() },
		"zero supply":      func(r *DistributeRequest) { r.TotalSupply = "0" },
		"bad supply":       func(r *DistributeRequest) { r.TotalSupply = "lots" },
		"burn over 100":    func(r *DistributeRequest) { r.BurnPercentage = "150" },
		"bad airdrop addr": func(r *DistributeRequest) { r.Airdrops = []AirdropItem{{ToAddress: "nope", Amount: "1"}} },
		"missing agent id": func(r *DistributeRequest) { r.AgentID = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, testConfig())
			h.seedAgent(t, nil)
			req := distributeRequest()
			mutate(&req)
			_, err := h.service.Distribute(context.Background(), req, "ops")
			if !IsPrecondition(err) {
				t.Fatalf("expected precondition error, got %v", err)
			}
			tasks, _ := h.tasks.List(context.Background())
			if len(tasks) != 0 {
				t.Fatalf("no task may be created")
			}
		})
	}
}

func TestDistributeRejectsWhileInProgress(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	h.seedAgent(t, nil)

	if _, err := h.service.Distribute(ctx, distributeRequest(), "ops"); err != nil {
		t.Fatalf("first distribute: %v", err)
	}
	_, err := h.service.Distribute(ctx, distributeRequest(), "ops")
	if !xerrors.HasCode(err, task.CodeTaskInProgress) {
		t.Fatalf("expected TASK_IN_PROGRESS, got %v", err)
	}
	if status := xerrors.HTTPStatus(err); status != 429 {
		t.Fatalf("expected 429, got %d", status)
	}
}

func TestOtherTaskTypesRejectedWhileDistributionActive(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	h.seedAgent(t, func(a *agent.Agent) {
		a.LiquidityAdded = true
		a.NFTTokenID = "42"
	})

	active, err := h.service.Distribute(ctx, distributeRequest(), "ops")
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	_, err = h.service.BurnTokens(ctx, "agent-1", BurnRequest{BurnAmount: "10"}, "ops")
	if !xerrors.HasCode(err, task.CodeTaskInProgress) || xerrors.HTTPStatus(err) != 429 {
		t.Fatalf("burn during distribution must be refused with 429, got %v", err)
	}
	if _, err := h.service.BurnXAAAndNFT(ctx, "agent-1", BurnXAARequest{}, "ops"); !xerrors.HasCode(err, task.CodeTaskInProgress) {
		t.Fatalf("burn-xaa during distribution must be refused, got %v", err)
	}

	h.run(t, active)
	if _, err := h.service.BurnXAAAndNFT(ctx, "agent-1", BurnXAARequest{}, "ops"); err != nil {
		t.Fatalf("other task types are accepted once the agent is idle: %v", err)
	}
}

func TestBurnXAAAndNFTRetrySkipsConfirmedBurn(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	h.seedAgent(t, func(a *agent.Agent) { a.NFTTokenID = "42" })
	h.chain.decide = func(call web3.Call) string {
		if call.Method == "burn" && call.To == nftAddr {
			return outcomeRevert
		}
		return ""
	}

	first, err := h.service.BurnXAAAndNFT(ctx, "agent-1", BurnXAARequest{}, "ops")
	if err != nil {
		t.Fatalf("first burn: %v", err)
	}
	if final := h.run(t, first); final.Status != task.StatusPartialFailed {
		t.Fatalf("expected PARTIAL_FAILED, got %s (%s)", final.Status, final.Result.Error)
	}

	h.chain.decide = nil
	second, err := h.service.BurnXAAAndNFT(ctx, "agent-1", BurnXAARequest{}, "ops")
	if err != nil {
		t.Fatalf("retry burn: %v", err)
	}
	final := h.run(t, second)
	if final.Status != task.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", final.Status, final.Result.Error)
	}
	if got := txTypes(final.Result.Transactions); !equalTypes(got, []task.TxType{task.TxNFT}) {
		t.Fatalf("retry must only burn the NFT, got %v", got)
	}
	if n := h.chain.count("burn", xaaAddr, nil); n != 1 {
		t.Fatalf("XAA burned %d times", n)
	}

	if _, err := h.service.BurnXAAAndNFT(ctx, "agent-1", BurnXAARequest{}, "ops"); !IsPrecondition(err) {
		t.Fatalf("burning again after both burns confirmed must fail, got %v", err)
	}
}

func TestAddLiquidityFlow(t *testing.T) {
	h := newHarness(t, testConfig())
	h.seedAgent(t, nil)

	submitted, err := h.service.AddLiquidity(context.Background(), "agent-1", LiquidityRequest{LiquidityAmount: "100", XAAAmount: "50"}, "ops")
	if err != nil {
		t.Fatalf("add liquidity: %v", err)
	}
	final := h.run(t, submitted)
	if final.Status != task.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", final.Status, final.Result.Error)
	}
	methods := make([]string, 0)
	for _, call := range h.chain.calls() {
		methods = append(methods, call.Method)
	}
	if strings.Join(methods, ",") != "approve,approve,addLiquidity" {
		t.Fatalf("unexpected call sequence %v", methods)
	}
	a := h.agent(t)
	if !a.LiquidityAdded || !strings.EqualFold(a.PoolAddress, pairAddr.Hex()) {
		t.Fatalf("expected liquidity flag and pool, got %+v", a)
	}

	if _, err := h.service.AddLiquidity(context.Background(), "agent-1", LiquidityRequest{LiquidityAmount: "1", XAAAmount: "1"}, "ops"); !IsPrecondition(err) {
		t.Fatalf("second add liquidity should be rejected, got %v", err)
	}
}

func TestAddLiquidityRequiresPositiveAmounts(t *testing.T) {
	h := newHarness(t, testConfig())
	h.seedAgent(t, nil)
	_, err := h.service.AddLiquidity(context.Background(), "agent-1", LiquidityRequest{LiquidityAmount: "0", XAAAmount: "50"}, "ops")
	if !IsPrecondition(err) {
		t.Fatalf("expected precondition error, got %v", err)
	}
}

func TestTransferOwnershipBoth(t *testing.T) {
	h := newHarness(t, testConfig())
	h.seedAgent(t, func(a *agent.Agent) {
		a.LiquidityAdded = true
		a.TokensBurned = true
		a.MiningContractAddress = miningAddr.Hex()
	})

	submitted, err := h.service.TransferOwnership(context.Background(), "agent-1", OwnershipRequest{TransferType: "both"}, "ops")
	if err != nil {
		t.Fatalf("transfer ownership: %v", err)
	}
	final := h.run(t, submitted)
	if final.Status != task.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", final.Status, final.Result.Error)
	}
	if got := txTypes(final.Result.Transactions); !equalTypes(got, []task.TxType{task.TxOwnership, task.TxMining}) {
		t.Fatalf("unexpected steps %v", got)
	}
	if h.chain.count("transferOwnership", tokenAddr, &creatorAddr) != 1 || h.chain.count("transferOwnership", miningAddr, &creatorAddr) != 1 {
		t.Fatalf("expected both contracts to move to the creator")
	}
	a := h.agent(t)
	if !a.OwnerTransferred || !a.MiningOwnerTransferred {
		t.Fatalf("expected both ownership flags, got %+v", a)
	}
}

func TestTransferOwnershipPreconditions(t *testing.T) {
	h := newHarness(t, testConfig())
	h.seedAgent(t, func(a *agent.Agent) { a.LiquidityAdded = true })

	if _, err := h.service.TransferOwnership(context.Background(), "agent-1", OwnershipRequest{TransferType: "token"}, "ops"); !IsPrecondition(err) {
		t.Fatalf("token transfer before burn should be rejected, got %v", err)
	}
	if _, err := h.service.TransferOwnership(context.Background(), "agent-1", OwnershipRequest{TransferType: "mining"}, "ops"); !IsPrecondition(err) {
		t.Fatalf("mining transfer without contract should be rejected, got %v", err)
	}
	if _, err := h.service.TransferOwnership(context.Background(), "agent-1", OwnershipRequest{TransferType: "all"}, "ops"); !IsPrecondition(err) {
		t.Fatalf("unknown transfer type should be rejected, got %v", err)
	}
}

func TestDeployMiningRetriesAndStoresAddress(t *testing.T) {
	deployer := &fakeDeployer{results: []deployResult{
		{err: xerrors.New(xerrors.CodeExternalService, "deployer busy")},
		{address: miningAddr.Hex()},
	}}
	h := newHarness(t, testConfig(), WithDeployer(deployer))
	h.seedAgent(t, nil)

	submitted, err := h.service.DeployMining(context.Background(), "agent-1", "ops")
	if err != nil {
		t.Fatalf("deploy mining: %v", err)
	}
	final := h.run(t, submitted)
	if final.Status != task.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", final.Status, final.Result.Error)
	}
	if deployer.calls != 2 {
		t.Fatalf("expected one retry, got %d calls", deployer.calls)
	}
	if got := final.Result.Transactions[0].ToAddress; got != miningAddr.Hex() {
		t.Fatalf("unexpected deployed address %s", got)
	}
	if a := h.agent(t); !strings.EqualFold(a.MiningContractAddress, miningAddr.Hex()) {
		t.Fatalf("mining address should be saved, got %s", a.MiningContractAddress)
	}
}

func TestDeployRejectsPendingDeployment(t *testing.T) {
	h := newHarness(t, testConfig(), WithDeployer(&fakeDeployer{pending: true}))
	h.seedAgent(t, nil)

	_, err := h.service.DeployPayment(context.Background(), "agent-1", "ops")
	if !xerrors.HasCode(err, task.CodeTaskInProgress) {
		t.Fatalf("expected TASK_IN_PROGRESS, got %v", err)
	}
}

func TestDeployFailsOnMalformedAddress(t *testing.T) {
	deployer := &fakeDeployer{results: []deployResult{{address: "not-an-address"}}}
	h := newHarness(t, testConfig(), WithDeployer(deployer))
	h.seedAgent(t, nil)

	submitted, err := h.service.DeployPayment(context.Background(), "agent-1", "ops")
	if err != nil {
		t.Fatalf("deploy payment: %v", err)
	}
	final := h.run(t, submitted)
	if final.Status != task.StatusFailed {
		t.Fatalf("expected FAILED, got %s", final.Status)
	}
	if !strings.Contains(final.Result.Error, "invalid address") {
		t.Fatalf("unexpected error %q", final.Result.Error)
	}
	if deployer.calls != 1 {
		t.Fatalf("malformed responses must not be retried, got %d calls", deployer.calls)
	}
	if h.agent(t).PaymentContractAddress != "" {
		t.Fatalf("payment address must stay empty")
	}
}

func TestDeployWithoutServiceIsPrecondition(t *testing.T) {
	h := newHarness(t, testConfig())
	h.seedAgent(t, nil)
	if _, err := h.service.DeployMining(context.Background(), "agent-1", "ops"); !IsPrecondition(err) {
		t.Fatalf("expected precondition error, got %v", err)
	}
}

func TestBurnXAAAndNFTUsesConfiguredAmount(t *testing.T) {
	h := newHarness(t, testConfig())
	h.seedAgent(t, func(a *agent.Agent) { a.NFTTokenID = "42" })

	submitted, err := h.service.BurnXAAAndNFT(context.Background(), "agent-1", BurnXAARequest{}, "ops")
	if err != nil {
		t.Fatalf("burn xaa: %v", err)
	}
	final := h.run(t, submitted)
	if final.Status != task.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", final.Status, final.Result.Error)
	}
	records := final.Result.Transactions
	if got := txTypes(records); !equalTypes(got, []task.TxType{task.TxBurn, task.TxNFT}) {
		t.Fatalf("unexpected steps %v", got)
	}
	if records[0].Amount != "10000000000000000000" || records[1].Amount != "42" {
		t.Fatalf("unexpected amounts %s %s", records[0].Amount, records[1].Amount)
	}
	if h.chain.count("burn", xaaAddr, nil) != 1 || h.chain.count("burn", nftAddr, nil) != 1 {
		t.Fatalf("expected XAA and NFT burns")
	}
}

func TestBurnXAAAndNFTRequiresNFT(t *testing.T) {
	h := newHarness(t, testConfig())
	h.seedAgent(t, nil)
	if _, err := h.service.BurnXAAAndNFT(context.Background(), "agent-1", BurnXAARequest{}, "ops"); !IsPrecondition(err) {
		t.Fatalf("expected precondition error, got %v", err)
	}
}

func TestExecutorClassifiesOutcomes(t *testing.T) {
	cases := []struct {
		name    string
		outcome string
		code    xerrors.Code
		message string
	}{
		{name: "confirmed"},
		{name: "rejected", outcome: outcomeReject, code: xerrors.CodeSubmission, message: "nonce too low"},
		{name: "reverted", outcome: outcomeRevert, code: xerrors.CodeReverted, message: "reverted"},
		{name: "timeout", outcome: outcomeTimeout, code: xerrors.CodeTimeout, message: "verify on-chain state before retry"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			chain := newFakeChain()
			chain.decide = func(web3.Call) string { return tc.outcome }
			executor := NewExecutor(chain, 20*time.Millisecond)

			record, err := executor.Attempt(context.Background(), transferOp(task.TxCreator, tokenAddr, creatorAddr, big.NewInt(5)))
			if tc.code == "" {
				if err != nil || record.Status != task.TxConfirmed || record.TxHash == "" {
					t.Fatalf("expected confirmed record, got %+v (%v)", record, err)
				}
				return
			}
			if !xerrors.HasCode(err, tc.code) {
				t.Fatalf("expected %s, got %v", tc.code, err)
			}
			if record.Status != task.TxFailed || !strings.Contains(record.Error, tc.message) {
				t.Fatalf("unexpected record %+v", record)
			}
			if tc.outcome == outcomeTimeout && !strings.Contains(record.Error, record.TxHash) {
				t.Fatalf("timeout error should carry the hash: %q", record.Error)
			}
			if xerrors.RetryableError(err) != (tc.code == xerrors.CodeSubmission) {
				t.Fatalf("only submission failures are retryable, %s says %v", tc.code, xerrors.RetryableError(err))
			}
		})
	}
}
