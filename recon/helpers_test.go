package recon

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"gigchain/chain"
	"gigchain/ledger"
	"gigchain/notify"
	"gigchain/settlement"
)

var (
	testContract = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testEmployer = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	halfEther    = new(big.Int).Mul(big.NewInt(5), new(big.Int).Exp(big.NewInt(10), big.NewInt(17), nil))
)

// fakeOracle serves canned receipts and logs without touching a node.
type fakeOracle struct {
	receipts map[common.Hash]*types.Receipt
	head     uint64
	logs     []types.Log
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{receipts: make(map[common.Hash]*types.Receipt), head: 1000}
}

func (f *fakeOracle) WaitForConfirmations(_ context.Context, txHash common.Hash, _ uint64) (*types.Receipt, error) {
	receipt, ok := f.receipts[txHash]
	if !ok {
		return nil, fmt.Errorf("%w: tx %s", chain.ErrTransactionNotConfirmed, txHash.Hex())
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%w: tx %s", chain.ErrTransactionFailed, txHash.Hex())
	}
	return receipt, nil
}

func (f *fakeOracle) EventsInRange(_ context.Context, fromBlock, toBlock uint64, chainProjectID *uint64) ([]chain.Event, error) {
	var events []chain.Event
	for _, log := range f.logs {
		if log.BlockNumber < fromBlock || log.BlockNumber > toBlock {
			continue
		}
		decoded, err := chain.DecodeLog(log)
		if err != nil {
			continue
		}
		if chainProjectID != nil && decoded.ChainProjectID() != *chainProjectID {
			continue
		}
		events = append(events, decoded)
	}
	return events, nil
}

func (f *fakeOracle) BlockTimestamp(_ context.Context, blockNumber uint64) (time.Time, error) {
	return time.Unix(int64(1700000000+blockNumber), 0).UTC(), nil
}

func (f *fakeOracle) Head(_ context.Context) (uint64, error) { return f.head, nil }

func packEvent(t *testing.T, name string, nonIndexed ...interface{}) []byte {
	t.Helper()
	data, err := chain.EscrowABI().Events[name].Inputs.NonIndexed().Pack(nonIndexed...)
	if err != nil {
		t.Fatalf("pack %s: %v", name, err)
	}
	return data
}

func uintTopic(v uint64) common.Hash {
	return common.BigToHash(new(big.Int).SetUint64(v))
}

type fixture struct {
	store   *settlement.Store
	events  *ledger.Ledger
	oracle  *fakeOracle
	engine  *Engine
	project *settlement.Project
	m1, m2  *settlement.Milestone
	txSeq   uint64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := settlement.AutoMigrate(db); err != nil {
		t.Fatalf("migrate settlement: %v", err)
	}
	if err := ledger.AutoMigrate(db); err != nil {
		t.Fatalf("migrate ledger: %v", err)
	}

	store := settlement.NewStore(db)
	events := ledger.New(db)
	oracle := newFakeOracle()
	engine := NewEngine(EngineConfig{
		Store:    store,
		Ledger:   events,
		Oracle:   oracle,
		Contract: testContract,
		Sink:     &notify.SlogSink{Logger: slog.Default()},
	})

	ctx := context.Background()
	freelancer := uuid.New()
	project := &settlement.Project{
		Title:        "Marketplace build",
		EmployerID:   uuid.New(),
		FreelancerID: &freelancer,
		Budget:       "1",
	}
	if err := store.CreateProject(ctx, project); err != nil {
		t.Fatalf("create project: %v", err)
	}
	m1 := &settlement.Milestone{ProjectID: project.ID, Title: "Design", Amount: "0.5"}
	m2 := &settlement.Milestone{ProjectID: project.ID, Title: "Build", Amount: "0.5"}
	if err := store.AddMilestone(ctx, m1); err != nil {
		t.Fatalf("add milestone 1: %v", err)
	}
	if err := store.AddMilestone(ctx, m2); err != nil {
		t.Fatalf("add milestone 2: %v", err)
	}
	return &fixture{store: store, events: events, oracle: oracle, engine: engine, project: project, m1: m1, m2: m2}
}

// stageTx registers a successful receipt carrying the given logs and returns
// its hash. Log metadata is filled in from the receipt.
func (f *fixture) stageTx(block uint64, logs ...types.Log) common.Hash {
	f.txSeq++
	tx := common.BigToHash(new(big.Int).SetUint64(0xf000 + f.txSeq))
	receipt := &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: new(big.Int).SetUint64(block),
		TxHash:      tx,
	}
	for i := range logs {
		logs[i].TxHash = tx
		logs[i].BlockNumber = block
		logs[i].Index = uint(i)
		if logs[i].Address == (common.Address{}) {
			logs[i].Address = testContract
		}
		receipt.Logs = append(receipt.Logs, &logs[i])
	}
	f.oracle.receipts[tx] = receipt
	f.oracle.logs = append(f.oracle.logs, logs...)
	return tx
}

func (f *fixture) stageFailedTx() common.Hash {
	f.txSeq++
	tx := common.BigToHash(new(big.Int).SetUint64(0xf000 + f.txSeq))
	f.oracle.receipts[tx] = &types.Receipt{
		Status:      types.ReceiptStatusFailed,
		BlockNumber: big.NewInt(1),
		TxHash:      tx,
	}
	return tx
}

func projectCreatedLog(t *testing.T, chainProjectID uint64, total *big.Int) types.Log {
	return types.Log{
		Topics: []common.Hash{
			chain.EscrowABI().Events["ProjectCreated"].ID,
			uintTopic(chainProjectID),
			common.BytesToHash(testEmployer.Bytes()),
		},
		Data: packEvent(t, "ProjectCreated", total),
	}
}

func milestoneAddedLog(t *testing.T, chainProjectID, chainMilestoneID uint64, title string, amount *big.Int) types.Log {
	return types.Log{
		Topics: []common.Hash{
			chain.EscrowABI().Events["MilestoneAdded"].ID,
			uintTopic(chainProjectID),
			uintTopic(chainMilestoneID),
		},
		Data: packEvent(t, "MilestoneAdded", title, amount),
	}
}

func statusChangedLog(t *testing.T, chainProjectID, chainMilestoneID uint64, status chain.MilestoneChainStatus) types.Log {
	return types.Log{
		Topics: []common.Hash{
			chain.EscrowABI().Events["MilestoneStatusChanged"].ID,
			uintTopic(chainProjectID),
			uintTopic(chainMilestoneID),
		},
		Data: packEvent(t, "MilestoneStatusChanged", uint8(status)),
	}
}

func paymentReleasedLog(t *testing.T, chainProjectID, chainMilestoneID uint64, amount *big.Int) types.Log {
	return types.Log{
		Topics: []common.Hash{
			chain.EscrowABI().Events["PaymentReleased"].ID,
			uintTopic(chainProjectID),
			uintTopic(chainMilestoneID),
		},
		Data: packEvent(t, "PaymentReleased", testEmployer, amount),
	}
}

func disputeRaisedLog(t *testing.T, chainProjectID, chainMilestoneID uint64) types.Log {
	return types.Log{
		Topics: []common.Hash{
			chain.EscrowABI().Events["DisputeRaised"].ID,
			uintTopic(chainProjectID),
			uintTopic(chainMilestoneID),
		},
		Data: packEvent(t, "DisputeRaised", testEmployer),
	}
}

func disputeResolvedLog(t *testing.T, chainProjectID, chainMilestoneID uint64, amount *big.Int, favorFreelancer bool) types.Log {
	return types.Log{
		Topics: []common.Hash{
			chain.EscrowABI().Events["DisputeResolved"].ID,
			uintTopic(chainProjectID),
			uintTopic(chainMilestoneID),
		},
		Data: packEvent(t, "DisputeResolved", amount, favorFreelancer),
	}
}

// fundProject drives the fixture through confirmed project funding.
func (f *fixture) fundProject(t *testing.T, chainProjectID uint64) {
	t.Helper()
	tx := f.stageTx(10, projectCreatedLog(t, chainProjectID, big.NewInt(0).Mul(halfEther, big.NewInt(2))))
	if _, err := f.engine.Apply(context.Background(), ProjectFunded{ProjectID: f.project.ID, TxHash: tx}); err != nil {
		t.Fatalf("fund project: %v", err)
	}
}

// fundMilestone escrows one milestone's funds.
func (f *fixture) fundMilestone(t *testing.T, m *settlement.Milestone, chainProjectID, chainMilestoneID uint64) {
	t.Helper()
	tx := f.stageTx(11+chainMilestoneID, milestoneAddedLog(t, chainProjectID, chainMilestoneID, m.Title, halfEther))
	if _, err := f.engine.Apply(context.Background(), MilestoneFunded{MilestoneID: m.ID, TxHash: tx}); err != nil {
		t.Fatalf("fund milestone %s: %v", m.Title, err)
	}
}

// submitWork records a freelancer delivery for the milestone and returns the
// submission id.
func (f *fixture) submitWork(t *testing.T, m *settlement.Milestone) uuid.UUID {
	t.Helper()
	result, err := f.engine.Apply(context.Background(), WorkSubmissionCreated{
		MilestoneID:  m.ID,
		FreelancerID: *f.project.FreelancerID,
		Description:  "deliverables attached",
	})
	if err != nil {
		t.Fatalf("submit work for %s: %v", m.Title, err)
	}
	return *result.SubmissionID
}

// advanceToReview moves a funded milestone through start, delivery, and the
// on-chain review submission.
func (f *fixture) advanceToReview(t *testing.T, m *settlement.Milestone, chainProjectID, chainMilestoneID uint64) {
	t.Helper()
	ctx := context.Background()
	start := f.stageTx(20, statusChangedLog(t, chainProjectID, chainMilestoneID, chain.ChainMilestoneInProgress))
	if _, err := f.engine.Apply(ctx, MilestoneStarted{MilestoneID: m.ID, TxHash: start}); err != nil {
		t.Fatalf("start milestone: %v", err)
	}
	f.submitWork(t, m)
	submit := f.stageTx(21, statusChangedLog(t, chainProjectID, chainMilestoneID, chain.ChainMilestoneUnderReview))
	if _, err := f.engine.Apply(ctx, SubmittedForReview{MilestoneID: m.ID, TxHash: submit}); err != nil {
		t.Fatalf("submit milestone: %v", err)
	}
}
