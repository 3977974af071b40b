package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type stubRPC struct {
	receipts map[common.Hash]*types.Receipt
	head     uint64
	logs     []types.Log
	failures int
	calls    int
}

func (s *stubRPC) TransactionReceipt(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
	s.calls++
	if s.failures > 0 {
		s.failures--
		return nil, errors.New("connection reset")
	}
	receipt, ok := s.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (s *stubRPC) HeaderByNumber(_ context.Context, number *big.Int) (*types.Header, error) {
	n := s.head
	if number != nil {
		n = number.Uint64()
	}
	return &types.Header{Number: new(big.Int).SetUint64(n), Time: 1700000000 + n}, nil
}

func (s *stubRPC) FilterLogs(_ context.Context, _ ethereum.FilterQuery) ([]types.Log, error) {
	return s.logs, nil
}

func instantOracle(rpc *stubRPC) *EVMOracle {
	o := NewEVMOracle(rpc, testContract, WithRetryPolicy(3, time.Millisecond), WithReceiptPollInterval(time.Millisecond))
	o.sleep = func(ctx context.Context, _ time.Duration) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
	return o
}

func successReceipt(tx common.Hash, block uint64) *types.Receipt {
	return &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: new(big.Int).SetUint64(block),
		TxHash:      tx,
	}
}

func TestWaitForConfirmations(t *testing.T) {
	tx := common.HexToHash("0x01")
	rpc := &stubRPC{
		receipts: map[common.Hash]*types.Receipt{tx: successReceipt(tx, 10)},
		head:     12,
	}
	oracle := instantOracle(rpc)
	receipt, err := oracle.WaitForConfirmations(context.Background(), tx, 3)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if receipt.BlockNumber.Uint64() != 10 {
		t.Fatalf("block: %d", receipt.BlockNumber.Uint64())
	}
}

func TestWaitForConfirmationsRevertedTx(t *testing.T) {
	tx := common.HexToHash("0x02")
	rpc := &stubRPC{
		receipts: map[common.Hash]*types.Receipt{tx: {
			Status:      types.ReceiptStatusFailed,
			BlockNumber: big.NewInt(5),
		}},
		head: 10,
	}
	_, err := instantOracle(rpc).WaitForConfirmations(context.Background(), tx, 1)
	if !errors.Is(err, ErrTransactionFailed) {
		t.Fatalf("want transaction failed, got %v", err)
	}
}

func TestWaitForConfirmationsUnknownTx(t *testing.T) {
	rpc := &stubRPC{receipts: map[common.Hash]*types.Receipt{}, head: 10}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := instantOracle(rpc).WaitForConfirmations(ctx, common.HexToHash("0x03"), 1)
	if !errors.Is(err, ErrTransactionNotConfirmed) {
		t.Fatalf("want not confirmed, got %v", err)
	}
}

func TestWaitForConfirmationsRetriesTransientErrors(t *testing.T) {
	tx := common.HexToHash("0x04")
	rpc := &stubRPC{
		receipts: map[common.Hash]*types.Receipt{tx: successReceipt(tx, 10)},
		head:     11,
		failures: 2,
	}
	if _, err := instantOracle(rpc).WaitForConfirmations(context.Background(), tx, 1); err != nil {
		t.Fatalf("wait with transient failures: %v", err)
	}
}

func TestWaitForConfirmationsExhaustedRetries(t *testing.T) {
	tx := common.HexToHash("0x05")
	rpc := &stubRPC{
		receipts: map[common.Hash]*types.Receipt{tx: successReceipt(tx, 10)},
		head:     11,
		failures: 100,
	}
	_, err := instantOracle(rpc).WaitForConfirmations(context.Background(), tx, 1)
	if !errors.Is(err, ErrChainUnavailable) {
		t.Fatalf("want chain unavailable, got %v", err)
	}
}

func TestEventsInRangeSkipsForeignLogs(t *testing.T) {
	known := types.Log{
		Address: testContract,
		Topics:  []common.Hash{EscrowABI().Events["DisputeRaised"].ID, uintTopic(1), uintTopic(0)},
		Data:    packEvent(t, "DisputeRaised", testEmployer),
	}
	unknown := types.Log{
		Address: testContract,
		Topics:  []common.Hash{common.HexToHash("0xabcdef")},
	}
	rpc := &stubRPC{logs: []types.Log{unknown, known}, head: 5}
	events, err := instantOracle(rpc).EventsInRange(context.Background(), 0, 5, nil)
	if err != nil {
		t.Fatalf("events in range: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events: got %d, want 1", len(events))
	}
	if events[0].Name() != "DisputeRaised" {
		t.Fatalf("event name: %s", events[0].Name())
	}
}

func TestReceiptEventsFiltersContract(t *testing.T) {
	other := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	mine := types.Log{
		Address: testContract,
		Topics:  []common.Hash{EscrowABI().Events["PaymentReleased"].ID, uintTopic(1), uintTopic(0)},
		Data:    packEvent(t, "PaymentReleased", testEmployer, big.NewInt(100)),
	}
	foreign := mine
	foreign.Address = other
	receipt := &types.Receipt{Logs: []*types.Log{&foreign, &mine}}
	events := ReceiptEvents(testContract, receipt)
	if len(events) != 1 {
		t.Fatalf("events: got %d, want 1", len(events))
	}
}

func TestBlockTimestamp(t *testing.T) {
	rpc := &stubRPC{head: 20}
	ts, err := instantOracle(rpc).BlockTimestamp(context.Background(), 15)
	if err != nil {
		t.Fatalf("timestamp: %v", err)
	}
	if ts.Unix() != 1700000015 {
		t.Fatalf("timestamp: %d", ts.Unix())
	}
}
