package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ErrChainUnavailable marks transient RPC failures after retries are
// exhausted. Callers may retry later.
var ErrChainUnavailable = errors.New("chain: rpc unavailable")

// ErrTransactionNotConfirmed marks transactions that are unknown to the node
// or below the required confirmation depth. Transient from the caller's view.
var ErrTransactionNotConfirmed = errors.New("chain: transaction not confirmed")

// ErrTransactionFailed marks reverted transactions. Permanent; a reverted
// transaction is never treated as success.
var ErrTransactionFailed = errors.New("chain: transaction reverted")

// Oracle is the narrow read-only view of the escrow chain the settlement
// core depends on.
type Oracle interface {
	// WaitForConfirmations blocks until the transaction has the requested
	// confirmation depth, the context expires, or the transaction reverts.
	WaitForConfirmations(ctx context.Context, txHash common.Hash, confirmations uint64) (*types.Receipt, error)
	// EventsInRange returns decoded escrow events between the two blocks,
	// optionally filtered to one on-chain project.
	EventsInRange(ctx context.Context, fromBlock, toBlock uint64, chainProjectID *uint64) ([]Event, error)
	// BlockTimestamp resolves a block number to its timestamp.
	BlockTimestamp(ctx context.Context, blockNumber uint64) (time.Time, error)
	// Head returns the current chain head block number.
	Head(ctx context.Context) (uint64, error)
}

// RPCClient is the subset of the Ethereum RPC surface the oracle uses.
// *ethclient.Client satisfies it.
type RPCClient interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Dial connects an EVM RPC client for the provided endpoint.
func Dial(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, errors.New("chain: rpc endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// EVMOracle implements Oracle against an Ethereum node.
type EVMOracle struct {
	client       RPCClient
	contract     common.Address
	attempts     int
	baseDelay    time.Duration
	pollInterval time.Duration
	sleep        func(ctx context.Context, d time.Duration) error
}

// EVMOracleOption adjusts oracle behaviour.
type EVMOracleOption func(*EVMOracle)

// WithRetryPolicy bounds transient RPC retries.
func WithRetryPolicy(attempts int, baseDelay time.Duration) EVMOracleOption {
	return func(o *EVMOracle) {
		if attempts > 0 {
			o.attempts = attempts
		}
		if baseDelay > 0 {
			o.baseDelay = baseDelay
		}
	}
}

// WithReceiptPollInterval sets how often confirmation waits re-check.
func WithReceiptPollInterval(d time.Duration) EVMOracleOption {
	return func(o *EVMOracle) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// NewEVMOracle wraps an RPC client scoped to one escrow contract address.
func NewEVMOracle(client RPCClient, contract common.Address, opts ...EVMOracleOption) *EVMOracle {
	o := &EVMOracle{
		client:       client,
		contract:     contract,
		attempts:     4,
		baseDelay:    250 * time.Millisecond,
		pollInterval: 2 * time.Second,
		sleep:        sleepCtx,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Contract returns the escrow contract address the oracle observes.
func (o *EVMOracle) Contract() common.Address { return o.contract }

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// withRetry runs fn with bounded exponential backoff. ethereum.NotFound is
// not transient and is surfaced immediately.
func (o *EVMOracle) withRetry(ctx context.Context, fn func() error) error {
	delay := o.baseDelay
	var lastErr error
	for attempt := 0; attempt < o.attempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, ethereum.NotFound) {
			return err
		}
		lastErr = err
		if attempt == o.attempts-1 {
			break
		}
		if sleepErr := o.sleep(ctx, delay); sleepErr != nil {
			return fmt.Errorf("%w: %v", ErrChainUnavailable, sleepErr)
		}
		delay *= 2
	}
	return fmt.Errorf("%w: %v", ErrChainUnavailable, lastErr)
}

// WaitForConfirmations implements Oracle. It polls rather than subscribing so
// it works against plain HTTP endpoints; the caller bounds the wait via ctx.
func (o *EVMOracle) WaitForConfirmations(ctx context.Context, txHash common.Hash, confirmations uint64) (*types.Receipt, error) {
	if confirmations == 0 {
		confirmations = 1
	}
	for {
		receipt, err := o.receipt(ctx, txHash)
		if err != nil {
			if errors.Is(err, ErrTransactionNotConfirmed) {
				if sleepErr := o.sleep(ctx, o.pollInterval); sleepErr != nil {
					return nil, ErrTransactionNotConfirmed
				}
				continue
			}
			return nil, err
		}
		if receipt.Status != types.ReceiptStatusSuccessful {
			return nil, fmt.Errorf("%w: tx %s", ErrTransactionFailed, txHash.Hex())
		}
		head, err := o.Head(ctx)
		if err != nil {
			return nil, err
		}
		block := receipt.BlockNumber.Uint64()
		if head >= block && head-block+1 >= confirmations {
			return receipt, nil
		}
		if sleepErr := o.sleep(ctx, o.pollInterval); sleepErr != nil {
			return nil, ErrTransactionNotConfirmed
		}
	}
}

func (o *EVMOracle) receipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := o.withRetry(ctx, func() error {
		r, err := o.client.TransactionReceipt(ctx, txHash)
		if err != nil {
			return err
		}
		receipt = r
		return nil
	})
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("%w: tx %s", ErrTransactionNotConfirmed, txHash.Hex())
		}
		return nil, err
	}
	if receipt == nil || receipt.BlockNumber == nil {
		return nil, fmt.Errorf("%w: tx %s", ErrTransactionNotConfirmed, txHash.Hex())
	}
	return receipt, nil
}

// Head implements Oracle.
func (o *EVMOracle) Head(ctx context.Context) (uint64, error) {
	var head uint64
	err := o.withRetry(ctx, func() error {
		header, err := o.client.HeaderByNumber(ctx, nil)
		if err != nil {
			return err
		}
		if header == nil || header.Number == nil {
			return errors.New("head header missing")
		}
		head = header.Number.Uint64()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return head, nil
}

// BlockTimestamp implements Oracle.
func (o *EVMOracle) BlockTimestamp(ctx context.Context, blockNumber uint64) (time.Time, error) {
	var ts time.Time
	err := o.withRetry(ctx, func() error {
		header, err := o.client.HeaderByNumber(ctx, new(big.Int).SetUint64(blockNumber))
		if err != nil {
			return err
		}
		if header == nil {
			return fmt.Errorf("block %d missing", blockNumber)
		}
		ts = time.Unix(int64(header.Time), 0).UTC()
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}
	return ts, nil
}

// EventsInRange implements Oracle. Unknown logs on the contract address are
// skipped rather than failing the scan.
func (o *EVMOracle) EventsInRange(ctx context.Context, fromBlock, toBlock uint64, chainProjectID *uint64) ([]Event, error) {
	topics := [][]common.Hash{nil}
	if chainProjectID != nil {
		topics = append(topics, []common.Hash{common.BigToHash(new(big.Int).SetUint64(*chainProjectID))})
	}
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{o.contract},
		Topics:    topics,
	}
	var logs []types.Log
	err := o.withRetry(ctx, func() error {
		found, err := o.client.FilterLogs(ctx, query)
		if err != nil {
			return err
		}
		logs = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(logs))
	for _, log := range logs {
		decoded, err := DecodeLog(log)
		if err != nil {
			if errors.Is(err, ErrUnknownEvent) {
				continue
			}
			return nil, err
		}
		events = append(events, decoded)
	}
	return events, nil
}

// ReceiptEvents decodes all escrow events carried by a receipt.
func ReceiptEvents(contract common.Address, receipt *types.Receipt) []Event {
	if receipt == nil {
		return nil
	}
	events := make([]Event, 0, len(receipt.Logs))
	for _, log := range receipt.Logs {
		if log == nil || log.Address != contract {
			continue
		}
		decoded, err := DecodeLog(*log)
		if err != nil {
			continue
		}
		events = append(events, decoded)
	}
	return events
}
