package chain

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// escrowEventsJSON describes the escrow contract's lifecycle events. Only
// events are listed: the oracle never calls contract functions, it observes.
const escrowEventsJSON = `[
  {"type":"event","name":"ProjectCreated","inputs":[
    {"name":"projectId","type":"uint256","indexed":true},
    {"name":"employer","type":"address","indexed":true},
    {"name":"totalAmount","type":"uint256","indexed":false}]},
  {"type":"event","name":"MilestoneAdded","inputs":[
    {"name":"projectId","type":"uint256","indexed":true},
    {"name":"milestoneId","type":"uint256","indexed":true},
    {"name":"title","type":"string","indexed":false},
    {"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"MilestoneStatusChanged","inputs":[
    {"name":"projectId","type":"uint256","indexed":true},
    {"name":"milestoneId","type":"uint256","indexed":true},
    {"name":"status","type":"uint8","indexed":false}]},
  {"type":"event","name":"PaymentReleased","inputs":[
    {"name":"projectId","type":"uint256","indexed":true},
    {"name":"milestoneId","type":"uint256","indexed":true},
    {"name":"freelancer","type":"address","indexed":false},
    {"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"DisputeRaised","inputs":[
    {"name":"projectId","type":"uint256","indexed":true},
    {"name":"milestoneId","type":"uint256","indexed":true},
    {"name":"raiser","type":"address","indexed":false}]},
  {"type":"event","name":"DisputeResolved","inputs":[
    {"name":"projectId","type":"uint256","indexed":true},
    {"name":"milestoneId","type":"uint256","indexed":true},
    {"name":"amount","type":"uint256","indexed":false},
    {"name":"favorFreelancer","type":"bool","indexed":false}]}
]`

var escrowABI = mustParseABI(escrowEventsJSON)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("chain: parse escrow ABI: %v", err))
	}
	return parsed
}

// EscrowABI exposes the parsed event definitions, for tests that need to
// construct raw logs.
func EscrowABI() abi.ABI { return escrowABI }

// ErrUnknownEvent marks logs whose topic does not belong to the escrow
// contract's event set.
var ErrUnknownEvent = errors.New("chain: unknown event")

// MilestoneChainStatus mirrors the contract's milestone status enum.
type MilestoneChainStatus uint8

const (
	ChainMilestonePending MilestoneChainStatus = iota
	ChainMilestoneInProgress
	ChainMilestoneUnderReview
	ChainMilestoneCompleted
	ChainMilestoneDisputed
)

func (s MilestoneChainStatus) String() string {
	switch s {
	case ChainMilestonePending:
		return "Pending"
	case ChainMilestoneInProgress:
		return "InProgress"
	case ChainMilestoneUnderReview:
		return "UnderReview"
	case ChainMilestoneCompleted:
		return "Completed"
	case ChainMilestoneDisputed:
		return "Disputed"
	}
	return "Unknown"
}

// Meta identifies where on chain an event was observed. (TxHash, LogIndex)
// forms the ledger's natural dedup key.
type Meta struct {
	TxHash      common.Hash
	LogIndex    uint
	BlockNumber uint64
	TxIndex     uint
	Contract    common.Address
}

// Event is one decoded escrow contract log. Everything past the oracle
// boundary works with these closed variants, never raw topics.
type Event interface {
	Name() string
	Meta() Meta
	ChainProjectID() uint64
	// Describe returns a human-readable summary and the wei amount moved, if
	// the event carries one.
	Describe() (string, *big.Int)
	// Attributes returns the decoded arguments as strings for the ledger.
	Attributes() map[string]string
}

// ProjectCreated is emitted when an employer funds a new escrow project.
type ProjectCreated struct {
	Raw         Meta
	ProjectID   uint64
	Employer    common.Address
	TotalAmount *big.Int
}

func (e *ProjectCreated) Name() string           { return "ProjectCreated" }
func (e *ProjectCreated) Meta() Meta             { return e.Raw }
func (e *ProjectCreated) ChainProjectID() uint64 { return e.ProjectID }
func (e *ProjectCreated) Describe() (string, *big.Int) {
	return "Project created and funded", e.TotalAmount
}
func (e *ProjectCreated) Attributes() map[string]string {
	return map[string]string{
		"projectId":   fmt.Sprintf("%d", e.ProjectID),
		"employer":    e.Employer.Hex(),
		"totalAmount": bigString(e.TotalAmount),
	}
}

// MilestoneAdded is emitted when funds for one milestone are locked.
type MilestoneAdded struct {
	Raw         Meta
	ProjectID   uint64
	MilestoneID uint64
	Title       string
	Amount      *big.Int
}

func (e *MilestoneAdded) Name() string           { return "MilestoneAdded" }
func (e *MilestoneAdded) Meta() Meta             { return e.Raw }
func (e *MilestoneAdded) ChainProjectID() uint64 { return e.ProjectID }
func (e *MilestoneAdded) Describe() (string, *big.Int) {
	return fmt.Sprintf("Milestone %q added", e.Title), e.Amount
}
func (e *MilestoneAdded) Attributes() map[string]string {
	return map[string]string{
		"projectId":   fmt.Sprintf("%d", e.ProjectID),
		"milestoneId": fmt.Sprintf("%d", e.MilestoneID),
		"title":       e.Title,
		"amount":      bigString(e.Amount),
	}
}

// MilestoneStatusChanged is emitted on contract-side milestone transitions.
type MilestoneStatusChanged struct {
	Raw         Meta
	ProjectID   uint64
	MilestoneID uint64
	Status      MilestoneChainStatus
}

func (e *MilestoneStatusChanged) Name() string           { return "MilestoneStatusChanged" }
func (e *MilestoneStatusChanged) Meta() Meta             { return e.Raw }
func (e *MilestoneStatusChanged) ChainProjectID() uint64 { return e.ProjectID }
func (e *MilestoneStatusChanged) Describe() (string, *big.Int) {
	return fmt.Sprintf("Milestone status changed to %s", e.Status), nil
}
func (e *MilestoneStatusChanged) Attributes() map[string]string {
	return map[string]string{
		"projectId":   fmt.Sprintf("%d", e.ProjectID),
		"milestoneId": fmt.Sprintf("%d", e.MilestoneID),
		"status":      e.Status.String(),
	}
}

// PaymentReleased is emitted when escrowed funds move to the freelancer.
type PaymentReleased struct {
	Raw         Meta
	ProjectID   uint64
	MilestoneID uint64
	Freelancer  common.Address
	Amount      *big.Int
}

func (e *PaymentReleased) Name() string           { return "PaymentReleased" }
func (e *PaymentReleased) Meta() Meta             { return e.Raw }
func (e *PaymentReleased) ChainProjectID() uint64 { return e.ProjectID }
func (e *PaymentReleased) Describe() (string, *big.Int) {
	return "Payment released for milestone", e.Amount
}
func (e *PaymentReleased) Attributes() map[string]string {
	return map[string]string{
		"projectId":   fmt.Sprintf("%d", e.ProjectID),
		"milestoneId": fmt.Sprintf("%d", e.MilestoneID),
		"freelancer":  e.Freelancer.Hex(),
		"amount":      bigString(e.Amount),
	}
}

// DisputeRaised is emitted when either party escalates a milestone on chain.
type DisputeRaised struct {
	Raw         Meta
	ProjectID   uint64
	MilestoneID uint64
	Raiser      common.Address
}

func (e *DisputeRaised) Name() string           { return "DisputeRaised" }
func (e *DisputeRaised) Meta() Meta             { return e.Raw }
func (e *DisputeRaised) ChainProjectID() uint64 { return e.ProjectID }
func (e *DisputeRaised) Describe() (string, *big.Int) {
	return "Dispute raised for milestone", nil
}
func (e *DisputeRaised) Attributes() map[string]string {
	return map[string]string{
		"projectId":   fmt.Sprintf("%d", e.ProjectID),
		"milestoneId": fmt.Sprintf("%d", e.MilestoneID),
		"raiser":      e.Raiser.Hex(),
	}
}

// DisputeResolved is emitted when an arbiter settles a disputed milestone.
type DisputeResolved struct {
	Raw             Meta
	ProjectID       uint64
	MilestoneID     uint64
	Amount          *big.Int
	FavorFreelancer bool
}

func (e *DisputeResolved) Name() string           { return "DisputeResolved" }
func (e *DisputeResolved) Meta() Meta             { return e.Raw }
func (e *DisputeResolved) ChainProjectID() uint64 { return e.ProjectID }
func (e *DisputeResolved) Describe() (string, *big.Int) {
	return "Dispute resolved", e.Amount
}
func (e *DisputeResolved) Attributes() map[string]string {
	return map[string]string{
		"projectId":       fmt.Sprintf("%d", e.ProjectID),
		"milestoneId":     fmt.Sprintf("%d", e.MilestoneID),
		"amount":          bigString(e.Amount),
		"favorFreelancer": fmt.Sprintf("%t", e.FavorFreelancer),
	}
}

// DecodeLog converts a raw contract log into its tagged variant.
func DecodeLog(log types.Log) (Event, error) {
	if len(log.Topics) == 0 {
		return nil, ErrUnknownEvent
	}
	def, err := escrowABI.EventByID(log.Topics[0])
	if err != nil {
		return nil, fmt.Errorf("%w: topic %s", ErrUnknownEvent, log.Topics[0].Hex())
	}
	meta := Meta{
		TxHash:      log.TxHash,
		LogIndex:    log.Index,
		BlockNumber: log.BlockNumber,
		TxIndex:     log.TxIndex,
		Contract:    log.Address,
	}
	switch def.Name {
	case "ProjectCreated":
		if len(log.Topics) < 3 {
			return nil, fmt.Errorf("%w: ProjectCreated missing topics", ErrUnknownEvent)
		}
		var out struct{ TotalAmount *big.Int }
		if err := escrowABI.UnpackIntoInterface(&out, def.Name, log.Data); err != nil {
			return nil, fmt.Errorf("chain: decode ProjectCreated: %w", err)
		}
		return &ProjectCreated{
			Raw:         meta,
			ProjectID:   topicUint64(log.Topics[1]),
			Employer:    common.BytesToAddress(log.Topics[2].Bytes()),
			TotalAmount: out.TotalAmount,
		}, nil
	case "MilestoneAdded":
		if len(log.Topics) < 3 {
			return nil, fmt.Errorf("%w: MilestoneAdded missing topics", ErrUnknownEvent)
		}
		var out struct {
			Title  string
			Amount *big.Int
		}
		if err := escrowABI.UnpackIntoInterface(&out, def.Name, log.Data); err != nil {
			return nil, fmt.Errorf("chain: decode MilestoneAdded: %w", err)
		}
		return &MilestoneAdded{
			Raw:         meta,
			ProjectID:   topicUint64(log.Topics[1]),
			MilestoneID: topicUint64(log.Topics[2]),
			Title:       out.Title,
			Amount:      out.Amount,
		}, nil
	case "MilestoneStatusChanged":
		if len(log.Topics) < 3 {
			return nil, fmt.Errorf("%w: MilestoneStatusChanged missing topics", ErrUnknownEvent)
		}
		var out struct{ Status uint8 }
		if err := escrowABI.UnpackIntoInterface(&out, def.Name, log.Data); err != nil {
			return nil, fmt.Errorf("chain: decode MilestoneStatusChanged: %w", err)
		}
		return &MilestoneStatusChanged{
			Raw:         meta,
			ProjectID:   topicUint64(log.Topics[1]),
			MilestoneID: topicUint64(log.Topics[2]),
			Status:      MilestoneChainStatus(out.Status),
		}, nil
	case "PaymentReleased":
		if len(log.Topics) < 3 {
			return nil, fmt.Errorf("%w: PaymentReleased missing topics", ErrUnknownEvent)
		}
		var out struct {
			Freelancer common.Address
			Amount     *big.Int
		}
		if err := escrowABI.UnpackIntoInterface(&out, def.Name, log.Data); err != nil {
			return nil, fmt.Errorf("chain: decode PaymentReleased: %w", err)
		}
		return &PaymentReleased{
			Raw:         meta,
			ProjectID:   topicUint64(log.Topics[1]),
			MilestoneID: topicUint64(log.Topics[2]),
			Freelancer:  out.Freelancer,
			Amount:      out.Amount,
		}, nil
	case "DisputeRaised":
		if len(log.Topics) < 3 {
			return nil, fmt.Errorf("%w: DisputeRaised missing topics", ErrUnknownEvent)
		}
		var out struct{ Raiser common.Address }
		if err := escrowABI.UnpackIntoInterface(&out, def.Name, log.Data); err != nil {
			return nil, fmt.Errorf("chain: decode DisputeRaised: %w", err)
		}
		return &DisputeRaised{
			Raw:         meta,
			ProjectID:   topicUint64(log.Topics[1]),
			MilestoneID: topicUint64(log.Topics[2]),
			Raiser:      out.Raiser,
		}, nil
	case "DisputeResolved":
		if len(log.Topics) < 3 {
			return nil, fmt.Errorf("%w: DisputeResolved missing topics", ErrUnknownEvent)
		}
		var out struct {
			Amount          *big.Int
			FavorFreelancer bool
		}
		if err := escrowABI.UnpackIntoInterface(&out, def.Name, log.Data); err != nil {
			return nil, fmt.Errorf("chain: decode DisputeResolved: %w", err)
		}
		return &DisputeResolved{
			Raw:             meta,
			ProjectID:       topicUint64(log.Topics[1]),
			MilestoneID:     topicUint64(log.Topics[2]),
			Amount:          out.Amount,
			FavorFreelancer: out.FavorFreelancer,
		}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, def.Name)
}

func topicUint64(topic common.Hash) uint64 {
	return new(big.Int).SetBytes(topic.Bytes()).Uint64()
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// FormatEther renders a wei amount as a trimmed decimal ether string.
func FormatEther(wei *big.Int) string {
	if wei == nil || wei.Sign() == 0 {
		return "0"
	}
	r := new(big.Rat).SetFrac(wei, big.NewInt(1e18))
	s := r.FloatString(18)
	s = strings.TrimRight(s, "0")
	s = strings.TrimSuffix(s, ".")
	if s == "" || s == "-" {
		return "0"
	}
	return s
}
