package event

import (
	"github.com/google/uuid"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeBalanceUpdated
	EventTypeDeposited
	EventTypeWithdrawn
	EventTypeTransferred
	EventTypeOrderMatched
	EventTypePositionUpdated
	EventTypeFundingRateUpdated
	EventTypeSubaccountCreated
	EventTypeSubaccountDeleted
	EventTypeSignerRegistered
	EventTypeInsuranceFundUpdated
	EventTypeLiquidationFeeCollected
	EventTypeLossCovered
	EventTypeYieldSwapped
	EventTypeCollateralLiquidated
	EventTypeLiquidationProcessed
	EventTypeFeesClaimed
	EventTypePauseChanged
	EventTypeOperationFailed
)

// Status is the outcome carried by operation-level events.
type Status int32

const (
	StatusSuccess Status = iota
	StatusFailure
	StatusPartial
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "Success"
	case StatusFailure:
		return "Failure"
	case StatusPartial:
		return "Partial"
	default:
		return "Unknown"
	}
}

// NoTx marks events raised by admin entry points outside a sequencer batch.
const NoTx int64 = -1

// Envelope wraps every committed event in the log
type Envelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Deterministic id derived from the commit position; persistence dedups on it
	EventID uuid.UUID

	// Commit unit that produced the event (batch or admin call)
	CommitSequence uint64

	// Sequencer txId of the producing record, NoTx for admin calls
	TxID int64

	// Event type discriminator
	EventType EventType

	Payload Event

	// SHA-256 chain head AFTER the commit that produced this event
	StateHash [32]byte

	// Chain head before the commit
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// EventType returns the discriminator
	EventType() EventType

	// PartitionKey groups events for ordered downstream delivery (usually an account)
	PartitionKey() string
}

var eventIDNamespace = uuid.MustParse("6f1c51b6-2b7e-4c55-9d1e-3f8ad1a0c7e2")

// NewEventID derives a stable id for the i-th event of a commit.
func NewEventID(commitSeq uint64, index int) uuid.UUID {
	var buf [16]byte
	for k := 0; k < 8; k++ {
		buf[k] = byte(commitSeq >> (56 - 8*k))
		buf[8+k] = byte(uint64(index) >> (56 - 8*k))
	}
	return uuid.NewSHA1(eventIDNamespace, buf[:])
}

func (et EventType) String() string {
	switch et {
	case EventTypeBalanceUpdated:
		return "BalanceUpdated"
	case EventTypeDeposited:
		return "Deposited"
	case EventTypeWithdrawn:
		return "Withdrawn"
	case EventTypeTransferred:
		return "Transferred"
	case EventTypeOrderMatched:
		return "OrderMatched"
	case EventTypePositionUpdated:
		return "PositionUpdated"
	case EventTypeFundingRateUpdated:
		return "FundingRateUpdated"
	case EventTypeSubaccountCreated:
		return "SubaccountCreated"
	case EventTypeSubaccountDeleted:
		return "SubaccountDeleted"
	case EventTypeSignerRegistered:
		return "SignerRegistered"
	case EventTypeInsuranceFundUpdated:
		return "InsuranceFundUpdated"
	case EventTypeLiquidationFeeCollected:
		return "LiquidationFeeCollected"
	case EventTypeLossCovered:
		return "LossCovered"
	case EventTypeYieldSwapped:
		return "YieldSwapped"
	case EventTypeCollateralLiquidated:
		return "CollateralLiquidated"
	case EventTypeLiquidationProcessed:
		return "LiquidationProcessed"
	case EventTypeFeesClaimed:
		return "FeesClaimed"
	case EventTypePauseChanged:
		return "PauseChanged"
	case EventTypeOperationFailed:
		return "OperationFailed"
	default:
		return "Unknown"
	}
}
