package event

import (
	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
)

// BalanceUpdated is raised for every delta applied to the ledger.
type BalanceUpdated struct {
	Token   common.Address `json:"token"`
	Account common.Address `json:"account"`
	Delta   sdkmath.Int    `json:"delta"`
	Balance sdkmath.Int    `json:"balance"`
}

func (e *BalanceUpdated) EventType() EventType { return EventTypeBalanceUpdated }
func (e *BalanceUpdated) PartitionKey() string { return e.Account.Hex() }

// Deposited mirrors an external asset pulled into the venue.
type Deposited struct {
	Account common.Address `json:"account"`
	Token   common.Address `json:"token"`
	Amount  sdkmath.Int    `json:"amount"`
}

func (e *Deposited) EventType() EventType { return EventTypeDeposited }
func (e *Deposited) PartitionKey() string { return e.Account.Hex() }

// Withdrawn mirrors an external push out of the venue.
type Withdrawn struct {
	Account common.Address `json:"account"`
	Token   common.Address `json:"token"`
	Amount  sdkmath.Int    `json:"amount"`
	Fee     sdkmath.Int    `json:"fee"`
	Nonce   uint64         `json:"nonce"`
}

func (e *Withdrawn) EventType() EventType { return EventTypeWithdrawn }
func (e *Withdrawn) PartitionKey() string { return e.Account.Hex() }

// Transferred is raised for intra-family and fast-settlement transfers.
type Transferred struct {
	From           common.Address `json:"from"`
	To             common.Address `json:"to"`
	Token          common.Address `json:"token"`
	Amount         sdkmath.Int    `json:"amount"`
	Nonce          uint64         `json:"nonce"`
	FastSettlement bool           `json:"fastSettlement"`
}

func (e *Transferred) EventType() EventType { return EventTypeTransferred }
func (e *Transferred) PartitionKey() string { return e.From.Hex() }

// FeesClaimed moves an accumulator into the recipient's balance.
type FeesClaimed struct {
	Kind      string         `json:"kind"` // "trading" | "sequencer"
	Recipient common.Address `json:"recipient"`
	Amount    sdkmath.Int    `json:"amount"`
}

func (e *FeesClaimed) EventType() EventType { return EventTypeFeesClaimed }
func (e *FeesClaimed) PartitionKey() string { return e.Recipient.Hex() }
