package query

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Amounts are rendered as decimal strings in token units.

// PositionResponse represents a position for API queries.
type PositionResponse struct {
	ProductIndex uint8           `json:"product_index"`
	Account      common.Address  `json:"account"`
	BaseAmount   decimal.Decimal `json:"base_amount"`
	QuoteBalance decimal.Decimal `json:"quote_balance"`
	LastFunding  decimal.Decimal `json:"last_funding"`
	// Derived at query time: funding owed since the last settlement
	UnsettledFunding decimal.Decimal `json:"unsettled_funding"`
	AsOfCommit       uint64          `json:"as_of_commit"`
}

// MarketResponse describes a registered product.
type MarketResponse struct {
	ProductIndex          uint8           `json:"product_index"`
	Symbol                string          `json:"symbol"`
	CumulativeFundingRate decimal.Decimal `json:"cumulative_funding_rate"`
	OpenInterest          decimal.Decimal `json:"open_interest"`
}

// FundingHistoryResponse is one funding index move.
type FundingHistoryResponse struct {
	Sequence              int64           `json:"sequence"`
	ProductIndex          uint8           `json:"product_index"`
	RateDelta             decimal.Decimal `json:"rate_delta"`
	CumulativeFundingRate decimal.Decimal `json:"cumulative_funding_rate"`
	Timestamp             time.Time       `json:"timestamp"`
}

// AccountResponse describes an account and its registered signers.
type AccountResponse struct {
	Address     common.Address   `json:"address"`
	Type        string           `json:"type"`
	State       string           `json:"state"`
	Main        *common.Address  `json:"main,omitempty"`
	Subaccounts []common.Address `json:"subaccounts,omitempty"`
	Signers     []common.Address `json:"signers,omitempty"`
}

// FeesResponse reports the protocol's fee accumulators and insurance fund.
type FeesResponse struct {
	InsuranceFund decimal.Decimal `json:"insurance_fund"`
	TradingFees   decimal.Decimal `json:"trading_fees"`
	SequencerFees decimal.Decimal `json:"sequencer_fees"`
	AsOfCommit    uint64          `json:"as_of_commit"`
}

// StatusResponse is the core's sequencing position.
type StatusResponse struct {
	TxCounter      uint64 `json:"tx_counter"`
	CommitSequence uint64 `json:"commit_sequence"`
	StateHash      string `json:"state_hash"`
	Paused         bool   `json:"paused"`
}

// EventResponse is a persisted event from the Postgres event log.
type EventResponse struct {
	Sequence       int64     `json:"sequence"`
	EventID        string    `json:"event_id"`
	CommitSequence uint64    `json:"commit_sequence"`
	TxID           int64     `json:"tx_id"`
	EventType      string    `json:"event_type"`
	Payload        RawJSON   `json:"payload"`
	Timestamp      time.Time `json:"timestamp"`
}

// RawJSON embeds a stored JSON document verbatim.
type RawJSON []byte

func (r RawJSON) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool     `json:"is_healthy"`
	HashChainBreaks []uint64 `json:"hash_chain_breaks,omitempty"`
	InvariantError  string   `json:"invariant_error,omitempty"`
	CheckedCommits  int      `json:"checked_commits"`
}
