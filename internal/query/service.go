package query

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"sort"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"

	"PerpSettlement/internal/core"
	fpmath "PerpSettlement/internal/math"
	"PerpSettlement/internal/projection"
	"PerpSettlement/internal/state"
)

// ErrHistoryUnavailable is returned by history queries when no event log
// database is configured.
var ErrHistoryUnavailable = errors.New("event history requires a database")

// StateReader is the read surface of the core.
type StateReader interface {
	GetBalance(token, account common.Address) sdkmath.Int
	GetBalances(account common.Address) map[common.Address]sdkmath.Int
	GetTotalBalance(token common.Address) sdkmath.Int
	GetOpenPosition(productIndex uint8, account common.Address) state.Position
	GetMarketMetrics(productIndex uint8) (state.MarketMetrics, bool)
	GetProducts() []state.Product
	GetInsuranceFundBalance() sdkmath.Int
	GetTradingFees() sdkmath.Int
	GetSequencerFees() sdkmath.Int
	IsMatched(maker common.Address, makerNonce uint64, taker common.Address, takerNonce uint64) bool
	IsNonceUsed(ns state.Namespace, account common.Address, nonce uint64) bool
	GetAccount(addr common.Address) core.AccountView
	GetTxCounter() uint64
	GetCommitSequence() uint64
	GetStateHash() [32]byte
	IsPaused() bool
	IsSupportedToken(token common.Address) bool
	ValidateInvariants() error
}

// QueryService answers reads from the live core, the in-memory funding
// history and, for event history, the Postgres event log. Every live
// response carries as_of_commit.
type QueryService struct {
	state   StateReader
	funding *projection.FundingHistory
	db      *sql.DB // optional
}

func NewQueryService(st StateReader, funding *projection.FundingHistory, db *sql.DB) *QueryService {
	return &QueryService{state: st, funding: funding, db: db}
}

// GetBalance returns one balance.
func (qs *QueryService) GetBalance(token, account common.Address) BalanceResponse {
	return BalanceResponse{
		Account:    account,
		Token:      token,
		Balance:    toDecimal(qs.state.GetBalance(token, account)),
		AsOfCommit: qs.state.GetCommitSequence(),
	}
}

// GetBalances returns every non-zero balance of account, ordered by token.
func (qs *QueryService) GetBalances(account common.Address) BalancesResponse {
	asOf := qs.state.GetCommitSequence()
	balances := qs.state.GetBalances(account)

	resp := BalancesResponse{Account: account, Balances: make([]BalanceResponse, 0, len(balances)), AsOfCommit: asOf}
	for token, amount := range balances {
		resp.Balances = append(resp.Balances, BalanceResponse{
			Account:    account,
			Token:      token,
			Balance:    toDecimal(amount),
			AsOfCommit: asOf,
		})
	}
	sort.Slice(resp.Balances, func(i, j int) bool {
		return bytes.Compare(resp.Balances[i].Token[:], resp.Balances[j].Token[:]) < 0
	})
	return resp
}

func (qs *QueryService) GetTotalBalance(token common.Address) TotalBalanceResponse {
	return TotalBalanceResponse{
		Token:      token,
		Total:      toDecimal(qs.state.GetTotalBalance(token)),
		Supported:  qs.state.IsSupportedToken(token),
		AsOfCommit: qs.state.GetCommitSequence(),
	}
}

// GetPosition returns a position with its unsettled funding.
func (qs *QueryService) GetPosition(productIndex uint8, account common.Address) (PositionResponse, error) {
	metrics, ok := qs.state.GetMarketMetrics(productIndex)
	if !ok {
		return PositionResponse{}, state.ErrUnknownProduct
	}
	pos := qs.state.GetOpenPosition(productIndex, account)
	return PositionResponse{
		ProductIndex:     productIndex,
		Account:          account,
		BaseAmount:       toDecimal(pos.BaseAmount),
		QuoteBalance:     toDecimal(pos.QuoteBalance),
		LastFunding:      toDecimal(pos.LastFunding),
		UnsettledFunding: toDecimal(fpmath.ComputeFundingPayment(metrics.CumulativeFundingRate, fpmath.OrZero(pos.LastFunding), fpmath.OrZero(pos.BaseAmount))),
		AsOfCommit:       qs.state.GetCommitSequence(),
	}, nil
}

// ListPositions returns the account's non-flat positions across all products.
func (qs *QueryService) ListPositions(account common.Address) []PositionResponse {
	var out []PositionResponse
	for _, p := range qs.state.GetProducts() {
		pos, err := qs.GetPosition(p.Index, account)
		if err != nil || (pos.BaseAmount.IsZero() && pos.QuoteBalance.IsZero()) {
			continue
		}
		out = append(out, pos)
	}
	return out
}

// ListMarkets returns every registered product with its shared metrics.
func (qs *QueryService) ListMarkets() []MarketResponse {
	products := qs.state.GetProducts()
	out := make([]MarketResponse, 0, len(products))
	for _, p := range products {
		m, _ := qs.state.GetMarketMetrics(p.Index)
		out = append(out, MarketResponse{
			ProductIndex:          p.Index,
			Symbol:                p.Symbol,
			CumulativeFundingRate: toDecimal(m.CumulativeFundingRate),
			OpenInterest:          toDecimal(m.OpenInterest),
		})
	}
	return out
}

// GetFundingHistory returns recent funding moves of a product, newest first.
func (qs *QueryService) GetFundingHistory(productIndex uint8, limit int) []FundingHistoryResponse {
	if qs.funding == nil {
		return nil
	}
	entries := qs.funding.Recent(productIndex, limit)
	out := make([]FundingHistoryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, FundingHistoryResponse{
			Sequence:              e.Sequence,
			ProductIndex:          e.ProductIndex,
			RateDelta:             toDecimal(e.RateDelta),
			CumulativeFundingRate: toDecimal(e.CumulativeFundingRate),
			Timestamp:             e.Timestamp,
		})
	}
	return out
}

func (qs *QueryService) GetAccount(addr common.Address) AccountResponse {
	view := qs.state.GetAccount(addr)
	resp := AccountResponse{
		Address:     addr,
		Type:        view.Type.String(),
		State:       view.State.String(),
		Subaccounts: view.Subaccounts,
		Signers:     view.Signers,
	}
	if view.Main != (common.Address{}) {
		main := view.Main
		resp.Main = &main
	}
	return resp
}

func (qs *QueryService) GetFees() FeesResponse {
	return FeesResponse{
		InsuranceFund: toDecimal(qs.state.GetInsuranceFundBalance()),
		TradingFees:   toDecimal(qs.state.GetTradingFees()),
		SequencerFees: toDecimal(qs.state.GetSequencerFees()),
		AsOfCommit:    qs.state.GetCommitSequence(),
	}
}

func (qs *QueryService) IsNonceUsed(ns state.Namespace, account common.Address, nonce uint64) bool {
	return qs.state.IsNonceUsed(ns, account, nonce)
}

func (qs *QueryService) IsMatched(maker common.Address, makerNonce uint64, taker common.Address, takerNonce uint64) bool {
	return qs.state.IsMatched(maker, makerNonce, taker, takerNonce)
}

func (qs *QueryService) GetStatus() StatusResponse {
	hash := qs.state.GetStateHash()
	return StatusResponse{
		TxCounter:      qs.state.GetTxCounter(),
		CommitSequence: qs.state.GetCommitSequence(),
		StateHash:      hex.EncodeToString(hash[:]),
		Paused:         qs.state.IsPaused(),
	}
}

// ListEvents pages through an account's persisted events, newest first.
// A zero before starts from the newest event.
func (qs *QueryService) ListEvents(ctx context.Context, account common.Address, before int64, limit int) ([]EventResponse, error) {
	if qs.db == nil {
		return nil, ErrHistoryUnavailable
	}
	if before <= 0 {
		before = 1<<63 - 1
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT sequence, event_id, commit_sequence, tx_id, event_type, payload, created_at
		FROM event_log.events
		WHERE partition_key = $1 AND sequence < $2
		ORDER BY sequence DESC
		LIMIT $3
	`, account.Hex(), before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventResponse
	for rows.Next() {
		var e EventResponse
		var commit int64
		var payload []byte
		if err := rows.Scan(&e.Sequence, &e.EventID, &commit, &e.TxID, &e.EventType, &payload, &e.Timestamp); err != nil {
			return nil, err
		}
		e.CommitSequence = uint64(commit)
		e.Payload = RawJSON(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks the live ledger invariants and, with a database,
// that every persisted commit links to its predecessor's state hash.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}
	if err := qs.state.ValidateInvariants(); err != nil {
		report.InvariantError = err.Error()
	}

	if qs.db != nil {
		rows, err := qs.db.QueryContext(ctx, `
			SELECT commit_sequence, state_hash, prev_hash
			FROM event_log.commits
			ORDER BY commit_sequence
		`)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var links []commitLink
		for rows.Next() {
			var l commitLink
			var seq int64
			if err := rows.Scan(&seq, &l.hash, &l.prev); err != nil {
				return nil, err
			}
			l.seq = uint64(seq)
			links = append(links, l)
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
		report.HashChainBreaks = chainBreaks(links)
		report.CheckedCommits = len(links)
	}

	report.IsHealthy = report.InvariantError == "" && len(report.HashChainBreaks) == 0
	return report, nil
}

type commitLink struct {
	seq        uint64
	hash, prev []byte
}

// chainBreaks returns the commits whose prev hash does not match the state
// hash of the commit before them. Gaps in the sequence are not breaks.
func chainBreaks(links []commitLink) []uint64 {
	var breaks []uint64
	for i := 1; i < len(links); i++ {
		if links[i].seq != links[i-1].seq+1 {
			continue
		}
		if !bytes.Equal(links[i].prev, links[i-1].hash) {
			breaks = append(breaks, links[i].seq)
		}
	}
	return breaks
}
