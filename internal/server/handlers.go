package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"

	"PerpSettlement/internal/auth"
	"PerpSettlement/internal/core"
	"PerpSettlement/internal/pipeline"
	"PerpSettlement/internal/projection"
	"PerpSettlement/internal/query"
	"PerpSettlement/internal/state"
)

const (
	maxBatchBytes    = 16 << 20
	defaultPageLimit = 100
	maxPageLimit     = 1000
)

// handlerFunc returns the response body or an error to be mapped to a status.
type handlerFunc func(r *http.Request, params map[string]string) (any, error)

// BatchResponse reports the result of a submitted batch.
type BatchResponse struct {
	Outcome        string `json:"outcome"`
	CommitSequence uint64 `json:"commit_sequence"`
	TxCounter      uint64 `json:"tx_counter"`
	StateHash      string `json:"state_hash"`
}

func (s *GRPCServer) registerRoutes() error {
	routes := []struct {
		method, pattern, endpoint string
		h                         handlerFunc
	}{
		{"GET", "/v1/status", "status", s.getStatus},
		{"GET", "/v1/fees", "fees", s.getFees},
		{"GET", "/v1/markets", "markets", s.listMarkets},
		{"GET", "/v1/markets/{product}/funding", "funding_history", s.getFundingHistory},
		{"GET", "/v1/tokens/{token}/total", "total_balance", s.getTotalBalance},
		{"GET", "/v1/accounts/{account}", "account", s.getAccount},
		{"GET", "/v1/accounts/{account}/balances", "balances", s.getBalances},
		{"GET", "/v1/accounts/{account}/balances/{token}", "balance", s.getBalance},
		{"GET", "/v1/accounts/{account}/positions", "positions", s.listPositions},
		{"GET", "/v1/accounts/{account}/positions/{product}", "position", s.getPosition},
		{"GET", "/v1/accounts/{account}/events", "events", s.listEvents},
		{"GET", "/v1/nonces/{namespace}/{account}/{nonce}", "nonce", s.getNonce},
		{"GET", "/v1/matches/{maker}/{maker_nonce}/{taker}/{taker_nonce}", "match", s.getMatch},
		{"POST", "/v1/batches", "submit_batch", s.submitBatch},
		{"POST", "/v1/admin/commands", "admin_command", s.adminCommand},
		{"GET", "/v1/admin/integrity", "verify_integrity", s.verifyIntegrity},
		{"POST", "/v1/admin/projections/rebuild", "rebuild_projections", s.rebuildProjections},
	}
	for _, rt := range routes {
		if err := s.gateway.HandlePath(rt.method, rt.pattern, s.instrument(rt.endpoint, rt.h)); err != nil {
			return fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return nil
}

// instrument writes the JSON response and records request metrics.
func (s *GRPCServer) instrument(endpoint string, h handlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		body, err := h(r, params)

		code := codes.OK
		httpStatus := http.StatusOK
		if err != nil {
			code = grpcCode(err)
			httpStatus = runtime.HTTPStatusFromCode(code)
			body = errorBody(code, err)
			if code == codes.Internal || code == codes.DataLoss {
				s.logger.Error().Err(err).Str("endpoint", endpoint).Msg("request failed")
			}
		}
		writeJSON(w, httpStatus, body)

		if m := s.deps.Metrics; m != nil {
			m.QueryRequests.WithLabelValues(endpoint, code.String()).Inc()
			m.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		}
	}
}

// --- Reads ---

func (s *GRPCServer) getStatus(r *http.Request, _ map[string]string) (any, error) {
	return s.deps.QueryService.GetStatus(), nil
}

func (s *GRPCServer) getFees(r *http.Request, _ map[string]string) (any, error) {
	return s.deps.QueryService.GetFees(), nil
}

func (s *GRPCServer) listMarkets(r *http.Request, _ map[string]string) (any, error) {
	return s.deps.QueryService.ListMarkets(), nil
}

func (s *GRPCServer) getFundingHistory(r *http.Request, p map[string]string) (any, error) {
	product, err := parseProduct(p["product"])
	if err != nil {
		return nil, err
	}
	limit, err := pageLimit(r)
	if err != nil {
		return nil, err
	}
	return s.deps.QueryService.GetFundingHistory(product, limit), nil
}

func (s *GRPCServer) getTotalBalance(r *http.Request, p map[string]string) (any, error) {
	token, err := parseAddress("token", p["token"])
	if err != nil {
		return nil, err
	}
	return s.deps.QueryService.GetTotalBalance(token), nil
}

func (s *GRPCServer) getAccount(r *http.Request, p map[string]string) (any, error) {
	account, err := parseAddress("account", p["account"])
	if err != nil {
		return nil, err
	}
	return s.deps.QueryService.GetAccount(account), nil
}

func (s *GRPCServer) getBalances(r *http.Request, p map[string]string) (any, error) {
	account, err := parseAddress("account", p["account"])
	if err != nil {
		return nil, err
	}
	return s.deps.QueryService.GetBalances(account), nil
}

func (s *GRPCServer) getBalance(r *http.Request, p map[string]string) (any, error) {
	account, err := parseAddress("account", p["account"])
	if err != nil {
		return nil, err
	}
	token, err := parseAddress("token", p["token"])
	if err != nil {
		return nil, err
	}
	return s.deps.QueryService.GetBalance(token, account), nil
}

func (s *GRPCServer) listPositions(r *http.Request, p map[string]string) (any, error) {
	account, err := parseAddress("account", p["account"])
	if err != nil {
		return nil, err
	}
	positions := s.deps.QueryService.ListPositions(account)
	if positions == nil {
		positions = []query.PositionResponse{}
	}
	return positions, nil
}

func (s *GRPCServer) getPosition(r *http.Request, p map[string]string) (any, error) {
	account, err := parseAddress("account", p["account"])
	if err != nil {
		return nil, err
	}
	product, err := parseProduct(p["product"])
	if err != nil {
		return nil, err
	}
	return s.deps.QueryService.GetPosition(product, account)
}

func (s *GRPCServer) listEvents(r *http.Request, p map[string]string) (any, error) {
	account, err := parseAddress("account", p["account"])
	if err != nil {
		return nil, err
	}
	limit, err := pageLimit(r)
	if err != nil {
		return nil, err
	}
	var before int64
	if v := r.URL.Query().Get("before"); v != "" {
		before, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, invalidArgument("before: %v", err)
		}
	}
	events, err := s.deps.QueryService.ListEvents(r.Context(), account, before, limit)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []query.EventResponse{}
	}
	return events, nil
}

func (s *GRPCServer) getNonce(r *http.Request, p map[string]string) (any, error) {
	ns, ok := state.ParseNamespace(p["namespace"])
	if !ok {
		return nil, invalidArgument("unknown nonce namespace %q", p["namespace"])
	}
	account, err := parseAddress("account", p["account"])
	if err != nil {
		return nil, err
	}
	nonce, err := parseUint64("nonce", p["nonce"])
	if err != nil {
		return nil, err
	}
	return map[string]bool{"used": s.deps.QueryService.IsNonceUsed(ns, account, nonce)}, nil
}

func (s *GRPCServer) getMatch(r *http.Request, p map[string]string) (any, error) {
	maker, err := parseAddress("maker", p["maker"])
	if err != nil {
		return nil, err
	}
	makerNonce, err := parseUint64("maker_nonce", p["maker_nonce"])
	if err != nil {
		return nil, err
	}
	taker, err := parseAddress("taker", p["taker"])
	if err != nil {
		return nil, err
	}
	takerNonce, err := parseUint64("taker_nonce", p["taker_nonce"])
	if err != nil {
		return nil, err
	}
	return map[string]bool{"matched": s.deps.QueryService.IsMatched(maker, makerNonce, taker, takerNonce)}, nil
}

// --- Writes ---

// submitBatch takes one framed sequencer batch as the raw request body.
func (s *GRPCServer) submitBatch(r *http.Request, _ map[string]string) (any, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBatchBytes+1))
	if err != nil {
		return nil, invalidArgument("read body: %v", err)
	}
	if len(data) > maxBatchBytes {
		return nil, invalidArgument("batch exceeds %d bytes", maxBatchBytes)
	}

	outcome, err := s.deps.Ingestor.SubmitBatch(r.Context(), data)
	if err != nil {
		return nil, err
	}
	st := s.deps.QueryService.GetStatus()
	return BatchResponse{
		Outcome:        outcome.String(),
		CommitSequence: st.CommitSequence,
		TxCounter:      st.TxCounter,
		StateHash:      st.StateHash,
	}, nil
}

func (s *GRPCServer) adminCommand(r *http.Request, _ map[string]string) (any, error) {
	var cmd core.AdminCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		return nil, invalidArgument("decode admin command: %v", err)
	}
	if err := s.deps.Ingestor.Admin(r.Context(), cmd); err != nil {
		return nil, err
	}
	return s.deps.QueryService.GetStatus(), nil
}

func (s *GRPCServer) verifyIntegrity(r *http.Request, _ map[string]string) (any, error) {
	return s.deps.QueryService.VerifyIntegrity(r.Context())
}

func (s *GRPCServer) rebuildProjections(r *http.Request, _ map[string]string) (any, error) {
	if s.deps.DB == nil {
		return nil, query.ErrHistoryUnavailable
	}
	if err := projection.Rebuild(r.Context(), s.deps.DB, s.logger); err != nil {
		return nil, err
	}
	return map[string]bool{"rebuilt": true}, nil
}

// --- Helpers ---

// badRequest marks malformed input.
type badRequest struct{ msg string }

func (e *badRequest) Error() string { return e.msg }

func invalidArgument(format string, args ...any) error {
	return &badRequest{msg: fmt.Sprintf(format, args...)}
}

func parseAddress(name, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, invalidArgument("%s: invalid address %q", name, s)
	}
	return common.HexToAddress(s), nil
}

func parseProduct(s string) (uint8, error) {
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, invalidArgument("product: %v", err)
	}
	return uint8(v), nil
}

func parseUint64(name, s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, invalidArgument("%s: %v", name, err)
	}
	return v, nil
}

func pageLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultPageLimit, nil
	}
	limit, err := strconv.Atoi(v)
	if err != nil || limit <= 0 {
		return 0, invalidArgument("limit must be a positive integer")
	}
	return min(limit, maxPageLimit), nil
}

// grpcCode classifies an error for the HTTP status mapping.
func grpcCode(err error) codes.Code {
	var br *badRequest
	switch {
	case errors.As(err, &br), errors.Is(err, core.ErrMalformedRecord):
		return codes.InvalidArgument
	case errors.Is(err, state.ErrUnknownProduct):
		return codes.NotFound
	case errors.Is(err, auth.ErrUnauthorized), errors.Is(err, auth.ErrInvalidSignature):
		return codes.PermissionDenied
	case errors.Is(err, core.ErrPaused), errors.Is(err, query.ErrHistoryUnavailable):
		return codes.Unavailable
	case errors.Is(err, pipeline.ErrNotDurable):
		return codes.DataLoss
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	}
	if space, _ := core.ErrorCode(err); space != "" {
		return codes.FailedPrecondition
	}
	return codes.Internal
}

type errorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Codespace string `json:"codespace,omitempty"`
	ErrorCode uint32 `json:"error_code,omitempty"`
}

func errorBody(code codes.Code, err error) map[string]errorResponse {
	space, abci := core.ErrorCode(err)
	return map[string]errorResponse{"error": {
		Code:      code.String(),
		Message:   err.Error(),
		Codespace: space,
		ErrorCode: abci,
	}}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
