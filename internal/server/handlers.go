package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"

	"github.com/itua234/gifty/internal/escrow"
	"github.com/itua234/gifty/internal/idempotency"
	"github.com/itua234/gifty/internal/ledger"
	"github.com/itua234/gifty/internal/oracle"
)

const (
	maxBodyBytes = 64 << 10
	// reservationLease bounds how long a crashed request can hold its key.
	reservationLease = 2 * time.Minute
)

var (
	errMissingCaller = errors.New("missing or invalid " + headerCaller + " header")
	errMissingKey    = errors.New("missing " + headerIdempotency + " header")
	errInvalidBody   = errors.New("invalid json payload")
	errInvalidAmount = errors.New("amount must be a base-10 integer string")
)

type createRequest struct {
	Amount   string     `json:"amount"`
	Secret   string     `json:"secret"`
	ExpireAt *time.Time `json:"expireAt,omitempty"`
}

type createResponse struct {
	ID     uint64 `json:"id"`
	Status string `json:"status"`
}

type secretRequest struct {
	Secret string `json:"secret"`
}

type claimResponse struct {
	ID     uint64 `json:"id"`
	Payout string `json:"payout"`
}

type channelRequest struct {
	Secret  string `json:"secret"`
	Channel string `json:"channel"`
	Details string `json:"details"`
}

type channelResponse struct {
	ID              uint64     `json:"id"`
	Channel         string     `json:"channel"`
	AssetAmount     string     `json:"assetAmount"`
	ReferenceAmount string     `json:"referenceAmount"`
	ReferenceValue  string     `json:"referenceValue"`
	Rate            string     `json:"rate"`
	RateUpdatedAt   *time.Time `json:"rateUpdatedAt,omitempty"`
}

type reclaimResponse struct {
	ID     uint64 `json:"id"`
	Refund string `json:"refund"`
}

type feeRateRequest struct {
	Bps *uint32 `json:"bps"`
}

type depositRequest struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r, "create")
	if !ok {
		return
	}
	key := strings.TrimSpace(r.Header.Get(headerIdempotency))
	if key == "" {
		s.fail(w, "create", http.StatusBadRequest, errMissingKey)
		return
	}

	s.idempotent(w, r, "create", caller, key, func(body []byte) (int, any, error) {
		var payload createRequest
		if err := json.Unmarshal(body, &payload); err != nil {
			return 0, nil, errInvalidBody
		}
		amount, err := parseAmount(payload.Amount)
		if err != nil {
			return 0, nil, err
		}
		req := escrow.CreateRequest{Funder: caller, Amount: amount, Secret: payload.Secret}
		if payload.ExpireAt != nil {
			req.ExpireAt = *payload.ExpireAt
		}
		id, err := s.escrow.Create(r.Context(), req)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, createResponse{ID: id, Status: escrow.StatusActive.String()}, nil
	})
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := s.recordID(w, r, "read")
	if !ok {
		return
	}
	view, err := s.escrow.Record(r.Context(), id)
	if err != nil {
		s.failErr(w, "read", err)
		return
	}
	s.metrics.incOperation("read", "ok")
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r, "claim")
	if !ok {
		return
	}
	id, ok := s.recordID(w, r, "claim")
	if !ok {
		return
	}

	s.idempotent(w, r, "claim", caller, r.Header.Get(headerIdempotency), func(body []byte) (int, any, error) {
		var payload secretRequest
		if err := json.Unmarshal(body, &payload); err != nil {
			return 0, nil, errInvalidBody
		}
		payout, err := s.escrow.ClaimDirect(r.Context(), caller, id, payload.Secret)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, claimResponse{ID: id, Payout: payout.String()}, nil
	})
}

func (s *Server) handleClaimChannel(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r, "claim_channel")
	if !ok {
		return
	}
	id, ok := s.recordID(w, r, "claim_channel")
	if !ok {
		return
	}

	s.idempotent(w, r, "claim_channel", caller, r.Header.Get(headerIdempotency), func(body []byte) (int, any, error) {
		var payload channelRequest
		if err := json.Unmarshal(body, &payload); err != nil {
			return 0, nil, errInvalidBody
		}
		kind, err := escrow.ParseChannelKind(payload.Channel)
		if err != nil {
			return 0, nil, err
		}
		res, err := s.escrow.ClaimViaChannel(r.Context(), caller, id, payload.Secret, kind, payload.Details)
		s.observeOracle(err)
		if err != nil {
			return 0, nil, err
		}
		resp := channelResponse{
			ID:              id,
			Channel:         string(kind),
			AssetAmount:     res.AssetAmount.String(),
			ReferenceAmount: res.ReferenceAmount.String(),
			ReferenceValue:  oracle.Format(res.ReferenceAmount, s.referenceDecimals()),
			Rate:            res.Quote.Rate.String(),
		}
		if !res.Quote.UpdatedAt.IsZero() {
			t := res.Quote.UpdatedAt
			resp.RateUpdatedAt = &t
		}
		return http.StatusOK, resp, nil
	})
}

func (s *Server) handleReclaim(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r, "reclaim")
	if !ok {
		return
	}
	id, ok := s.recordID(w, r, "reclaim")
	if !ok {
		return
	}
	var payload secretRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&payload); err != nil {
		s.fail(w, "reclaim", http.StatusBadRequest, errInvalidBody)
		return
	}
	refund, err := s.escrow.Reclaim(r.Context(), caller, id, payload.Secret)
	if err != nil {
		s.failErr(w, "reclaim", err)
		return
	}
	s.metrics.incOperation("reclaim", "ok")
	writeJSON(w, http.StatusOK, reclaimResponse{ID: id, Refund: refund.String()})
}

func (s *Server) handleFees(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r, "fees")
	if !ok {
		return
	}
	fees, err := s.escrow.FeesCollected(r.Context(), caller)
	if err != nil {
		s.failErr(w, "fees", err)
		return
	}
	s.metrics.incOperation("fees", "ok")
	writeJSON(w, http.StatusOK, map[string]string{"feesCollected": fees.String()})
}

func (s *Server) handleSetFeeRate(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r, "set_fee_rate")
	if !ok {
		return
	}
	var payload feeRateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&payload); err != nil || payload.Bps == nil {
		s.fail(w, "set_fee_rate", http.StatusBadRequest, errInvalidBody)
		return
	}
	if err := s.escrow.SetFeeRate(r.Context(), caller, *payload.Bps); err != nil {
		s.failErr(w, "set_fee_rate", err)
		return
	}
	s.metrics.incOperation("set_fee_rate", "ok")
	writeJSON(w, http.StatusOK, map[string]uint32{"feeRateBps": s.escrow.FeeRate()})
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	if s.quotes == nil {
		s.fail(w, "rate", http.StatusServiceUnavailable, oracle.ErrOracleUnavailable)
		return
	}
	q, err := s.quotes.Quote(r.Context())
	s.observeOracle(err)
	if err != nil {
		s.failErr(w, "rate", err)
		return
	}
	s.metrics.incOperation("rate", "ok")
	writeJSON(w, http.StatusOK, map[string]any{
		"rate":      q.Rate.String(),
		"display":   oracle.Format(q.Rate, s.quotes.ReferenceDecimals()),
		"roundId":   bigString(q.RoundID),
		"updatedAt": q.UpdatedAt,
	})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r, "deposit")
	if !ok {
		return
	}
	if caller != s.escrow.FeeCollector() {
		s.failErr(w, "deposit", escrow.ErrNotAuthorized)
		return
	}
	var payload depositRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&payload); err != nil {
		s.fail(w, "deposit", http.StatusBadRequest, errInvalidBody)
		return
	}
	if !common.IsHexAddress(payload.Address) {
		s.fail(w, "deposit", http.StatusBadRequest, ledger.ErrInvalidAccount)
		return
	}
	amount, err := parseAmount(payload.Amount)
	if err != nil {
		s.fail(w, "deposit", http.StatusBadRequest, err)
		return
	}
	addr := common.HexToAddress(payload.Address)
	if err := s.funds.Deposit(r.Context(), addr, amount); err != nil {
		s.failErr(w, "deposit", err)
		return
	}
	s.logger.Info("account credited", "address", addr.Hex(), "amount", amount.String())
	bal, err := s.funds.Balance(r.Context(), addr)
	if err != nil {
		s.failErr(w, "deposit", err)
		return
	}
	s.metrics.incOperation("deposit", "ok")
	writeJSON(w, http.StatusOK, map[string]string{"address": addr.Hex(), "balance": bal.String()})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["address"]
	if !common.IsHexAddress(raw) {
		s.fail(w, "balance", http.StatusBadRequest, ledger.ErrInvalidAccount)
		return
	}
	addr := common.HexToAddress(raw)
	bal, err := s.funds.Balance(r.Context(), addr)
	if err != nil {
		s.failErr(w, "balance", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"address": addr.Hex(), "balance": bal.String()})
}

// idempotent replays the stored response for key, or reserves the key, runs
// fn and stores a successful result. A request arriving while the key is
// reserved gets ErrInFlight. An empty key runs fn without replay.
func (s *Server) idempotent(w http.ResponseWriter, r *http.Request, op string, caller common.Address, key string, fn func(body []byte) (int, any, error)) {
	ctx := r.Context()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.fail(w, op, http.StatusBadRequest, errInvalidBody)
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	key = strings.TrimSpace(key)
	scoped := fmt.Sprintf("%s:%s:%s", op, caller.Hex(), key)
	reqHash := idempotency.HashRequest(r.Method, r.URL.Path, caller.Hex(), body)
	if key != "" {
		existing, err := s.reserve(ctx, scoped, reqHash)
		if err != nil {
			s.failErr(w, op, err)
			return
		}
		if existing != nil {
			s.replay(w, op, existing)
			return
		}
	}

	status, resp, err := fn(body)
	var b []byte
	if err == nil {
		b, err = json.Marshal(resp)
	}
	if err != nil {
		if key != "" {
			if relErr := s.store.Release(context.WithoutCancel(ctx), scoped); relErr != nil {
				s.logger.Warn("idempotency release failed", "op", op, "error", relErr)
			}
		}
		s.failErr(w, op, err)
		return
	}

	if key != "" {
		now := time.Now()
		record := idempotency.Record{
			RequestHash: reqHash,
			StatusCode:  status,
			Response:    b,
			CreatedAt:   now,
			ExpiresAt:   now.Add(s.cfg.Service.IdempotencyWindow),
		}
		if err := s.store.Save(context.WithoutCancel(ctx), scoped, record); err != nil {
			s.logger.Warn("idempotency save failed", "op", op, "error", err)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(b, '\n'))
	s.metrics.incOperation(op, "ok")
}

// reserve returns the completed record to replay, or nil once the caller
// holds the key.
func (s *Server) reserve(ctx context.Context, scoped, reqHash string) (*idempotency.Record, error) {
	existing, err := idempotency.Lookup(ctx, s.store, scoped, reqHash)
	if err != nil || existing != nil {
		return existing, err
	}
	now := time.Now()
	ok, err := s.store.Reserve(ctx, scoped, idempotency.Record{
		RequestHash: reqHash,
		CreatedAt:   now,
		ExpiresAt:   now.Add(reservationLease),
	})
	if err != nil || ok {
		return nil, err
	}
	existing, err = idempotency.Lookup(ctx, s.store, scoped, reqHash)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, idempotency.ErrInFlight
	}
	return existing, nil
}

func (s *Server) replay(w http.ResponseWriter, op string, rec *idempotency.Record) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Idempotent-Replay", "true")
	w.WriteHeader(rec.StatusCode)
	_, _ = w.Write(rec.Response)
	s.metrics.incOperation(op, "cached")
}

func (s *Server) caller(w http.ResponseWriter, r *http.Request, op string) (common.Address, bool) {
	raw := strings.TrimSpace(r.Header.Get(headerCaller))
	if !common.IsHexAddress(raw) {
		s.fail(w, op, http.StatusBadRequest, errMissingCaller)
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func (s *Server) recordID(w http.ResponseWriter, r *http.Request, op string) (uint64, bool) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		s.fail(w, op, http.StatusNotFound, escrow.ErrNotFound)
		return 0, false
	}
	return id, true
}

func (s *Server) observeOracle(err error) {
	switch {
	case err == nil:
		s.metrics.incOracle("ok")
	case errors.Is(err, oracle.ErrOracleUnavailable):
		s.metrics.incOracle("unavailable")
	case errors.Is(err, oracle.ErrInvalidRate):
		s.metrics.incOracle("invalid_rate")
	}
}

func (s *Server) referenceDecimals() uint8 {
	if s.quotes == nil {
		return 0
	}
	return s.quotes.ReferenceDecimals()
}

func (s *Server) failErr(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "op", op, "error", err)
	}
	s.fail(w, op, status, err)
}

func (s *Server) fail(w http.ResponseWriter, op string, status int, err error) {
	s.metrics.incOperation(op, strconv.Itoa(status))
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func parseAmount(raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, errInvalidAmount
	}
	return v, nil
}

func bigString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}
