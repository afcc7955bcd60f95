package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const requestLimit = 1 << 20 // 1 MiB

type amountRequest struct {
	Amount string `json:"amount"`
}

type borrowRequest struct {
	CollateralID string `json:"collateral_id"`
	Amount       string `json:"amount"`
}

type collateralRequest struct {
	CollateralID string `json:"collateral_id"`
}

type rateRequest struct {
	Rate string `json:"rate"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req amountRequest
	if !s.decode(w, r, &req) {
		return
	}
	amount, err := parseWad(req.Amount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	now := time.Now().UTC()
	if err := s.engine.Deposit(caller, amount, now); err != nil {
		s.writeEngineError(w, "deposit", err)
		return
	}
	s.observeOperation("deposit", now)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req amountRequest
	if !s.decode(w, r, &req) {
		return
	}
	amount, err := parseWad(req.Amount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	now := time.Now().UTC()
	if err := s.engine.Withdraw(caller, amount, now); err != nil {
		s.writeEngineError(w, "withdraw", err)
		return
	}
	s.observeOperation("withdraw", now)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleBorrow(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req borrowRequest
	if !s.decode(w, r, &req) {
		return
	}
	amount, err := parseWad(req.Amount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	now := time.Now().UTC()
	if err := s.engine.Borrow(caller, req.CollateralID, amount, now); err != nil {
		s.writeEngineError(w, "borrow", err)
		return
	}
	s.observeOperation("borrow", now)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRepay(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req amountRequest
	if !s.decode(w, r, &req) {
		return
	}
	amount, err := parseWad(req.Amount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	now := time.Now().UTC()
	if err := s.engine.Repay(caller, amount, now); err != nil {
		s.writeEngineError(w, "repay", err)
		return
	}
	s.observeOperation("repay", now)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRegisterCollateral(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req collateralRequest
	if !s.decode(w, r, &req) {
		return
	}
	now := time.Now().UTC()
	if err := s.engine.RegisterCollateral(caller, req.CollateralID, now); err != nil {
		s.writeEngineError(w, "register_collateral", err)
		return
	}
	s.observeOperation("register_collateral", now)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReleaseCollateral(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req collateralRequest
	if !s.decode(w, r, &req) {
		return
	}
	now := time.Now().UTC()
	if err := s.engine.ReleaseCollateral(caller, req.CollateralID, now); err != nil {
		s.writeEngineError(w, "release_collateral", err)
		return
	}
	s.observeOperation("release_collateral", now)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type holdingsResponse struct {
	Owner      string   `json:"owner"`
	Collateral []string `json:"collateral"`
}

// handleCollateralHoldings lists the deeds custodied for an owner.
func (s *Server) handleCollateralHoldings(w http.ResponseWriter, r *http.Request) {
	if s.vault == nil {
		writeJSONError(w, http.StatusServiceUnavailable, errors.New("custody not configured"))
		return
	}
	owner, err := uuid.Parse(chi.URLParam(r, "owner"))
	if err != nil {
		writeBadRequest(w, fmt.Errorf("parse owner: %w", err))
		return
	}
	held := s.vault.HeldBy(owner)
	if held == nil {
		held = []string{}
	}
	sort.Strings(held)
	writeJSON(w, http.StatusOK, holdingsResponse{Owner: owner.String(), Collateral: held})
}

func (s *Server) handleInitiateLiquidation(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	borrower, err := uuid.Parse(chi.URLParam(r, "borrower"))
	if err != nil {
		writeBadRequest(w, fmt.Errorf("parse borrower: %w", err))
		return
	}
	now := time.Now().UTC()
	if err := s.engine.InitiateLiquidation(caller, borrower, now); err != nil {
		s.writeEngineError(w, "initiate_liquidation", err)
		return
	}
	s.observeOperation("initiate_liquidation", now)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCloseLiquidation cures the caller's own pending liquidation; the
// borrower path segment must match the caller.
func (s *Server) handleCloseLiquidation(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	borrower, err := uuid.Parse(chi.URLParam(r, "borrower"))
	if err != nil {
		writeBadRequest(w, fmt.Errorf("parse borrower: %w", err))
		return
	}
	if borrower != caller {
		writeJSONError(w, http.StatusForbidden, errors.New("only the borrower can close their liquidation"))
		return
	}
	var req amountRequest
	if !s.decode(w, r, &req) {
		return
	}
	amount, err := parseWad(req.Amount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	now := time.Now().UTC()
	if err := s.engine.CloseLiquidation(caller, amount, now); err != nil {
		s.writeEngineError(w, "close_liquidation", err)
		return
	}
	s.observeOperation("close_liquidation", now)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleFinalizeLiquidation(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	borrower, err := uuid.Parse(chi.URLParam(r, "borrower"))
	if err != nil {
		writeBadRequest(w, fmt.Errorf("parse borrower: %w", err))
		return
	}
	now := time.Now().UTC()
	if err := s.engine.FinalizeLiquidation(caller, borrower, now); err != nil {
		s.writeEngineError(w, "finalize_liquidation", err)
		return
	}
	s.observeOperation("finalize_liquidation", now)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSetPrimeRate(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req rateRequest
	if !s.decode(w, r, &req) {
		return
	}
	rate, err := parseRay(req.Rate)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	now := time.Now().UTC()
	if err := s.engine.SetPrimeRate(caller, rate, now); err != nil {
		s.writeEngineError(w, "set_prime_rate", err)
		return
	}
	s.observeOperation("set_prime_rate", now)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSweepDust(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	now := time.Now().UTC()
	swept, err := s.engine.SweepDust(caller, now)
	if err != nil {
		s.writeEngineError(w, "sweep_dust", err)
		return
	}
	s.observeOperation("sweep_dust", now)
	writeJSON(w, http.StatusOK, map[string]string{"swept": swept.String()})
}

type reserveResponse struct {
	LiquidityIndex       string `json:"liquidity_index"`
	UsageIndex           string `json:"usage_index"`
	LiquidityRate        string `json:"liquidity_rate"`
	UsageRate            string `json:"usage_rate"`
	PrimeRate            string `json:"prime_rate"`
	TotalLiquidityScaled string `json:"total_liquidity_scaled"`
	TotalDebtScaled      string `json:"total_debt_scaled"`
	Underlying           string `json:"underlying"`
	LastUpdate           int64  `json:"last_update"`
	AsOfSequence         int64  `json:"as_of_sequence"`
}

func (s *Server) handleReserveSnapshot(w http.ResponseWriter, r *http.Request) {
	st := s.engine.ReserveSnapshot()
	writeJSON(w, http.StatusOK, reserveResponse{
		LiquidityIndex:       st.LiquidityIndex.String(),
		UsageIndex:           st.UsageIndex.String(),
		LiquidityRate:        st.LiquidityRate.String(),
		UsageRate:            st.UsageRate.String(),
		PrimeRate:            st.PrimeRate.String(),
		TotalLiquidityScaled: st.TotalLiquidityScaled.String(),
		TotalDebtScaled:      st.TotalDebtScaled.String(),
		Underlying:           st.Underlying.String(),
		LastUpdate:           st.LastUpdate,
		AsOfSequence:         s.engine.Sequence(),
	})
}

type ratesResponse struct {
	Utilization   string `json:"utilization"`
	BorrowRate    string `json:"borrow_rate"`
	LiquidityRate string `json:"liquidity_rate"`
}

func (s *Server) handlePreviewRates(w http.ResponseWriter, r *http.Request) {
	utilization, err := parseRay(r.URL.Query().Get("utilization"))
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	borrowRate, liquidityRate, err := s.engine.PreviewRates(utilization)
	if err != nil {
		s.writeEngineError(w, "preview_rates", err)
		return
	}
	writeJSON(w, http.StatusOK, ratesResponse{
		Utilization:   utilization.String(),
		BorrowRate:    borrowRate.String(),
		LiquidityRate: liquidityRate.String(),
	})
}

type positionResponse struct {
	Borrower     string             `json:"borrower"`
	CollateralID string             `json:"collateral_id,omitempty"`
	ScaledDebt   string             `json:"scaled_debt"`
	DebtFace     string             `json:"debt_face"`
	State        string             `json:"state"`
	HealthFactor string             `json:"health_factor,omitempty"`
	Liquidation  *liquidationDetail `json:"liquidation,omitempty"`
	AsOfSequence int64              `json:"as_of_sequence"`
}

type liquidationDetail struct {
	InitiatedAt   time.Time `json:"initiated_at"`
	GraceDeadline time.Time `json:"grace_deadline"`
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	borrower, err := uuid.Parse(chi.URLParam(r, "borrower"))
	if err != nil {
		writeBadRequest(w, fmt.Errorf("parse borrower: %w", err))
		return
	}
	view, err := s.engine.PositionOf(borrower, time.Now().UTC())
	if err != nil {
		s.writeEngineError(w, "position", err)
		return
	}
	resp := positionResponse{
		Borrower:     view.Borrower.String(),
		CollateralID: view.CollateralID,
		ScaledDebt:   view.ScaledDebt.String(),
		DebtFace:     view.DebtFace.String(),
		State:        view.State.String(),
		AsOfSequence: s.engine.Sequence(),
	}
	if view.HealthFactor != nil {
		resp.HealthFactor = view.HealthFactor.String()
	}
	if view.Liquidation != nil {
		resp.Liquidation = &liquidationDetail{
			InitiatedAt:   view.Liquidation.InitiatedAt,
			GraceDeadline: view.Liquidation.GraceDeadline,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type eventResponse struct {
	Sequence  int64           `json:"sequence"`
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	Caller    string          `json:"caller"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeJSONError(w, http.StatusServiceUnavailable, errors.New("event log not configured"))
		return
	}

	from := int64(0)
	if raw := r.URL.Query().Get("from"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeBadRequest(w, fmt.Errorf("parse from: %w", err))
			return
		}
		from = v
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 || v > 1000 {
			writeBadRequest(w, errors.New("limit must be in [1, 1000]"))
			return
		}
		limit = v
	}

	rows, err := s.events.LoadEventsFrom(r.Context(), from, limit)
	if err != nil {
		s.log.Error().Err(err).Msg("load events")
		writeInternalError(w, errors.New("event log query failed"))
		return
	}

	out := make([]eventResponse, 0, len(rows))
	for _, row := range rows {
		out = append(out, eventResponse{
			Sequence:  row.Sequence,
			EventID:   row.EventID.String(),
			EventType: row.EventType,
			Caller:    row.Caller.String(),
			Timestamp: row.Timestamp,
			Payload:   row.Payload,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": out})
}

// --- helpers ---

// caller extracts the identity from X-Caller-ID, writing 401 when missing or
// malformed.
func (s *Server) caller(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := r.Header.Get("X-Caller-ID")
	if raw == "" {
		writeJSONError(w, http.StatusUnauthorized, errors.New("missing X-Caller-ID header"))
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, fmt.Errorf("parse X-Caller-ID: %w", err))
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if r.Body == nil {
		writeBadRequest(w, errors.New("missing request body"))
		return false
	}
	defer r.Body.Close()

	data, err := io.ReadAll(io.LimitReader(r.Body, requestLimit))
	if err != nil {
		writeBadRequest(w, fmt.Errorf("read request body: %w", err))
		return false
	}
	if len(data) == 0 {
		writeBadRequest(w, errors.New("request body is empty"))
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		writeBadRequest(w, fmt.Errorf("decode request: %w", err))
		return false
	}
	return true
}

func parseWad(raw string) (*big.Int, error) {
	if raw == "" {
		return nil, errors.New("amount is required")
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("parse amount %q", raw)
	}
	return v, nil
}

func parseRay(raw string) (*big.Int, error) {
	if raw == "" {
		return nil, errors.New("rate is required")
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("parse rate %q", raw)
	}
	return v, nil
}

// observeOperation records a committed engine operation; failed operations are
// counted in writeEngineError instead.
func (s *Server) observeOperation(op string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.OperationsTotal.WithLabelValues(op).Inc()
	s.metrics.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (s *Server) writeEngineError(w http.ResponseWriter, op string, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("op", op).Msg("operation failed")
	}
	if s.metrics != nil && status != http.StatusOK {
		s.metrics.OperationsFailed.WithLabelValues(op, reasonForError(err)).Inc()
	}
	writeJSONError(w, status, err)
}
