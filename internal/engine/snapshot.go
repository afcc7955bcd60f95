package engine

import (
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"ReserveLedger/internal/fixedpoint"
	"ReserveLedger/internal/reserve"
)

// CoreSnapshot is the engine's serializable state at a sequence boundary.
// Big integers travel as decimal strings.
type CoreSnapshot struct {
	Sequence  int64     `json:"sequence"`
	CreatedAt time.Time `json:"created_at"`

	Reserve      ReserveStateSnap  `json:"reserve"`
	Balances     map[string]string `json:"balances"` // supplier id -> scaled balance
	Positions    []PositionSnap    `json:"positions"`
	Liquidations []LiquidationSnap `json:"liquidations"`
}

// ReserveStateSnap mirrors reserve.State.
type ReserveStateSnap struct {
	LiquidityIndex       string `json:"liquidity_index"`
	UsageIndex           string `json:"usage_index"`
	LiquidityRate        string `json:"liquidity_rate"`
	UsageRate            string `json:"usage_rate"`
	PrimeRate            string `json:"prime_rate"`
	TotalLiquidityScaled string `json:"total_liquidity_scaled"`
	TotalDebtScaled      string `json:"total_debt_scaled"`
	Underlying           string `json:"underlying"`
	LastUpdate           int64  `json:"last_update"`
}

type PositionSnap struct {
	Borrower     uuid.UUID `json:"borrower"`
	CollateralID string    `json:"collateral_id"`
	ScaledDebt   string    `json:"scaled_debt"`
	State        int32     `json:"state"`
}

type LiquidationSnap struct {
	Borrower      uuid.UUID `json:"borrower"`
	InitiatedAt   time.Time `json:"initiated_at"`
	GraceDeadline time.Time `json:"grace_deadline"`
	Active        bool      `json:"active"`
}

// ExportSnapshot copies the committed state for persistence.
func (e *Engine) ExportSnapshot() *CoreSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	st := e.reserve.State()
	snap := &CoreSnapshot{
		Sequence:  e.sequence,
		CreatedAt: time.Now().UTC(),
		Reserve: ReserveStateSnap{
			LiquidityIndex:       st.LiquidityIndex.String(),
			UsageIndex:           st.UsageIndex.String(),
			LiquidityRate:        st.LiquidityRate.String(),
			UsageRate:            st.UsageRate.String(),
			PrimeRate:            st.PrimeRate.String(),
			TotalLiquidityScaled: st.TotalLiquidityScaled.String(),
			TotalDebtScaled:      st.TotalDebtScaled.String(),
			Underlying:           st.Underlying.String(),
			LastUpdate:           st.LastUpdate,
		},
		Balances: make(map[string]string),
	}
	for supplier, scaled := range e.reserve.Balances() {
		snap.Balances[supplier.String()] = scaled.String()
	}
	for _, pos := range e.positions {
		snap.Positions = append(snap.Positions, PositionSnap{
			Borrower:     pos.Borrower,
			CollateralID: pos.CollateralID,
			ScaledDebt:   pos.ScaledDebt.String(),
			State:        int32(pos.State),
		})
	}
	for _, rec := range e.liquidations {
		snap.Liquidations = append(snap.Liquidations, LiquidationSnap{
			Borrower:      rec.Borrower,
			InitiatedAt:   rec.InitiatedAt,
			GraceDeadline: rec.GraceDeadline,
			Active:        rec.Active,
		})
	}
	return snap
}

// RestoreSnapshot replaces the engine state with a snapshot. Called once at
// warm start, before replay and before the engine is reachable.
func (e *Engine) RestoreSnapshot(snap *CoreSnapshot) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := &reserve.State{LastUpdate: snap.Reserve.LastUpdate}
	fields := []struct {
		dst  **big.Int
		src  string
		name string
	}{
		{&st.LiquidityIndex, snap.Reserve.LiquidityIndex, "liquidity_index"},
		{&st.UsageIndex, snap.Reserve.UsageIndex, "usage_index"},
		{&st.LiquidityRate, snap.Reserve.LiquidityRate, "liquidity_rate"},
		{&st.UsageRate, snap.Reserve.UsageRate, "usage_rate"},
		{&st.PrimeRate, snap.Reserve.PrimeRate, "prime_rate"},
		{&st.TotalLiquidityScaled, snap.Reserve.TotalLiquidityScaled, "total_liquidity_scaled"},
		{&st.TotalDebtScaled, snap.Reserve.TotalDebtScaled, "total_debt_scaled"},
		{&st.Underlying, snap.Reserve.Underlying, "underlying"},
	}
	for _, f := range fields {
		v, ok := new(big.Int).SetString(f.src, 10)
		if !ok {
			return fmt.Errorf("snapshot: bad %s %q", f.name, f.src)
		}
		*f.dst = v
	}

	balances := make(map[uuid.UUID]*big.Int, len(snap.Balances))
	for id, raw := range snap.Balances {
		supplier, err := uuid.Parse(id)
		if err != nil {
			return fmt.Errorf("snapshot: bad supplier id %q: %w", id, err)
		}
		v, ok := new(big.Int).SetString(raw, 10)
		if !ok {
			return fmt.Errorf("snapshot: bad balance %q for %s", raw, id)
		}
		balances[supplier] = v
	}
	e.reserve.Restore(st, balances)

	e.positions = make(map[uuid.UUID]*Position, len(snap.Positions))
	for _, p := range snap.Positions {
		debt, ok := new(big.Int).SetString(p.ScaledDebt, 10)
		if !ok {
			return fmt.Errorf("snapshot: bad scaled debt %q for %s", p.ScaledDebt, p.Borrower)
		}
		e.positions[p.Borrower] = &Position{
			Borrower:     p.Borrower,
			CollateralID: p.CollateralID,
			ScaledDebt:   fixedpoint.Clone(debt),
			State:        PositionState(p.State),
		}
	}

	e.liquidations = make(map[uuid.UUID]*LiquidationRecord, len(snap.Liquidations))
	for _, l := range snap.Liquidations {
		if !l.Active {
			continue
		}
		e.liquidations[l.Borrower] = &LiquidationRecord{
			Borrower:      l.Borrower,
			InitiatedAt:   l.InitiatedAt,
			GraceDeadline: l.GraceDeadline,
			Active:        true,
		}
	}

	e.sequence = snap.Sequence
	return nil
}
