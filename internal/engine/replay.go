package engine

import (
	"encoding/json"
	"fmt"
	"math/big"

	"ReserveLedger/internal/event"
)

// Apply replays one committed envelope during warm start. Replay never
// re-validates and never re-emits; the log is authoritative. After replay
// the in-memory state matches what it was when the last event committed.
func (e *Engine) Apply(env event.Envelope) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.replaying = true
	defer func() { e.replaying = false }()

	ts := env.Timestamp.Unix()
	switch env.EventType {
	case event.EventTypeDeposited:
		var p event.Deposited
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return decodeErr(env, err)
		}
		amount, scaled, err := parsePair(p.Amount, p.ScaledMinted)
		if err != nil {
			return decodeErr(env, err)
		}
		index, err := parseIndex(p.LiquidityIndex)
		if err != nil {
			return decodeErr(env, err)
		}
		if err := e.reserve.ReplayDeposit(p.Supplier, amount, scaled, index, ts); err != nil {
			return err
		}

	case event.EventTypeWithdrawn:
		var p event.Withdrawn
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return decodeErr(env, err)
		}
		amount, scaled, err := parsePair(p.Amount, p.ScaledBurned)
		if err != nil {
			return decodeErr(env, err)
		}
		index, err := parseIndex(p.LiquidityIndex)
		if err != nil {
			return decodeErr(env, err)
		}
		if err := e.reserve.ReplayWithdraw(p.Supplier, amount, scaled, index, ts); err != nil {
			return err
		}

	case event.EventTypeBorrowed:
		var p event.Borrowed
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return decodeErr(env, err)
		}
		amount, scaled, err := parsePair(p.Amount, p.ScaledMinted)
		if err != nil {
			return decodeErr(env, err)
		}
		index, err := parseIndex(p.UsageIndex)
		if err != nil {
			return decodeErr(env, err)
		}
		if err := e.reserve.ReplayBorrow(amount, scaled, index, ts); err != nil {
			return err
		}
		pos, ok := e.positions[p.Borrower]
		if !ok {
			pos = &Position{Borrower: p.Borrower, ScaledDebt: new(big.Int), State: PositionStateHealthy}
			e.positions[p.Borrower] = pos
		}
		if pos.ScaledDebt.Sign() == 0 {
			if err := e.custody.Pin(p.Borrower, p.CollateralID); err != nil {
				return fmt.Errorf("replay pin %s: %w", p.CollateralID, err)
			}
		}
		pos.ScaledDebt.Add(pos.ScaledDebt, scaled)
		pos.CollateralID = p.CollateralID
		if pos.State == PositionStateRepaid || pos.State == PositionStateLiquidated {
			pos.State = PositionStateHealthy
		}

	case event.EventTypeRepaid:
		var p event.Repaid
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return decodeErr(env, err)
		}
		amount, scaled, err := parsePair(p.Amount, p.ScaledBurned)
		if err != nil {
			return decodeErr(env, err)
		}
		index, err := parseIndex(p.UsageIndex)
		if err != nil {
			return decodeErr(env, err)
		}
		if err := e.reserve.ReplayRepay(amount, scaled, index, ts); err != nil {
			return err
		}
		if pos, ok := e.positions[p.Borrower]; ok {
			pos.ScaledDebt.Sub(pos.ScaledDebt, scaled)
			if pos.ScaledDebt.Sign() <= 0 {
				e.custody.Unpin(pos.CollateralID)
				if pos.State != PositionStateLiquidationPending {
					pos.State = PositionStateHealthy
				}
			}
		}

	case event.EventTypePrimeRateUpdated:
		var p event.PrimeRateUpdated
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return decodeErr(env, err)
		}
		rate, ok := new(big.Int).SetString(p.NewRate, 10)
		if !ok {
			return decodeErr(env, fmt.Errorf("bad rate %q", p.NewRate))
		}
		if err := e.reserve.ReplayPrimeRate(rate, ts); err != nil {
			return err
		}

	case event.EventTypeLiquidationStarted:
		var p event.LiquidationStarted
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return decodeErr(env, err)
		}
		if pos, ok := e.positions[p.Borrower]; ok {
			pos.State = PositionStateLiquidationPending
		}
		e.liquidations[p.Borrower] = &LiquidationRecord{
			Borrower:      p.Borrower,
			InitiatedAt:   env.Timestamp,
			GraceDeadline: p.GraceDeadline,
			Active:        true,
		}

	case event.EventTypeLiquidationClosed:
		var p event.LiquidationClosed
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return decodeErr(env, err)
		}
		delete(e.liquidations, p.Borrower)
		if pos, ok := e.positions[p.Borrower]; ok {
			pos.State = PositionStateHealthy
		}

	case event.EventTypeLiquidationFinalized:
		var p event.LiquidationFinalized
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return decodeErr(env, err)
		}
		face, ok := new(big.Int).SetString(p.DebtCovered, 10)
		if !ok {
			return decodeErr(env, fmt.Errorf("bad amount %q", p.DebtCovered))
		}
		pos, haspos := e.positions[p.Borrower]
		if !haspos {
			return fmt.Errorf("replay finalize: no position for %s", p.Borrower)
		}
		if err := e.backstop.FundLiquidation(face); err != nil {
			return fmt.Errorf("replay finalize: %w", err)
		}
		if err := e.custody.Transfer(p.CollateralID, p.Borrower, p.Backstop); err != nil {
			return fmt.Errorf("replay finalize transfer: %w", err)
		}
		if err := e.reserve.ReplayRepay(face, pos.ScaledDebt, nil, ts); err != nil {
			return err
		}
		pos.ScaledDebt = new(big.Int)
		pos.State = PositionStateLiquidated
		pos.CollateralID = ""
		delete(e.liquidations, p.Borrower)

	case event.EventTypeDustSwept:
		var p event.DustSwept
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return decodeErr(env, err)
		}
		amount, ok := new(big.Int).SetString(p.Amount, 10)
		if !ok {
			return decodeErr(env, fmt.Errorf("bad amount %q", p.Amount))
		}
		if err := e.reserve.ReplaySweep(amount, ts); err != nil {
			return err
		}
		e.backstop.Credit(amount)

	case event.EventTypeCollateralRegistered:
		var p event.CollateralRegistered
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return decodeErr(env, err)
		}
		if err := e.custody.Hold(p.Owner, p.CollateralID); err != nil {
			return fmt.Errorf("replay hold %s: %w", p.CollateralID, err)
		}

	case event.EventTypeCollateralReleased:
		var p event.CollateralReleased
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return decodeErr(env, err)
		}
		if err := e.custody.Release(p.Owner, p.CollateralID); err != nil {
			return fmt.Errorf("replay release %s: %w", p.CollateralID, err)
		}

	default:
		// Price observations and unknown future types do not mutate engine
		// state.
	}

	e.sequence = env.Sequence
	return nil
}

// parseIndex tolerates an absent index; older envelopes may omit it and the
// reserve keeps its current value.
func parseIndex(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("bad index %q", s)
	}
	return v, nil
}

func parsePair(a, b string) (*big.Int, *big.Int, error) {
	x, ok := new(big.Int).SetString(a, 10)
	if !ok {
		return nil, nil, fmt.Errorf("bad amount %q", a)
	}
	y, ok := new(big.Int).SetString(b, 10)
	if !ok {
		return nil, nil, fmt.Errorf("bad amount %q", b)
	}
	return x, y, nil
}

func decodeErr(env event.Envelope, err error) error {
	return fmt.Errorf("replay sequence %d (%s): %w", env.Sequence, env.EventType, err)
}
