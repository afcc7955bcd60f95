package engine

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ReserveLedger/internal/event"
	"ReserveLedger/internal/fixedpoint"
	"ReserveLedger/internal/observability"
	"ReserveLedger/internal/reserve"
)

var (
	ErrInsufficientCollateral = errors.New("engine: insufficient collateral")
	ErrHealthFactorTooLow     = errors.New("engine: health factor too low")
	ErrHealthFactorOK         = errors.New("engine: health factor not below threshold")
	ErrLiquidationNotFound    = errors.New("engine: no active liquidation")
	ErrLiquidationNotExpired  = errors.New("engine: grace period not expired")
	ErrGracePeriodExpired     = errors.New("engine: grace period expired")
	ErrDebtRemaining          = errors.New("engine: debt remaining")
	ErrUnauthorized           = errors.New("engine: unauthorized")
	ErrPositionNotFound       = errors.New("engine: position not found")
)

const bpsDenominator = 10_000

// CollateralOracle resolves the WAD value of a collateral deed. The engine
// resolves prices before entering its critical section and never caches them
// across operations.
type CollateralOracle interface {
	Price(collateralID string, now time.Time) (*big.Int, error)
}

// CollateralCustody holds deeds while they back debt.
type CollateralCustody interface {
	OwnerOf(collateralID string) (uuid.UUID, bool)
	Hold(owner uuid.UUID, collateralID string) error
	Release(owner uuid.UUID, collateralID string) error
	Pin(owner uuid.UUID, collateralID string) error
	Unpin(collateralID string)
	Transfer(collateralID string, from, to uuid.UUID) error
}

// StabilityBackstop funds finalized liquidations and receives swept dust.
type StabilityBackstop interface {
	Identity() uuid.UUID
	FundLiquidation(amount *big.Int) error
	Credit(amount *big.Int)
}

// Config wires an Engine.
type Config struct {
	Reserve  *reserve.Account
	Risk     RiskParameters
	Roles    *Registry
	Oracle   CollateralOracle
	Custody  CollateralCustody
	Backstop StabilityBackstop

	// PersistCh receives every committed event and blocks until accepted;
	// the durable log must not lag the in-memory state unboundedly.
	PersistCh chan<- event.Envelope
	// PublishCh is best-effort fan-out; a full channel drops the event.
	PublishCh chan<- event.Envelope

	// Metrics is optional; nil disables instrumentation.
	Metrics *observability.Metrics

	Logger zerolog.Logger
}

// Engine orchestrates the reserve, positions and the liquidation state
// machine. One mutex serializes every mutation of the reserve and the
// position set; oracle lookups happen before the lock is taken.
type Engine struct {
	mu       sync.RWMutex
	reserve  *reserve.Account
	risk     RiskParameters
	roles    *Registry
	oracle   CollateralOracle
	custody  CollateralCustody
	backstop StabilityBackstop

	positions    map[uuid.UUID]*Position
	liquidations map[uuid.UUID]*LiquidationRecord
	sequence     int64
	replaying    bool

	persistCh chan<- event.Envelope
	publishCh chan<- event.Envelope
	metrics   *observability.Metrics
	log       zerolog.Logger
}

func New(cfg Config) *Engine {
	return &Engine{
		reserve:      cfg.Reserve,
		risk:         cfg.Risk,
		roles:        cfg.Roles,
		oracle:       cfg.Oracle,
		custody:      cfg.Custody,
		backstop:     cfg.Backstop,
		positions:    make(map[uuid.UUID]*Position),
		liquidations: make(map[uuid.UUID]*LiquidationRecord),
		persistCh:    cfg.PersistCh,
		publishCh:    cfg.PublishCh,
		metrics:      cfg.Metrics,
		log:          cfg.Logger,
	}
}

// Sequence is the last committed event sequence.
func (e *Engine) Sequence() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sequence
}

// seal assigns the next sequence and wraps the payload. Must hold the write
// lock.
func (e *Engine) seal(caller uuid.UUID, now time.Time, ev event.Event) (event.Envelope, error) {
	e.sequence++
	env, err := event.Wrap(e.sequence, caller, now, ev)
	if err != nil {
		e.sequence--
		return event.Envelope{}, fmt.Errorf("seal %s: %w", ev.EventType(), err)
	}
	return env, nil
}

// dispatch sends committed envelopes after the lock is released. The persist
// channel blocks; the publish channel drops when full.
func (e *Engine) dispatch(envs ...event.Envelope) {
	if e.replaying {
		return
	}
	for _, env := range envs {
		if e.persistCh != nil {
			e.persistCh <- env
		}
		if e.publishCh != nil {
			select {
			case e.publishCh <- env:
			default:
				if e.metrics != nil {
					e.metrics.PublishDrops.Inc()
				}
				e.log.Warn().
					Int64("sequence", env.Sequence).
					Str("event_type", env.EventType.String()).
					Msg("publish channel full, event dropped")
			}
		}
	}
}

// Deposit supplies cash to the reserve for the caller.
func (e *Engine) Deposit(caller uuid.UUID, amount *big.Int, now time.Time) error {
	e.mu.Lock()
	scaled, err := e.reserve.Deposit(caller, amount, now.Unix())
	if err != nil {
		e.mu.Unlock()
		return err
	}
	env, err := e.seal(caller, now, &event.Deposited{
		Supplier:       caller,
		Amount:         amount.String(),
		ScaledMinted:   scaled.String(),
		LiquidityIndex: e.reserve.State().LiquidityIndex.String(),
	})
	e.mu.Unlock()
	if err != nil {
		return err
	}
	e.dispatch(env)
	return nil
}

// Withdraw redeems the caller's accrued balance for cash.
func (e *Engine) Withdraw(caller uuid.UUID, amount *big.Int, now time.Time) error {
	e.mu.Lock()
	burned, err := e.reserve.Withdraw(caller, amount, now.Unix())
	if err != nil {
		e.mu.Unlock()
		return err
	}
	env, err := e.seal(caller, now, &event.Withdrawn{
		Supplier:       caller,
		Amount:         amount.String(),
		ScaledBurned:   burned.String(),
		LiquidityIndex: e.reserve.State().LiquidityIndex.String(),
	})
	e.mu.Unlock()
	if err != nil {
		return err
	}
	e.dispatch(env)
	return nil
}

// RegisterCollateral takes a deed into custody for the caller.
func (e *Engine) RegisterCollateral(caller uuid.UUID, collateralID string, now time.Time) error {
	if err := e.custody.Hold(caller, collateralID); err != nil {
		return err
	}
	e.mu.Lock()
	env, err := e.seal(caller, now, &event.CollateralRegistered{
		Owner:        caller,
		CollateralID: collateralID,
	})
	e.mu.Unlock()
	if err != nil {
		return err
	}
	e.dispatch(env)
	return nil
}

// ReleaseCollateral hands a deed back to its owner. Deeds backing open debt
// stay pinned and cannot be released.
func (e *Engine) ReleaseCollateral(caller uuid.UUID, collateralID string, now time.Time) error {
	if err := e.custody.Release(caller, collateralID); err != nil {
		return err
	}
	e.mu.Lock()
	env, err := e.seal(caller, now, &event.CollateralReleased{
		Owner:        caller,
		CollateralID: collateralID,
	})
	e.mu.Unlock()
	if err != nil {
		return err
	}
	e.dispatch(env)
	return nil
}

// adjustedCollateral discounts a deed price by the liquidation threshold.
func (e *Engine) adjustedCollateral(price *big.Int) *big.Int {
	adjusted := new(big.Int).Mul(price, big.NewInt(int64(e.risk.LiquidationThresholdBps)))
	adjusted.Quo(adjusted, big.NewInt(bpsDenominator))
	return adjusted
}

// healthFactor is adjusted collateral over debt face, WAD-scaled. A position
// with no debt has no meaningful factor and is reported as healthy by
// callers.
func healthFactor(adjusted, debtFace *big.Int) (*big.Int, error) {
	return fixedpoint.WadDiv(adjusted, debtFace)
}

// Borrow draws reserve cash against a custodied deed. The post-borrow health
// factor must stay at or above 1.
func (e *Engine) Borrow(caller uuid.UUID, collateralID string, amount *big.Int, now time.Time) error {
	if amount == nil || amount.Sign() <= 0 {
		return reserve.ErrInvalidAmount
	}
	owner, held := e.custody.OwnerOf(collateralID)
	if !held || owner != caller {
		return ErrInsufficientCollateral
	}
	price, err := e.oracle.Price(collateralID, now)
	if err != nil {
		return fmt.Errorf("resolve collateral price: %w", err)
	}
	if price.Sign() == 0 {
		return ErrInsufficientCollateral
	}

	e.mu.Lock()
	if err := e.reserve.Accrue(now.Unix()); err != nil {
		e.mu.Unlock()
		return err
	}
	pos, ok := e.positions[caller]
	if !ok {
		pos = &Position{Borrower: caller, ScaledDebt: new(big.Int), State: PositionStateHealthy}
		e.positions[caller] = pos
	}
	if pos.State == PositionStateLiquidationPending {
		e.mu.Unlock()
		return ErrHealthFactorTooLow
	}
	if pos.ScaledDebt.Sign() > 0 && pos.CollateralID != collateralID {
		e.mu.Unlock()
		return fmt.Errorf("position already backed by %s: %w", pos.CollateralID, ErrInsufficientCollateral)
	}

	currentFace, err := e.reserve.DebtFaceOf(pos.ScaledDebt)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	prospective := new(big.Int).Add(currentFace, amount)
	hf, err := healthFactor(e.adjustedCollateral(price), prospective)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if hf.Cmp(fixedpoint.Wad) < 0 {
		e.mu.Unlock()
		return ErrHealthFactorTooLow
	}

	freshPin := pos.ScaledDebt.Sign() == 0
	if freshPin {
		if err := e.custody.Pin(caller, collateralID); err != nil {
			e.mu.Unlock()
			return fmt.Errorf("pin collateral: %w", ErrInsufficientCollateral)
		}
	}
	scaled, err := e.reserve.Borrow(amount, now.Unix())
	if err != nil {
		if freshPin {
			e.custody.Unpin(collateralID)
		}
		e.mu.Unlock()
		return err
	}

	pos.ScaledDebt.Add(pos.ScaledDebt, scaled)
	pos.CollateralID = collateralID
	if pos.State == PositionStateRepaid || pos.State == PositionStateLiquidated {
		pos.State = PositionStateHealthy
	}
	env, err := e.seal(caller, now, &event.Borrowed{
		Borrower:     caller,
		CollateralID: collateralID,
		Amount:       amount.String(),
		ScaledMinted: scaled.String(),
		UsageIndex:   e.reserve.State().UsageIndex.String(),
		HealthFactor: hf.String(),
	})
	e.mu.Unlock()
	if err != nil {
		return err
	}
	e.dispatch(env)
	return nil
}

// Repay pays down the caller's debt. Overpayment is bounded to the accrued
// face value. Clearing the last unit of debt while a liquidation is pending
// cures the position and closes the record, but only before the grace
// deadline.
func (e *Engine) Repay(caller uuid.UUID, amount *big.Int, now time.Time) error {
	if amount == nil || amount.Sign() <= 0 {
		return reserve.ErrInvalidAmount
	}
	e.mu.Lock()
	pos, ok := e.positions[caller]
	if !ok || pos.ScaledDebt.Sign() == 0 {
		e.mu.Unlock()
		return ErrPositionNotFound
	}
	if pos.State == PositionStateLiquidationPending {
		if rec, active := e.liquidations[caller]; active && now.After(rec.GraceDeadline) {
			if err := e.reserve.Accrue(now.Unix()); err != nil {
				e.mu.Unlock()
				return err
			}
			face, err := e.reserve.DebtFaceOf(pos.ScaledDebt)
			if err != nil {
				e.mu.Unlock()
				return err
			}
			// Past the deadline the record belongs to the backstop: partial
			// paydown may still shrink its exposure, a clearing repay may not
			// cure the position.
			if amount.Cmp(face) >= 0 {
				e.mu.Unlock()
				return ErrGracePeriodExpired
			}
		}
	}
	burned, applied, err := e.reserve.Repay(amount, pos.ScaledDebt, now.Unix())
	if err != nil {
		e.mu.Unlock()
		return err
	}
	pos.ScaledDebt.Sub(pos.ScaledDebt, burned)

	envs := make([]event.Envelope, 0, 2)
	env, err := e.seal(caller, now, &event.Repaid{
		Borrower:     caller,
		Amount:       applied.String(),
		ScaledBurned: burned.String(),
		UsageIndex:   e.reserve.State().UsageIndex.String(),
	})
	if err != nil {
		e.mu.Unlock()
		return err
	}
	envs = append(envs, env)

	if pos.ScaledDebt.Sign() == 0 {
		e.custody.Unpin(pos.CollateralID)
		if pos.State == PositionStateLiquidationPending {
			delete(e.liquidations, caller)
			pos.State = PositionStateRepaid
			closed, err := e.seal(caller, now, &event.LiquidationClosed{
				Borrower: caller,
				Repaid:   applied.String(),
			})
			if err != nil {
				e.mu.Unlock()
				return err
			}
			envs = append(envs, closed)
		}
		pos.State = PositionStateHealthy
	} else if pos.State == PositionStateAtRisk {
		pos.State = PositionStateHealthy
	}
	e.mu.Unlock()
	e.dispatch(envs...)
	return nil
}

// InitiateLiquidation opens the grace window on an undercollateralized
// borrower. Anyone may call it.
func (e *Engine) InitiateLiquidation(caller, borrower uuid.UUID, now time.Time) error {
	e.mu.RLock()
	pos, ok := e.positions[borrower]
	var collateralID string
	if ok {
		collateralID = pos.CollateralID
	}
	hasDebt := ok && pos.ScaledDebt.Sign() > 0
	e.mu.RUnlock()
	if !hasDebt {
		return ErrHealthFactorOK
	}
	price, err := e.oracle.Price(collateralID, now)
	if err != nil {
		return fmt.Errorf("resolve collateral price: %w", err)
	}

	e.mu.Lock()
	pos, ok = e.positions[borrower]
	if !ok || pos.ScaledDebt.Sign() == 0 {
		e.mu.Unlock()
		return ErrHealthFactorOK
	}
	if _, active := e.liquidations[borrower]; active {
		e.mu.Unlock()
		return fmt.Errorf("liquidation already active for %s", borrower)
	}
	if err := e.reserve.Accrue(now.Unix()); err != nil {
		e.mu.Unlock()
		return err
	}
	face, err := e.reserve.DebtFaceOf(pos.ScaledDebt)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	hf, err := healthFactor(e.adjustedCollateral(price), face)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if hf.Cmp(fixedpoint.Wad) >= 0 {
		e.mu.Unlock()
		return ErrHealthFactorOK
	}

	if pos.State == PositionStateHealthy {
		pos.State = PositionStateAtRisk
	}
	if !pos.State.CanTransitionTo(PositionStateLiquidationPending) {
		e.mu.Unlock()
		return fmt.Errorf("invalid state transition: %s -> LiquidationPending", pos.State)
	}
	pos.State = PositionStateLiquidationPending
	deadline := now.Add(e.risk.GracePeriod)
	e.liquidations[borrower] = &LiquidationRecord{
		Borrower:      borrower,
		InitiatedAt:   now,
		GraceDeadline: deadline,
		Active:        true,
	}
	env, err := e.seal(caller, now, &event.LiquidationStarted{
		Borrower:      borrower,
		Initiator:     caller,
		DebtFace:      face.String(),
		HealthFactor:  hf.String(),
		GraceDeadline: deadline,
	})
	e.mu.Unlock()
	if err != nil {
		return err
	}
	e.dispatch(env)
	return nil
}

// CloseLiquidation lets the borrower cure a pending liquidation by repaying
// the full accrued debt. Anything short of full repayment is rejected. The
// cure window closes at the grace deadline; from then on only the backstop
// settles the record.
func (e *Engine) CloseLiquidation(caller uuid.UUID, amount *big.Int, now time.Time) error {
	e.mu.Lock()
	rec, ok := e.liquidations[caller]
	if !ok || !rec.Active {
		e.mu.Unlock()
		return ErrLiquidationNotFound
	}
	if now.After(rec.GraceDeadline) {
		e.mu.Unlock()
		return ErrGracePeriodExpired
	}
	pos := e.positions[caller]
	if pos == nil {
		e.mu.Unlock()
		return ErrLiquidationNotFound
	}
	if err := e.reserve.Accrue(now.Unix()); err != nil {
		e.mu.Unlock()
		return err
	}
	face, err := e.reserve.DebtFaceOf(pos.ScaledDebt)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if amount == nil || amount.Cmp(face) < 0 {
		e.mu.Unlock()
		return ErrDebtRemaining
	}
	burned, applied, err := e.reserve.Repay(face, pos.ScaledDebt, now.Unix())
	if err != nil {
		e.mu.Unlock()
		return err
	}
	pos.ScaledDebt.Sub(pos.ScaledDebt, burned)
	if pos.ScaledDebt.Sign() != 0 {
		panic(fmt.Sprintf("FATAL: debt remains after full repayment for %s", caller))
	}
	delete(e.liquidations, caller)
	e.custody.Unpin(pos.CollateralID)
	pos.State = PositionStateRepaid
	repaid, err := e.seal(caller, now, &event.Repaid{
		Borrower:     caller,
		Amount:       applied.String(),
		ScaledBurned: burned.String(),
		UsageIndex:   e.reserve.State().UsageIndex.String(),
	})
	if err != nil {
		e.mu.Unlock()
		return err
	}
	closed, err := e.seal(caller, now, &event.LiquidationClosed{
		Borrower: caller,
		Repaid:   applied.String(),
	})
	pos.State = PositionStateHealthy
	e.mu.Unlock()
	if err != nil {
		return err
	}
	e.dispatch(repaid, closed)
	return nil
}

// FinalizeLiquidation settles an expired liquidation: the backstop funds the
// outstanding debt face value, scaled debt is burned and the deed transfers
// to the backstop. Backstop role only, strictly after the grace deadline.
func (e *Engine) FinalizeLiquidation(caller, borrower uuid.UUID, now time.Time) error {
	if !e.roles.Has(caller, RoleBackstop) {
		return ErrUnauthorized
	}
	e.mu.Lock()
	rec, ok := e.liquidations[borrower]
	if !ok || !rec.Active {
		e.mu.Unlock()
		return ErrLiquidationNotFound
	}
	if !now.After(rec.GraceDeadline) {
		e.mu.Unlock()
		return ErrLiquidationNotExpired
	}
	pos := e.positions[borrower]
	if pos == nil {
		e.mu.Unlock()
		return ErrLiquidationNotFound
	}
	if err := e.reserve.Accrue(now.Unix()); err != nil {
		e.mu.Unlock()
		return err
	}
	face, err := e.reserve.DebtFaceOf(pos.ScaledDebt)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if err := e.backstop.FundLiquidation(face); err != nil {
		e.mu.Unlock()
		return err
	}
	collateralID := pos.CollateralID
	if err := e.custody.Transfer(collateralID, borrower, e.backstop.Identity()); err != nil {
		e.backstop.Credit(face)
		e.mu.Unlock()
		return fmt.Errorf("transfer collateral: %w", err)
	}
	burned, _, err := e.reserve.Repay(face, pos.ScaledDebt, now.Unix())
	if err != nil {
		panic(fmt.Sprintf("FATAL: burn after funded liquidation failed: %v", err))
	}
	pos.ScaledDebt.Sub(pos.ScaledDebt, burned)
	if pos.ScaledDebt.Sign() != 0 {
		panic(fmt.Sprintf("FATAL: debt remains after liquidation of %s", borrower))
	}
	delete(e.liquidations, borrower)
	pos.State = PositionStateLiquidated
	pos.CollateralID = ""
	env, err := e.seal(caller, now, &event.LiquidationFinalized{
		Borrower:     borrower,
		Backstop:     e.backstop.Identity(),
		DebtCovered:  face.String(),
		CollateralID: collateralID,
	})
	e.mu.Unlock()
	if err != nil {
		return err
	}
	e.dispatch(env)
	return nil
}

// SetPrimeRate moves the rate curve pivot. Rate admin only; single-step
// moves are bounded by the model.
func (e *Engine) SetPrimeRate(caller uuid.UUID, rate *big.Int, now time.Time) error {
	if !e.roles.Has(caller, RoleRateAdmin) {
		return ErrUnauthorized
	}
	e.mu.Lock()
	old := e.reserve.State().PrimeRate
	if err := e.reserve.SetPrimeRate(rate, now.Unix()); err != nil {
		e.mu.Unlock()
		return err
	}
	env, err := e.seal(caller, now, &event.PrimeRateUpdated{
		OldRate: old.String(),
		NewRate: rate.String(),
	})
	e.mu.Unlock()
	if err != nil {
		return err
	}
	e.dispatch(env)
	return nil
}

// SweepDust transfers the accrual residue to the backstop. Rate admin only;
// a zero surplus is a successful no-op.
func (e *Engine) SweepDust(caller uuid.UUID, now time.Time) (*big.Int, error) {
	if !e.roles.Has(caller, RoleRateAdmin) {
		return nil, ErrUnauthorized
	}
	e.mu.Lock()
	swept, err := e.reserve.SweepDust(now.Unix())
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	if swept.Sign() == 0 {
		e.mu.Unlock()
		return swept, nil
	}
	e.backstop.Credit(swept)
	env, err := e.seal(caller, now, &event.DustSwept{
		Amount:    swept.String(),
		Recipient: e.backstop.Identity(),
	})
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	e.dispatch(env)
	return swept, nil
}
