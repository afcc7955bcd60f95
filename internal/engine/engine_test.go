package engine

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"ReserveLedger/internal/backstop"
	"ReserveLedger/internal/custody"
	"ReserveLedger/internal/event"
	"ReserveLedger/internal/fixedpoint"
	"ReserveLedger/internal/observability"
	"ReserveLedger/internal/rates"
	"ReserveLedger/internal/reserve"
)

type stubOracle struct {
	prices map[string]*big.Int
	err    error
}

func (o *stubOracle) Price(collateralID string, _ time.Time) (*big.Int, error) {
	if o.err != nil {
		return nil, o.err
	}
	p, ok := o.prices[collateralID]
	if !ok {
		return nil, errors.New("no price")
	}
	return new(big.Int).Set(p), nil
}

type fixture struct {
	engine   *Engine
	oracle   *stubOracle
	vault    *custody.Vault
	fund     *backstop.Fund
	admin    uuid.UUID
	events   chan event.Envelope
	supplier uuid.UUID
}

func wad(units int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), fixedpoint.Wad)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	oracle := &stubOracle{prices: make(map[string]*big.Int)}
	vault := custody.NewVault()
	fund := backstop.NewFund(uuid.New(), wad(1_000_000))
	roles := NewRegistry()
	admin := uuid.New()
	roles.Grant(admin, RoleRateAdmin)
	roles.Grant(fund.Identity(), RoleBackstop)

	events := make(chan event.Envelope, 256)
	eng := New(Config{
		Reserve:   reserve.NewAccount(rates.DefaultModel(), 0),
		Risk:      DefaultRiskParameters(),
		Roles:     roles,
		Oracle:    oracle,
		Custody:   vault,
		Backstop:  fund,
		PersistCh: events,
		Logger:    zerolog.Nop(),
	})

	f := &fixture{
		engine:   eng,
		oracle:   oracle,
		vault:    vault,
		fund:     fund,
		admin:    admin,
		events:   events,
		supplier: uuid.New(),
	}
	if err := eng.Deposit(f.supplier, wad(10_000), time.Unix(0, 0)); err != nil {
		t.Fatalf("seed deposit: %v", err)
	}
	return f
}

func (f *fixture) newBorrower(t *testing.T, deed string, price *big.Int) uuid.UUID {
	t.Helper()
	borrower := uuid.New()
	f.oracle.prices[deed] = price
	if err := f.engine.RegisterCollateral(borrower, deed, time.Unix(0, 0)); err != nil {
		t.Fatalf("RegisterCollateral: %v", err)
	}
	return borrower
}

// Collateral worth 150 at an 80% threshold supports a face debt of 120.
// Borrowing 120 passes; 121 fails.
func TestBorrowLimitAtThreshold(t *testing.T) {
	f := newFixture(t)
	now := time.Unix(0, 0)

	over := f.newBorrower(t, "deed-over", wad(150))
	if err := f.engine.Borrow(over, "deed-over", wad(121), now); !errors.Is(err, ErrHealthFactorTooLow) {
		t.Errorf("borrow 121: expected ErrHealthFactorTooLow, got %v", err)
	}

	ok := f.newBorrower(t, "deed-ok", wad(150))
	if err := f.engine.Borrow(ok, "deed-ok", wad(120), now); err != nil {
		t.Errorf("borrow 120: %v", err)
	}

	// topping up past the limit fails too
	if err := f.engine.Borrow(ok, "deed-ok", wad(1), now); !errors.Is(err, ErrHealthFactorTooLow) {
		t.Errorf("top-up past limit: expected ErrHealthFactorTooLow, got %v", err)
	}
}

func TestBorrowWithoutCollateral(t *testing.T) {
	f := newFixture(t)
	if err := f.engine.Borrow(uuid.New(), "unknown-deed", wad(10), time.Unix(0, 0)); !errors.Is(err, ErrInsufficientCollateral) {
		t.Errorf("expected ErrInsufficientCollateral, got %v", err)
	}
}

func TestBorrowDrainsReserve(t *testing.T) {
	f := newFixture(t)
	b := f.newBorrower(t, "deed-1", wad(100_000))
	if err := f.engine.Borrow(b, "deed-1", wad(10_001), time.Unix(0, 0)); !errors.Is(err, reserve.ErrInsufficientLiquidity) {
		t.Errorf("expected ErrInsufficientLiquidity, got %v", err)
	}
}

func TestInitiateOnHealthyPosition(t *testing.T) {
	f := newFixture(t)
	now := time.Unix(0, 0)
	b := f.newBorrower(t, "deed-1", wad(150))
	if err := f.engine.Borrow(b, "deed-1", wad(100), now); err != nil {
		t.Fatalf("Borrow: %v", err)
	}
	if err := f.engine.InitiateLiquidation(uuid.New(), b, now); !errors.Is(err, ErrHealthFactorOK) {
		t.Errorf("expected ErrHealthFactorOK, got %v", err)
	}
	// no debt at all is equally not liquidatable
	if err := f.engine.InitiateLiquidation(uuid.New(), uuid.New(), now); !errors.Is(err, ErrHealthFactorOK) {
		t.Errorf("no position: expected ErrHealthFactorOK, got %v", err)
	}
}

// Grace period ordering: finalize fails at 2 days, fails at exactly the
// deadline, succeeds one second after it.
func TestLiquidationGraceOrdering(t *testing.T) {
	f := newFixture(t)
	t0 := time.Unix(0, 0)
	b := f.newBorrower(t, "deed-1", wad(150))
	if err := f.engine.Borrow(b, "deed-1", wad(120), t0); err != nil {
		t.Fatalf("Borrow: %v", err)
	}

	// price drop makes the position unhealthy
	f.oracle.prices["deed-1"] = wad(100)
	if err := f.engine.InitiateLiquidation(uuid.New(), b, t0); err != nil {
		t.Fatalf("InitiateLiquidation: %v", err)
	}

	bs := f.fund.Identity()
	twoDays := t0.Add(48 * time.Hour)
	if err := f.engine.FinalizeLiquidation(bs, b, twoDays); !errors.Is(err, ErrLiquidationNotExpired) {
		t.Errorf("at 2 days: expected ErrLiquidationNotExpired, got %v", err)
	}
	deadline := t0.Add(72 * time.Hour)
	if err := f.engine.FinalizeLiquidation(bs, b, deadline); !errors.Is(err, ErrLiquidationNotExpired) {
		t.Errorf("at deadline: expected ErrLiquidationNotExpired, got %v", err)
	}

	fundBefore := f.fund.Balance()
	after := deadline.Add(time.Second)
	if err := f.engine.FinalizeLiquidation(bs, b, after); err != nil {
		t.Fatalf("finalize after deadline: %v", err)
	}

	owner, held := f.vault.OwnerOf("deed-1")
	if !held || owner != bs {
		t.Errorf("collateral owner after finalize: %v", owner)
	}
	view, err := f.engine.PositionOf(b, after)
	if err != nil {
		t.Fatalf("PositionOf: %v", err)
	}
	if view.State != PositionStateLiquidated || view.DebtFace.Sign() != 0 {
		t.Errorf("position after finalize: state=%s debt=%s", view.State, view.DebtFace)
	}
	if f.fund.Balance().Cmp(fundBefore) >= 0 {
		t.Error("backstop balance did not decrease")
	}
}

func TestFinalizeRequiresBackstopRole(t *testing.T) {
	f := newFixture(t)
	if err := f.engine.FinalizeLiquidation(uuid.New(), uuid.New(), time.Unix(0, 0)); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
	if err := f.engine.FinalizeLiquidation(f.fund.Identity(), uuid.New(), time.Unix(0, 0)); !errors.Is(err, ErrLiquidationNotFound) {
		t.Errorf("expected ErrLiquidationNotFound, got %v", err)
	}
}

func TestCloseLiquidationRequiresFullRepayment(t *testing.T) {
	f := newFixture(t)
	t0 := time.Unix(0, 0)
	b := f.newBorrower(t, "deed-1", wad(150))
	if err := f.engine.Borrow(b, "deed-1", wad(120), t0); err != nil {
		t.Fatalf("Borrow: %v", err)
	}
	f.oracle.prices["deed-1"] = wad(100)
	if err := f.engine.InitiateLiquidation(uuid.New(), b, t0); err != nil {
		t.Fatalf("InitiateLiquidation: %v", err)
	}

	if err := f.engine.CloseLiquidation(b, wad(50), t0.Add(time.Hour)); !errors.Is(err, ErrDebtRemaining) {
		t.Errorf("partial repay: expected ErrDebtRemaining, got %v", err)
	}
	if err := f.engine.CloseLiquidation(b, wad(200), t0.Add(time.Hour)); err != nil {
		t.Fatalf("CloseLiquidation: %v", err)
	}
	if err := f.engine.CloseLiquidation(b, wad(200), t0.Add(time.Hour)); !errors.Is(err, ErrLiquidationNotFound) {
		t.Errorf("repeat close: expected ErrLiquidationNotFound, got %v", err)
	}
	view, err := f.engine.PositionOf(b, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("PositionOf: %v", err)
	}
	if view.State != PositionStateHealthy || view.DebtFace.Sign() != 0 {
		t.Errorf("position after close: state=%s debt=%s", view.State, view.DebtFace)
	}
	// cured deed can be released again
	if err := f.engine.ReleaseCollateral(b, "deed-1", t0.Add(2*time.Hour)); err != nil {
		t.Errorf("release after cure: %v", err)
	}
}

// The borrower's cure window ends at the grace deadline: close succeeds at
// the deadline itself, and neither close nor a clearing repay works after it.
func TestCloseLiquidationAfterDeadline(t *testing.T) {
	f := newFixture(t)
	t0 := time.Unix(0, 0)
	b := f.newBorrower(t, "deed-1", wad(150))
	if err := f.engine.Borrow(b, "deed-1", wad(120), t0); err != nil {
		t.Fatalf("Borrow: %v", err)
	}
	f.oracle.prices["deed-1"] = wad(100)
	if err := f.engine.InitiateLiquidation(uuid.New(), b, t0); err != nil {
		t.Fatalf("InitiateLiquidation: %v", err)
	}

	late := t0.Add(120 * time.Hour)
	if err := f.engine.CloseLiquidation(b, wad(500), late); !errors.Is(err, ErrGracePeriodExpired) {
		t.Errorf("close 48h past deadline: expected ErrGracePeriodExpired, got %v", err)
	}
	if err := f.engine.Repay(b, wad(500), late); !errors.Is(err, ErrGracePeriodExpired) {
		t.Errorf("clearing repay past deadline: expected ErrGracePeriodExpired, got %v", err)
	}

	// partial paydown stays open and does not cure
	if err := f.engine.Repay(b, wad(10), late); err != nil {
		t.Fatalf("partial repay past deadline: %v", err)
	}
	view, err := f.engine.PositionOf(b, late)
	if err != nil {
		t.Fatalf("PositionOf: %v", err)
	}
	if view.State != PositionStateLiquidationPending || view.Liquidation == nil {
		t.Errorf("partial repay cured: state=%s liq=%v", view.State, view.Liquidation)
	}

	// the backstop can still settle the rest
	if err := f.engine.FinalizeLiquidation(f.fund.Identity(), b, late); err != nil {
		t.Errorf("finalize after partial paydown: %v", err)
	}

	// a second borrower closes exactly at the deadline
	b2 := f.newBorrower(t, "deed-2", wad(150))
	if err := f.engine.Borrow(b2, "deed-2", wad(120), t0); err != nil {
		t.Fatalf("Borrow b2: %v", err)
	}
	f.oracle.prices["deed-2"] = wad(100)
	if err := f.engine.InitiateLiquidation(uuid.New(), b2, t0); err != nil {
		t.Fatalf("InitiateLiquidation b2: %v", err)
	}
	deadline := t0.Add(72 * time.Hour)
	if err := f.engine.CloseLiquidation(b2, wad(500), deadline); err != nil {
		t.Errorf("close at the deadline: %v", err)
	}
}

func TestRepayCuresPendingLiquidation(t *testing.T) {
	f := newFixture(t)
	t0 := time.Unix(0, 0)
	b := f.newBorrower(t, "deed-1", wad(150))
	if err := f.engine.Borrow(b, "deed-1", wad(120), t0); err != nil {
		t.Fatalf("Borrow: %v", err)
	}
	f.oracle.prices["deed-1"] = wad(100)
	if err := f.engine.InitiateLiquidation(uuid.New(), b, t0); err != nil {
		t.Fatalf("InitiateLiquidation: %v", err)
	}
	if err := f.engine.Repay(b, wad(500), t0.Add(time.Hour)); err != nil {
		t.Fatalf("Repay: %v", err)
	}
	view, err := f.engine.PositionOf(b, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("PositionOf: %v", err)
	}
	if view.State != PositionStateHealthy || view.Liquidation != nil {
		t.Errorf("full repay should cure: state=%s liq=%v", view.State, view.Liquidation)
	}
}

func TestPrivilegedOperations(t *testing.T) {
	f := newFixture(t)
	now := time.Unix(0, 0)
	rate := fixedpoint.MustBig("50000000000000000000000000")
	if err := f.engine.SetPrimeRate(uuid.New(), rate, now); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("SetPrimeRate by stranger: expected ErrUnauthorized, got %v", err)
	}
	if err := f.engine.SetPrimeRate(f.admin, rate, now); err != nil {
		t.Errorf("SetPrimeRate by admin: %v", err)
	}
	if _, err := f.engine.SweepDust(uuid.New(), now); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("SweepDust by stranger: expected ErrUnauthorized, got %v", err)
	}
}

func TestDustSweepCreditsBackstop(t *testing.T) {
	f := newFixture(t)
	t0 := time.Unix(0, 0)
	b := f.newBorrower(t, "deed-1", wad(20_000))
	if err := f.engine.SetPrimeRate(f.admin, fixedpoint.MustBig("80000000000000000000000000"), t0); err != nil {
		t.Fatalf("SetPrimeRate: %v", err)
	}
	if err := f.engine.Borrow(b, "deed-1", wad(6_000), t0); err != nil {
		t.Fatalf("Borrow: %v", err)
	}
	year := t0.Add(365 * 24 * time.Hour)
	before := f.fund.Balance()
	swept, err := f.engine.SweepDust(f.admin, year)
	if err != nil {
		t.Fatalf("SweepDust: %v", err)
	}
	if swept.Sign() <= 0 {
		t.Fatalf("expected positive dust after a year of accrual, got %s", swept)
	}
	gain := new(big.Int).Sub(f.fund.Balance(), before)
	if gain.Cmp(swept) != 0 {
		t.Errorf("backstop gained %s, swept %s", gain, swept)
	}
}

// Replaying the event log into a fresh engine reproduces the reserve state
// bit for bit.
func TestReplayReproducesState(t *testing.T) {
	f := newFixture(t)
	t0 := time.Unix(0, 0)
	b := f.newBorrower(t, "deed-1", wad(500))
	if err := f.engine.SetPrimeRate(f.admin, fixedpoint.MustBig("60000000000000000000000000"), t0); err != nil {
		t.Fatalf("SetPrimeRate: %v", err)
	}
	if err := f.engine.Borrow(b, "deed-1", wad(300), t0.Add(time.Hour)); err != nil {
		t.Fatalf("Borrow: %v", err)
	}
	if err := f.engine.Repay(b, wad(100), t0.Add(48*time.Hour)); err != nil {
		t.Fatalf("Repay: %v", err)
	}
	if err := f.engine.Withdraw(f.supplier, wad(2_000), t0.Add(72*time.Hour)); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	close(f.events)

	replica := New(Config{
		Reserve:  reserve.NewAccount(rates.DefaultModel(), 0),
		Risk:     DefaultRiskParameters(),
		Roles:    NewRegistry(),
		Oracle:   f.oracle,
		Custody:  custody.NewVault(),
		Backstop: backstop.NewFund(f.fund.Identity(), wad(1_000_000)),
		Logger:   zerolog.Nop(),
	})
	for env := range f.events {
		if err := replica.Apply(env); err != nil {
			t.Fatalf("Apply seq %d: %v", env.Sequence, err)
		}
	}

	want := f.engine.ReserveSnapshot()
	got := replica.ReserveSnapshot()
	if got.LiquidityIndex.Cmp(want.LiquidityIndex) != 0 ||
		got.UsageIndex.Cmp(want.UsageIndex) != 0 ||
		got.TotalLiquidityScaled.Cmp(want.TotalLiquidityScaled) != 0 ||
		got.TotalDebtScaled.Cmp(want.TotalDebtScaled) != 0 ||
		got.Underlying.Cmp(want.Underlying) != 0 {
		t.Errorf("replayed state diverged:\nwant %+v\ngot  %+v", want, got)
	}
	if replica.Sequence() != f.engine.Sequence() {
		t.Errorf("sequence: want %d, got %d", f.engine.Sequence(), replica.Sequence())
	}

	wantPos, err := f.engine.PositionOf(b, t0.Add(72*time.Hour))
	if err != nil {
		t.Fatalf("PositionOf: %v", err)
	}
	gotPos, err := replica.PositionOf(b, t0.Add(72*time.Hour))
	if err != nil {
		t.Fatalf("replica PositionOf: %v", err)
	}
	if gotPos.ScaledDebt.Cmp(wantPos.ScaledDebt) != 0 || gotPos.State != wantPos.State {
		t.Errorf("replayed position diverged: want %+v, got %+v", wantPos, gotPos)
	}
}

func TestPositionStateTransitions(t *testing.T) {
	bad := []struct {
		from, to PositionState
	}{
		{PositionStateHealthy, PositionStateLiquidationPending},
		{PositionStateHealthy, PositionStateLiquidated},
		{PositionStateLiquidated, PositionStateLiquidationPending},
		{PositionStateRepaid, PositionStateAtRisk},
	}
	for _, c := range bad {
		if c.from.CanTransitionTo(c.to) {
			t.Errorf("%s -> %s should be invalid", c.from, c.to)
		}
	}
	good := []struct {
		from, to PositionState
	}{
		{PositionStateHealthy, PositionStateAtRisk},
		{PositionStateAtRisk, PositionStateLiquidationPending},
		{PositionStateAtRisk, PositionStateHealthy},
		{PositionStateLiquidationPending, PositionStateRepaid},
		{PositionStateLiquidationPending, PositionStateLiquidated},
	}
	for _, c := range good {
		if !c.from.CanTransitionTo(c.to) {
			t.Errorf("%s -> %s should be valid", c.from, c.to)
		}
	}
}

// A full publish channel drops the event and counts the drop; the persist
// channel is unaffected.
func TestPublishBackpressureCountsDrops(t *testing.T) {
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	persist := make(chan event.Envelope, 8)
	publish := make(chan event.Envelope, 1)

	eng := New(Config{
		Reserve:   reserve.NewAccount(rates.DefaultModel(), 0),
		Risk:      DefaultRiskParameters(),
		Roles:     NewRegistry(),
		Oracle:    &stubOracle{prices: make(map[string]*big.Int)},
		Custody:   custody.NewVault(),
		Backstop:  backstop.NewFund(uuid.New(), wad(1_000)),
		PersistCh: persist,
		PublishCh: publish,
		Metrics:   metrics,
		Logger:    zerolog.Nop(),
	})

	supplier := uuid.New()
	if err := eng.Deposit(supplier, wad(100), time.Unix(0, 0)); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if err := eng.Deposit(supplier, wad(100), time.Unix(1, 0)); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	if got := testutil.ToFloat64(metrics.PublishDrops); got != 1 {
		t.Errorf("publish drops: want 1, got %v", got)
	}
	if len(persist) != 2 {
		t.Errorf("persist channel: want 2 envelopes, got %d", len(persist))
	}
	if len(publish) != 1 {
		t.Errorf("publish channel: want 1 envelope, got %d", len(publish))
	}
}

func TestReserveHealthViews(t *testing.T) {
	f := newFixture(t)
	t0 := time.Unix(0, 0)

	util, err := f.engine.Utilization()
	if err != nil {
		t.Fatalf("Utilization: %v", err)
	}
	if util.Sign() != 0 {
		t.Errorf("utilization before any borrow: want 0, got %s", util)
	}
	if n := f.engine.ActiveLiquidationCount(); n != 0 {
		t.Errorf("active liquidations: want 0, got %d", n)
	}

	b := f.newBorrower(t, "deed-1", wad(150))
	if err := f.engine.Borrow(b, "deed-1", wad(120), t0); err != nil {
		t.Fatalf("Borrow: %v", err)
	}
	util, err = f.engine.Utilization()
	if err != nil {
		t.Fatalf("Utilization: %v", err)
	}
	if util.Sign() <= 0 {
		t.Errorf("utilization after borrow: want > 0, got %s", util)
	}

	f.oracle.prices["deed-1"] = wad(100)
	if err := f.engine.InitiateLiquidation(f.fund.Identity(), b, t0); err != nil {
		t.Fatalf("InitiateLiquidation: %v", err)
	}
	if n := f.engine.ActiveLiquidationCount(); n != 1 {
		t.Errorf("active liquidations after initiate: want 1, got %d", n)
	}
}
