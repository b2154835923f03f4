package execution

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/registry"
)

type fakeVenue struct {
	mu         sync.Mutex
	placed     []domain.OrderRequest
	openOrders []domain.VenueOrder
	cancelled  []string
}

func (f *fakeVenue) GetAccount(context.Context) (domain.AccountSummary, error) {
	return domain.AccountSummary{Equity: 10000}, nil
}

func (f *fakeVenue) GetOpenPositions(context.Context) ([]domain.ExchangePosition, error) {
	return nil, nil
}

func (f *fakeVenue) GetOpenOrders(context.Context) ([]domain.VenueOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.openOrders, nil
}

func (f *fakeVenue) GetInstrumentSpec(context.Context, string) (domain.InstrumentSpec, error) {
	return domain.InstrumentSpec{SizeStep: 0.0001, TickSize: 0.5}, nil
}

func (f *fakeVenue) GetMarkPrice(context.Context, string) (float64, error) {
	return 50000, nil
}

func (f *fakeVenue) PlaceOrder(_ context.Context, req domain.OrderRequest) (domain.OrderRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, req)
	return domain.OrderRef{OrderID: "ord-" + req.ClientID, ClientID: req.ClientID, Status: domain.OrderStatusOpen}, nil
}

func (f *fakeVenue) CancelOrder(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeVenue) placedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.placed)
}

type fakeLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func (f *fakeLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held == nil {
		f.held = make(map[string]bool)
	}
	if f.held[key] {
		return nil, domain.ErrLockHeld
	}
	f.held[key] = true
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.held, key)
	}, nil
}

type fakeIntents struct {
	mu   sync.Mutex
	rows map[string]domain.OrderIntent
}

func (f *fakeIntents) Record(_ context.Context, in domain.OrderIntent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rows == nil {
		f.rows = make(map[string]domain.OrderIntent)
	}
	if _, ok := f.rows[in.Hash]; ok {
		return domain.ErrDuplicateIntent
	}
	f.rows[in.Hash] = in
	return nil
}

func (f *fakeIntents) Exists(_ context.Context, hash string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.rows[hash]
	return ok, nil
}

func (f *fakeIntents) LoadSince(_ context.Context, since time.Time) ([]domain.OrderIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.OrderIntent
	for _, in := range f.rows {
		if !in.CreatedAt.Before(since) {
			out = append(out, in)
		}
	}
	return out, nil
}

func (f *fakeIntents) DeleteBefore(context.Context, time.Time) (int64, error) { return 0, nil }

type fakeState struct {
	state domain.SystemState
}

func (f *fakeState) Current(context.Context) (domain.SystemState, error) {
	if f.state == "" {
		return domain.StateActive, nil
	}
	return f.state, nil
}

type fakeCooldowns struct {
	mu     sync.Mutex
	marked map[string]bool
}

func (f *fakeCooldowns) Mark(_ context.Context, symbol string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.marked == nil {
		f.marked = make(map[string]bool)
	}
	f.marked[symbol] = true
	return nil
}

func (f *fakeCooldowns) Active(_ context.Context, symbol string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.marked[symbol], nil
}

// memStore is a minimal in-memory PositionStore for wiring a real registry.
type memStore struct {
	mu   sync.Mutex
	rows map[string]domain.Position
}

func newMemStore() *memStore { return &memStore{rows: make(map[string]domain.Position)} }

func (m *memStore) Create(_ context.Context, p domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[p.ID] = p
	return nil
}

func (m *memStore) Update(_ context.Context, p domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[p.ID]; !ok {
		return domain.ErrNotFound
	}
	m.rows[p.ID] = p
	return nil
}

func (m *memStore) GetLive(_ context.Context, account string) ([]domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Position
	for _, p := range m.rows {
		if p.Account == account && p.State.Live() {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memStore) GetByID(_ context.Context, id string) (domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

func (m *memStore) GetLiveBySymbol(_ context.Context, account, symbol string) (domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.rows {
		if p.Account == account && p.Symbol == symbol && p.State.Live() {
			return p, nil
		}
	}
	return domain.Position{}, domain.ErrNotFound
}

func (m *memStore) ListClosed(context.Context, string, domain.ListOpts) ([]domain.Position, error) {
	return nil, nil
}

func (m *memStore) DeleteClosedBefore(context.Context, time.Time) (int64, error) { return 0, nil }

func (m *memStore) CountLiveDuplicates(context.Context, string) (int, error) { return 0, nil }

func newTestGateway(venue *fakeVenue, state *fakeState) (*Gateway, *registry.Registry, *fakeCooldowns) {
	reg := registry.New(newMemStore(), nil, slog.Default(), registry.Config{
		Account:         "acct-1",
		TP1SizeFraction: 0.4,
		TP2SizeFraction: 0.3,
	})
	cd := &fakeCooldowns{}
	gw := New(venue, reg, &fakeLocks{}, &fakeIntents{}, nil, cd, state, slog.Default(), Config{
		Account:           "acct-1",
		LockTTL:           10 * time.Second,
		IntentLookback:    24 * time.Hour,
		CooldownAfterTrim: 15 * time.Minute,
	})
	return gw, reg, cd
}

func plannedOpen() domain.PlannedOpen {
	return domain.PlannedOpen{
		Symbol:      "BTCUSD",
		VenueSymbol: "PF_XBTUSD",
		Side:        domain.PositionSideLong,
		Notional:    2500,
		Qty:         0.05,
		Margin:      500,
		SignalType:  "trend",
	}
}

func TestResultAttemptedCountsFailures(t *testing.T) {
	// A failed call may still have reached the venue, so it counts toward
	// the post-burst reconciliation trigger.
	assert.Equal(t, 3, Result{Submitted: 1, Failed: 2, Suppressed: 4}.Attempted())
	assert.Zero(t, Result{Suppressed: 2}.Attempted())
}

func TestSubmitOpenOnce(t *testing.T) {
	venue := &fakeVenue{}
	gw, _, _ := newTestGateway(venue, &fakeState{})

	require.NoError(t, gw.SubmitOpen(context.Background(), plannedOpen()))
	require.Equal(t, 1, venue.placedCount())
	assert.Equal(t, domain.OrderSideBuy, venue.placed[0].Side)
	assert.False(t, venue.placed[0].ReduceOnly)
}

func TestSubmitOpenScaleInKeepsSingleRow(t *testing.T) {
	venue := &fakeVenue{}
	gw, reg, _ := newTestGateway(venue, &fakeState{})
	ctx := context.Background()

	require.NoError(t, gw.SubmitOpen(ctx, plannedOpen()))
	live, err := reg.Live(ctx)
	require.NoError(t, err)
	require.Len(t, live, 1)

	p, err := reg.ApplyEntryFill(ctx, live[0].ID, domain.Fill{
		ExecID: "e1", Qty: 0.05, Price: 50000, Time: time.Now(),
	}, domain.InstrumentSpec{SizeStep: 0.0001})
	require.NoError(t, err)
	_, err = reg.MarkProtected(ctx, p.ID, 48000, "stop-1", domain.ProtectionReasonEntry)
	require.NoError(t, err)
	gw.ClearPending("BTCUSD", domain.OrderSideBuy)

	// A second same-side open scales into the live position: the order goes
	// out but no second registry row appears.
	add := plannedOpen()
	add.Notional = 4000
	add.Qty = 0.08
	require.NoError(t, gw.SubmitOpen(ctx, add))
	assert.Equal(t, 2, venue.placedCount())

	live, err = reg.Live(ctx)
	require.NoError(t, err)
	assert.Len(t, live, 1)
}

func TestSubmitOpenScaleInRefusesOppositeSide(t *testing.T) {
	venue := &fakeVenue{}
	gw, reg, _ := newTestGateway(venue, &fakeState{})
	ctx := context.Background()

	require.NoError(t, gw.SubmitOpen(ctx, plannedOpen()))
	live, err := reg.Live(ctx)
	require.NoError(t, err)
	p, err := reg.ApplyEntryFill(ctx, live[0].ID, domain.Fill{
		ExecID: "e1", Qty: 0.05, Price: 50000, Time: time.Now(),
	}, domain.InstrumentSpec{SizeStep: 0.0001})
	require.NoError(t, err)
	_, err = reg.MarkProtected(ctx, p.ID, 48000, "stop-1", domain.ProtectionReasonEntry)
	require.NoError(t, err)
	gw.ClearPending("BTCUSD", domain.OrderSideBuy)

	flip := plannedOpen()
	flip.Side = domain.PositionSideShort
	flip.Notional = 4000
	err = gw.SubmitOpen(ctx, flip)
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
	assert.Equal(t, 1, venue.placedCount())
}

func TestDuplicateIntentSuppressedWithoutVenueCall(t *testing.T) {
	venue := &fakeVenue{}
	gw, reg, _ := newTestGateway(venue, &fakeState{})
	ctx := context.Background()

	require.NoError(t, gw.SubmitOpen(ctx, plannedOpen()))

	// Clear the registry row so only the intent gate can fire.
	live, err := reg.Live(ctx)
	require.NoError(t, err)
	require.Len(t, live, 1)
	require.NoError(t, reg.RemoveZombie(ctx, live[0].ID, "test"))
	gw.ClearPending("BTCUSD", domain.OrderSideBuy)

	err = gw.SubmitOpen(ctx, plannedOpen())
	assert.ErrorIs(t, err, domain.ErrDuplicateIntent)
	assert.Equal(t, 1, venue.placedCount())
}

func TestHaltedBlocksOpensNotCloses(t *testing.T) {
	venue := &fakeVenue{}
	state := &fakeState{state: domain.StateHalted}
	gw, reg, _ := newTestGateway(venue, state)
	ctx := context.Background()

	err := gw.SubmitOpen(ctx, plannedOpen())
	assert.ErrorIs(t, err, domain.ErrHalted)
	assert.Zero(t, venue.placedCount())

	// An existing protected position can still be trimmed while halted.
	state.state = domain.StateActive
	require.NoError(t, gw.SubmitOpen(ctx, plannedOpen()))
	live, err := reg.Live(ctx)
	require.NoError(t, err)
	p, err := reg.ApplyEntryFill(ctx, live[0].ID, domain.Fill{
		ExecID: "e1", Qty: 0.05, Price: 50000, Time: time.Now(),
	}, domain.InstrumentSpec{SizeStep: 0.0001})
	require.NoError(t, err)
	p, err = reg.MarkProtected(ctx, p.ID, 48000, "stop-1", domain.ProtectionReasonEntry)
	require.NoError(t, err)

	state.state = domain.StateHalted
	err = gw.SubmitClose(ctx, domain.PlannedClose{
		PositionID: p.ID, Symbol: "BTCUSD", VenueSymbol: "PF_XBTUSD",
		Side: domain.PositionSideLong, Qty: 0.02, Reason: "trim",
	})
	require.NoError(t, err)
	last := venue.placed[venue.placedCount()-1]
	assert.True(t, last.ReduceOnly)
	assert.Equal(t, domain.OrderSideSell, last.Side)
}

func TestVenuePendingOrderSuppresses(t *testing.T) {
	venue := &fakeVenue{
		openOrders: []domain.VenueOrder{{
			OrderID: "v1", Symbol: "PF_XBTUSD",
			Side: domain.OrderSideBuy, Status: domain.OrderStatusOpen,
		}},
	}
	gw, _, _ := newTestGateway(venue, &fakeState{})

	err := gw.SubmitOpen(context.Background(), plannedOpen())
	assert.ErrorIs(t, err, domain.ErrDuplicateIntent)
	assert.Zero(t, venue.placedCount())
}

func TestLockHeldSuppresses(t *testing.T) {
	venue := &fakeVenue{}
	gw, _, _ := newTestGateway(venue, &fakeState{})

	locks := gw.locks.(*fakeLocks)
	_, err := locks.Acquire(context.Background(), "submit:BTCUSD", time.Second)
	require.NoError(t, err)

	err = gw.SubmitOpen(context.Background(), plannedOpen())
	assert.ErrorIs(t, err, domain.ErrLockHeld)
	assert.Zero(t, venue.placedCount())
}

func TestTrimMarksCooldown(t *testing.T) {
	venue := &fakeVenue{}
	gw, reg, cd := newTestGateway(venue, &fakeState{})
	ctx := context.Background()

	require.NoError(t, gw.SubmitOpen(ctx, plannedOpen()))
	live, err := reg.Live(ctx)
	require.NoError(t, err)
	p, err := reg.ApplyEntryFill(ctx, live[0].ID, domain.Fill{
		ExecID: "e1", Qty: 0.05, Price: 50000, Time: time.Now(),
	}, domain.InstrumentSpec{SizeStep: 0.0001})
	require.NoError(t, err)
	p, err = reg.MarkProtected(ctx, p.ID, 48000, "stop-1", domain.ProtectionReasonEntry)
	require.NoError(t, err)

	require.NoError(t, gw.SubmitClose(ctx, domain.PlannedClose{
		PositionID: p.ID, Symbol: "BTCUSD", VenueSymbol: "PF_XBTUSD",
		Side: domain.PositionSideLong, Qty: 0.02, Full: false, Reason: "trim",
	}))

	active, err := cd.Active(ctx, "BTCUSD")
	require.NoError(t, err)
	assert.True(t, active)
}

func TestTakeProfitNeverExceedsRemaining(t *testing.T) {
	venue := &fakeVenue{}
	gw, reg, _ := newTestGateway(venue, &fakeState{})
	ctx := context.Background()

	// entry_size_initial=100, tp1_qty_target=40; remaining drops to 30
	// before the TP ladder goes out: TP1 requests 30, TP2 nothing.
	spec := domain.InstrumentSpec{SizeStep: 1}
	p, err := reg.OpenPending(ctx, "SOLUSD", "PF_SOLUSD", domain.PositionSideLong, 100, 5, 150)
	require.NoError(t, err)
	p, err = reg.ApplyEntryFill(ctx, p.ID, domain.Fill{
		ExecID: "e1", Qty: 100, Price: 150, Time: time.Now(),
	}, spec)
	require.NoError(t, err)
	require.InDelta(t, 40, p.TP1QtyTarget, 1e-9)
	p, err = reg.MarkProtected(ctx, p.ID, 140, "stop-1", domain.ProtectionReasonEntry)
	require.NoError(t, err)

	p, err = reg.ResyncQty(ctx, p.ID, 30, 150)
	require.NoError(t, err)

	p, err = gw.PlaceTakeProfits(ctx, p, 155, 160)
	require.NoError(t, err)

	require.Equal(t, 1, venue.placedCount())
	tp := venue.placed[0]
	assert.Equal(t, domain.OrderTypeTakeProfit, tp.Type)
	assert.True(t, tp.ReduceOnly)
	assert.InDelta(t, 30, tp.Qty, 1e-9)
	assert.Len(t, p.TPOrderIDs, 1)
}

func TestTakeProfitsRefuseUnprotected(t *testing.T) {
	venue := &fakeVenue{}
	gw, reg, _ := newTestGateway(venue, &fakeState{})
	ctx := context.Background()

	p, err := reg.OpenPending(ctx, "BTCUSD", "PF_XBTUSD", domain.PositionSideLong, 1, 5, 50000)
	require.NoError(t, err)
	p, err = reg.ApplyEntryFill(ctx, p.ID, domain.Fill{
		ExecID: "e1", Qty: 1, Price: 50000, Time: time.Now(),
	}, domain.InstrumentSpec{SizeStep: 0.0001})
	require.NoError(t, err)

	_, err = gw.PlaceTakeProfits(ctx, p, 51000, 52500)
	assert.Error(t, err)
	assert.Zero(t, venue.placedCount())
}

func TestForceCloseReduceOnlyOnce(t *testing.T) {
	venue := &fakeVenue{}
	gw, _, _ := newTestGateway(venue, &fakeState{})

	require.NoError(t, gw.ForceClose(context.Background(), domain.ExchangePosition{
		Symbol: "PF_XBTUSD", Side: domain.PositionSideShort, Size: 0.3,
	}))

	require.Equal(t, 1, venue.placedCount())
	req := venue.placed[0]
	assert.True(t, req.ReduceOnly)
	assert.Equal(t, domain.OrderSideBuy, req.Side)
	assert.InDelta(t, 0.3, req.Qty, 1e-12)
}

func TestWarmIntentsSuppressesAfterRestart(t *testing.T) {
	venue := &fakeVenue{}
	gw, reg, _ := newTestGateway(venue, &fakeState{})
	ctx := context.Background()

	require.NoError(t, gw.SubmitOpen(ctx, plannedOpen()))

	// Simulate restart: a new gateway over the same intent store.
	gw2 := New(venue, reg, &fakeLocks{}, gw.intents, nil, nil, &fakeState{}, slog.Default(), Config{
		Account: "acct-1", IntentLookback: 24 * time.Hour,
	})
	require.NoError(t, gw2.WarmIntents(ctx))

	live, err := reg.Live(ctx)
	require.NoError(t, err)
	require.NoError(t, reg.RemoveZombie(ctx, live[0].ID, "test"))

	err = gw2.SubmitOpen(ctx, plannedOpen())
	assert.ErrorIs(t, err, domain.ErrDuplicateIntent)
	assert.Equal(t, 1, venue.placedCount())
}
