package registry

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

type memPositionStore struct {
	rows map[string]domain.Position
}

func newMemPositionStore() *memPositionStore {
	return &memPositionStore{rows: make(map[string]domain.Position)}
}

func (m *memPositionStore) Create(_ context.Context, p domain.Position) error {
	if _, ok := m.rows[p.ID]; ok {
		return domain.ErrAlreadyExists
	}
	m.rows[p.ID] = p
	return nil
}

func (m *memPositionStore) Update(_ context.Context, p domain.Position) error {
	if _, ok := m.rows[p.ID]; !ok {
		return domain.ErrNotFound
	}
	m.rows[p.ID] = p
	return nil
}

func (m *memPositionStore) GetLive(_ context.Context, account string) ([]domain.Position, error) {
	var out []domain.Position
	for _, p := range m.rows {
		if p.Account == account && p.State.Live() {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memPositionStore) GetByID(_ context.Context, id string) (domain.Position, error) {
	p, ok := m.rows[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

func (m *memPositionStore) GetLiveBySymbol(_ context.Context, account, symbol string) (domain.Position, error) {
	for _, p := range m.rows {
		if p.Account == account && p.Symbol == symbol && p.State.Live() {
			return p, nil
		}
	}
	return domain.Position{}, domain.ErrNotFound
}

func (m *memPositionStore) ListClosed(_ context.Context, account string, _ domain.ListOpts) ([]domain.Position, error) {
	var out []domain.Position
	for _, p := range m.rows {
		if p.Account == account && p.State == domain.StateClosed {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memPositionStore) DeleteClosedBefore(_ context.Context, before time.Time) (int64, error) {
	var n int64
	for id, p := range m.rows {
		if p.State == domain.StateClosed && p.ClosedAt != nil && p.ClosedAt.Before(before) {
			delete(m.rows, id)
			n++
		}
	}
	return n, nil
}

func (m *memPositionStore) CountLiveDuplicates(_ context.Context, account string) (int, error) {
	counts := make(map[string]int)
	for _, p := range m.rows {
		if p.Account == account && p.State.Live() {
			counts[p.Symbol]++
		}
	}
	dups := 0
	for _, c := range counts {
		if c > 1 {
			dups++
		}
	}
	return dups, nil
}

// flakyPositionStore fails a set number of Update calls before recovering.
type flakyPositionStore struct {
	*memPositionStore
	updateFailures int
}

func (f *flakyPositionStore) Update(ctx context.Context, p domain.Position) error {
	if f.updateFailures > 0 {
		f.updateFailures--
		return errStoreDown
	}
	return f.memPositionStore.Update(ctx, p)
}

var errStoreDown = errors.New("store unavailable")

type memAuditStore struct {
	events []string
}

func (m *memAuditStore) Log(_ context.Context, event string, _ map[string]any) error {
	m.events = append(m.events, event)
	return nil
}

func (m *memAuditStore) List(_ context.Context, _ domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func newTestRegistry(t *testing.T) (*Registry, *memPositionStore, *memAuditStore) {
	t.Helper()
	store := newMemPositionStore()
	audit := &memAuditStore{}
	reg := New(store, audit, slog.Default(), Config{
		Account:         "acct-1",
		TP1SizeFraction: 0.4,
		TP2SizeFraction: 0.3,
	})
	return reg, store, audit
}

var testSpec = domain.InstrumentSpec{
	VenueSymbol: "PF_XBTUSD",
	MinSize:     0.0001,
	SizeStep:    0.0001,
	TickSize:    0.5,
}

func TestOpenPendingRejectsDuplicateSymbol(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.OpenPending(ctx, "BTCUSD", "PF_XBTUSD", domain.PositionSideLong, 0.5, 5, 50000)
	require.NoError(t, err)

	_, err = reg.OpenPending(ctx, "BTCUSD", "PF_XBTUSD", domain.PositionSideLong, 0.5, 5, 50000)
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestEntryFillTakesSnapshotOnce(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	p, err := reg.OpenPending(ctx, "BTCUSD", "PF_XBTUSD", domain.PositionSideLong, 1.0, 5, 50000)
	require.NoError(t, err)

	p, err = reg.ApplyEntryFill(ctx, p.ID, domain.Fill{
		ExecID: "e1", Qty: 1.0, Price: 50000, Time: time.Now(),
	}, testSpec)
	require.NoError(t, err)

	assert.Equal(t, domain.StateOpenUnprotected, p.State)
	assert.True(t, p.SnapshotTaken)
	assert.InDelta(t, 1.0, p.EntrySizeInitial, 1e-12)
	assert.InDelta(t, 0.4, p.TP1QtyTarget, 1e-12)
	assert.InDelta(t, 0.3, p.TP2QtyTarget, 1e-12)

	// A later scale-in moves size and entry price but never the targets.
	p, err = reg.ApplyEntryFill(ctx, p.ID, domain.Fill{
		ExecID: "e2", Qty: 1.0, Price: 52000, Time: time.Now(),
	}, testSpec)
	require.NoError(t, err)

	assert.InDelta(t, 2.0, p.Size, 1e-12)
	assert.InDelta(t, 51000, p.EntryPrice, 1e-9)
	assert.InDelta(t, 1.0, p.EntrySizeInitial, 1e-12)
	assert.InDelta(t, 0.4, p.TP1QtyTarget, 1e-12)
}

func TestDuplicateExecIDIsNoOp(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	p, err := reg.OpenPending(ctx, "BTCUSD", "PF_XBTUSD", domain.PositionSideLong, 1.0, 5, 50000)
	require.NoError(t, err)

	fill := domain.Fill{ExecID: "dup-1", Qty: 1.0, Price: 50000, Time: time.Now()}
	p, err = reg.ApplyEntryFill(ctx, p.ID, fill, testSpec)
	require.NoError(t, err)

	_, err = reg.ApplyEntryFill(ctx, p.ID, fill, testSpec)
	assert.ErrorIs(t, err, domain.ErrDuplicateEvent)

	got, err := reg.ByID(ctx, p.ID)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, got.Size, 1e-12)
}

func TestReduceFillNeverOverdraws(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	p := openProtected(t, reg, 1.0, 50000)

	// Venue reports a trim larger than the remaining size; apply clamps.
	p, err := reg.ApplyReduceFill(ctx, p.ID, domain.Fill{
		ExecID: "r1", Qty: 1.5, Price: 51000, Time: time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StateClosed, p.State)
	assert.Zero(t, p.Size)
	require.NotNil(t, p.ExitPrice)
	assert.InDelta(t, 51000, *p.ExitPrice, 1e-9)
	assert.InDelta(t, 1000, p.RealizedPnL, 1e-9)
}

func TestPartialCloseReturnsToProtected(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	p := openProtected(t, reg, 1.0, 50000)

	p, err := reg.BeginPartialClose(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePartiallyClosing, p.State)

	p, err = reg.ApplyReduceFill(ctx, p.ID, domain.Fill{
		ExecID: "r2", Qty: 0.4, Price: 52000, Time: time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StateOpenProtected, p.State)
	assert.InDelta(t, 0.6, p.Size, 1e-12)
}

func TestUnprotectedPositionRefusesTrim(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	p, err := reg.OpenPending(ctx, "BTCUSD", "PF_XBTUSD", domain.PositionSideLong, 1.0, 5, 50000)
	require.NoError(t, err)
	p, err = reg.ApplyEntryFill(ctx, p.ID, domain.Fill{
		ExecID: "e1", Qty: 1.0, Price: 50000, Time: time.Now(),
	}, testSpec)
	require.NoError(t, err)
	require.Equal(t, domain.StateOpenUnprotected, p.State)
	assert.True(t, p.Locked())

	_, err = reg.BeginPartialClose(ctx, p.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestMarkProtectedRequiresStopOrderID(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	p, err := reg.OpenPending(ctx, "BTCUSD", "PF_XBTUSD", domain.PositionSideLong, 1.0, 5, 50000)
	require.NoError(t, err)
	p, err = reg.ApplyEntryFill(ctx, p.ID, domain.Fill{
		ExecID: "e1", Qty: 1.0, Price: 50000, Time: time.Now(),
	}, testSpec)
	require.NoError(t, err)

	_, err = reg.MarkProtected(ctx, p.ID, 48000, "", domain.ProtectionReasonEntry)
	assert.Error(t, err)

	p, err = reg.MarkProtected(ctx, p.ID, 48000, "stop-1", domain.ProtectionReasonEntry)
	require.NoError(t, err)
	assert.Equal(t, domain.StateOpenProtected, p.State)
	assert.False(t, p.Locked())
}

func TestMarkUnprotectedLocksPosition(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	p := openProtected(t, reg, 1.0, 50000)

	p, err := reg.MarkUnprotected(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateOpenUnprotected, p.State)
	assert.True(t, p.Locked())
	assert.Equal(t, 1, p.HealAttempts)
	assert.Empty(t, p.StopOrderID)
}

func TestAdoptAndZombieRemoval(t *testing.T) {
	reg, _, audit := newTestRegistry(t)
	ctx := context.Background()

	p, err := reg.Adopt(ctx, domain.ExchangePosition{
		Symbol:     "PF_XBTUSD",
		Side:       domain.PositionSideShort,
		Size:       0.8,
		EntryPrice: 49000,
		MarkPrice:  49100,
		Leverage:   5,
	}, "BTCUSD", testSpec)
	require.NoError(t, err)
	assert.Equal(t, domain.StateOpenUnprotected, p.State)
	assert.Equal(t, domain.ProtectionReasonAdopted, p.ProtectionReason)
	assert.True(t, p.SnapshotTaken)
	assert.Contains(t, audit.events, "position_adopted")

	require.NoError(t, reg.RemoveZombie(ctx, p.ID, "venue flat"))
	got, err := reg.ByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateClosed, got.State)
	assert.Contains(t, audit.events, "zombie_removed")
}

func TestResyncQtyKeepsSnapshot(t *testing.T) {
	reg, _, audit := newTestRegistry(t)
	ctx := context.Background()

	p := openProtected(t, reg, 1.0, 50000)

	p, err := reg.ResyncQty(ctx, p.ID, 0.7, 50500)
	require.NoError(t, err)
	assert.InDelta(t, 0.7, p.Size, 1e-12)
	assert.InDelta(t, 1.0, p.EntrySizeInitial, 1e-12)
	assert.InDelta(t, 0.4, p.TP1QtyTarget, 1e-12)
	assert.Contains(t, audit.events, "qty_resynced")
}

func TestCheckIntegrityFlagsViolations(t *testing.T) {
	reg, store, _ := newTestRegistry(t)
	ctx := context.Background()

	p := openProtected(t, reg, 1.0, 50000)

	// Corrupt the row out of band: negative size and a duplicate live symbol.
	bad := store.rows[p.ID]
	bad.Size = -0.2
	store.rows[p.ID] = bad
	store.rows["dup"] = domain.Position{
		ID: "dup", Account: "acct-1", Symbol: "BTCUSD",
		Side: domain.PositionSideLong, Size: 0.1,
		State: domain.StateOpenProtected, StopOrderID: "s", StopPrice: 1,
	}

	violations, err := reg.CheckIntegrity(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, violations, 2)
}

func TestShortReducePnL(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	p, err := reg.OpenPending(ctx, "ETHUSD", "PF_ETHUSD", domain.PositionSideShort, 2.0, 5, 3000)
	require.NoError(t, err)
	p, err = reg.ApplyEntryFill(ctx, p.ID, domain.Fill{
		ExecID: "s1", Qty: 2.0, Price: 3000, Time: time.Now(),
	}, testSpec)
	require.NoError(t, err)
	p, err = reg.MarkProtected(ctx, p.ID, 3150, "stop-s", domain.ProtectionReasonEntry)
	require.NoError(t, err)

	p, err = reg.BeginPartialClose(ctx, p.ID)
	require.NoError(t, err)
	p, err = reg.ApplyReduceFill(ctx, p.ID, domain.Fill{
		ExecID: "s2", Qty: 1.0, Price: 2900, Time: time.Now(),
	})
	require.NoError(t, err)

	// Short bought back 100 below entry: +100 realized.
	assert.InDelta(t, 100, p.RealizedPnL, 1e-9)
	assert.InDelta(t, 1.0, p.Size, 1e-12)
}

func TestOpenPendingKeepsRequestedQty(t *testing.T) {
	reg, store, _ := newTestRegistry(t)
	ctx := context.Background()

	p, err := reg.OpenPending(ctx, "BTCUSD", "PF_XBTUSD", domain.PositionSideLong, 0.75, 5, 50000)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, p.RequestedQty, 1e-12)
	assert.Zero(t, p.Size)

	got := store.rows[p.ID]
	assert.InDelta(t, 0.75, got.RequestedQty, 1e-12)
}

func TestFillRetriesAfterStoreError(t *testing.T) {
	store := &flakyPositionStore{memPositionStore: newMemPositionStore()}
	audit := &memAuditStore{}
	reg := New(store, audit, slog.Default(), Config{
		Account:         "acct-1",
		TP1SizeFraction: 0.4,
		TP2SizeFraction: 0.3,
	})
	ctx := context.Background()

	p, err := reg.OpenPending(ctx, "BTCUSD", "PF_XBTUSD", domain.PositionSideLong, 1.0, 5, 50000)
	require.NoError(t, err)

	fill := domain.Fill{ExecID: "e1", Qty: 1.0, Price: 50000, Time: time.Now()}
	store.updateFailures = 1
	_, err = reg.ApplyEntryFill(ctx, p.ID, fill, testSpec)
	require.ErrorIs(t, err, errStoreDown)

	// The exec id must not be consumed by the failed write; the same fill
	// retried after the store recovers applies normally.
	p, err = reg.ApplyEntryFill(ctx, p.ID, fill, testSpec)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, p.Size, 1e-12)
	assert.Equal(t, domain.StateOpenUnprotected, p.State)

	// And deduplication still holds once the write has landed.
	_, err = reg.ApplyEntryFill(ctx, p.ID, fill, testSpec)
	assert.ErrorIs(t, err, domain.ErrDuplicateEvent)

	p, err = reg.MarkProtected(ctx, p.ID, 48000, "stop-1", domain.ProtectionReasonEntry)
	require.NoError(t, err)
	p, err = reg.BeginPartialClose(ctx, p.ID)
	require.NoError(t, err)

	reduce := domain.Fill{ExecID: "r1", Qty: 0.4, Price: 51000, Time: time.Now()}
	store.updateFailures = 1
	_, err = reg.ApplyReduceFill(ctx, p.ID, reduce)
	require.ErrorIs(t, err, errStoreDown)

	p, err = reg.ApplyReduceFill(ctx, p.ID, reduce)
	require.NoError(t, err)
	assert.InDelta(t, 0.6, p.Size, 1e-12)

	_, err = reg.ApplyReduceFill(ctx, p.ID, reduce)
	assert.ErrorIs(t, err, domain.ErrDuplicateEvent)
}

func openProtected(t *testing.T, reg *Registry, qty, price float64) domain.Position {
	t.Helper()
	ctx := context.Background()

	p, err := reg.OpenPending(ctx, "BTCUSD", "PF_XBTUSD", domain.PositionSideLong, qty, 5, price)
	require.NoError(t, err)
	p, err = reg.ApplyEntryFill(ctx, p.ID, domain.Fill{
		ExecID: "entry-" + p.ID, Qty: qty, Price: price, Time: time.Now(),
	}, testSpec)
	require.NoError(t, err)
	p, err = reg.MarkProtected(ctx, p.ID, price*0.96, "stop-"+p.ID, domain.ProtectionReasonEntry)
	require.NoError(t, err)
	return p
}
