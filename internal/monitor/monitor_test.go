package monitor

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

type memStateStore struct {
	rec domain.StateRecord
	set bool
}

func (s *memStateStore) Get(context.Context) (domain.StateRecord, error) {
	if !s.set {
		return domain.StateRecord{}, domain.ErrNotFound
	}
	return s.rec, nil
}

func (s *memStateStore) Set(_ context.Context, rec domain.StateRecord) error {
	s.rec = rec
	s.set = true
	return nil
}

type memAudit struct {
	events []string
}

func (a *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	a.events = append(a.events, event)
	return nil
}

func (a *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func testThresholds() Thresholds {
	return Thresholds{
		DrawdownWarnPct:      0.05,
		DrawdownCriticalPct:  0.10,
		DrawdownEmergencyPct: 0.20,
		NotionalWarn:         50_000,
		NotionalCritical:     100_000,
		UtilizationWarn:      0.60,
		UtilizationCritical:  0.90,
		RejectRateWarn:       0.30,
		RejectRateCritical:   0.80,
		APIErrorRateWarn:     0.10,
		APIErrorRateCritical: 0.50,
		DegradedSizingFactor: 0.5,
	}
}

func newMonitor(t *testing.T) (*Monitor, *memStateStore, *memAudit) {
	t.Helper()
	store := &memStateStore{}
	audit := &memAudit{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := New(store, audit, log, testThresholds())
	require.NoError(t, m.Load(context.Background()))
	return m, store, audit
}

func TestHealthyCycleStaysActive(t *testing.T) {
	m, _, _ := newMonitor(t)

	st, err := m.Evaluate(context.Background(), Stats{Equity: 10_000, Utilization: 0.2})
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, st)
	assert.Equal(t, 1.0, m.SizingFactor())
}

func TestTwoWarningsDegrade(t *testing.T) {
	m, store, _ := newMonitor(t)

	st, err := m.Evaluate(context.Background(), Stats{
		Equity:       10_000,
		Utilization:  0.65, // warn
		RejectRate:   0.40, // warn
		OpenNotional: 10_000,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StateDegraded, st)
	assert.Equal(t, domain.StateDegraded, store.rec.State)
	assert.Equal(t, 0.5, m.SizingFactor())
}

func TestOneWarningStaysActive(t *testing.T) {
	m, _, _ := newMonitor(t)

	st, err := m.Evaluate(context.Background(), Stats{Equity: 10_000, Utilization: 0.65})
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, st)
}

func TestSingleCriticalHalts(t *testing.T) {
	m, _, audit := newMonitor(t)

	st, err := m.Evaluate(context.Background(), Stats{Equity: 10_000, Utilization: 0.95})
	require.NoError(t, err)
	assert.Equal(t, domain.StateHalted, st)
	assert.Contains(t, audit.events, "system_state_changed")
}

func TestHaltedIsStickyAcrossHealthyCycles(t *testing.T) {
	m, _, _ := newMonitor(t)

	_, err := m.Evaluate(context.Background(), Stats{Equity: 10_000, Utilization: 0.95})
	require.NoError(t, err)

	st, err := m.Evaluate(context.Background(), Stats{Equity: 10_000, Utilization: 0.1})
	require.NoError(t, err)
	assert.Equal(t, domain.StateHalted, st, "sticky state must not auto-clear")
}

func TestDrawdownEmergency(t *testing.T) {
	m, _, _ := newMonitor(t)

	_, err := m.Evaluate(context.Background(), Stats{Equity: 10_000})
	require.NoError(t, err)

	// 25% down from the 10k peak crosses the 20% emergency line.
	st, err := m.Evaluate(context.Background(), Stats{Equity: 7_500})
	require.NoError(t, err)
	assert.Equal(t, domain.StateEmergency, st)
	assert.Equal(t, 10_000.0, m.PeakEquity())
}

func TestClearProtectiveResetsToActive(t *testing.T) {
	m, store, _ := newMonitor(t)

	_, err := m.Evaluate(context.Background(), Stats{Equity: 10_000, Utilization: 0.95})
	require.NoError(t, err)

	require.NoError(t, m.ClearProtective(context.Background(), "ops"))
	st, err := m.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, st)
	assert.Equal(t, "ops", store.rec.ChangedBy)
}

func TestPersistedHaltSurvivesRestart(t *testing.T) {
	store := &memStateStore{}
	require.NoError(t, store.Set(context.Background(), domain.StateRecord{
		State:  domain.StateHalted,
		Reason: "utilization breach",
	}))

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := New(store, &memAudit{}, log, testThresholds())
	require.NoError(t, m.Load(context.Background()))

	st, err := m.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.StateHalted, st)
}
