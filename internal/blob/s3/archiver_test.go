package s3blob

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// memBlobStore keeps objects in a map and satisfies both blob interfaces.
type memBlobStore struct {
	objects    map[string][]byte
	multiparts int
}

func newMemBlobStore() *memBlobStore {
	return &memBlobStore{objects: make(map[string][]byte)}
}

func (m *memBlobStore) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.objects[path] = b
	return nil
}

func (m *memBlobStore) PutMultipart(_ context.Context, path string, data io.Reader, _ int64) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.objects[path] = b
	m.multiparts++
	return nil
}

func (m *memBlobStore) Get(_ context.Context, path string) (io.ReadCloser, error) {
	b, ok := m.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlobStore) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	var out []domain.BlobInfo
	for path, b := range m.objects {
		if strings.HasPrefix(path, prefix) {
			out = append(out, domain.BlobInfo{Path: path, Size: int64(len(b))})
		}
	}
	return out, nil
}

type fakeReportStore struct {
	reports []domain.CycleReport
}

func (f *fakeReportStore) ListBefore(_ context.Context, before time.Time) ([]domain.CycleReport, error) {
	var out []domain.CycleReport
	for _, r := range f.reports {
		if r.FinishedAt.Before(before) {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakePositionStore struct {
	closed []domain.Position
}

func (f *fakePositionStore) ListClosed(_ context.Context, _ string, opts domain.ListOpts) ([]domain.Position, error) {
	var out []domain.Position
	for _, p := range f.closed {
		if p.ClosedAt != nil && opts.Until != nil && p.ClosedAt.Before(*opts.Until) {
			out = append(out, p)
		}
	}
	return out, nil
}

type memAuditStore struct {
	events []string
}

func (m *memAuditStore) Log(_ context.Context, event string, _ map[string]any) error {
	m.events = append(m.events, event)
	return nil
}

func (m *memAuditStore) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func cycleReport(id string, finished time.Time) domain.CycleReport {
	return domain.CycleReport{CycleID: id, StartedAt: finished.Add(-time.Minute), FinishedAt: finished}
}

func TestArchiveCycleReportsWritesMonthObject(t *testing.T) {
	store := newMemBlobStore()
	audit := &memAuditStore{}
	cutoff := time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC)
	reports := &fakeReportStore{reports: []domain.CycleReport{
		cycleReport("c1", cutoff.Add(-48*time.Hour)),
		cycleReport("c2", cutoff.Add(-24*time.Hour)),
		cycleReport("kept", cutoff.Add(24*time.Hour)),
	}}

	a := NewArchiver(store, store, reports, &fakePositionStore{}, "acct-1", audit)
	n, err := a.ArchiveCycleReports(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	body := string(store.objects["archive/cycle_reports/2026-08.jsonl"])
	assert.Equal(t, 2, strings.Count(body, "\n"), "one JSONL line per report")
	assert.Contains(t, body, `"c1"`)
	assert.Contains(t, body, `"c2"`)
	assert.NotContains(t, body, `"kept"`)
	assert.Contains(t, audit.events, "archive.cycle_reports")
}

func TestArchiveAppendsToExistingMonthObject(t *testing.T) {
	store := newMemBlobStore()
	cutoff := time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC)

	// A daily retention run earlier in the month already archived c1.
	a := NewArchiver(store, store, &fakeReportStore{reports: []domain.CycleReport{
		cycleReport("c1", cutoff.Add(-72*time.Hour)),
	}}, &fakePositionStore{}, "acct-1", &memAuditStore{})
	_, err := a.ArchiveCycleReports(context.Background(), cutoff)
	require.NoError(t, err)

	a = NewArchiver(store, store, &fakeReportStore{reports: []domain.CycleReport{
		cycleReport("c2", cutoff.Add(-24*time.Hour)),
	}}, &fakePositionStore{}, "acct-1", &memAuditStore{})
	_, err = a.ArchiveCycleReports(context.Background(), cutoff)
	require.NoError(t, err)

	body := string(store.objects["archive/cycle_reports/2026-08.jsonl"])
	assert.Contains(t, body, `"c1"`, "earlier run's records survive the append")
	assert.Contains(t, body, `"c2"`)
	assert.Equal(t, 2, strings.Count(body, "\n"))
}

func TestArchiveClosedPositionsRespectsCutoff(t *testing.T) {
	store := newMemBlobStore()
	cutoff := time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC)
	oldClose := cutoff.Add(-10 * 24 * time.Hour)
	newClose := cutoff.Add(24 * time.Hour)

	positions := &fakePositionStore{closed: []domain.Position{
		{ID: "old-pos", Symbol: "BTCUSD", State: domain.StateClosed, ClosedAt: &oldClose},
		{ID: "new-pos", Symbol: "ETHUSD", State: domain.StateClosed, ClosedAt: &newClose},
	}}

	a := NewArchiver(store, store, &fakeReportStore{}, positions, "acct-1", &memAuditStore{})
	n, err := a.ArchiveClosedPositions(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	body := string(store.objects["archive/closed_positions/2026-08.jsonl"])
	assert.Contains(t, body, "old-pos")
	assert.NotContains(t, body, "new-pos")
}

func TestArchiveLargePayloadUsesMultipart(t *testing.T) {
	store := newMemBlobStore()
	cutoff := time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC)

	// Pad the reports past the multipart threshold.
	big := strings.Repeat("x", 1<<20)
	var reports []domain.CycleReport
	for i := 0; i < 10; i++ {
		r := cycleReport(big, cutoff.Add(-24*time.Hour))
		reports = append(reports, r)
	}

	a := NewArchiver(store, store, &fakeReportStore{reports: reports}, &fakePositionStore{}, "acct-1", &memAuditStore{})
	_, err := a.ArchiveCycleReports(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, 1, store.multiparts)
}

func TestArchiveSkipsEmptyMonths(t *testing.T) {
	store := newMemBlobStore()
	a := NewArchiver(store, store, &fakeReportStore{}, &fakePositionStore{}, "acct-1", &memAuditStore{})

	n, err := a.ArchiveCycleReports(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, store.objects, "nothing to archive means no object write")
}
