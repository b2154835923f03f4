package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// ---------------------------------------------------------------------------
// Narrow store interfaces required by the archiver.
//
// The archiver only requires the query methods it actually calls, not the
// full domain store interfaces. The Postgres stores satisfy these implicitly.
// ---------------------------------------------------------------------------

// ReportArchiveStore provides read access to cycle reports for archival.
type ReportArchiveStore interface {
	// ListBefore returns all cycle reports finished strictly before the
	// given cutoff time.
	ListBefore(ctx context.Context, before time.Time) ([]domain.CycleReport, error)
}

// PositionArchiveStore provides read access to closed positions for archival.
type PositionArchiveStore interface {
	ListClosed(ctx context.Context, account string, opts domain.ListOpts) ([]domain.Position, error)
}

// multipartThreshold is the payload size above which uploads switch to the
// multipart path.
const multipartThreshold = 8 * 1024 * 1024

// ---------------------------------------------------------------------------
// ArchiveImpl
// ---------------------------------------------------------------------------

// ArchiveImpl implements domain.Archiver by querying the stores for aged
// records, serializing them to JSONL, and appending the result to the
// month-partitioned archive object. Appending rather than overwriting matters
// because retention runs daily against a monthly key: each run must keep
// what earlier runs already archived.
//
// Deletion of the archived records from the primary store is intentionally
// NOT performed here; the retention task deletes only after the archive
// upload has succeeded.
type ArchiveImpl struct {
	writer    domain.BlobWriter
	reader    domain.BlobReader
	reports   ReportArchiveStore
	positions PositionArchiveStore
	account   string
	audit     domain.AuditStore
}

var _ domain.Archiver = (*ArchiveImpl)(nil)

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	reports ReportArchiveStore,
	positions PositionArchiveStore,
	account string,
	audit domain.AuditStore,
) *ArchiveImpl {
	return &ArchiveImpl{
		writer:    writer,
		reader:    reader,
		reports:   reports,
		positions: positions,
		account:   account,
		audit:     audit,
	}
}

// ArchiveCycleReports serializes all cycle reports before the cutoff to JSONL
// and appends them to archive/cycle_reports/YYYY-MM.jsonl. The archival event
// is recorded in the audit log and the count of archived records is returned.
func (a *ArchiveImpl) ArchiveCycleReports(ctx context.Context, before time.Time) (int64, error) {
	reports, err := a.reports.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive cycle reports query: %w", err)
	}
	if len(reports) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(reports)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive cycle reports marshal: %w", err)
	}

	path := archivePath("cycle_reports", before)
	if err := a.appendObject(ctx, path, buf); err != nil {
		return 0, fmt.Errorf("s3blob: archive cycle reports upload: %w", err)
	}

	count := int64(len(reports))

	if err := a.audit.Log(ctx, "archive.cycle_reports", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive cycle reports audit log: %w", err)
	}

	return count, nil
}

// ArchiveClosedPositions serializes all positions closed before the cutoff to
// JSONL and appends them to archive/closed_positions/YYYY-MM.jsonl. The
// archival event is recorded in the audit log and the count of archived
// records is returned.
func (a *ArchiveImpl) ArchiveClosedPositions(ctx context.Context, before time.Time) (int64, error) {
	positions, err := a.positions.ListClosed(ctx, a.account, domain.ListOpts{Until: &before})
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive closed positions query: %w", err)
	}
	if len(positions) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(positions)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive closed positions marshal: %w", err)
	}

	path := archivePath("closed_positions", before)
	if err := a.appendObject(ctx, path, buf); err != nil {
		return 0, fmt.Errorf("s3blob: archive closed positions upload: %w", err)
	}

	count := int64(len(positions))

	if err := a.audit.Log(ctx, "archive.closed_positions", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive closed positions audit log: %w", err)
	}

	return count, nil
}

// appendObject performs a read-modify-write append: the current month object
// is fetched (absent counts as empty), the new lines are concatenated, and
// the whole object is rewritten. Payloads past the multipart threshold go
// through the chunked upload path.
func (a *ArchiveImpl) appendObject(ctx context.Context, path string, lines []byte) error {
	existing, err := a.readExisting(ctx, path)
	if err != nil {
		return err
	}

	payload := append(existing, lines...)
	if int64(len(payload)) > multipartThreshold {
		return a.writer.PutMultipart(ctx, path, bytes.NewReader(payload), multipartThreshold)
	}
	return a.writer.Put(ctx, path, bytes.NewReader(payload), "application/x-ndjson")
}

func (a *ArchiveImpl) readExisting(ctx context.Context, path string) ([]byte, error) {
	body, err := a.reader.Get(ctx, path)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read existing %s: %w", path, err)
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read existing %s: %w", path, err)
	}
	return data, nil
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// archivePath builds the S3 key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/cycle_reports/2025-01.jsonl
//	archive/closed_positions/2025-01.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
// Each element is marshalled as a single compact JSON line followed by '\n'.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
