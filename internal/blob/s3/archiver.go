package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"tradeguard/internal/domain"
)

// Archiver exports a day's worth of closed positions and audit entries as
// JSONL files to object storage. Records are never deleted from the primary
// store here; retention is a separate, explicit operation run after the
// archive has been verified.
type Archiver struct {
	writer    domain.BlobWriter
	positions domain.PositionStore
	audit     domain.AuditStore
	logger    *slog.Logger

	now func() time.Time
}

// NewArchiver creates an Archiver over the given blob writer and stores.
func NewArchiver(writer domain.BlobWriter, positions domain.PositionStore, audit domain.AuditStore, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer:    writer,
		positions: positions,
		audit:     audit,
		logger:    logger.With(slog.String("component", "archiver")),
		now:       time.Now,
	}
}

// Run archives the previous UTC day once at startup and then once per day.
// It returns when ctx is cancelled.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		day := a.now().UTC().AddDate(0, 0, -1)
		if err := a.ArchiveDay(ctx, day); err != nil {
			a.logger.ErrorContext(ctx, "daily archive failed",
				slog.String("day", day.Format("2006-01-02")),
				slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ArchiveDay exports positions closed on the given UTC day and the day's
// audit entries. Empty days produce no objects.
func (a *Archiver) ArchiveDay(ctx context.Context, day time.Time) error {
	since := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	until := since.AddDate(0, 0, 1)

	nPos, err := a.archivePositions(ctx, since, until)
	if err != nil {
		return err
	}
	nAudit, err := a.archiveAudit(ctx, since, until)
	if err != nil {
		return err
	}

	a.logger.InfoContext(ctx, "daily archive complete",
		slog.String("day", since.Format("2006-01-02")),
		slog.Int("positions", nPos),
		slog.Int("audit_entries", nAudit))
	return nil
}

// archivePositions uploads positions closed in [since, until) to
// archive/positions/YYYY-MM-DD.jsonl.
func (a *Archiver) archivePositions(ctx context.Context, since, until time.Time) (int, error) {
	positions, err := a.positions.ListHistory(ctx, domain.ListOpts{
		Since: &since,
		Until: &until,
	})
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions query: %w", err)
	}
	if len(positions) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(positions)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions marshal: %w", err)
	}

	path := archivePath("positions", since)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive positions upload: %w", err)
	}

	if err := a.audit.Log(ctx, "archive.positions", map[string]any{
		"path":  path,
		"count": len(positions),
		"day":   since.Format("2006-01-02"),
	}); err != nil {
		return len(positions), fmt.Errorf("s3blob: archive positions audit log: %w", err)
	}
	return len(positions), nil
}

// archiveAudit uploads audit entries recorded in [since, until) to
// archive/audit/YYYY-MM-DD.jsonl.
func (a *Archiver) archiveAudit(ctx context.Context, since, until time.Time) (int, error) {
	entries, err := a.audit.List(ctx, domain.ListOpts{
		Since: &since,
		Until: &until,
	})
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit query: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(entries)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit marshal: %w", err)
	}

	path := archivePath("audit", since)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive audit upload: %w", err)
	}

	if err := a.audit.Log(ctx, "archive.audit", map[string]any{
		"path":  path,
		"count": len(entries),
		"day":   since.Format("2006-01-02"),
	}); err != nil {
		return len(entries), fmt.Errorf("s3blob: archive audit audit log: %w", err)
	}
	return len(entries), nil
}

// archivePath builds the S3 key for an archive file, partitioned by day.
//
//	archive/positions/2026-08-29.jsonl
//	archive/audit/2026-08-29.jsonl
func archivePath(kind string, day time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, day.Format("2006-01-02"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON.
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
