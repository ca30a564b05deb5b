package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// multipartThreshold is the payload size above which uploads go through the
// multipart manager.
const multipartThreshold = 8 * 1024 * 1024

// StrategyArchiveStore is the slice of a strategy store the archiver needs:
// listing settled strategies and removing them once they are safely in the
// bucket.
type StrategyArchiveStore interface {
	List(ctx context.Context, filter domain.StrategyFilter) ([]domain.Strategy, error)
	Delete(ctx context.Context, ids ...string) (int64, error)
}

// ObjectChecker reports whether a key is already taken.
type ObjectChecker interface {
	Exists(ctx context.Context, path string) (bool, error)
}

// StrategyArchiver implements domain.Archiver. Terminal strategies last
// updated before the cutoff are written as JSONL, then deleted from the
// primary store and the run is recorded in the audit log.
type StrategyArchiver struct {
	writer     domain.BlobWriter
	objects    ObjectChecker
	strategies StrategyArchiveStore
	audit      domain.AuditStore
	now        func() time.Time
}

// NewArchiver creates a StrategyArchiver. objects may be nil, in which case
// an existing object at the target key is overwritten.
func NewArchiver(writer domain.BlobWriter, objects ObjectChecker, strategies StrategyArchiveStore, audit domain.AuditStore) *StrategyArchiver {
	return &StrategyArchiver{
		writer:     writer,
		objects:    objects,
		strategies: strategies,
		audit:      audit,
		now:        time.Now,
	}
}

var archivedStatuses = []domain.StrategyStatus{
	domain.StatusClosed,
	domain.StatusCancelled,
	domain.StatusRejected,
}

// ArchiveStrategies moves terminal strategies updated at or before the
// cutoff to archive/strategies/YYYY-MM[.n].jsonl and returns how many were
// archived. Nothing is deleted unless the upload succeeded.
func (a *StrategyArchiver) ArchiveStrategies(ctx context.Context, before time.Time) (int64, error) {
	settled, err := a.strategies.List(ctx, domain.StrategyFilter{
		Statuses: archivedStatuses,
		ListOpts: domain.ListOpts{Until: &before},
	})
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive strategies query: %w", err)
	}
	// Until bounds updated_at; terminal status is rechecked in case a store
	// only filters loosely.
	ids := make([]string, 0, len(settled))
	kept := settled[:0]
	for _, st := range settled {
		if !st.Status.Terminal() {
			continue
		}
		kept = append(kept, st)
		ids = append(ids, st.ID)
	}
	if len(kept) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(kept)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive strategies marshal: %w", err)
	}

	path, err := a.freePath(ctx, "strategies", before)
	if err != nil {
		return 0, err
	}
	if len(buf) > multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive strategies upload: %w", err)
	}

	deleted, err := a.strategies.Delete(ctx, ids...)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive strategies delete (uploaded to %s): %w", path, err)
	}

	if err := a.audit.Log(ctx, "archive.strategies", map[string]any{
		"path":     path,
		"count":    len(kept),
		"deleted":  deleted,
		"before":   before.UTC().Format(time.RFC3339),
		"archived": a.now().UTC().Format(time.RFC3339),
	}); err != nil {
		return int64(len(kept)), fmt.Errorf("s3blob: archive strategies audit log: %w", err)
	}
	return int64(len(kept)), nil
}

// freePath returns the first unused key for the cutoff's month. Repeated runs
// within a month get .1, .2, ... suffixes.
func (a *StrategyArchiver) freePath(ctx context.Context, kind string, before time.Time) (string, error) {
	path := archivePath(kind, before, 0)
	if a.objects == nil {
		return path, nil
	}
	for seq := 1; ; seq++ {
		taken, err := a.objects.Exists(ctx, path)
		if err != nil {
			return "", fmt.Errorf("s3blob: archive path %s: %w", path, err)
		}
		if !taken {
			return path, nil
		}
		path = archivePath(kind, before, seq)
	}
}

// archivePath builds the key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/strategies/2026-01.jsonl
//	archive/strategies/2026-01.1.jsonl
func archivePath(kind string, before time.Time, seq int) string {
	month := before.UTC().Format("2006-01")
	if seq == 0 {
		return fmt.Sprintf("archive/%s/%s.jsonl", kind, month)
	}
	return fmt.Sprintf("archive/%s/%s.%d.jsonl", kind, month, seq)
}

// marshalJSONL serialises records as newline-delimited JSON.
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

var _ domain.Archiver = (*StrategyArchiver)(nil)
