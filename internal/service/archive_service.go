package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/orderbridge/internal/domain"
)

// multipartThreshold is the payload size above which archives are uploaded
// in parts. It equals the S3 minimum part size.
const multipartThreshold int64 = 5 * 1024 * 1024

// ArchiveService moves closed positions out of the ledger into object
// storage as JSONL.
type ArchiveService struct {
	ledger domain.PositionStore
	writer domain.BlobWriter
	reader domain.BlobReader
	audit  domain.AuditStore
	logger *slog.Logger
	now    func() time.Time
}

// ArchiveOption configures an ArchiveService.
type ArchiveOption func(*ArchiveService)

// WithArchiveReader lets the service list archives and avoid overwriting an
// object that already exists for the same cutoff date.
func WithArchiveReader(r domain.BlobReader) ArchiveOption {
	return func(s *ArchiveService) { s.reader = r }
}

// NewArchiveService creates an ArchiveService.
func NewArchiveService(ledger domain.PositionStore, writer domain.BlobWriter, audit domain.AuditStore, logger *slog.Logger, opts ...ArchiveOption) *ArchiveService {
	s := &ArchiveService{
		ledger: ledger,
		writer: writer,
		audit:  audit,
		logger: logger.With(slog.String("component", "archive")),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// archivedPosition is the JSONL line format.
type archivedPosition struct {
	PositionID    string           `json:"position_id"`
	BrokerTicket  uint64           `json:"mt5_ticket"`
	Symbol        string           `json:"symbol"`
	Side          domain.Side      `json:"side"`
	Volume        decimal.Decimal  `json:"volume"`
	EntryPrice    decimal.Decimal  `json:"entry_price"`
	CurrentPrice  decimal.Decimal  `json:"current_price"`
	StopLoss      *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit    *decimal.Decimal `json:"take_profit,omitempty"`
	UnrealizedPnL decimal.Decimal  `json:"unrealized_pnl"`
	RealizedPnL   *decimal.Decimal `json:"realized_pnl,omitempty"`
	Swap          decimal.Decimal  `json:"swap"`
	Status        string           `json:"status"`
	MagicNumber   int64            `json:"magic_number"`
	Comment       string           `json:"comment,omitempty"`
	OpenedAt      time.Time        `json:"opened_at"`
	ClosedAt      *time.Time       `json:"closed_at,omitempty"`
	Version       int64            `json:"version"`
}

func toArchived(p domain.Position) archivedPosition {
	return archivedPosition{
		PositionID:    p.PositionID,
		BrokerTicket:  p.BrokerTicket,
		Symbol:        p.Symbol,
		Side:          p.Side,
		Volume:        p.Volume,
		EntryPrice:    p.EntryPrice,
		CurrentPrice:  p.CurrentPrice,
		StopLoss:      p.StopLoss,
		TakeProfit:    p.TakeProfit,
		UnrealizedPnL: p.UnrealizedPnL,
		RealizedPnL:   p.RealizedPnL,
		Swap:          p.Swap,
		Status:        string(p.Status),
		MagicNumber:   p.MagicNumber,
		Comment:       p.Comment,
		OpenedAt:      p.OpenedAt,
		ClosedAt:      p.ClosedAt,
		Version:       p.Version,
	}
}

// ArchiveClosed uploads up to limit positions closed before the cutoff to
// archive/positions/YYYY-MM-DD.jsonl and then deletes them from the ledger.
// A limit of zero archives all of them. Nothing is deleted unless the upload
// succeeded. It returns the number of records removed from the ledger.
func (s *ArchiveService) ArchiveClosed(ctx context.Context, before time.Time, limit int) (int, error) {
	closed, err := s.ledger.FindClosed(ctx, "", 0)
	if err != nil {
		return 0, fmt.Errorf("archive: list closed: %w", err)
	}

	var batch []domain.Position
	for _, p := range closed {
		if p.ClosedAt == nil || !p.ClosedAt.Before(before) {
			continue
		}
		batch = append(batch, p)
	}
	// FindClosed is newest first; archive the oldest when limited.
	if limit > 0 && len(batch) > limit {
		batch = batch[len(batch)-limit:]
	}
	if len(batch) == 0 {
		return 0, nil
	}

	lines := make([]archivedPosition, len(batch))
	for i, p := range batch {
		lines[i] = toArchived(p)
	}
	buf, err := marshalJSONL(lines)
	if err != nil {
		return 0, fmt.Errorf("archive: marshal: %w", err)
	}

	path, err := s.freePath(ctx, before)
	if err != nil {
		return 0, err
	}
	if int64(len(buf)) > multipartThreshold {
		err = s.writer.PutMultipart(ctx, path, bytes.NewReader(buf), multipartThreshold)
	} else {
		err = s.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
	}
	if err != nil {
		return 0, fmt.Errorf("archive: upload %s: %w", path, err)
	}

	if err := s.audit.Log(ctx, "archive.positions", map[string]any{
		"path":   path,
		"count":  len(batch),
		"before": before.UTC().Format(time.RFC3339),
	}); err != nil {
		s.logger.WarnContext(ctx, "archive audit log failed",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}

	var (
		deleted int
		errs    []error
	)
	for _, p := range batch {
		err := s.ledger.Delete(ctx, p.BrokerTicket)
		switch {
		case err == nil:
			deleted++
		case errors.Is(err, domain.ErrNotFound):
		default:
			errs = append(errs, fmt.Errorf("delete %d: %w", p.BrokerTicket, err))
		}
	}

	s.logger.InfoContext(ctx, "archived closed positions",
		slog.String("path", path),
		slog.Int("archived", len(batch)),
		slog.Int("deleted", deleted),
	)
	if len(errs) > 0 {
		return deleted, fmt.Errorf("archive: %w", errors.Join(errs...))
	}
	return deleted, nil
}

// freePath returns the archive key for before, suffixed with the current
// unix time when an earlier run already wrote that key.
func (s *ArchiveService) freePath(ctx context.Context, before time.Time) (string, error) {
	path := archivePath("positions", before)
	if s.reader == nil {
		return path, nil
	}
	exists, err := s.reader.Exists(ctx, path)
	if err != nil {
		return "", fmt.Errorf("archive: check %s: %w", path, err)
	}
	if !exists {
		return path, nil
	}
	return fmt.Sprintf("archive/positions/%s-%d.jsonl", before.UTC().Format("2006-01-02"), s.now().Unix()), nil
}

// ListArchives returns the stored position archives.
func (s *ArchiveService) ListArchives(ctx context.Context) ([]domain.BlobInfo, error) {
	if s.reader == nil {
		return nil, fmt.Errorf("archive: list: no blob reader configured")
	}
	infos, err := s.reader.List(ctx, "archive/positions/")
	if err != nil {
		return nil, fmt.Errorf("archive: list: %w", err)
	}
	return infos, nil
}

// archivePath builds the object key, partitioned by the cutoff date.
//
//	archive/positions/2026-01-31.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.UTC().Format("2006-01-02"))
}

// marshalJSONL encodes each record as one compact JSON line.
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
