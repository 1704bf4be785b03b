package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"posledger/backend/internal/cache"
	"posledger/backend/internal/domain"
	"posledger/backend/internal/log"
	"posledger/backend/internal/stats"
	"posledger/backend/internal/store"
	"posledger/backend/internal/xid"
)

// CreateSale checks out a cart. A request repeating a known idempotency key
// returns the original sale with Duplicate set and changes nothing.
func (s *Service) CreateSale(ctx context.Context, req domain.SaleRequest) (domain.SaleResponse, error) {
	key := strings.TrimSpace(req.IdempotencyKey)
	if key != "" {
		existing, err := s.repo.FindSaleByIdempotency(ctx, key)
		if err == nil {
			s.metrics.SaleDuplicate()
			return domain.SaleResponse{Sale: *existing, Duplicate: true}, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return domain.SaleResponse{}, err
		}
	}

	lines, err := store.NormalizeLines(req.Items)
	if err != nil {
		s.metrics.SaleRejected()
		return domain.SaleResponse{}, err
	}

	sale, err := s.repo.CreateSale(ctx, domain.Sale{
		ID:             xid.New("sale"),
		ReceiptNo:      xid.ReceiptNo(),
		IdempotencyKey: key,
		Date:           s.now().Truncate(time.Second),
	}, lines)
	if err != nil {
		// Lost a race with the same key: hand back the winner.
		if key != "" && errors.Is(err, store.ErrConflict) {
			if existing, findErr := s.repo.FindSaleByIdempotency(ctx, key); findErr == nil {
				s.metrics.SaleDuplicate()
				return domain.SaleResponse{Sale: *existing, Duplicate: true}, nil
			}
		}
		s.metrics.SaleRejected()
		return domain.SaleResponse{}, err
	}

	s.invalidateStats(ctx, sale.Date)
	s.metrics.SaleCommitted(int64(sale.Total))
	s.logAudit(ctx, "sale_create", "sale", sale.ID,
		fmt.Sprintf("receipt=%s,total=%s,items=%d", sale.ReceiptNo, sale.Total, sale.ItemCount()))

	return domain.SaleResponse{Sale: *sale}, nil
}

func (s *Service) GetSale(ctx context.Context, id string) (domain.Sale, error) {
	sale, err := s.repo.FindSaleByID(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

// ListSales returns sales in [start, end), newest first. Each bound is
// optional and accepts YYYY-MM-DD (UTC midnight) or RFC 3339.
func (s *Service) ListSales(ctx context.Context, start string, end string) ([]domain.Sale, error) {
	r, err := ParseRange(start, end)
	if err != nil {
		return nil, err
	}
	return s.repo.ListSales(ctx, r)
}

// RefundSale restocks and marks a sale refunded. Lines whose product was
// deleted are skipped, logged and audited.
func (s *Service) RefundSale(ctx context.Context, id string) (domain.RefundResponse, error) {
	id = strings.TrimSpace(id)
	result, err := s.repo.RefundSale(ctx, id, s.now())
	if err != nil {
		return domain.RefundResponse{}, err
	}

	logger := log.ForContext(ctx).WithField("sale_id", id)
	for _, productID := range result.RestockSkipped {
		logger.WithField("product_id", productID).Warn("refund restock skipped: product no longer exists")
		s.logAudit(ctx, "refund_restock_skipped", "product", productID, "sale="+id)
	}

	s.invalidateStats(ctx, result.Sale.Date)
	s.metrics.Refunded(len(result.RestockSkipped))
	s.logAudit(ctx, "sale_refund", "sale", id,
		fmt.Sprintf("total=%s,skipped=%d", result.Sale.Total, len(result.RestockSkipped)))

	return domain.RefundResponse{Sale: result.Sale, RestockSkipped: result.RestockSkipped}, nil
}

// Receipt renders the sale for a thermal printer.
func (s *Service) Receipt(ctx context.Context, id string) (domain.ReceiptResponse, error) {
	sale, err := s.GetSale(ctx, id)
	if err != nil {
		return domain.ReceiptResponse{}, err
	}

	lines := []string{
		"POS Ledger",
		"========================",
		"Receipt: " + sale.ReceiptNo,
		"Sale: " + sale.ID,
		"Date: " + sale.Date.Format("2006-01-02 15:04:05") + " UTC",
		"------------------------",
	}
	for _, item := range sale.Items {
		name := item.Name
		if item.Variant != "" {
			name += " (" + item.Variant + ")"
		}
		lines = append(lines, fmt.Sprintf("%s x%d @ %s", name, item.Quantity, item.Price))
		lines = append(lines, "  "+item.LineTotal.String())
	}
	lines = append(lines,
		"------------------------",
		fmt.Sprintf("Items : %d", sale.ItemCount()),
		fmt.Sprintf("Total : %s", sale.Total),
	)
	if sale.Refunded && sale.RefundDate != nil {
		lines = append(lines,
			"*** REFUNDED ***",
			"Refunded: "+sale.RefundDate.Format("2006-01-02 15:04:05")+" UTC",
		)
	}
	lines = append(lines,
		"========================",
		"Thank you",
		"",
	)

	escpos := []byte{0x1b, 0x40}
	for _, line := range lines {
		escpos = append(escpos, []byte(line)...)
		escpos = append(escpos, '\n')
	}
	escpos = append(escpos, []byte{0x1d, 0x56, 0x41, 0x10}...)

	return domain.ReceiptResponse{
		SaleID:       sale.ID,
		ReceiptNo:    sale.ReceiptNo,
		EscposBase64: base64.StdEncoding.EncodeToString(escpos),
		PreviewText:  strings.Join(lines, "\n"),
		FileName:     fmt.Sprintf("receipt-%s.bin", sale.ReceiptNo),
	}, nil
}

// ParseRange builds a half-open sale range from optional string bounds.
func ParseRange(start string, end string) (store.SaleRange, error) {
	var r store.SaleRange
	var err error
	if r.From, err = parseBound(start); err != nil {
		return r, err
	}
	if r.To, err = parseBound(end); err != nil {
		return r, err
	}
	if !r.From.IsZero() && !r.To.IsZero() && r.To.Before(r.From) {
		return r, fmt.Errorf("%w: end is before start", store.ErrValidation)
	}
	return r, nil
}

func parseBound(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if day, err := stats.ParseDay(raw); err == nil {
		return day, nil
	}
	at, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q is not YYYY-MM-DD or RFC 3339", store.ErrValidation, raw)
	}
	return at.UTC(), nil
}

func parseDay(raw string) (time.Time, error) {
	day, err := stats.ParseDay(strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date must be YYYY-MM-DD", store.ErrValidation)
	}
	return day, nil
}

func (s *Service) invalidateStats(ctx context.Context, at time.Time) {
	s.statsEpoch.Add(1)
	if err := s.cache.Delete(ctx, cache.KeysFor(at)...); err != nil {
		log.ForContext(ctx).WithError(err).Warn("failed to invalidate stats cache")
	}
}
