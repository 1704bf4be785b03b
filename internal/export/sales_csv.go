// Package export writes ledger reports in spreadsheet-friendly formats.
package export

import (
	"io"
	"time"

	"github.com/gocarina/gocsv"

	"posledger/backend/internal/domain"
)

// SaleLine is one CSV row: a sale item with its sale header repeated.
type SaleLine struct {
	SaleID     string `csv:"sale_id"`
	ReceiptNo  string `csv:"receipt_no"`
	Date       string `csv:"date"`
	Refunded   bool   `csv:"refunded"`
	RefundDate string `csv:"refund_date"`
	ProductID  string `csv:"product_id"`
	Name       string `csv:"name"`
	Variant    string `csv:"variant"`
	Quantity   int    `csv:"quantity"`
	Price      string `csv:"price"`
	CostPrice  string `csv:"cost_price"`
	LineTotal  string `csv:"line_total"`
	SaleTotal  string `csv:"sale_total"`
}

func SaleLines(sales []domain.Sale) []*SaleLine {
	rows := make([]*SaleLine, 0, len(sales)*2)
	for _, sale := range sales {
		refundDate := ""
		if sale.RefundDate != nil {
			refundDate = sale.RefundDate.UTC().Format(time.RFC3339)
		}
		for _, item := range sale.Items {
			rows = append(rows, &SaleLine{
				SaleID:     sale.ID,
				ReceiptNo:  sale.ReceiptNo,
				Date:       sale.Date.UTC().Format(time.RFC3339),
				Refunded:   sale.Refunded,
				RefundDate: refundDate,
				ProductID:  item.ProductID,
				Name:       item.Name,
				Variant:    item.Variant,
				Quantity:   item.Quantity,
				Price:      item.Price.String(),
				CostPrice:  item.CostPrice.String(),
				LineTotal:  item.LineTotal.String(),
				SaleTotal:  sale.Total.String(),
			})
		}
	}
	return rows
}

// WriteSalesCSV writes a header and one row per sale item.
func WriteSalesCSV(w io.Writer, sales []domain.Sale) error {
	return gocsv.Marshal(SaleLines(sales), w)
}
