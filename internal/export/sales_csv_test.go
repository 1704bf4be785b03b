package export

import (
	"bytes"
	"encoding/csv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posledger/backend/internal/domain"
)

func TestWriteSalesCSV(t *testing.T) {
	refundedAt := time.Date(2025, time.April, 6, 8, 0, 0, 0, time.UTC)
	sales := []domain.Sale{
		{
			ID:        "sale-1",
			ReceiptNo: "R-ABCDEFGH",
			Date:      time.Date(2025, time.April, 5, 23, 30, 0, 0, time.UTC),
			Items: []domain.SaleItem{
				{ProductID: "p1", Name: "Widget", Price: 1000, CostPrice: 400, Quantity: 2, LineTotal: 2000},
				{ProductID: "p2", Name: "Gadget", Variant: "Mini, red", Price: 333, CostPrice: 150, Quantity: 1, LineTotal: 333},
			},
			Total:      2333,
			Refunded:   true,
			RefundDate: &refundedAt,
		},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteSalesCSV(&buf, sales))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, []string{
		"sale_id", "receipt_no", "date", "refunded", "refund_date", "product_id",
		"name", "variant", "quantity", "price", "cost_price", "line_total", "sale_total",
	}, records[0])
	assert.Equal(t, []string{
		"sale-1", "R-ABCDEFGH", "2025-04-05T23:30:00Z", "true", "2025-04-06T08:00:00Z", "p1",
		"Widget", "", "2", "10.00", "4.00", "20.00", "23.33",
	}, records[1])
	assert.Equal(t, "Mini, red", records[2][7])
	assert.Equal(t, "3.33", records[2][9])
}
