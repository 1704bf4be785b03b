package xid

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const receiptAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func New(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// ReceiptNo returns a short code printed on receipts. It is not unique enough
// to be used as a key.
func ReceiptNo() string {
	code, err := gonanoid.Generate(receiptAlphabet, 8)
	if err != nil {
		return fmt.Sprintf("R-%d", time.Now().UnixNano())
	}
	return "R-" + code
}
