package xid

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsPrefixedUUID(t *testing.T) {
	id := New("sale")
	require.True(t, strings.HasPrefix(id, "sale-"))
	_, err := uuid.Parse(strings.TrimPrefix(id, "sale-"))
	assert.NoError(t, err)
	assert.NotEqual(t, id, New("sale"))
}

func TestReceiptNo(t *testing.T) {
	no := ReceiptNo()
	require.True(t, strings.HasPrefix(no, "R-"))
	code := strings.TrimPrefix(no, "R-")
	assert.Len(t, code, 8)
	for _, r := range code {
		assert.True(t, strings.ContainsRune(receiptAlphabet, r), "unexpected rune %q", r)
	}
}
