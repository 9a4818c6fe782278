package utils

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/Dan9191/coop-ledger/internal/models"
)

// GenerateHMAC generates a hex HMAC-SHA256 over the given fields
func GenerateHMAC(secret string, fields ...string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(strings.Join(fields, "|")))
	return hex.EncodeToString(h.Sum(nil))
}

func transactionFields(t *models.Transaction) []string {
	return []string{
		t.Reference,
		strconv.FormatInt(t.AccountID, 10),
		string(t.Type),
		t.Amount.StringFixed(2),
		t.RunningBalance.StringFixed(2),
		t.Actor,
		t.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// SignTransaction computes the signature stored with a ledger record
func SignTransaction(secret string, t *models.Transaction) string {
	return GenerateHMAC(secret, transactionFields(t)...)
}

// VerifyTransaction reports whether the stored signature matches the record
func VerifyTransaction(secret string, t *models.Transaction) bool {
	expected := SignTransaction(secret, t)
	return hmac.Equal([]byte(expected), []byte(t.Signature))
}
