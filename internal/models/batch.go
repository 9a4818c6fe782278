package models

import "github.com/shopspring/decimal"

// BatchResult summarizes a batch run over accounts
type BatchResult struct {
	Processed int             `json:"processed"`
	Succeeded int             `json:"succeeded"`
	Skipped   int             `json:"skipped"`
	Failed    int             `json:"failed"`
	Total     decimal.Decimal `json:"total"`
}
