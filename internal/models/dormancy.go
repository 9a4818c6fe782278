package models

import "time"

// DormancyStatus is the state of a dormancy record
type DormancyStatus string

const (
	DormancyOpen        DormancyStatus = "DORMANT"
	DormancyReactivated DormancyStatus = "REACTIVATED"
)

// DormancyRecord captures one period during which an account was dormant
type DormancyRecord struct {
	ID                int64          `json:"id"`
	AccountID         int64          `json:"account_id"`
	LastTransactionAt *time.Time     `json:"last_transaction_at,omitempty"`
	FlaggedAt         time.Time      `json:"flagged_at"`
	FlaggedBy         string         `json:"flagged_by"`
	Status            DormancyStatus `json:"status"`
	ReactivatedAt     *time.Time     `json:"reactivated_at,omitempty"`
	ReactivatedBy     string         `json:"reactivated_by,omitempty"`
}
