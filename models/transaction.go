package models

import (
	"github.com/shopspring/decimal"
)

type TransactionKind string

const (
	KindIncome  TransactionKind = "income"
	KindExpense TransactionKind = "expense"
)

// Transaction is one cached ledger entry. The remote store is the source of
// truth; rows in this table mirror non-deleted remote records only, so the
// tombstone fields (deleted/deletedAt) never appear here.
//
// UpdatedAt is epoch millis and doubles as the merge watermark: the remote
// side bumps it on every mutation, including soft-delete.
type Transaction struct {
	LedgerID     string          `gorm:"primaryKey;size:64" json:"ledger_id"`
	TxID         string          `gorm:"primaryKey;size:64" json:"tx_id"`
	Amount       decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"amount"`
	Kind         TransactionKind `gorm:"size:16;not null" json:"kind"`
	Category     string          `gorm:"size:255" json:"category"`
	Description  string          `gorm:"type:text" json:"description"`
	Reward       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"reward"`
	Date         string          `gorm:"size:10;index" json:"date"` // calendar date YYYY-MM-DD, client-local
	CreatedBy    string          `gorm:"size:64" json:"created_by"`
	TargetMember string          `gorm:"size:64" json:"target_member"`
	CreatedAt    int64           `json:"created_at"`
	UpdatedAt    int64           `gorm:"index" json:"updated_at"`
}

func (Transaction) TableName() string {
	return "cached_transactions"
}
