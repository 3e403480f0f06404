package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table. Balance is the primary
// denormalized counter; it is only ever touched through Store methods
// called from engine transactions.
type Account struct {
	AccountID string         `gorm:"primaryKey"`
	Balance   int64          `gorm:"not null;check:balance >= 0"`
	Frozen    bool           `gorm:"not null;default:false"`
	CreatedAt time.Time      `gorm:"not null"`
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

func (Account) TableName() string { return "accounts" }

// BalanceMirror mirrors the balance_mirrors table, one row per account.
type BalanceMirror struct {
	AccountID string    `gorm:"primaryKey"`
	Balance   int64     `gorm:"not null;check:balance >= 0"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (BalanceMirror) TableName() string { return "balance_mirrors" }

// CreditTransaction mirrors the credit_transactions table.
type CreditTransaction struct {
	TransactionID string         `gorm:"type:uuid;primaryKey"`
	AccountID     string         `gorm:"not null;index:idx_transactions_account_created,priority:1"`
	Kind          string         `gorm:"not null"`
	Amount        int64          `gorm:"not null;check:amount > 0"`
	Operation     string         `gorm:""`
	Note          string         `gorm:""`
	Metadata      datatypes.JSON `gorm:"not null"`
	Refunded      bool           `gorm:"not null;default:false"`
	RefundOf      *string        `gorm:"index"`
	CreatedAt     time.Time      `gorm:"not null;index:idx_transactions_account_created,priority:2"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

func (transaction *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// PricingRule mirrors the pricing_rules table. Tier "" is the base tier.
type PricingRule struct {
	Operation string    `gorm:"primaryKey"`
	Tier      string    `gorm:"primaryKey"`
	Cost      int64     `gorm:"not null;check:cost > 0"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (PricingRule) TableName() string { return "pricing_rules" }
