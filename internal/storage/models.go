package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// BlacklistEntry is a runtime blacklist row.
type BlacklistEntry struct {
	Identity  string
	Reason    string
	CreatedAt time.Time
}

// ExternalStake records collateral staked outside the ledger query path,
// keyed by identity and source.
type ExternalStake struct {
	Identity  string
	Source    string
	Amount    decimal.Decimal
	UpdatedAt time.Time
}

// EventRecord is a persisted guard event (circuit transition or treasury
// health change).
type EventRecord struct {
	ID         int64
	Kind       string
	Reason     string
	Message    string
	Fields     map[string]string
	OccurredAt time.Time
	CreatedAt  time.Time
}

// TreasurySnapshot is a point-in-time copy of treasury accounting.
type TreasurySnapshot struct {
	TakenAt          time.Time
	Balance          decimal.Decimal
	Reserved         decimal.Decimal
	Available        decimal.Decimal
	DailySpend       decimal.Decimal
	Health           string
	TransactionCount int64
	TotalFees        decimal.Decimal
	CreatedAt        time.Time
}
