package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account representa o saldo de uma identidade verificada em uma moeda
type Account struct {
	AccountID   string          `json:"account_id"`
	Currency    string          `json:"currency"`
	Available   decimal.Decimal `json:"available"`
	Locked      decimal.Decimal `json:"locked"`
	Frozen      bool            `json:"frozen"`
	CreatedAt   time.Time       `json:"created_at"`
	LastUpdated time.Time       `json:"last_updated"`
}

// AmountScale is the number of fractional digits a balance can hold.
const AmountScale = 8

// WithinScale reports whether amount needs no rounding to AmountScale digits.
func WithinScale(amount decimal.Decimal) bool {
	return amount.Equal(amount.Truncate(AmountScale))
}

// NewAccount creates an account with an opening available balance.
func NewAccount(accountID, currency string, opening decimal.Decimal) *Account {
	now := time.Now().UTC()
	return &Account{
		AccountID:   accountID,
		Currency:    currency,
		Available:   opening,
		Locked:      decimal.Zero,
		CreatedAt:   now,
		LastUpdated: now,
	}
}

// Total is available plus locked.
func (a *Account) Total() decimal.Decimal {
	return a.Available.Add(a.Locked)
}

// Key identifies the account in stores, caches and the keyed mutex.
func (a *Account) Key() string {
	return AccountKey(a.AccountID, a.Currency)
}

// AccountKey builds the (accountID, currency) key.
func AccountKey(accountID, currency string) string {
	return accountID + ":" + currency
}
