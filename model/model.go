/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionType is the direction of money movement on the customer's account.
type TransactionType string

const (
	TransactionTypeCredit TransactionType = "credit"
	TransactionTypeDebit  TransactionType = "debit"
)

// ParseTransactionType normalizes a provider supplied type. The second return
// value is false when the value is neither credit nor debit.
func ParseTransactionType(value string) (TransactionType, bool) {
	switch TransactionType(strings.ToLower(strings.TrimSpace(value))) {
	case TransactionTypeCredit:
		return TransactionTypeCredit, true
	case TransactionTypeDebit:
		return TransactionTypeDebit, true
	}
	return "", false
}

// Counterparty is the other side of a bank transaction when the provider reports it.
type Counterparty struct {
	Name          string `json:"name,omitempty"`
	AccountNumber string `json:"account_number,omitempty"`
	BankName      string `json:"bank_name,omitempty"`
}

// CanonicalTransaction is the provider agnostic transaction handed to the ledger store.
type CanonicalTransaction struct {
	TransactionID         string                 `json:"transaction_id"`
	ProviderTransactionID string                 `json:"provider_transaction_id"`
	ConnectionID          string                 `json:"connection_id"`
	AccountID             string                 `json:"account_id"`
	ProviderAccountID     string                 `json:"provider_account_id"`
	Reference             string                 `json:"reference"`
	Amount                decimal.Decimal        `json:"amount"`
	Currency              string                 `json:"currency"`
	TransactionType       TransactionType        `json:"transaction_type"`
	TransactionDate       time.Time              `json:"transaction_date"`
	ValueDate             *time.Time             `json:"value_date,omitempty"`
	Description           string                 `json:"description"`
	Narration             string                 `json:"narration"`
	Status                string                 `json:"status"`
	BalanceAfter          *decimal.Decimal       `json:"balance_after,omitempty"`
	Counterparty          *Counterparty          `json:"counterparty,omitempty"`
	Tags                  []string               `json:"tags"`
	MetaData              map[string]interface{} `json:"meta_data,omitempty"`
	IsReversal            bool                   `json:"is_reversal"`
	OriginalTransactionID string                 `json:"original_transaction_id,omitempty"`
	IsHold                bool                   `json:"is_hold"`
	CreatedAt             time.Time              `json:"created_at"`
}

// Validate checks the rules a canonical transaction must satisfy before it
// reaches the ledger.
func (t *CanonicalTransaction) Validate() error {
	if t.ProviderTransactionID == "" {
		return fmt.Errorf("provider transaction id is required")
	}
	if t.TransactionType != TransactionTypeCredit && t.TransactionType != TransactionTypeDebit {
		return fmt.Errorf("invalid transaction type %q", t.TransactionType)
	}
	if t.Amount.IsNegative() && !t.IsHold {
		return fmt.Errorf("amount must not be negative, got %s", t.Amount.String())
	}
	if t.IsReversal && t.OriginalTransactionID == t.ProviderTransactionID && t.OriginalTransactionID != "" {
		return fmt.Errorf("reversal %s cannot reference itself", t.ProviderTransactionID)
	}
	return nil
}

// SignedAmount returns the amount with debits negated.
func (t *CanonicalTransaction) SignedAmount() decimal.Decimal {
	if t.TransactionType == TransactionTypeDebit {
		return t.Amount.Neg()
	}
	return t.Amount
}

// SyncScope identifies the (connection, account) pair a sync run works on.
type SyncScope struct {
	ConnectionID string `json:"connection_id"`
	AccountID    string `json:"account_id"`
}

func (s SyncScope) Key() string {
	return fmt.Sprintf("%s:%s", s.ConnectionID, s.AccountID)
}

// SyncCursor is the provider pagination token persisted after a fully drained run.
// A nil cursor means the next run starts from a date window.
type SyncCursor struct {
	ConnectionID string    `json:"connection_id"`
	AccountID    string    `json:"account_id"`
	Value        string    `json:"value"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// IngestionResult reports what happened to one batch handed to the ledger store.
type IngestionResult struct {
	Inserted   int `json:"inserted"`
	Duplicates int `json:"duplicates"`
}

// DedupeKey fingerprints the fields that define a provider transaction so the
// same item arriving on two pages, or in two runs, is only processed once.
func DedupeKey(raw RawTransaction) string {
	fields := []string{
		strings.TrimSpace(raw.ID),
		strings.TrimSpace(string(raw.Amount)),
		strings.TrimSpace(raw.Date),
		strings.ToLower(strings.TrimSpace(raw.Type)),
	}
	sum := sha256.Sum256([]byte(strings.Join(fields, "|")))
	return hex.EncodeToString(sum[:])
}

// GenerateUUIDWithSuffix generates a UUID with a given module name as a prefix.
func GenerateUUIDWithSuffix(module string) string {
	return fmt.Sprintf("%s_%s", module, uuid.New().String())
}
