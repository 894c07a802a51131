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

// Package transform maps provider transaction payloads onto the canonical
// transaction schema. It performs no I/O.
package transform

import (
	"fmt"
	"strings"
	"time"

	"github.com/blnkfinance/bankfeed/internal/apierror"
	"github.com/blnkfinance/bankfeed/model"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/shopspring/decimal"
)

// DefaultCurrency applies when neither the payload nor the account has one.
const DefaultCurrency = "NGN"

var minorUnits = decimal.NewFromInt(100)

var dateLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"}

// Enricher may contribute extra tags for a transaction. It sees the raw
// payload and the canonical transaction built so far.
type Enricher func(raw model.RawTransaction, txn model.CanonicalTransaction) []string

// Account is the caller-side context a payload is transformed under.
type Account struct {
	ConnectionID      string
	AccountID         string
	ProviderAccountID string
	Currency          string
}

type Options struct {
	Provider        string
	DefaultCurrency string
	Enrichers       []Enricher
	Now             func() time.Time
}

type Transformer struct {
	opts Options
}

func New(opts Options) *Transformer {
	if opts.DefaultCurrency == "" {
		opts.DefaultCurrency = DefaultCurrency
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Transformer{opts: opts}
}

// RecordError ties a rejected payload to its provider id.
type RecordError struct {
	ProviderTransactionID string
	Err                   error
}

// TransformAll converts every payload it can and reports the rest.
func (t *Transformer) TransformAll(raws []model.RawTransaction, acct Account) ([]model.CanonicalTransaction, []RecordError) {
	out := make([]model.CanonicalTransaction, 0, len(raws))
	var rejected []RecordError
	for _, raw := range raws {
		txn, err := t.Transform(raw, acct)
		if err != nil {
			rejected = append(rejected, RecordError{ProviderTransactionID: raw.ID, Err: err})
			continue
		}
		out = append(out, txn)
	}
	return out, rejected
}

// Transform builds a canonical transaction or returns a VALIDATION_ERROR.
// A partially populated transaction is never returned.
func (t *Transformer) Transform(raw model.RawTransaction, acct Account) (model.CanonicalTransaction, error) {
	err := validation.ValidateStruct(&raw,
		validation.Field(&raw.ID, validation.Required),
		validation.Field(&raw.Amount, validation.Required),
		validation.Field(&raw.Type, validation.Required),
		validation.Field(&raw.Date, validation.Required),
	)
	if err != nil {
		return model.CanonicalTransaction{}, invalid(raw.ID, "missing required fields", err)
	}

	txnType, ok := model.ParseTransactionType(raw.Type)
	if !ok {
		return model.CanonicalTransaction{}, invalid(raw.ID, fmt.Sprintf("unknown transaction type %q", raw.Type), nil)
	}

	amount, err := fromMinorUnits(raw.Amount)
	if err != nil {
		return model.CanonicalTransaction{}, invalid(raw.ID, "amount is not numeric", err)
	}
	hold := raw.IsHold()
	if amount.IsNegative() {
		return model.CanonicalTransaction{}, invalid(raw.ID, "amount must not be negative", nil)
	}
	if amount.IsZero() && !hold {
		return model.CanonicalTransaction{}, invalid(raw.ID, "zero amount is only allowed on holds", nil)
	}

	txnDate, err := parseDate(raw.Date)
	if err != nil {
		return model.CanonicalTransaction{}, invalid(raw.ID, "invalid transaction date", err)
	}

	txn := model.CanonicalTransaction{
		TransactionID:         model.GenerateUUIDWithSuffix("btxn"),
		ProviderTransactionID: raw.ID,
		ConnectionID:          acct.ConnectionID,
		AccountID:             acct.AccountID,
		ProviderAccountID:     firstNonEmpty(raw.Account, acct.ProviderAccountID),
		Reference:             firstNonEmpty(raw.Reference, raw.ID),
		Amount:                amount,
		Currency:              t.currency(raw, acct),
		TransactionType:       txnType,
		TransactionDate:       txnDate,
		Description:           firstNonEmpty(raw.Description, raw.Narration),
		Narration:             raw.Narration,
		Status:                strings.ToLower(strings.TrimSpace(raw.Status)),
		IsHold:                hold,
		CreatedAt:             t.opts.Now().UTC(),
	}

	if raw.ValueDate != "" {
		valueDate, err := parseDate(raw.ValueDate)
		if err != nil {
			return model.CanonicalTransaction{}, invalid(raw.ID, "invalid value date", err)
		}
		txn.ValueDate = &valueDate
	}

	if raw.Balance != "" {
		balance, err := fromMinorUnits(raw.Balance)
		if err != nil {
			return model.CanonicalTransaction{}, invalid(raw.ID, "balance is not numeric", err)
		}
		txn.BalanceAfter = &balance
	}

	if err := t.applyReversal(raw, &txn); err != nil {
		return model.CanonicalTransaction{}, err
	}

	if !raw.Counterparty.IsEmpty() {
		txn.Counterparty = &model.Counterparty{
			Name:          raw.Counterparty.Name,
			AccountNumber: raw.Counterparty.AccountNumber,
			BankName:      raw.Counterparty.BankName,
		}
	}

	txn.Tags = t.tags(raw, txn)
	txn.MetaData = t.metadata(raw, txn)

	if err := txn.Validate(); err != nil {
		return model.CanonicalTransaction{}, invalid(raw.ID, err.Error(), nil)
	}
	return txn, nil
}

func (t *Transformer) applyReversal(raw model.RawTransaction, txn *model.CanonicalTransaction) error {
	metaReversed := raw.Meta != nil && raw.Meta.Reversed
	if !strings.EqualFold(strings.TrimSpace(raw.Status), "reversed") && !metaReversed {
		return nil
	}
	txn.IsReversal = true
	if raw.Meta != nil {
		txn.OriginalTransactionID = raw.Meta.OriginalTransactionID
	}
	if txn.OriginalTransactionID == raw.ID {
		return invalid(raw.ID, "reversal cannot reference itself", nil)
	}
	return nil
}

func (t *Transformer) currency(raw model.RawTransaction, acct Account) string {
	return strings.ToUpper(firstNonEmpty(
		strings.TrimSpace(raw.Currency),
		strings.TrimSpace(acct.Currency),
		t.opts.DefaultCurrency,
	))
}

func (t *Transformer) tags(raw model.RawTransaction, txn model.CanonicalTransaction) []string {
	seen := make(map[string]struct{})
	tags := make([]string, 0, 4)
	add := func(tag string) {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			return
		}
		if _, ok := seen[tag]; ok {
			return
		}
		seen[tag] = struct{}{}
		tags = append(tags, tag)
	}

	add(raw.Category)
	add(string(txn.TransactionType))
	for _, enrich := range t.opts.Enrichers {
		for _, tag := range enrich(raw, txn) {
			add(tag)
		}
	}
	return tags
}

func (t *Transformer) metadata(raw model.RawTransaction, txn model.CanonicalTransaction) map[string]interface{} {
	meta := map[string]interface{}{
		"provenance":    "bankfeed:" + t.opts.Provider,
		"raw_id":        raw.ID,
		"raw_category":  raw.Category,
		"raw_currency":  raw.Currency,
		"is_hold":       txn.IsHold,
		"signed_amount": txn.SignedAmount().StringFixed(2),
	}
	if raw.Meta != nil && len(raw.Meta.Extra) > 0 {
		meta["extra"] = raw.Meta.Extra
	}
	return meta
}

func fromMinorUnits(value model.RawAmount) (decimal.Decimal, error) {
	minor, err := decimal.NewFromString(strings.TrimSpace(string(value)))
	if err != nil {
		return decimal.Decimal{}, err
	}
	return minor.Div(minorUnits).Round(2), nil
}

func parseDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range dateLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", value)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func invalid(id, message string, cause error) error {
	if id != "" {
		message = fmt.Sprintf("transaction %s: %s", id, message)
	}
	apiErr := apierror.APIError{Code: apierror.ErrValidation, Message: message}
	if cause != nil {
		apiErr.Details = cause
	}
	return apiErr
}

// FlagTags tags reversals and holds so they can be filtered without
// reading metadata.
func FlagTags(_ model.RawTransaction, txn model.CanonicalTransaction) []string {
	var tags []string
	if txn.IsReversal {
		tags = append(tags, "reversal")
	}
	if txn.IsHold {
		tags = append(tags, "hold")
	}
	return tags
}
