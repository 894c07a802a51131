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

package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/blnkfinance/bankfeed/internal/apierror"
	"github.com/blnkfinance/bankfeed/model"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const insertTransactionQuery = `
	INSERT INTO bankfeed.bank_transactions (
		transaction_id, provider_transaction_id, connection_id, account_id, provider_account_id,
		reference, amount, currency, transaction_type, transaction_date, value_date,
		description, narration, status, balance_after, counterparty, tags, meta_data,
		is_reversal, original_transaction_id, is_hold, created_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
	ON CONFLICT (account_id, provider_transaction_id) DO NOTHING`

const selectTransactionColumns = `
	SELECT transaction_id, provider_transaction_id, connection_id, account_id, provider_account_id,
		reference, amount, currency, transaction_type, transaction_date, value_date,
		description, narration, status, balance_after, counterparty, tags, meta_data,
		is_reversal, original_transaction_id, is_hold, created_at
	FROM bankfeed.bank_transactions`

// ExistingTransactionIDs returns the subset of providerTransactionIDs already
// stored for the account.
func (d Datasource) ExistingTransactionIDs(ctx context.Context, accountID string, providerTransactionIDs []string) (map[string]bool, error) {
	ctx, span := otel.Tracer("bankfeed.database").Start(ctx, "Fetching existing bank transaction ids")
	defer span.End()
	span.SetAttributes(attribute.Int("batch.size", len(providerTransactionIDs)))

	existing := make(map[string]bool)
	if len(providerTransactionIDs) == 0 {
		return existing, nil
	}

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT provider_transaction_id FROM bankfeed.bank_transactions
		WHERE account_id = $1 AND provider_transaction_id = ANY($2)
	`, accountID, pq.Array(providerTransactionIDs))
	if err != nil {
		span.RecordError(err)
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to fetch existing transactions", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan transaction id", err)
		}
		existing[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to iterate transaction ids", err)
	}
	return existing, nil
}

// InsertTransactions writes the batch inside one SQL transaction and returns
// how many rows were actually inserted. Rows that collide on
// (account_id, provider_transaction_id) are skipped, not failed.
func (d Datasource) InsertTransactions(ctx context.Context, txns []*model.CanonicalTransaction) (int, error) {
	ctx, span := otel.Tracer("bankfeed.database").Start(ctx, "Saving bank transactions to db")
	defer span.End()
	span.SetAttributes(attribute.Int("batch.size", len(txns)))

	if len(txns) == 0 {
		return 0, nil
	}

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, insertTransactionQuery)
	if err != nil {
		span.RecordError(err)
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to prepare insert", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, txn := range txns {
		args, err := insertArgs(txn)
		if err != nil {
			return 0, err
		}
		result, err := stmt.ExecContext(ctx, args...)
		if err != nil {
			span.RecordError(err)
			return 0, apierror.NewAPIError(apierror.ErrInternalServer, fmt.Sprintf("Failed to insert transaction %s", txn.ProviderTransactionID), err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read affected rows", err)
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit transactions", err)
	}
	span.SetAttributes(attribute.Int("batch.inserted", inserted))
	return inserted, nil
}

func (d Datasource) GetTransaction(ctx context.Context, transactionID string) (*model.CanonicalTransaction, error) {
	ctx, span := otel.Tracer("bankfeed.database").Start(ctx, "Getting bank transaction from db")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, selectTransactionColumns+` WHERE transaction_id = $1`, transactionID)
	txn, err := scanTransaction(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Transaction with ID '%s' not found", transactionID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve transaction", err)
	}
	return txn, nil
}

func (d Datasource) ListTransactions(ctx context.Context, accountID string, limit, offset int) ([]*model.CanonicalTransaction, error) {
	ctx, span := otel.Tracer("bankfeed.database").Start(ctx, "Listing bank transactions")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx,
		selectTransactionColumns+` WHERE account_id = $1 ORDER BY transaction_date DESC, id DESC LIMIT $2 OFFSET $3`,
		accountID, limit, offset)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to list transactions", err)
	}
	defer rows.Close()

	var txns []*model.CanonicalTransaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan transaction", err)
		}
		txns = append(txns, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to iterate transactions", err)
	}
	return txns, nil
}

func insertArgs(txn *model.CanonicalTransaction) ([]interface{}, error) {
	metaDataJSON, err := json.Marshal(txn.MetaData)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal metadata", err)
	}

	var counterparty sql.NullString
	if txn.Counterparty != nil {
		raw, err := json.Marshal(txn.Counterparty)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal counterparty", err)
		}
		counterparty = sql.NullString{String: string(raw), Valid: true}
	}

	var balanceAfter decimal.NullDecimal
	if txn.BalanceAfter != nil {
		balanceAfter = decimal.NewNullDecimal(*txn.BalanceAfter)
	}

	var valueDate sql.NullTime
	if txn.ValueDate != nil {
		valueDate = sql.NullTime{Time: *txn.ValueDate, Valid: true}
	}

	tags := txn.Tags
	if tags == nil {
		tags = []string{}
	}

	return []interface{}{
		txn.TransactionID, txn.ProviderTransactionID, txn.ConnectionID, txn.AccountID, txn.ProviderAccountID,
		txn.Reference, txn.Amount, txn.Currency, string(txn.TransactionType), txn.TransactionDate, valueDate,
		txn.Description, txn.Narration, txn.Status, balanceAfter, counterparty, pq.Array(tags), metaDataJSON,
		txn.IsReversal, nullString(txn.OriginalTransactionID), txn.IsHold, txn.CreatedAt,
	}, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row rowScanner) (*model.CanonicalTransaction, error) {
	txn := &model.CanonicalTransaction{}
	var (
		providerAccountID, reference, description, narration, status, originalID sql.NullString
		valueDate                                                                sql.NullTime
		balanceAfter                                                             decimal.NullDecimal
		counterparty, metaDataJSON                                               []byte
		txnType                                                                  string
	)

	err := row.Scan(
		&txn.TransactionID, &txn.ProviderTransactionID, &txn.ConnectionID, &txn.AccountID, &providerAccountID,
		&reference, &txn.Amount, &txn.Currency, &txnType, &txn.TransactionDate, &valueDate,
		&description, &narration, &status, &balanceAfter, &counterparty, pq.Array(&txn.Tags), &metaDataJSON,
		&txn.IsReversal, &originalID, &txn.IsHold, &txn.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	txn.TransactionType = model.TransactionType(txnType)
	txn.ProviderAccountID = providerAccountID.String
	txn.Reference = reference.String
	txn.Description = description.String
	txn.Narration = narration.String
	txn.Status = status.String
	txn.OriginalTransactionID = originalID.String
	if valueDate.Valid {
		vd := valueDate.Time
		txn.ValueDate = &vd
	}
	if balanceAfter.Valid {
		b := balanceAfter.Decimal
		txn.BalanceAfter = &b
	}
	if len(counterparty) > 0 {
		txn.Counterparty = &model.Counterparty{}
		if err := json.Unmarshal(counterparty, txn.Counterparty); err != nil {
			return nil, err
		}
	}
	if len(metaDataJSON) > 0 {
		if err := json.Unmarshal(metaDataJSON, &txn.MetaData); err != nil {
			return nil, err
		}
	}
	return txn, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
